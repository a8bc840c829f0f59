package server

import (
	"context"
	"net/http"
	"time"

	"story-vault/app/config"
	"story-vault/app/handler"
	"story-vault/app/logger"
	"story-vault/app/middleware"

	"github.com/gin-gonic/gin"
)

// Server 状态查询 HTTP 服务
type Server struct {
	logger *logger.Logger
	cfg    config.ServerConfig
	http   *http.Server
}

// New 创建 HTTP 服务
func New(cfg config.ServerConfig, h *handler.Handler, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/api/healthz", h.Healthz)

	api := engine.Group("/api", middleware.APIKeyAuth(cfg.APIKey))
	{
		api.GET("/status", h.Status)
		api.GET("/records/recent", h.RecentRecords)
		api.GET("/records/user/:username", h.UserRecords)
		api.POST("/check", h.TriggerCheck)
	}

	return &Server{
		logger: log,
		cfg:    cfg,
		http: &http.Server{
			Addr:    ":" + cfg.Port,
			Handler: engine,
		},
	}
}

// Start 启动 HTTP 服务
func (s *Server) Start() {
	go func() {
		s.logger.Infof("HTTP 服务已启动，端口 %s", s.cfg.Port)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Errorf("HTTP 服务异常退出: %v", err)
		}
	}()
}

// Stop 优雅关闭 HTTP 服务
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Errorf("关闭 HTTP 服务失败: %v", err)
	}
}
