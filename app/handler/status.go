package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"story-vault/app/downloader"
	"story-vault/app/history"
	"story-vault/app/monitor"
	"story-vault/app/service"
	"story-vault/app/targets"

	"github.com/gin-gonic/gin"
)

// Handler 状态接口的依赖集合
type Handler struct {
	Monitor   *monitor.Monitor
	Scheduler *downloader.Scheduler
	Records   *service.RecordService
	Targets   *targets.Store
	Ledger    *history.Ledger
	StartedAt time.Time
}

// Healthz 健康检查，不需要鉴权
func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Status 返回运行状态总览
func (h *Handler) Status(c *gin.Context) {
	today, err := h.Records.TodayStats()
	if err != nil {
		Error(c, http.StatusInternalServerError, "读取统计失败")
		return
	}

	Success(c, gin.H{
		"uptime_seconds": int64(time.Since(h.StartedAt).Seconds()),
		"targets":        h.Targets.Count(),
		"ledger_entries": h.Ledger.Count(),
		"monitor":        h.Monitor.Stats(),
		"downloader":     h.Scheduler.StatsSnapshot(),
		"today":          today,
	})
}

// RecentRecords 返回最近的下载记录
func (h *Handler) RecentRecords(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	records, err := h.Records.RecentRecords(limit)
	if err != nil {
		Error(c, http.StatusInternalServerError, "查询下载记录失败")
		return
	}
	Success(c, records)
}

// UserRecords 返回指定用户的下载记录
func (h *Handler) UserRecords(c *gin.Context) {
	username := c.Param("username")
	if username == "" {
		Error(c, http.StatusBadRequest, "缺少用户名")
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	records, err := h.Records.RecordsByUser(username, limit)
	if err != nil {
		Error(c, http.StatusInternalServerError, "查询下载记录失败")
		return
	}
	Success(c, records)
}

// TriggerCheck 手动触发一轮检测
func (h *Handler) TriggerCheck(c *gin.Context) {
	go h.Monitor.Tick(context.Background())
	Success(c, gin.H{"triggered": true})
}
