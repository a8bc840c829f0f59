package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ApiResponse 统一的接口响应结构
type ApiResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Success 返回成功响应
func Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, ApiResponse{
		Code:    0,
		Message: "success",
		Data:    data,
	})
}

// Error 返回错误响应
func Error(c *gin.Context, status int, message string) {
	c.JSON(status, ApiResponse{
		Code:    status,
		Message: message,
	})
}
