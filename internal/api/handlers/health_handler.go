// internal/api/handlers/health_handler.go
// 健康檢查 Handler

package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Version API 版本
const Version = "1.0.0"

// Pinger 回報各依賴服務是否可用
type Pinger interface {
	Ping(ctx context.Context) map[string]bool
}

// HealthHandler 健康檢查 Handler
type HealthHandler struct {
	pinger Pinger
	esp    string
}

// NewHealthHandler 建立 Health Handler
func NewHealthHandler(pinger Pinger, espName string) *HealthHandler {
	return &HealthHandler{pinger: pinger, esp: espName}
}

// Health 健康檢查
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	services := gin.H{}
	for name, ok := range h.pinger.Ping(ctx) {
		if ok {
			services[name] = "ok"
			continue
		}
		services[name] = "error"
		status = "degraded"
	}

	statusCode := http.StatusOK
	if status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, gin.H{
		"status":   status,
		"version":  Version,
		"esp":      h.esp,
		"services": services,
	})
}
