// internal/api/middlewares/logger.go
// 請求日誌與 API 稽核紀錄

package middlewares

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"mail-relay/internal/models"
)

// AuditSink 保存 API 稽核紀錄
type AuditSink interface {
	Record(entry models.APILog)
}

// RequestLogger 以 zerolog 記錄每個請求；已認證的請求另寫入稽核紀錄
func RequestLogger(log *zerolog.Logger, audit AuditSink) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)

		status := c.Writer.Status()
		event := log.Info()
		switch {
		case status >= 500:
			event = log.Error()
		case status >= 400:
			event = log.Warn()
		}
		clientID := c.GetString("client_id")
		event.
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Dur("latency", latency).
			Str("ip", c.ClientIP()).
			Str("client_id", clientID).
			Msg("request")

		if audit == nil || clientID == "" {
			return
		}
		entry := models.APILog{
			ClientID:       clientID,
			ClientName:     c.GetString("client_name"),
			RequestIP:      c.ClientIP(),
			Endpoint:       c.FullPath(),
			Method:         c.Request.Method,
			StatusCode:     status,
			ResponseTimeMs: int(latency.Milliseconds()),
		}
		if id := c.Param("id"); id != "" {
			entry.MailID = &id
		}
		audit.Record(entry)
	}
}
