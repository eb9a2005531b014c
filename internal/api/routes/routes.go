// internal/api/routes/routes.go
// Gin 路由註冊

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"mail-relay/internal/api/handlers"
	"mail-relay/internal/api/middlewares"
	"mail-relay/internal/models"
)

// Dependencies 路由依賴
type Dependencies struct {
	JWTSecret           string
	MaxAttachmentSizeMB int
	ESPName             string

	Mails  handlers.MailStore
	Health handlers.Pinger
	Tokens interface {
		handlers.TokenManager
		middlewares.TokenChecker
	}
	Audit middlewares.AuditSink
	Log   *zerolog.Logger
}

// NewRouter 建立 gin engine 並註冊所有路由
func NewRouter(deps *Dependencies) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middlewares.RequestLogger(deps.Log, deps.Audit))
	RegisterRoutes(router, deps)
	return router
}

// RegisterRoutes 註冊所有路由
func RegisterRoutes(router *gin.Engine, deps *Dependencies) {
	// 初始化 Handlers
	healthHandler := handlers.NewHealthHandler(deps.Health, deps.ESPName)
	mailHandler := handlers.NewMailHandler(deps.Mails, deps.MaxAttachmentSizeMB, deps.Log)
	authHandler := handlers.NewAuthHandler(deps.Tokens, deps.Log)
	auth := middlewares.JWTAuth(deps.JWTSecret, deps.Tokens)

	// 公開路由
	router.GET("/health", healthHandler.Health)

	// API v1 路由群組
	v1 := router.Group("/api/v1")
	{
		// 郵件相關 API (需認證)
		mail := v1.Group("/mail")
		mail.Use(auth, middlewares.RequirePermission(models.PermissionSend))
		{
			mail.POST("/send", mailHandler.Send)
			mail.POST("/send/batch", mailHandler.SendBatch)
			mail.GET("/status/:id", mailHandler.GetStatus)
			mail.GET("/history", mailHandler.GetHistory)
			mail.DELETE("/cancel/:id", mailHandler.Cancel)
		}

		// Token 管理 API (需 admin 權限)
		tokens := v1.Group("/auth")
		tokens.Use(auth, middlewares.RequirePermission(models.PermissionAdmin))
		{
			tokens.POST("/token", authHandler.CreateToken)
			tokens.GET("/token/:id", authHandler.GetToken)
			tokens.DELETE("/token/:id", authHandler.RevokeToken)
			tokens.GET("/tokens", authHandler.ListTokens)
		}
	}
}
