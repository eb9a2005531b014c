// cmd/api/main.go
// Gin RESTful API 入口

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"mail-relay/internal/api/routes"
	"mail-relay/internal/config"
	"mail-relay/internal/database"
	"mail-relay/internal/esp"
	"mail-relay/internal/logger"
	"mail-relay/internal/services"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	base, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	log := logger.Component(base, "api")
	log.Info().Str("env", cfg.Env).Msg("starting mail relay API server")

	// 初始化資料庫
	db, err := database.Open(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("database unavailable")
	}
	if err := database.Migrate(db); err != nil {
		log.Fatal().Err(err).Msg("database migration failed")
	}

	// 初始化 KeyDB
	keydbService, err := services.NewKeyDBService(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to KeyDB")
	}
	defer keydbService.Close()

	// 初始化 RabbitMQ
	queueService, err := services.NewQueueService(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to RabbitMQ")
	}
	defer queueService.Close()

	mailService := services.NewMailService(cfg, db, queueService, keydbService, log)
	tokenService := services.NewTokenService(cfg.JWTSecret, db, log)
	if cfg.InitAdminToken {
		token, err := tokenService.EnsureAdmin(context.Background(), cfg.AdminTokenName)
		if err != nil {
			log.Error().Err(err).Msg("failed to initialize admin token")
		} else if token != "" {
			// 只輸出這一次，資料庫只保存 hash
			fmt.Fprintf(os.Stderr, "\nadmin token (%s): %s\n\n", services.AdminClientID, token)
		}
	}

	// 初始化 Gin
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := routes.NewRouter(&routes.Dependencies{
		JWTSecret:           cfg.JWTSecret,
		MaxAttachmentSizeMB: cfg.MaxAttachmentSizeMB,
		ESPName:             esp.Normalize(cfg.Anymail.ESP, esp.SendGrid),
		Mails:               mailService,
		Health:              mailService,
		Tokens:              tokenService,
		Audit:               services.NewAuditService(db, log),
		Log:                 log,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.APIPort).Msg("API server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	// 等待中斷信號
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down API server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("API server stopped")
}
