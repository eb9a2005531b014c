// cmd/smtp-receiver/main.go
// SMTP Inbound Server 入口程式
// 接收外部 SMTP 郵件並轉發到 RabbitMQ 佇列

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mail-relay/internal/config"
	"mail-relay/internal/database"
	"mail-relay/internal/logger"
	"mail-relay/internal/services"
	"mail-relay/internal/smtp"
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
	log := logger.Component(base, "smtp")
	log.Info().Msg("starting SMTP inbound server")

	db, err := database.Open(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("database unavailable")
	}
	if err := database.Migrate(db); err != nil {
		log.Fatal().Err(err).Msg("database migration failed")
	}

	keydbService, err := services.NewKeyDBService(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to KeyDB")
	}
	defer keydbService.Close()

	queueService, err := services.NewQueueService(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to RabbitMQ")
	}
	defer queueService.Close()

	mailService := services.NewMailService(cfg, db, queueService, keydbService, log)
	tokenService := services.NewTokenService(cfg.JWTSecret, db, log)
	smtpServer := smtp.NewServer(cfg, mailService, tokenService, log)

	go func() {
		if err := smtpServer.Start(); err != nil {
			log.Fatal().Err(err).Msg("SMTP server error")
		}
	}()

	// 等待中斷信號
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := smtpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("SMTP server shutdown error")
	}
	log.Info().Msg("SMTP server stopped")
}
