// cmd/worker/main.go
// RabbitMQ Worker 入口

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mail-relay/internal/anymail"
	"mail-relay/internal/config"
	"mail-relay/internal/database"
	"mail-relay/internal/esp"
	"mail-relay/internal/logger"
	"mail-relay/internal/services"
	"mail-relay/internal/worker"
)

const shutdownTimeout = 60 * time.Second

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
	log := logger.Component(base, "worker")
	log.Info().Msg("starting mail relay worker")

	// worker 需要看到每個發送錯誤才能決定重試
	if cfg.Anymail.FailSilently {
		log.Warn().Msg("ANYMAIL_FAIL_SILENTLY ignored by worker")
		cfg.Anymail.FailSilently = false
	}

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

	// 初始化郵件路由
	espLog := logger.Component(base, "esp")
	mailRouter := services.NewMailRouter(
		func(name string) (*anymail.Backend, error) {
			return esp.NewBackend(name, cfg, espLog)
		},
		esp.Normalize(cfg.Anymail.ESP, esp.SendGrid),
		cfg.OrgEmailDomain,
		log,
	)
	if err := mailRouter.ValidateConfiguration(); err != nil {
		log.Warn().Err(err).Msg("mail router configuration issue")
	}

	consumer := worker.NewConsumer(cfg, db, queueService, mailRouter, keydbService, log)
	if err := consumer.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start worker")
	}

	// 等待中斷信號
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down worker")
	consumer.GracefulShutdown(shutdownTimeout)
	log.Info().Msg("worker stopped")
}
