// internal/smtp/server.go
// SMTP Server 核心 - 啟動與管理 SMTP 伺服器

package smtp

import (
	"context"
	"errors"
	"fmt"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/rs/zerolog"

	"mail-relay/internal/config"
)

const maxRecipients = 50

// Server SMTP 伺服器
type Server struct {
	cfg        *config.Config
	log        *zerolog.Logger
	smtpServer *gosmtp.Server
}

// NewServer 建立 SMTP 伺服器
func NewServer(cfg *config.Config, mails Submitter, tokens TokenChecker, log *zerolog.Logger) *Server {
	srv := gosmtp.NewServer(NewBackend(cfg, mails, tokens, log))
	srv.Addr = fmt.Sprintf(":%s", cfg.SMTPInboundPort)
	srv.Domain = cfg.SMTPDomain
	srv.ReadTimeout = 30 * time.Second
	srv.WriteTimeout = 30 * time.Second
	srv.MaxMessageBytes = int64(cfg.SMTPMaxMessageSize) * 1024 * 1024
	srv.MaxRecipients = maxRecipients
	srv.AllowInsecureAuth = cfg.IsDevelopment()

	return &Server{cfg: cfg, log: log, smtpServer: srv}
}

// Start 啟動 SMTP 伺服器 (阻塞)
func (s *Server) Start() error {
	s.log.Info().
		Str("port", s.cfg.SMTPInboundPort).
		Bool("auth_required", s.cfg.SMTPAuthRequired).
		Int("max_message_mb", s.cfg.SMTPMaxMessageSize).
		Strs("allowed_domains", s.cfg.SMTPAllowedDomains).
		Msg("SMTP server starting")

	if err := s.smtpServer.ListenAndServe(); err != nil && !errors.Is(err, gosmtp.ErrServerClosed) {
		return fmt.Errorf("SMTP server error: %w", err)
	}
	return nil
}

// Shutdown 優雅關機，等待進行中的 session 結束
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("SMTP server shutting down")
	return s.smtpServer.Shutdown(ctx)
}
