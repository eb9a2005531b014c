// internal/smtp/backend.go
// SMTP Backend 介面實作 - 處理 SMTP 連線認證與 Session 建立

package smtp

import (
	"context"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mail-relay/internal/config"
	"mail-relay/internal/models"
)

// 未認證時的 client 身分
const (
	inboundClientID   = "smtp-inbound"
	inboundClientName = "SMTP Receiver"
)

// Submitter 儲存附件並排入佇列 (services.MailService)
type Submitter interface {
	StoreAttachment(mailID uuid.UUID, filename string, data []byte) (string, error)
	Submit(ctx context.Context, mailID uuid.UUID, job *models.MailJob, clientID, clientName string) error
}

// TokenChecker 檢查 client token 是否仍有效
type TokenChecker interface {
	IsActive(ctx context.Context, clientID string) (bool, error)
}

// Backend 實作 smtp.Backend 介面
// 負責處理 SMTP 連線並建立 Session
type Backend struct {
	cfg    *config.Config
	mails  Submitter
	tokens TokenChecker
	log    *zerolog.Logger
}

// NewBackend 建立 SMTP Backend
func NewBackend(cfg *config.Config, mails Submitter, tokens TokenChecker, log *zerolog.Logger) *Backend {
	return &Backend{cfg: cfg, mails: mails, tokens: tokens, log: log}
}

// NewSession 建立新的 SMTP Session
func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	remote := ""
	if addr := c.Conn().RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	b.log.Debug().Str("remote", remote).Str("helo", c.Hostname()).Msg("new connection")

	return &Session{
		backend:    b,
		clientID:   inboundClientID,
		clientName: inboundClientName,
		remote:     remote,
	}, nil
}
