// internal/smtp/session.go
// SMTP Session 處理 - 認證、信封與 DATA 接收

package smtp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"mail-relay/internal/models"
	"mail-relay/internal/services"
)

var errInvalidCredentials = &gosmtp.SMTPError{
	Code:         535,
	EnhancedCode: gosmtp.EnhancedCode{5, 7, 8},
	Message:      "Invalid credentials",
}

// Session 實作 smtp.Session 與 smtp.AuthSession
// 處理單一 SMTP 連線的郵件接收
type Session struct {
	backend *Backend
	remote  string

	authenticated bool
	clientID      string
	clientName    string

	from string   // MAIL FROM
	to   []string // RCPT TO
}

// AuthMechanisms 支援的 SASL 機制
func (s *Session) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

// Auth PLAIN 認證，密碼為 client JWT
func (s *Session) Auth(mech string) (sasl.Server, error) {
	if mech != sasl.Plain {
		return nil, gosmtp.ErrAuthUnknownMechanism
	}
	return sasl.NewPlainServer(func(_, username, password string) error {
		return s.authenticate(username, password)
	}), nil
}

func (s *Session) authenticate(username, password string) error {
	claims, err := services.ParseToken([]byte(s.backend.cfg.JWTSecret), password)
	if err != nil {
		s.backend.log.Warn().Str("username", username).Str("remote", s.remote).Msg("SMTP auth failed")
		return errInvalidCredentials
	}
	if !claims.HasPermission(models.PermissionSend) {
		return errInvalidCredentials
	}
	if s.backend.tokens != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		active, err := s.backend.tokens.IsActive(ctx, claims.ClientID)
		if err != nil || !active {
			return errInvalidCredentials
		}
	}

	s.authenticated = true
	s.clientID = claims.ClientID
	s.clientName = claims.ClientName
	s.backend.log.Info().Str("client_id", claims.ClientID).Str("remote", s.remote).Msg("SMTP client authenticated")
	return nil
}

// Mail 處理 MAIL FROM
func (s *Session) Mail(from string, _ *gosmtp.MailOptions) error {
	if s.backend.cfg.SMTPAuthRequired && !s.authenticated {
		return gosmtp.ErrAuthRequired
	}

	from = cleanEmail(from)
	if !domainAllowed(from, s.backend.cfg.SMTPAllowedDomains) {
		s.backend.log.Warn().Str("from", from).Str("remote", s.remote).Msg("sender domain not allowed")
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
			Message:      fmt.Sprintf("Sender domain not allowed: %s", from),
		}
	}

	s.from = from
	return nil
}

// Rcpt 處理 RCPT TO
func (s *Session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	s.to = append(s.to, cleanEmail(to))
	return nil
}

// Data 接收郵件內容，解析後排入佇列
func (s *Session) Data(r io.Reader) error {
	var buf bytes.Buffer
	size, err := buf.ReadFrom(r)
	if err != nil {
		if errors.Is(err, gosmtp.ErrDataTooLarge) {
			return err
		}
		return fmt.Errorf("failed to read mail data: %w", err)
	}

	log := s.backend.log.With().Str("from", s.from).Strs("to", s.to).Int64("bytes", size).Logger()

	msg, err := parseMessage(buf.Bytes(), s.from, s.to, time.Now())
	if err != nil {
		log.Error().Err(err).Msg("failed to parse message")
		return &gosmtp.SMTPError{
			Code:         554,
			EnhancedCode: gosmtp.EnhancedCode{5, 6, 0},
			Message:      "Message could not be parsed",
		}
	}

	mailID := uuid.New()
	for i, att := range msg.attachments {
		path, err := s.backend.mails.StoreAttachment(mailID, att.info.Filename, att.data)
		if err != nil {
			log.Error().Err(err).Str("filename", att.info.Filename).Msg("failed to store attachment")
			return errTemporary
		}
		msg.job.Attachments[i].StoragePath = path
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.backend.mails.Submit(ctx, mailID, msg.job, s.clientID, s.clientName); err != nil {
		log.Error().Err(err).Str("mail_id", mailID.String()).Msg("failed to queue mail")
		return errTemporary
	}

	log.Info().Str("mail_id", mailID.String()).Int("attachments", len(msg.attachments)).Msg("mail accepted")
	return nil
}

var errTemporary = &gosmtp.SMTPError{
	Code:         451,
	EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
	Message:      "Temporary failure, try again later",
}

// Reset 重置信封，保留認證狀態
func (s *Session) Reset() {
	s.from = ""
	s.to = nil
}

// Logout 處理 QUIT
func (s *Session) Logout() error {
	return nil
}
