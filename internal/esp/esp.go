// internal/esp/esp.go
// ESP 工廠 - 依名稱建立 adapter 與 anymail backend

// Package esp 依設定選擇 ESP adapter
package esp

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"mail-relay/internal/anymail"
	"mail-relay/internal/config"
	"mail-relay/internal/esp/graph"
	"mail-relay/internal/esp/mailgun"
	"mail-relay/internal/esp/postmark"
	"mail-relay/internal/esp/resend"
	"mail-relay/internal/esp/sendgrid"
	"mail-relay/pkg/microsoft"
)

// 支援的 ESP 名稱
const (
	SendGrid = "sendgrid"
	Mailgun  = "mailgun"
	Postmark = "postmark"
	Resend   = "resend"
	Graph    = "graph"
)

var aliases = map[string]string{
	"microsoft": Graph,
	"msgraph":   Graph,
}

// Names 回傳支援的 ESP 名稱
func Names() []string {
	return []string{SendGrid, Mailgun, Postmark, Resend, Graph}
}

// Normalize 正規化 ESP 名稱，空字串使用預設值
func Normalize(name, def string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = def
	}
	if alias, ok := aliases[name]; ok {
		return alias
	}
	return name
}

// New 依名稱建立 adapter
func New(name string, cfg *config.Config) (anymail.Adapter, error) {
	switch Normalize(name, SendGrid) {
	case SendGrid:
		return sendgrid.New(sendgrid.Config{
			APIKey:            cfg.SendGrid.APIKey,
			APIURL:            cfg.SendGrid.APIURL,
			TemplateVarFormat: cfg.SendGrid.TemplateVarFormat,
			DisableMessageID:  cfg.SendGrid.DisableMessageID,
		})
	case Mailgun:
		return mailgun.New(mailgun.Config{
			APIKey:       cfg.Mailgun.APIKey,
			APIURL:       cfg.Mailgun.APIURL,
			SenderDomain: cfg.Mailgun.SenderDomain,
		})
	case Postmark:
		return postmark.New(postmark.Config{
			ServerToken: cfg.Postmark.ServerToken,
			APIURL:      cfg.Postmark.APIURL,
		})
	case Resend:
		return resend.New(resend.Config{
			APIKey: cfg.Resend.APIKey,
			APIURL: cfg.Resend.APIURL,
		})
	case Graph:
		return graph.New(graph.Config{
			Credentials: microsoft.Credentials{
				TenantID:     cfg.MicrosoftTenantID,
				ClientID:     cfg.MicrosoftClientID,
				ClientSecret: cfg.MicrosoftClientSecret,
			},
			APIURL:          cfg.GraphAPIURL,
			AuthorityURL:    cfg.MicrosoftAuthorityURL,
			SaveToSentItems: cfg.GraphSaveToSentItems,
		})
	}
	return nil, anymail.NewConfigurationError("unsupported ESP %q (expected one of %s)",
		name, strings.Join(Names(), ", "))
}

// NewBackend 建立 adapter 並套用 anymail 發送設定
func NewBackend(name string, cfg *config.Config, log *zerolog.Logger) (*anymail.Backend, error) {
	adapter, err := New(name, cfg)
	if err != nil {
		return nil, err
	}

	opts, err := Options(Normalize(name, SendGrid), adapter.Name(), &cfg.Anymail)
	if err != nil {
		return nil, err
	}
	opts.Logger = log

	backend, err := anymail.New(adapter, opts)
	if err != nil {
		return nil, fmt.Errorf("esp: %s backend init: %w", adapter.Name(), err)
	}
	if log != nil {
		log.Info().Str("esp", adapter.Name()).Msg("esp backend initialised")
	}
	return backend, nil
}

// Options 由設定組出 anymail.Options
// ESP 預設值可用設定名稱 (sendgrid) 或 adapter 名稱 (SendGrid) 指定
func Options(key, espName string, s *config.AnymailSettings) (anymail.Options, error) {
	loc, err := s.Location()
	if err != nil {
		return anymail.Options{}, anymail.NewConfigurationError("%v", err)
	}

	espDefaults := s.ESPDefaults(key)
	if espDefaults == nil {
		espDefaults = s.ESPDefaults(espName)
	}
	return anymail.Options{
		IgnoreUnsupportedFeatures: s.IgnoreUnsupported(key, espName),
		IgnoreRecipientStatus:     s.IgnoreRecipientStatus,
		FailSilently:              s.FailSilently,
		SendDefaults:              s.SendDefaults,
		ESPSendDefaults:           espDefaults,
		Location:                  loc,
	}, nil
}
