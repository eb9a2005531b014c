// internal/services/mail_router_test.go

package services

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mail-relay/internal/anymail"
	"mail-relay/internal/config"
	"mail-relay/internal/esp"
	"mail-relay/internal/models"
)

func testConfig() *config.Config {
	return &config.Config{
		SendGrid:              config.SendGridConfig{APIKey: "sg-key"},
		Postmark:              config.PostmarkConfig{ServerToken: "pm-token"},
		MicrosoftTenantID:     "t",
		MicrosoftClientID:     "c",
		MicrosoftClientSecret: "s",
	}
}

func countingFactory(cfg *config.Config, calls map[string]int) BackendFactory {
	return func(name string) (*anymail.Backend, error) {
		calls[name]++
		return esp.NewBackend(name, cfg, nil)
	}
}

func TestMailRouter_RouteName(t *testing.T) {
	r := NewMailRouter(nil, "", "Corp.Example.com", nil)

	assert.Equal(t, esp.Graph, r.RouteName(&models.MailJob{FromAddress: "Alice <alice@corp.example.com>"}))
	assert.Equal(t, esp.Graph, r.RouteName(&models.MailJob{FromAddress: "bob@eu.corp.example.com"}))
	assert.Equal(t, esp.SendGrid, r.RouteName(&models.MailJob{FromAddress: "carol@notcorp.example.com"}))
	assert.Equal(t, esp.SendGrid, r.RouteName(&models.MailJob{FromAddress: "not an address"}))
	assert.Equal(t, esp.Postmark, r.RouteName(&models.MailJob{FromAddress: "alice@corp.example.com", ESP: "Postmark"}))
	assert.Equal(t, esp.Graph, r.RouteName(&models.MailJob{ESP: "msgraph"}))
}

func TestMailRouter_NoOrgDomain(t *testing.T) {
	r := NewMailRouter(nil, "postmark", "", nil)
	assert.Equal(t, esp.Postmark, r.RouteName(&models.MailJob{FromAddress: "alice@corp.example.com"}))
}

func TestMailRouter_CachesBackends(t *testing.T) {
	calls := map[string]int{}
	r := NewMailRouter(countingFactory(testConfig(), calls), "sendgrid", "corp.example.com", nil)

	b1, err := r.Route(&models.MailJob{FromAddress: "x@example.com"})
	require.NoError(t, err)
	b2, err := r.Route(&models.MailJob{FromAddress: "y@example.com"})
	require.NoError(t, err)
	assert.Same(t, b1, b2)
	assert.Equal(t, "SendGrid", b1.ESPName())

	g, err := r.Route(&models.MailJob{FromAddress: "x@corp.example.com"})
	require.NoError(t, err)
	assert.Equal(t, "Microsoft Graph", g.ESPName())
	assert.Equal(t, map[string]int{esp.SendGrid: 1, esp.Graph: 1}, calls)
}

func TestMailRouter_CloneHasOwnBackends(t *testing.T) {
	calls := map[string]int{}
	r := NewMailRouter(countingFactory(testConfig(), calls), "postmark", "corp.example.com", nil)
	clone := r.Clone()

	b1, err := r.Route(&models.MailJob{FromAddress: "x@example.com"})
	require.NoError(t, err)
	b2, err := clone.Route(&models.MailJob{FromAddress: "x@example.com"})
	require.NoError(t, err)

	assert.NotSame(t, b1, b2)
	assert.Equal(t, "Postmark", b2.ESPName())
	assert.Equal(t, esp.Graph, clone.RouteName(&models.MailJob{FromAddress: "a@corp.example.com"}))
	assert.Equal(t, 2, calls[esp.Postmark])
}

func TestMailRouter_ValidateConfiguration(t *testing.T) {
	cfg := testConfig()
	r := NewMailRouter(countingFactory(cfg, map[string]int{}), "sendgrid", "corp.example.com", nil)
	require.NoError(t, r.ValidateConfiguration())

	cfg.MicrosoftClientSecret = ""
	r = NewMailRouter(countingFactory(cfg, map[string]int{}), "sendgrid", "corp.example.com", nil)
	err := r.ValidateConfiguration()
	require.Error(t, err)
	assert.True(t, errors.Is(err, anymail.ErrConfiguration))
	assert.Contains(t, err.Error(), "graph backend is not configured")
}
