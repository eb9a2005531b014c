// internal/esp/graph/graph_test.go

package graph

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mail-relay/internal/anymail"
	"mail-relay/pkg/microsoft"
)

type staticToken struct {
	token string
	err   error
}

func (s staticToken) AccessToken(context.Context) (string, error) {
	return s.token, s.err
}

type capture struct {
	path  string
	auth  string
	body  map[string]any
	calls int
}

func newServer(t *testing.T, status int, respBody string, c *capture) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.calls++
		c.path = r.URL.Path
		c.auth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		c.body = nil
		_ = json.Unmarshal(raw, &c.body)
		w.WriteHeader(status)
		_, _ = io.WriteString(w, respBody)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newBackend(t *testing.T, cfg Config) *anymail.Backend {
	t.Helper()
	adapter, err := New(cfg)
	require.NoError(t, err)
	b, err := anymail.New(adapter, anymail.Options{})
	require.NoError(t, err)
	return b
}

func send(t *testing.T, b *anymail.Backend, msg *anymail.Message) error {
	t.Helper()
	_, err := b.SendMessages(context.Background(), []*anymail.Message{msg})
	return err
}

func messageOf(body map[string]any) map[string]any {
	return body["message"].(map[string]any)
}

func TestSend_Basic(t *testing.T) {
	var c capture
	srv := newServer(t, http.StatusAccepted, "", &c)
	b := newBackend(t, Config{APIURL: srv.URL + "/v1.0", Tokens: staticToken{token: "tok"}, SaveToSentItems: true})

	msg := &anymail.Message{
		From:         "Sender <sender@corp.example.com>",
		To:           []string{"Alice <alice@example.com>"},
		Cc:           []string{"cc@example.com"},
		Bcc:          []string{"bcc@example.com"},
		ReplyTo:      []string{"reply@example.com"},
		Subject:      "Subject",
		Body:         "Body",
		ExtraHeaders: []anymail.Header{{Name: "X-Relay", Value: "1"}},
	}
	require.NoError(t, send(t, b, msg))

	assert.Equal(t, "/v1.0/users/sender@corp.example.com/sendMail", c.path)
	assert.Equal(t, "Bearer tok", c.auth)
	assert.Equal(t, true, c.body["saveToSentItems"])

	m := messageOf(c.body)
	assert.Equal(t, "Subject", m["subject"])
	assert.Equal(t, map[string]any{"contentType": "text", "content": "Body"}, m["body"])
	assert.Equal(t, []any{map[string]any{"emailAddress": map[string]any{"name": "Alice", "address": "alice@example.com"}}}, m["toRecipients"])
	assert.Equal(t, []any{map[string]any{"emailAddress": map[string]any{"address": "reply@example.com"}}}, m["replyTo"])
	assert.Equal(t, []any{map[string]any{"name": "X-Relay", "value": "1"}}, m["internetMessageHeaders"])

	assert.Equal(t, anymail.NewStatusSet(anymail.StatusQueued), msg.Status.Status)
	assert.Empty(t, msg.Status.MessageID)
	assert.Len(t, msg.Status.Recipients, 3)
}

func TestSend_TextWithHTMLAlternativeUnsupported(t *testing.T) {
	var c capture
	srv := newServer(t, http.StatusAccepted, "", &c)
	b := newBackend(t, Config{APIURL: srv.URL, Tokens: staticToken{token: "tok"}})

	msg := &anymail.Message{
		From: "sender@corp.example.com", To: []string{"to@example.com"}, Body: "Body",
		Alternatives: []anymail.Alternative{{Content: "<p>Body</p>", Mimetype: "text/html"}},
	}
	err := send(t, b, msg)
	assert.True(t, errors.Is(err, anymail.ErrUnsupportedFeature))
	assert.Contains(t, err.Error(), "text body alongside html body")
	assert.Nil(t, c.body)
}

func TestSend_HTMLAlternativeReplacesTextWhenIgnored(t *testing.T) {
	var c capture
	srv := newServer(t, http.StatusAccepted, "", &c)
	adapter, err := New(Config{APIURL: srv.URL, Tokens: staticToken{token: "tok"}})
	require.NoError(t, err)
	b, err := anymail.New(adapter, anymail.Options{IgnoreUnsupportedFeatures: true})
	require.NoError(t, err)

	msg := &anymail.Message{
		From: "sender@corp.example.com", To: []string{"to@example.com"}, Body: "Body",
		Alternatives: []anymail.Alternative{{Content: "<p>Body</p>", Mimetype: "text/html"}},
	}
	require.NoError(t, send(t, b, msg))
	assert.Equal(t, map[string]any{"contentType": "html", "content": "<p>Body</p>"}, messageOf(c.body)["body"])
}

func TestSend_HTMLOnlyBody(t *testing.T) {
	var c capture
	srv := newServer(t, http.StatusAccepted, "", &c)
	b := newBackend(t, Config{APIURL: srv.URL, Tokens: staticToken{token: "tok"}})

	msg := &anymail.Message{
		From: "sender@corp.example.com", To: []string{"to@example.com"},
		Alternatives: []anymail.Alternative{{Content: "<p>Body</p>", Mimetype: "text/html"}},
	}
	require.NoError(t, send(t, b, msg))
	assert.Equal(t, map[string]any{"contentType": "html", "content": "<p>Body</p>"}, messageOf(c.body)["body"])
}

func TestSend_InlineAttachment(t *testing.T) {
	var c capture
	srv := newServer(t, http.StatusAccepted, "", &c)
	b := newBackend(t, Config{APIURL: srv.URL, Tokens: staticToken{token: "tok"}})

	msg := &anymail.Message{
		From: "sender@corp.example.com", To: []string{"to@example.com"},
		Body: `<img src="cid:logo">`, ContentSubtype: anymail.SubtypeHTML,
		Attachments: []anymail.Attachment{{Content: []byte("PNG"), Mimetype: "image/png", Inline: true, ContentID: "<logo>"}},
	}
	require.NoError(t, send(t, b, msg))

	attachments := messageOf(c.body)["attachments"].([]any)
	require.Len(t, attachments, 1)
	assert.Equal(t, map[string]any{
		"@odata.type":  "#microsoft.graph.fileAttachment",
		"name":         "logo",
		"contentType":  "image/png",
		"contentBytes": "UE5H",
		"isInline":     true,
		"contentId":    "logo",
	}, attachments[0])
}

func TestSend_Unsupported(t *testing.T) {
	var c capture
	srv := newServer(t, http.StatusAccepted, "", &c)
	b := newBackend(t, Config{APIURL: srv.URL, Tokens: staticToken{token: "tok"}})

	msg := &anymail.Message{From: "sender@corp.example.com", To: []string{"to@example.com"}, Body: "Body"}
	msg.Tags = anymail.Set([]string{"a"})
	err := send(t, b, msg)
	assert.True(t, errors.Is(err, anymail.ErrUnsupportedFeature))
	assert.Equal(t, 0, c.calls)
}

func TestSend_TokenFailure(t *testing.T) {
	var c capture
	srv := newServer(t, http.StatusAccepted, "", &c)
	b := newBackend(t, Config{APIURL: srv.URL, Tokens: staticToken{err: errors.New("boom")}})

	err := send(t, b, &anymail.Message{From: "sender@corp.example.com", To: []string{"to@example.com"}, Body: "Body"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, anymail.ErrAPI))
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, 0, c.calls)
}

func TestSend_GraphError(t *testing.T) {
	var c capture
	srv := newServer(t, http.StatusForbidden,
		`{"error":{"code":"ErrorAccessDenied","message":"Access is denied."}}`, &c)
	b := newBackend(t, Config{APIURL: srv.URL, Tokens: staticToken{token: "tok"}})

	err := send(t, b, &anymail.Message{From: "sender@corp.example.com", To: []string{"to@example.com"}, Body: "Body"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, anymail.ErrAPI))
	assert.Contains(t, err.Error(), "ErrorAccessDenied")
}

func TestNew_UsesOAuthCredentials(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"access_token":"oauth-tok","expires_in":3600}`)
	}))
	t.Cleanup(tokenSrv.Close)

	var c capture
	srv := newServer(t, http.StatusAccepted, "", &c)
	b := newBackend(t, Config{
		APIURL:       srv.URL,
		AuthorityURL: tokenSrv.URL,
		Credentials:  microsoft.Credentials{TenantID: "t", ClientID: "c", ClientSecret: "s"},
	})

	require.NoError(t, send(t, b, &anymail.Message{From: "sender@corp.example.com", To: []string{"to@example.com"}, Body: "Body"}))
	assert.Equal(t, "Bearer oauth-tok", c.auth)
}

func TestNew_MissingCredentials(t *testing.T) {
	_, err := New(Config{})
	assert.True(t, errors.Is(err, anymail.ErrConfiguration))
}

func TestSend_PerSenderCredentials(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		_, _ = io.WriteString(w, `{"access_token":"tok-`+r.PostForm.Get("client_id")+`","expires_in":3600}`)
	}))
	t.Cleanup(tokenSrv.Close)

	var c capture
	srv := newServer(t, http.StatusAccepted, "", &c)
	b := newBackend(t, Config{APIURL: srv.URL, AuthorityURL: tokenSrv.URL, Tokens: staticToken{token: "default"}})

	msg := &anymail.Message{From: "sender@corp.example.com", To: []string{"to@example.com"}, Body: "Body"}
	msg.ESPExtra = anymail.Set(map[string]any{
		"credentials":     map[string]any{"tenant_id": "t2", "client_id": "app2", "client_secret": "s2"},
		"saveToSentItems": false,
	})
	require.NoError(t, send(t, b, msg))
	assert.Equal(t, "Bearer tok-app2", c.auth)
	assert.NotContains(t, c.body, "credentials")
	assert.Equal(t, false, c.body["saveToSentItems"])

	require.NoError(t, send(t, b, &anymail.Message{From: "sender@corp.example.com", To: []string{"to@example.com"}, Body: "Body"}))
	assert.Equal(t, "Bearer default", c.auth)
}

func TestSend_PerSenderCredentialsIncomplete(t *testing.T) {
	var c capture
	srv := newServer(t, http.StatusAccepted, "", &c)
	b := newBackend(t, Config{APIURL: srv.URL, Tokens: staticToken{token: "default"}})

	msg := &anymail.Message{From: "sender@corp.example.com", To: []string{"to@example.com"}, Body: "Body"}
	msg.ESPExtra = anymail.Set(map[string]any{"credentials": map[string]any{"tenant_id": "t2"}})
	err := send(t, b, msg)
	assert.True(t, errors.Is(err, anymail.ErrConfiguration))
	assert.Equal(t, 0, c.calls)
}
