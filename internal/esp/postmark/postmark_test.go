// internal/esp/postmark/postmark_test.go

package postmark

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
)

type capture struct {
	path    string
	headers http.Header
	body    map[string]any
	calls   int
}

func newServer(t *testing.T, status int, body string, c *capture) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.calls++
		c.path = r.URL.Path
		c.headers = r.Header.Clone()
		raw, _ := io.ReadAll(r.Body)
		c.body = nil
		_ = json.Unmarshal(raw, &c.body)
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

const okResponse = `{
	"To": "to@example.com",
	"SubmittedAt": "2016-03-12T15:27:50.4468803-05:00",
	"MessageID": "b4007d94-33f1-4e78-a783-97417d6c80e6",
	"ErrorCode": 0,
	"Message": "OK"
}`

const inactiveResponse = `{"ErrorCode":406,` +
	`"Message":"You tried to send to a recipient that has been marked as inactive.\n` +
	`Found inactive addresses: hardbounce@example.com, spam@example.com.\n` +
	`Inactive recipients are ones that have generated a hard bounce or a spam complaint."}`

func newBackend(t *testing.T, url string, opts anymail.Options) *anymail.Backend {
	t.Helper()
	adapter, err := New(Config{ServerToken: "test_server_token", APIURL: url})
	require.NoError(t, err)
	b, err := anymail.New(adapter, opts)
	require.NoError(t, err)
	return b
}

func send(t *testing.T, b *anymail.Backend, msg *anymail.Message) error {
	t.Helper()
	_, err := b.SendMessages(context.Background(), []*anymail.Message{msg})
	return err
}

func basicMessage() *anymail.Message {
	return &anymail.Message{From: "from@example.com", To: []string{"to@example.com"}, Subject: "Subject", Body: "Body"}
}

func TestSend_Basic(t *testing.T) {
	var c capture
	srv := newServer(t, http.StatusOK, okResponse, &c)
	b := newBackend(t, srv.URL, anymail.Options{})

	msg := &anymail.Message{
		From:         "From Name <from@example.com>",
		To:           []string{"to@example.com"},
		Cc:           []string{"cc1@example.com", "CC2 <cc2@example.com>"},
		ReplyTo:      []string{"reply@example.com", "Other <reply2@example.com>"},
		Subject:      "Subject",
		Body:         "Body",
		ExtraHeaders: []anymail.Header{{Name: "X-MyHeader", Value: "my value"}},
	}
	require.NoError(t, send(t, b, msg))

	assert.Equal(t, "/email", c.path)
	assert.Equal(t, "test_server_token", c.headers.Get("X-Postmark-Server-Token"))
	assert.Equal(t, `"From Name" <from@example.com>`, c.body["From"])
	assert.Equal(t, "cc1@example.com, \"CC2\" <cc2@example.com>", c.body["Cc"])
	assert.Equal(t, "reply@example.com, \"Other\" <reply2@example.com>", c.body["ReplyTo"])
	assert.Equal(t, "Body", c.body["TextBody"])
	assert.Equal(t, []any{map[string]any{"Name": "X-MyHeader", "Value": "my value"}}, c.body["Headers"])
	assert.NotContains(t, c.body, "Bcc")
	assert.NotContains(t, c.body, "Tag")
	assert.NotContains(t, c.body, "TrackOpens")
	assert.NotContains(t, c.body, "TemplateModel")

	assert.Equal(t, anymail.NewStatusSet(anymail.StatusSent), msg.Status.Status)
	assert.Equal(t, "b4007d94-33f1-4e78-a783-97417d6c80e6", msg.Status.MessageID)
}

func TestSend_HTMLAndAttachments(t *testing.T) {
	var c capture
	srv := newServer(t, http.StatusOK, okResponse, &c)
	b := newBackend(t, srv.URL, anymail.Options{})

	msg := basicMessage()
	msg.Alternatives = []anymail.Alternative{{Content: "<p>Body</p>", Mimetype: "text/html"}}
	msg.Attachments = []anymail.Attachment{
		{Filename: "test.txt", Text: "text", Mimetype: "text/plain"},
		{Content: []byte("PNG"), Mimetype: "image/png", Inline: true, ContentID: "<abc123>"},
	}
	require.NoError(t, send(t, b, msg))

	assert.Equal(t, "<p>Body</p>", c.body["HtmlBody"])
	attachments := c.body["Attachments"].([]any)
	require.Len(t, attachments, 2)
	assert.Equal(t, map[string]any{"Name": "test.txt", "Content": "dGV4dA==", "ContentType": "text/plain"}, attachments[0])
	assert.Equal(t, "cid:abc123", attachments[1].(map[string]any)["ContentID"])
}

func TestSend_UnsupportedAlternatives(t *testing.T) {
	tests := []struct {
		name         string
		alternatives []anymail.Alternative
	}{
		{"non html", []anymail.Alternative{{Content: `{"not": "allowed"}`, Mimetype: "application/json"}}},
		{"multiple html", []anymail.Alternative{
			{Content: "<p>First</p>", Mimetype: "text/html"},
			{Content: "<p>Second</p>", Mimetype: "text/html"},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c capture
			srv := newServer(t, http.StatusOK, okResponse, &c)
			b := newBackend(t, srv.URL, anymail.Options{})

			msg := basicMessage()
			msg.Alternatives = tt.alternatives
			assert.True(t, errors.Is(send(t, b, msg), anymail.ErrUnsupportedFeature))
			assert.Equal(t, 0, c.calls)
		})
	}
}

func TestSend_Tags(t *testing.T) {
	var c capture
	srv := newServer(t, http.StatusOK, okResponse, &c)
	b := newBackend(t, srv.URL, anymail.Options{})

	msg := basicMessage()
	msg.Tags = anymail.Set([]string{"receipt"})
	msg.TrackOpens = anymail.Set(true)
	require.NoError(t, send(t, b, msg))
	assert.Equal(t, "receipt", c.body["Tag"])
	assert.Equal(t, true, c.body["TrackOpens"])

	msg = basicMessage()
	msg.Tags = anymail.Set([]string{"receipt", "repeat-user"})
	err := send(t, b, msg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "multiple tags")
}

func TestSend_UnsupportedFeatures(t *testing.T) {
	tests := []struct {
		name    string
		feature string
		mutate  func(msg *anymail.Message)
	}{
		{"metadata", "metadata", func(m *anymail.Message) { m.Metadata = anymail.Set(map[string]any{"a": 1}) }},
		{"send at", "send_at", func(m *anymail.Message) { m.SendAt = anymail.Set[any]("2026-01-01T00:00:00Z") }},
		{"track clicks", "track_clicks", func(m *anymail.Message) { m.TrackClicks = anymail.Set(true) }},
		{"merge data", "merge_data", func(m *anymail.Message) {
			m.MergeData = anymail.Set(map[string]map[string]any{"to@example.com": {"name": "Alice"}})
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c capture
			srv := newServer(t, http.StatusOK, okResponse, &c)
			b := newBackend(t, srv.URL, anymail.Options{})

			msg := basicMessage()
			tt.mutate(msg)
			err := send(t, b, msg)
			require.Error(t, err)
			assert.True(t, errors.Is(err, anymail.ErrUnsupportedFeature))
			assert.Contains(t, err.Error(), tt.feature)
		})
	}
}

func TestSend_IgnoreUnsupportedFeatures(t *testing.T) {
	var c capture
	srv := newServer(t, http.StatusOK, okResponse, &c)
	b := newBackend(t, srv.URL, anymail.Options{IgnoreUnsupportedFeatures: true})

	msg := basicMessage()
	msg.Metadata = anymail.Set(map[string]any{"a": 1})
	msg.TrackClicks = anymail.Set(true)
	require.NoError(t, send(t, b, msg))
	assert.Equal(t, 1, c.calls)
}

func TestSend_Template(t *testing.T) {
	var c capture
	srv := newServer(t, http.StatusOK, okResponse, &c)
	b := newBackend(t, srv.URL, anymail.Options{})

	msg := &anymail.Message{From: "from@example.com", To: []string{"to@example.com"}}
	msg.TemplateID = anymail.Set("1234567")
	msg.MergeGlobalData = anymail.Set(map[string]any{"name": "Alice", "group": "Developers"})
	require.NoError(t, send(t, b, msg))

	assert.Equal(t, "/email/withTemplate/", c.path)
	assert.Equal(t, float64(1234567), c.body["TemplateId"])
	assert.Equal(t, map[string]any{"name": "Alice", "group": "Developers"}, c.body["TemplateModel"])
	assert.NotContains(t, c.body, "Subject")
}

func TestSend_TemplateAlias(t *testing.T) {
	var c capture
	srv := newServer(t, http.StatusOK, okResponse, &c)
	b := newBackend(t, srv.URL, anymail.Options{})

	msg := &anymail.Message{From: "from@example.com", To: []string{"to@example.com"}}
	msg.TemplateID = anymail.Set("welcome")
	require.NoError(t, send(t, b, msg))

	assert.Equal(t, "welcome", c.body["TemplateAlias"])
	assert.Equal(t, map[string]any{}, c.body["TemplateModel"])
}

func TestSend_ESPExtraServerToken(t *testing.T) {
	var c capture
	srv := newServer(t, http.StatusOK, okResponse, &c)
	b := newBackend(t, srv.URL, anymail.Options{})

	msg := basicMessage()
	msg.ESPExtra = anymail.Set(map[string]any{
		"server_token":         "token_for_this_message_only",
		"FuturePostmarkOption": "some-value",
	})
	require.NoError(t, send(t, b, msg))

	assert.Equal(t, "token_for_this_message_only", c.headers.Get("X-Postmark-Server-Token"))
	assert.Equal(t, "some-value", c.body["FuturePostmarkOption"])
	assert.NotContains(t, c.body, "server_token")
}

func TestSend_RecipientsRefused(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		to     []string
		status map[string]anymail.StatusValue
	}{
		{
			name: "inactive",
			body: inactiveResponse,
			to:   []string{"hardbounce@example.com", "Hates Spam <spam@example.com>"},
			status: map[string]anymail.StatusValue{
				"hardbounce@example.com": anymail.StatusRejected,
				"spam@example.com":       anymail.StatusRejected,
			},
		},
		{
			name:   "invalid",
			body:   `{"ErrorCode":300,"Message":"Invalid 'To' address: 'invalid@localhost'."}`,
			to:     []string{"invalid@localhost"},
			status: map[string]anymail.StatusValue{"invalid@localhost": anymail.StatusInvalid},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c capture
			srv := newServer(t, http.StatusUnprocessableEntity, tt.body, &c)
			b := newBackend(t, srv.URL, anymail.Options{})

			msg := &anymail.Message{From: "from@example.com", To: tt.to, Subject: "Subject", Body: "Body"}
			err := send(t, b, msg)
			assert.True(t, errors.Is(err, anymail.ErrRecipientsRefused))
			for email, want := range tt.status {
				assert.Equal(t, want, msg.Status.Recipients[email].Status, email)
			}
		})
	}
}

func TestSend_RecipientsRefusedIgnored(t *testing.T) {
	var c capture
	srv := newServer(t, http.StatusUnprocessableEntity, inactiveResponse, &c)
	b := newBackend(t, srv.URL, anymail.Options{IgnoreRecipientStatus: true})

	msg := &anymail.Message{From: "from@example.com", To: []string{"hardbounce@example.com"}, Body: "Body"}
	require.NoError(t, send(t, b, msg))
	assert.Equal(t, anymail.StatusRejected, msg.Status.Recipients["spam@example.com"].Status)
}

func TestSend_InvalidFrom(t *testing.T) {
	var c capture
	srv := newServer(t, http.StatusUnprocessableEntity,
		`{"ErrorCode":300,"Message":"Invalid 'From' address: 'invalid@localhost'."}`, &c)
	b := newBackend(t, srv.URL, anymail.Options{})

	msg := &anymail.Message{From: "invalid@localhost", To: []string{"to@example.com"}, Body: "Body"}
	err := send(t, b, msg)
	assert.True(t, errors.Is(err, anymail.ErrAPI))
	assert.False(t, errors.Is(err, anymail.ErrRecipientsRefused))
}

func TestSend_MixedResponse(t *testing.T) {
	var c capture
	srv := newServer(t, http.StatusOK, `{"To":"hardbounce@example.com, valid@example.com, Hates Spam <spam@example.com>",`+
		`"SubmittedAt":"2016-03-12T22:59:06.2505871-05:00",`+
		`"MessageID":"089dce03-feee-408e-9f0c-ee69bf1c5f35",`+
		`"ErrorCode":0,`+
		`"Message":"Message OK, but will not deliver to these inactive addresses:`+
		` hardbounce@example.com, spam@example.com.`+
		` Inactive recipients are ones that have generated a hard bounce or a spam complaint."}`, &c)
	b := newBackend(t, srv.URL, anymail.Options{})

	msg := &anymail.Message{
		From: "from@example.com",
		To:   []string{"hardbounce@example.com", "valid@example.com", "Hates Spam <spam@example.com>"},
		Body: "Body",
	}
	n, err := b.SendMessages(context.Background(), []*anymail.Message{msg})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	recipients := msg.Status.Recipients
	assert.Equal(t, anymail.StatusRejected, recipients["hardbounce@example.com"].Status)
	assert.Equal(t, anymail.StatusSent, recipients["valid@example.com"].Status)
	assert.Equal(t, "089dce03-feee-408e-9f0c-ee69bf1c5f35", recipients["valid@example.com"].MessageID)
	assert.Equal(t, anymail.StatusRejected, recipients["spam@example.com"].Status)
}

func TestSend_MixedResponseKeepsRecipientCase(t *testing.T) {
	var c capture
	srv := newServer(t, http.StatusOK, `{"To":"bounce@example.com, valid@example.com",`+
		`"MessageID":"0a129aee-e1cd-480d-b08d-4f48548ff48d",`+
		`"ErrorCode":0,`+
		`"Message":"Message OK, but will not deliver to these inactive addresses: bounce@example.com."}`, &c)
	b := newBackend(t, srv.URL, anymail.Options{})

	msg := &anymail.Message{
		From: "from@example.com",
		To:   []string{"Bounce@Example.com", "valid@example.com"},
		Body: "Body",
	}
	require.NoError(t, send(t, b, msg))

	assert.Len(t, msg.Status.Recipients, 2)
	rs, ok := msg.Status.Recipient("Bounce@Example.com")
	require.True(t, ok)
	assert.Equal(t, anymail.StatusRejected, rs.Status)
	_, ok = msg.Status.Recipient("bounce@example.com")
	assert.False(t, ok)
	assert.Equal(t, anymail.StatusSent, msg.Status.Recipients["valid@example.com"].Status)
	assert.Equal(t, "0a129aee-e1cd-480d-b08d-4f48548ff48d", msg.Status.MessageID)
}

func TestSend_RefusedRecipientCase(t *testing.T) {
	var c capture
	srv := newServer(t, http.StatusUnprocessableEntity, inactiveResponse, &c)
	b := newBackend(t, srv.URL, anymail.Options{})

	msg := &anymail.Message{From: "from@example.com", To: []string{"HardBounce@Example.com"}, Body: "Body"}
	err := send(t, b, msg)
	assert.True(t, errors.Is(err, anymail.ErrRecipientsRefused))
	assert.Equal(t, anymail.StatusRejected, msg.Status.Recipients["HardBounce@Example.com"].Status)
	assert.NotContains(t, msg.Status.Recipients, "hardbounce@example.com")
}

func TestSend_APIErrorDetails(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"error code in 200", http.StatusOK, `{"ErrorCode": 451, "Message": "Helpful explanation from Postmark."}`, "Helpful explanation from Postmark"},
		{"non json", http.StatusInternalServerError, "Ack! Bad proxy!", "Ack! Bad proxy!"},
		{"empty", http.StatusBadGateway, "", "Postmark API response 502"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c capture
			srv := newServer(t, tt.status, tt.body, &c)
			b := newBackend(t, srv.URL, anymail.Options{})

			err := send(t, b, basicMessage())
			require.Error(t, err)
			assert.True(t, errors.Is(err, anymail.ErrAPI))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestAddressesFromMessage(t *testing.T) {
	got := addressesFromMessage("Found inactive addresses: A@Example.com, b@example.com.\nMore text.", inactivePattern)
	assert.Equal(t, []string{"A@Example.com", "b@example.com"}, got)

	assert.Nil(t, addressesFromMessage("nothing here", inactivePattern))
}

func TestNew_MissingServerToken(t *testing.T) {
	_, err := New(Config{})
	assert.True(t, errors.Is(err, anymail.ErrConfiguration))
}
