// internal/esp/mailgun/mailgun_test.go

package mailgun

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mail-relay/internal/anymail"
)

type capture struct {
	path  string
	user  string
	pass  string
	form  *multipart.Form
	calls int
}

func newServer(t *testing.T, status int, body string, c *capture) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.calls++
		c.path = r.URL.Path
		c.user, c.pass, _ = r.BasicAuth()
		if err := r.ParseMultipartForm(1 << 20); err == nil {
			c.form = r.MultipartForm
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

const queued = `{"id": "<20160306015544.116301.25145@example.org>", "message": "Queued. Thank you."}`

func newBackend(t *testing.T, url string, opts anymail.Options) *anymail.Backend {
	t.Helper()
	adapter, err := New(Config{APIKey: "test_api_key", APIURL: url + "/v3"})
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

func TestSend_Basic(t *testing.T) {
	var c capture
	srv := newServer(t, http.StatusOK, queued, &c)
	b := newBackend(t, srv.URL, anymail.Options{})

	msg := &anymail.Message{
		From:         "From Name <from@example.com>",
		To:           []string{"to1@example.com", "Recipient #2 <to2@example.com>"},
		Bcc:          []string{"bcc@example.com"},
		ReplyTo:      []string{"reply@example.com"},
		Subject:      "Subject",
		Body:         "Body",
		ExtraHeaders: []anymail.Header{{Name: "X-MyHeader", Value: "my value"}},
	}
	require.NoError(t, send(t, b, msg))

	assert.Equal(t, "/v3/example.com/messages", c.path)
	assert.Equal(t, "api", c.user)
	assert.Equal(t, "test_api_key", c.pass)

	v := c.form.Value
	assert.Equal(t, []string{`"From Name" <from@example.com>`}, v["from"])
	assert.Equal(t, []string{"to1@example.com", `"Recipient #2" <to2@example.com>`}, v["to"])
	assert.Equal(t, []string{"bcc@example.com"}, v["bcc"])
	assert.Equal(t, []string{"reply@example.com"}, v["h:Reply-To"])
	assert.Equal(t, []string{"my value"}, v["h:X-MyHeader"])
	assert.Equal(t, []string{"Body"}, v["text"])

	assert.Equal(t, "<20160306015544.116301.25145@example.org>", msg.Status.MessageID)
	assert.Len(t, msg.Status.Recipients, 3)
	assert.Equal(t, anymail.StatusQueued, msg.Status.Recipients["to2@example.com"].Status)
}

func TestSend_Attachments(t *testing.T) {
	var c capture
	srv := newServer(t, http.StatusOK, queued, &c)
	b := newBackend(t, srv.URL, anymail.Options{})

	msg := &anymail.Message{
		From: "from@example.com", To: []string{"to@example.com"}, Body: "Body",
		Attachments: []anymail.Attachment{
			{Filename: "test.txt", Text: "* Item one", Mimetype: "text/plain"},
			{Content: []byte("PNG"), Mimetype: "image/png", Inline: true, ContentID: "<img1>"},
		},
	}
	require.NoError(t, send(t, b, msg))

	files := c.form.File
	require.Len(t, files["attachment"], 1)
	assert.Equal(t, "test.txt", files["attachment"][0].Filename)
	assert.Equal(t, "text/plain", files["attachment"][0].Header.Get("Content-Type"))
	require.Len(t, files["inline"], 1)
	assert.Equal(t, "img1", files["inline"][0].Filename)
}

func TestSend_ExtendedFeatures(t *testing.T) {
	var c capture
	srv := newServer(t, http.StatusOK, queued, &c)
	b := newBackend(t, srv.URL, anymail.Options{})

	msg := &anymail.Message{From: "from@example.com", To: []string{"to@example.com"}, Body: "Body"}
	msg.Metadata = anymail.Set(map[string]any{"user_id": "12345", "items": 6})
	msg.SendAt = anymail.Set[any](time.Date(2026, 3, 11, 8, 5, 6, 0, time.UTC))
	msg.Tags = anymail.Set([]string{"receipt", "repeat-user"})
	msg.TrackClicks = anymail.Set(true)
	msg.TrackOpens = anymail.Set(false)
	require.NoError(t, send(t, b, msg))

	v := c.form.Value
	assert.Equal(t, []string{"12345"}, v["v:user_id"])
	assert.Equal(t, []string{"6"}, v["v:items"])
	assert.Equal(t, []string{"Wed, 11 Mar 2026 08:05:06 +0000"}, v["o:deliverytime"])
	assert.Equal(t, []string{"receipt", "repeat-user"}, v["o:tag"])
	assert.Equal(t, []string{"yes"}, v["o:tracking-clicks"])
	assert.Equal(t, []string{"no"}, v["o:tracking-opens"])
}

func TestSend_TemplateIDUnsupported(t *testing.T) {
	var c capture
	srv := newServer(t, http.StatusOK, queued, &c)
	b := newBackend(t, srv.URL, anymail.Options{})

	msg := &anymail.Message{From: "from@example.com", To: []string{"to@example.com"}, Body: "Body"}
	msg.TemplateID = anymail.Set("welcome")
	err := send(t, b, msg)
	assert.True(t, errors.Is(err, anymail.ErrUnsupportedFeature))
	assert.Equal(t, 0, c.calls)
}

func TestSend_RecipientVariables(t *testing.T) {
	var c capture
	srv := newServer(t, http.StatusOK, queued, &c)
	b := newBackend(t, srv.URL, anymail.Options{})

	msg := &anymail.Message{
		From: "from@example.com",
		To:   []string{"alice@example.com", "Bob <bob@example.com>"},
		Body: "Hi %recipient.name%",
	}
	msg.MergeData = anymail.Set(map[string]map[string]any{
		"alice@example.com": {"name": "Alice", "group": "Developers"},
		"bob@example.com":   {"name": "Bob"},
	})
	msg.MergeGlobalData = anymail.Set(map[string]any{"group": "Users", "site": "ExampleCo"})
	require.NoError(t, send(t, b, msg))

	var vars map[string]map[string]any
	require.NoError(t, json.Unmarshal([]byte(c.form.Value["recipient-variables"][0]), &vars))
	assert.Equal(t, map[string]map[string]any{
		"alice@example.com": {"name": "Alice", "group": "Developers", "site": "ExampleCo"},
		"bob@example.com":   {"name": "Bob", "group": "Users", "site": "ExampleCo"},
	}, vars)
}

func TestSend_SenderDomainFromESPExtra(t *testing.T) {
	var c capture
	srv := newServer(t, http.StatusOK, queued, &c)
	b := newBackend(t, srv.URL, anymail.Options{})

	msg := &anymail.Message{From: "from@example.com", To: []string{"to@example.com"}, Body: "Body"}
	msg.ESPExtra = anymail.Set(map[string]any{"sender_domain": "mg.example.com", "o:testmode": true})
	require.NoError(t, send(t, b, msg))

	assert.Equal(t, "/v3/mg.example.com/messages", c.path)
	assert.Equal(t, []string{"yes"}, c.form.Value["o:testmode"])
	assert.NotContains(t, c.form.Value, "sender_domain")
}

func TestParseRecipientStatus_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"not json", "yikes", "Invalid JSON in Mailgun API response"},
		{"missing fields", `{"message": "Queued"}`, "Invalid Mailgun API response format"},
		{"unexpected message", `{"id": "x", "message": "Hmm"}`, "Unrecognized Mailgun API message 'Hmm'"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c capture
			srv := newServer(t, http.StatusOK, tt.body, &c)
			b := newBackend(t, srv.URL, anymail.Options{})

			msg := &anymail.Message{From: "from@example.com", To: []string{"to@example.com"}, Body: "Body"}
			err := send(t, b, msg)
			require.Error(t, err)
			assert.True(t, errors.Is(err, anymail.ErrAPI))
			assert.Contains(t, err.Error(), tt.want)
			// 回應已附加，但沒有收件人狀態
			assert.NotNil(t, msg.Status.ESPResponse)
			assert.Nil(t, msg.Status.Status)
		})
	}
}

func TestSend_APIFailure(t *testing.T) {
	var c capture
	srv := newServer(t, http.StatusBadRequest, `{"message": "'to' parameter is not a valid address"}`, &c)
	b := newBackend(t, srv.URL, anymail.Options{FailSilently: true})

	msg := &anymail.Message{From: "from@example.com", To: []string{"to@example.com"}, Body: "Body"}
	n, err := b.SendMessages(context.Background(), []*anymail.Message{msg})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestNew_MissingAPIKey(t *testing.T) {
	_, err := New(Config{})
	assert.True(t, errors.Is(err, anymail.ErrConfiguration))
}
