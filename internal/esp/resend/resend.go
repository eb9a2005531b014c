// internal/esp/resend/resend.go
// Resend Emails API adapter

package resend

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"time"

	"github.com/resend/resend-go/v2"

	"mail-relay/internal/anymail"
	"mail-relay/internal/esp/httpapi"
)

const (
	// ESPName adapter 名稱
	ESPName = "Resend"
	// DefaultAPIURL Resend API base URL
	DefaultAPIURL = "https://api.resend.com/"

	// tagValue anymail tag 在 Resend 以 name/value 表示
	tagValue = "true"
)

// Config Resend 設定
type Config struct {
	APIKey     string
	APIURL     string
	HTTPClient *http.Client
}

// Adapter Resend adapter
type Adapter struct {
	*httpapi.Backend
	apiKey string
}

var _ anymail.Adapter = (*Adapter)(nil)

// New 建立 Resend adapter
func New(cfg Config) (*Adapter, error) {
	if cfg.APIKey == "" {
		return nil, anymail.NewConfigurationError("You must set RESEND_API_KEY to send with %s", ESPName)
	}
	apiURL := cfg.APIURL
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}

	backend := httpapi.New(ESPName, apiURL)
	backend.HTTPClient = cfg.HTTPClient
	return &Adapter{Backend: backend, apiKey: cfg.APIKey}, nil
}

// NewPayload 實作 anymail.Adapter
func (a *Adapter) NewPayload(base *anymail.BasePayload) anymail.Payload {
	return &Payload{BasePayload: base, req: &resend.SendEmailRequest{}}
}

// BuildRequest 實作 anymail.Adapter
func (a *Adapter) BuildRequest(_ context.Context, payload anymail.Payload) (*anymail.Request, error) {
	p, err := asPayload(payload)
	if err != nil {
		return nil, err
	}

	body, err := p.serialize()
	if err != nil {
		return nil, err
	}

	headers := map[string]string{
		"Authorization": "Bearer " + a.apiKey,
		"Accept":        "application/json",
		"Content-Type":  "application/json",
	}
	if key := p.options.GetIdempotencyKey(); key != "" {
		headers["Idempotency-Key"] = key
	}
	return &anymail.Request{
		Method:  http.MethodPost,
		URL:     a.Endpoint("emails"),
		Headers: headers,
		Body:    body,
	}, nil
}

// ParseRecipientStatus Resend 只回傳 id，所有收件人皆為 queued
func (a *Adapter) ParseRecipientStatus(resp *anymail.Response, payload anymail.Payload) (*anymail.ParseResult, error) {
	p, err := asPayload(payload)
	if err != nil {
		return nil, err
	}

	var parsed resend.SendEmailResponse
	if err := anymail.DecodeJSON(resp, ESPName, &parsed); err != nil {
		return nil, err
	}
	if parsed.Id == "" {
		return nil, anymail.NewAPIError(ESPName, "Invalid Resend API response format", resp, nil)
	}

	status := anymail.RecipientStatus{Status: anymail.StatusQueued, MessageID: parsed.Id}
	out := make(map[string]anymail.RecipientStatus, len(p.recipients))
	for _, addr := range p.recipients {
		out[addr.Email] = status
	}
	return &anymail.ParseResult{Recipients: out, MessageID: parsed.Id}, nil
}

func asPayload(payload anymail.Payload) (*Payload, error) {
	p, ok := payload.(*Payload)
	if !ok {
		return nil, fmt.Errorf("resend: unexpected payload type %T", payload)
	}
	return p, nil
}

// Payload Resend 請求累積器
type Payload struct {
	*anymail.BasePayload

	req        *resend.SendEmailRequest
	options    resend.SendEmailOptions
	recipients []anymail.Address
	hasHTML    bool
	extra      map[string]any
}

func addressStrings(addrs []anymail.Address) []string {
	out := make([]string, len(addrs))
	for i, addr := range addrs {
		out[i] = addr.String()
	}
	return out
}

func (p *Payload) SetFromEmail(from anymail.Address) error {
	p.req.From = from.String()
	return nil
}

func (p *Payload) SetTo(to []anymail.Address) error {
	p.req.To = addressStrings(to)
	p.recipients = append(p.recipients, to...)
	return nil
}

func (p *Payload) SetCc(cc []anymail.Address) error {
	p.req.Cc = addressStrings(cc)
	p.recipients = append(p.recipients, cc...)
	return nil
}

func (p *Payload) SetBcc(bcc []anymail.Address) error {
	p.req.Bcc = addressStrings(bcc)
	p.recipients = append(p.recipients, bcc...)
	return nil
}

func (p *Payload) SetSubject(subject string) error {
	p.req.Subject = subject
	return nil
}

func (p *Payload) SetReplyTo(replyTo []anymail.Address) error {
	switch len(replyTo) {
	case 0:
	case 1:
		p.req.ReplyTo = replyTo[0].String()
	default:
		return p.Unsupported("multiple reply_to addresses")
	}
	return nil
}

// SetExtraHeaders Resend 標頭為 map，同名標頭只能出現一次
func (p *Payload) SetExtraHeaders(headers []anymail.Header) error {
	if len(headers) == 0 {
		return nil
	}
	if p.req.Headers == nil {
		p.req.Headers = make(map[string]string, len(headers))
	}
	for _, h := range headers {
		if _, dup := p.req.Headers[h.Name]; dup {
			if err := p.Unsupported(fmt.Sprintf("repeated header %q", h.Name)); err != nil {
				return err
			}
			continue
		}
		p.req.Headers[h.Name] = h.Value
	}
	return nil
}

func (p *Payload) SetTextBody(body string) error {
	p.req.Text = body
	return nil
}

func (p *Payload) SetHTMLBody(body string) error {
	if p.hasHTML {
		return p.Unsupported("multiple html parts")
	}
	p.hasHTML = true
	p.req.Html = body
	return nil
}

func (p *Payload) AddAttachment(att anymail.PreparedAttachment) error {
	a := &resend.Attachment{
		Content:     att.Content,
		Filename:    att.Name,
		ContentType: att.Mimetype,
	}
	if att.Inline {
		a.ContentId = att.CID
	}
	p.req.Attachments = append(p.req.Attachments, a)
	return nil
}

// SetMetadata 每個 key 成為一個 Resend tag
func (p *Payload) SetMetadata(metadata map[string]any) error {
	for _, k := range slices.Sorted(maps.Keys(metadata)) {
		p.req.Tags = append(p.req.Tags, resend.Tag{Name: k, Value: tagString(metadata[k])})
	}
	return nil
}

func (p *Payload) SetTags(tags []string) error {
	for _, tag := range tags {
		p.req.Tags = append(p.req.Tags, resend.Tag{Name: tag, Value: tagValue})
	}
	return nil
}

// SetSendAt 對應 scheduled_at；字串原樣傳送 (Resend 接受自然語言)
func (p *Payload) SetSendAt(sendAt any) error {
	switch v := sendAt.(type) {
	case time.Time:
		p.req.ScheduledAt = v.Format(time.RFC3339)
	case string:
		p.req.ScheduledAt = v
	default:
		return anymail.NewSerializationError(ESPName, fmt.Errorf("send_at of type %T", sendAt))
	}
	return nil
}

// SetESPExtra 合併到 JSON 請求；idempotency_key 改用於標頭
func (p *Payload) SetESPExtra(extra map[string]any) error {
	p.extra = maps.Clone(extra)
	if key, ok := p.extra["idempotency_key"]; ok {
		p.options.IdempotencyKey = fmt.Sprint(key)
		delete(p.extra, "idempotency_key")
	}
	return nil
}

func (p *Payload) serialize() ([]byte, error) {
	body, err := anymail.SerializeJSON(ESPName, p.req)
	if err != nil {
		return nil, err
	}
	if len(p.extra) == 0 {
		return body, nil
	}

	var data map[string]any
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, anymail.NewSerializationError(ESPName, err)
	}
	maps.Copy(data, p.extra)
	return anymail.SerializeJSON(ESPName, data)
}

func tagString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
