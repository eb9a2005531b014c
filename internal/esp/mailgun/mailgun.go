// internal/esp/mailgun/mailgun.go
// Mailgun Messages API adapter (multipart/form-data)

package mailgun

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"maps"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"slices"
	"strings"
	"time"

	"mail-relay/internal/anymail"
	"mail-relay/internal/esp/httpapi"
)

const (
	// ESPName adapter 名稱
	ESPName = "Mailgun"
	// DefaultAPIURL Mailgun API base URL
	DefaultAPIURL = "https://api.mailgun.net/v3"
)

// Config Mailgun 設定
type Config struct {
	APIKey string
	APIURL string
	// SenderDomain 未設定時由寄件人地址推斷
	SenderDomain string
	HTTPClient   *http.Client
}

// Adapter Mailgun adapter
type Adapter struct {
	*httpapi.Backend
	apiKey       string
	senderDomain string
}

var _ anymail.Adapter = (*Adapter)(nil)

// New 建立 Mailgun adapter
func New(cfg Config) (*Adapter, error) {
	if cfg.APIKey == "" {
		return nil, anymail.NewConfigurationError("You must set MAILGUN_API_KEY to send with %s", ESPName)
	}
	apiURL := cfg.APIURL
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}

	backend := httpapi.New(ESPName, apiURL)
	backend.HTTPClient = cfg.HTTPClient
	return &Adapter{Backend: backend, apiKey: cfg.APIKey, senderDomain: cfg.SenderDomain}, nil
}

// NewPayload 實作 anymail.Adapter
func (a *Adapter) NewPayload(base *anymail.BasePayload) anymail.Payload {
	return &Payload{BasePayload: base, senderDomain: a.senderDomain}
}

// BuildRequest 實作 anymail.Adapter
func (a *Adapter) BuildRequest(_ context.Context, payload anymail.Payload) (*anymail.Request, error) {
	p, err := asPayload(payload)
	if err != nil {
		return nil, err
	}
	if p.senderDomain == "" {
		return nil, &anymail.Error{
			Kind:    anymail.KindGeneral,
			ESPName: ESPName,
			Msg: "Cannot call Mailgun unknown sender domain. " +
				"Either provide valid from_email, or set esp_extra sender_domain",
		}
	}

	body, contentType, err := p.serialize()
	if err != nil {
		return nil, err
	}

	auth := base64.StdEncoding.EncodeToString([]byte("api:" + a.apiKey))
	return &anymail.Request{
		Method: http.MethodPost,
		URL:    a.Endpoint(p.senderDomain + "/messages"),
		Headers: map[string]string{
			"Authorization": "Basic " + auth,
			"Content-Type":  contentType,
		},
		Body: body,
	}, nil
}

type sendResponse struct {
	ID      *string `json:"id"`
	Message *string `json:"message"`
}

// ParseRecipientStatus Mailgun 成功回應只有一個 id，套用到所有收件人
func (a *Adapter) ParseRecipientStatus(resp *anymail.Response, payload anymail.Payload) (*anymail.ParseResult, error) {
	p, err := asPayload(payload)
	if err != nil {
		return nil, err
	}

	var parsed sendResponse
	if err := anymail.DecodeJSON(resp, ESPName, &parsed); err != nil {
		return nil, err
	}
	if parsed.ID == nil || parsed.Message == nil {
		return nil, anymail.NewAPIError(ESPName, "Invalid Mailgun API response format", resp, nil)
	}
	if !strings.HasPrefix(*parsed.Message, "Queued") {
		return nil, anymail.NewAPIError(ESPName,
			fmt.Sprintf("Unrecognized Mailgun API message '%s'", *parsed.Message), resp, nil)
	}

	status := anymail.RecipientStatus{Status: anymail.StatusQueued, MessageID: *parsed.ID}
	out := make(map[string]anymail.RecipientStatus, len(p.allRecipients))
	for _, addr := range p.allRecipients {
		out[addr.Email] = status
	}
	return &anymail.ParseResult{Recipients: out, MessageID: *parsed.ID}, nil
}

func asPayload(payload anymail.Payload) (*Payload, error) {
	p, ok := payload.(*Payload)
	if !ok {
		return nil, fmt.Errorf("mailgun: unexpected payload type %T", payload)
	}
	return p, nil
}

type formField struct {
	name  string
	value string
}

type formFile struct {
	field    string
	filename string
	content  []byte
	mimetype string
}

// Payload Mailgun 表單累積器
type Payload struct {
	*anymail.BasePayload

	fields        []formField
	files         []formFile
	senderDomain  string
	allRecipients []anymail.Address
	toEmails      []string
	hasHTML       bool

	mergeData       map[string]map[string]any
	mergeGlobalData map[string]any
}

func (p *Payload) add(name, value string) {
	p.fields = append(p.fields, formField{name: name, value: value})
}

// set 取代既有同名欄位
func (p *Payload) set(name, value string) {
	p.remove(name)
	p.add(name, value)
}

func (p *Payload) remove(name string) {
	kept := p.fields[:0]
	for _, f := range p.fields {
		if f.name != name {
			kept = append(kept, f)
		}
	}
	p.fields = kept
}

func (p *Payload) SetFromEmail(from anymail.Address) error {
	p.set("from", from.String())
	if p.senderDomain == "" {
		p.senderDomain = from.Domain()
	}
	return nil
}

func (p *Payload) setRecipients(field string, addrs []anymail.Address) {
	for _, addr := range addrs {
		p.add(field, addr.String())
	}
	p.allRecipients = append(p.allRecipients, addrs...)
}

func (p *Payload) SetTo(to []anymail.Address) error {
	p.setRecipients("to", to)
	p.toEmails = anymail.Emails(to)
	return nil
}

func (p *Payload) SetCc(cc []anymail.Address) error {
	p.setRecipients("cc", cc)
	return nil
}

func (p *Payload) SetBcc(bcc []anymail.Address) error {
	p.setRecipients("bcc", bcc)
	return nil
}

func (p *Payload) SetSubject(subject string) error {
	p.set("subject", subject)
	return nil
}

func (p *Payload) SetReplyTo(replyTo []anymail.Address) error {
	if len(replyTo) == 0 {
		return nil
	}
	parts := make([]string, len(replyTo))
	for i, addr := range replyTo {
		parts[i] = addr.String()
	}
	p.set("h:Reply-To", strings.Join(parts, ", "))
	return nil
}

func (p *Payload) SetExtraHeaders(headers []anymail.Header) error {
	for _, h := range headers {
		p.add("h:"+h.Name, h.Value)
	}
	return nil
}

func (p *Payload) SetTextBody(body string) error {
	p.set("text", body)
	return nil
}

func (p *Payload) SetHTMLBody(body string) error {
	if p.hasHTML {
		return p.Unsupported("multiple html parts")
	}
	p.hasHTML = true
	p.set("html", body)
	return nil
}

func (p *Payload) AddAttachment(att anymail.PreparedAttachment) error {
	f := formFile{field: "attachment", filename: att.Name, content: att.Content, mimetype: att.Mimetype}
	if att.Inline {
		f.field = "inline"
		f.filename = att.CID
	}
	p.files = append(p.files, f)
	return nil
}

func (p *Payload) SetMetadata(metadata map[string]any) error {
	for _, k := range sortedKeys(metadata) {
		p.set("v:"+k, jsonValue(metadata[k]))
	}
	return nil
}

// SetSendAt Mailgun 使用 RFC 2822 日期；字串原樣傳送
func (p *Payload) SetSendAt(sendAt any) error {
	switch v := sendAt.(type) {
	case time.Time:
		p.set("o:deliverytime", v.Format(time.RFC1123Z))
	case string:
		p.set("o:deliverytime", v)
	default:
		return anymail.NewSerializationError(ESPName, fmt.Errorf("send_at of type %T", sendAt))
	}
	return nil
}

func (p *Payload) SetTags(tags []string) error {
	for _, tag := range tags {
		p.add("o:tag", tag)
	}
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func (p *Payload) SetTrackClicks(track bool) error {
	p.set("o:tracking-clicks", yesNo(track))
	return nil
}

func (p *Payload) SetTrackOpens(track bool) error {
	p.set("o:tracking-opens", yesNo(track))
	return nil
}

func (p *Payload) SetMergeData(data map[string]map[string]any) error {
	p.mergeData = data
	return nil
}

func (p *Payload) SetMergeGlobalData(data map[string]any) error {
	p.mergeGlobalData = data
	return nil
}

// SetESPExtra 直接加入表單欄位；sender_domain 用於 API 路徑
func (p *Payload) SetESPExtra(extra map[string]any) error {
	for _, k := range sortedKeys(extra) {
		v := extra[k]
		if k == "sender_domain" {
			p.senderDomain = formValue(v)
			continue
		}
		if list, ok := v.([]any); ok {
			p.remove(k)
			for _, item := range list {
				p.add(k, formValue(item))
			}
			continue
		}
		p.set(k, formValue(v))
	}
	return nil
}

// recipientVariables Mailgun 沒有全域變數，將全域資料併入每位 To 收件人
func (p *Payload) recipientVariables() map[string]map[string]any {
	if p.mergeGlobalData == nil {
		return p.mergeData
	}

	vars := make(map[string]map[string]any, len(p.toEmails))
	maps.Copy(vars, p.mergeData)
	for _, email := range p.toEmails {
		merged := maps.Clone(p.mergeGlobalData)
		maps.Copy(merged, p.mergeData[email])
		vars[email] = merged
	}
	return vars
}

// serialize 產生 multipart 內容
func (p *Payload) serialize() ([]byte, string, error) {
	if vars := p.recipientVariables(); vars != nil {
		data, err := anymail.SerializeJSON(ESPName, vars)
		if err != nil {
			return nil, "", err
		}
		p.set("recipient-variables", string(data))
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, f := range p.fields {
		if err := w.WriteField(f.name, f.value); err != nil {
			return nil, "", anymail.NewSerializationError(ESPName, err)
		}
	}
	for _, f := range p.files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, f.field, f.filename))
		h.Set("Content-Type", f.mimetype)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", anymail.NewSerializationError(ESPName, err)
		}
		if _, err := part.Write(f.content); err != nil {
			return nil, "", anymail.NewSerializationError(ESPName, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", anymail.NewSerializationError(ESPName, err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

// formValue esp_extra 的 bool 轉為 Mailgun 的 yes/no
func formValue(v any) string {
	if b, ok := v.(bool); ok {
		return yesNo(b)
	}
	return jsonValue(v)
}

// jsonValue 字串原樣，其他型別以 JSON 表示
func jsonValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

func sortedKeys(m map[string]any) []string {
	return slices.Sorted(maps.Keys(m))
}
