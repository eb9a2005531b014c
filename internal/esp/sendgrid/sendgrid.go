// internal/esp/sendgrid/sendgrid.go
// SendGrid v3 Mail Send adapter

package sendgrid

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"mail-relay/internal/anymail"
	"mail-relay/internal/esp/httpapi"
)

const (
	// ESPName adapter 名稱
	ESPName = "SendGrid"
	// DefaultAPIURL SendGrid API host
	DefaultAPIURL = "https://api.sendgrid.com"

	sendEndpoint = "/v3/mail/send"
	// messageIDArg 追蹤用的 custom arg
	messageIDArg = "anymail_id"
)

// Config SendGrid 設定
type Config struct {
	APIKey string
	APIURL string
	// TemplateVarFormat 替換變數格式，例如 ":{}" 或 "-{}-"
	TemplateVarFormat string
	// DisableMessageID 不產生 anymail_id，改用 X-Message-Id 回應標頭
	DisableMessageID bool
	HTTPClient       *http.Client
}

// Adapter SendGrid adapter
type Adapter struct {
	*httpapi.Backend
	apiKey            string
	templateVarFormat string
	generateMessageID bool
}

var _ anymail.Adapter = (*Adapter)(nil)

// New 建立 SendGrid adapter
func New(cfg Config) (*Adapter, error) {
	if cfg.APIKey == "" {
		return nil, anymail.NewConfigurationError("You must set SENDGRID_API_KEY to send with %s", ESPName)
	}
	apiURL := cfg.APIURL
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}

	backend := httpapi.New(ESPName, strings.TrimRight(apiURL, "/"))
	backend.HTTPClient = cfg.HTTPClient
	backend.Accept = func(resp *anymail.Response) bool {
		return resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK
	}

	return &Adapter{
		Backend:           backend,
		apiKey:            cfg.APIKey,
		templateVarFormat: cfg.TemplateVarFormat,
		generateMessageID: !cfg.DisableMessageID,
	}, nil
}

// NewPayload 實作 anymail.Adapter
func (a *Adapter) NewPayload(base *anymail.BasePayload) anymail.Payload {
	return &Payload{
		BasePayload:       base,
		mail:              mail.NewV3Mail(),
		templateVarFormat: a.templateVarFormat,
	}
}

// BuildRequest 實作 anymail.Adapter
func (a *Adapter) BuildRequest(_ context.Context, payload anymail.Payload) (*anymail.Request, error) {
	p, err := asPayload(payload)
	if err != nil {
		return nil, err
	}
	if a.generateMessageID {
		p.messageID = uuid.NewString()
		p.mail.SetCustomArg(messageIDArg, p.messageID)
	}

	body, err := p.serialize()
	if err != nil {
		return nil, err
	}

	req := sendgrid.GetRequest(a.apiKey, sendEndpoint, a.APIURL)
	return &anymail.Request{
		Method:  http.MethodPost,
		URL:     req.BaseURL,
		Headers: req.Headers,
		Body:    body,
	}, nil
}

// ParseRecipientStatus 202 代表已排入佇列，逐收件人狀態只能由 webhook 取得
func (a *Adapter) ParseRecipientStatus(resp *anymail.Response, payload anymail.Payload) (*anymail.ParseResult, error) {
	p, err := asPayload(payload)
	if err != nil {
		return nil, err
	}

	messageID := p.messageID
	if messageID == "" {
		messageID = resp.Header.Get("X-Message-Id")
	}

	status := anymail.RecipientStatus{Status: anymail.StatusQueued, MessageID: messageID}
	out := make(map[string]anymail.RecipientStatus)
	for _, addrs := range [][]anymail.Address{p.to, p.cc, p.bcc} {
		for _, addr := range addrs {
			out[addr.Email] = status
		}
	}
	return &anymail.ParseResult{Recipients: out}, nil
}

func asPayload(payload anymail.Payload) (*Payload, error) {
	p, ok := payload.(*Payload)
	if !ok {
		return nil, fmt.Errorf("sendgrid: unexpected payload type %T", payload)
	}
	return p, nil
}

// Payload SendGrid 請求累積器
type Payload struct {
	*anymail.BasePayload

	mail              *mail.SGMailV3
	to, cc, bcc       []anymail.Address
	text, html        *mail.Content
	alternatives      []*mail.Content
	mergeData         map[string]map[string]any
	mergeGlobalData   map[string]any
	extra             map[string]any
	templateVarFormat string
	messageID         string
}

func newEmail(addr anymail.Address) *mail.Email {
	return mail.NewEmail(addr.Name, addr.Email)
}

func (p *Payload) SetFromEmail(from anymail.Address) error {
	p.mail.SetFrom(newEmail(from))
	return nil
}

func (p *Payload) SetTo(to []anymail.Address) error {
	p.to = to
	return nil
}

func (p *Payload) SetCc(cc []anymail.Address) error {
	p.cc = cc
	return nil
}

func (p *Payload) SetBcc(bcc []anymail.Address) error {
	p.bcc = bcc
	return nil
}

func (p *Payload) SetSubject(subject string) error {
	p.mail.Subject = subject
	return nil
}

func (p *Payload) SetReplyTo(replyTo []anymail.Address) error {
	switch len(replyTo) {
	case 0:
	case 1:
		p.mail.SetReplyTo(newEmail(replyTo[0]))
	default:
		emails := make([]*mail.Email, len(replyTo))
		for i, addr := range replyTo {
			emails[i] = newEmail(addr)
		}
		p.mail.SetReplyToList(emails)
	}
	return nil
}

func (p *Payload) SetExtraHeaders(headers []anymail.Header) error {
	for _, h := range headers {
		p.mail.SetHeader(h.Name, h.Value)
	}
	return nil
}

func (p *Payload) SetTextBody(body string) error {
	p.text = mail.NewContent("text/plain", body)
	return nil
}

func (p *Payload) SetHTMLBody(body string) error {
	if p.html != nil {
		return p.Unsupported("multiple html parts")
	}
	p.html = mail.NewContent("text/html", body)
	return nil
}

func (p *Payload) AddAlternative(content, mimetype string) error {
	p.alternatives = append(p.alternatives, mail.NewContent(mimetype, content))
	return nil
}

func (p *Payload) AddAttachment(att anymail.PreparedAttachment) error {
	a := mail.NewAttachment()
	a.SetContent(att.B64Content())
	a.SetType(att.Mimetype)
	a.SetFilename(att.Name)
	a.SetDisposition("attachment")
	if att.Inline {
		a.SetDisposition("inline")
		a.SetContentID(att.CID)
		if att.Name == "" {
			a.SetFilename(att.CID)
		}
	}
	p.mail.AddAttachment(a)
	return nil
}

func (p *Payload) SetMetadata(metadata map[string]any) error {
	for k, v := range metadata {
		p.mail.SetCustomArg(k, stringify(v))
	}
	return nil
}

func (p *Payload) SetSendAt(sendAt any) error {
	switch v := sendAt.(type) {
	case time.Time:
		p.mail.SetSendAt(int(v.Unix()))
	case string:
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return anymail.NewSerializationError(ESPName, fmt.Errorf("send_at %q: %w", v, err))
		}
		p.mail.SetSendAt(int(t.Unix()))
	default:
		return anymail.NewSerializationError(ESPName, fmt.Errorf("send_at of type %T", sendAt))
	}
	return nil
}

func (p *Payload) SetTags(tags []string) error {
	p.mail.AddCategories(tags...)
	return nil
}

func (p *Payload) trackingSettings() *mail.TrackingSettings {
	if p.mail.TrackingSettings == nil {
		p.mail.SetTrackingSettings(mail.NewTrackingSettings())
	}
	return p.mail.TrackingSettings
}

func (p *Payload) SetTrackClicks(track bool) error {
	setting := mail.NewClickTrackingSetting()
	setting.SetEnable(track)
	p.trackingSettings().SetClickTracking(setting)
	return nil
}

func (p *Payload) SetTrackOpens(track bool) error {
	setting := mail.NewOpenTrackingSetting()
	setting.SetEnable(track)
	p.trackingSettings().SetOpenTracking(setting)
	return nil
}

func (p *Payload) SetTemplateID(id string) error {
	p.mail.SetTemplateID(id)
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

// SetESPExtra 逐層合併到 JSON 請求；template_var_format 另行處理
func (p *Payload) SetESPExtra(extra map[string]any) error {
	p.extra = make(map[string]any, len(extra))
	for k, v := range extra {
		if k == "template_var_format" {
			p.templateVarFormat = stringify(v)
			continue
		}
		p.extra[k] = v
	}
	return nil
}

// dynamicTemplate "d-" 開頭的 template 使用 dynamic_template_data
func (p *Payload) dynamicTemplate() bool {
	return strings.HasPrefix(p.mail.TemplateID, "d-")
}

func (p *Payload) formatVar(name string) string {
	if p.templateVarFormat == "" {
		return name
	}
	return strings.ReplaceAll(p.templateVarFormat, "{}", name)
}

// buildPersonalizations 有 merge data 時每位 To 一個 personalization，Cc/Bcc 只放在第一個
func (p *Payload) buildPersonalizations() {
	if p.mergeData == nil || len(p.to) == 0 {
		pers := mail.NewPersonalization()
		for _, addr := range p.to {
			pers.AddTos(newEmail(addr))
		}
		p.addCopies(pers)
		if p.dynamicTemplate() {
			for k, v := range p.mergeGlobalData {
				pers.SetDynamicTemplateData(k, v)
			}
		}
		p.mail.AddPersonalizations(pers)
		return
	}

	for i, addr := range p.to {
		pers := mail.NewPersonalization()
		pers.AddTos(newEmail(addr))
		if i == 0 {
			p.addCopies(pers)
		}

		recipientData := p.mergeData[addr.Email]
		if p.dynamicTemplate() {
			for k, v := range p.mergeGlobalData {
				pers.SetDynamicTemplateData(k, v)
			}
			for k, v := range recipientData {
				pers.SetDynamicTemplateData(k, v)
			}
		} else {
			for _, name := range p.allMergeVars() {
				key := p.formatVar(name)
				value, ok := recipientData[name]
				if !ok {
					// 未提供時保留變數，交給 section 替換
					pers.SetSubstitution(key, key)
					continue
				}
				pers.SetSubstitution(key, stringify(value))
			}
		}
		p.mail.AddPersonalizations(pers)
	}
}

func (p *Payload) addCopies(pers *mail.Personalization) {
	for _, addr := range p.cc {
		pers.AddCCs(newEmail(addr))
	}
	for _, addr := range p.bcc {
		pers.AddBCCs(newEmail(addr))
	}
}

func (p *Payload) allMergeVars() []string {
	seen := make(map[string]struct{})
	var names []string
	for _, vars := range p.mergeData {
		for name := range vars {
			if _, ok := seen[name]; !ok {
				seen[name] = struct{}{}
				names = append(names, name)
			}
		}
	}
	return names
}

// serialize 組出 JSON 請求內容
func (p *Payload) serialize() ([]byte, error) {
	p.buildPersonalizations()

	// text/plain 必須在 text/html 之前
	if p.text != nil {
		p.mail.AddContent(p.text)
	}
	if p.html != nil {
		p.mail.AddContent(p.html)
	}
	p.mail.AddContent(p.alternatives...)

	if !p.dynamicTemplate() && p.mergeGlobalData != nil {
		for k, v := range p.mergeGlobalData {
			p.mail.AddSection(p.formatVar(k), stringify(v))
		}
	}

	body, err := anymail.SerializeJSON(ESPName, p.mail)
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
	for k, v := range p.extra {
		extra, isMap := v.(map[string]any)
		if k != "personalizations" || !isMap {
			overlay(data, map[string]any{k: v})
			continue
		}
		// 物件形式套用到每個 personalization
		list, _ := data["personalizations"].([]any)
		for _, pers := range list {
			if m, ok := pers.(map[string]any); ok {
				overlay(m, extra)
			}
		}
	}
	if p.messageID != "" {
		args, _ := data["custom_args"].(map[string]any)
		if args == nil {
			args = make(map[string]any)
		}
		args[messageIDArg] = p.messageID
		data["custom_args"] = args
	}
	return anymail.SerializeJSON(ESPName, data)
}

// overlay 把 extra 疊到 dst；兩邊都是物件時逐層合併，其餘直接取代
func overlay(dst, extra map[string]any) {
	for k, v := range extra {
		src, srcIsMap := v.(map[string]any)
		cur, curIsMap := dst[k].(map[string]any)
		if srcIsMap && curIsMap {
			overlay(cur, src)
			continue
		}
		if srcIsMap {
			v = maps.Clone(src)
		}
		dst[k] = v
	}
}

// stringify SendGrid 的 custom_args 與替換值只接受字串
func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	case fmt.Stringer:
		return s.String()
	}
	if data, err := json.Marshal(v); err == nil {
		return strings.Trim(string(data), `"`)
	}
	return fmt.Sprint(v)
}
