// internal/esp/postmark/postmark.go
// Postmark Email API adapter

package postmark

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	gomail "github.com/emersion/go-message/mail"

	"mail-relay/internal/anymail"
	"mail-relay/internal/esp/httpapi"
)

const (
	// ESPName adapter 名稱
	ESPName = "Postmark"
	// DefaultAPIURL Postmark API base URL
	DefaultAPIURL = "https://api.postmarkapp.com/"

	tokenHeader = "X-Postmark-Server-Token"
)

// Postmark ErrorCode
const (
	errorCodeOK             = 0
	errorCodeInvalidRequest = 300
	errorCodeInactive       = 406
)

var (
	inactivePattern = regexp.MustCompile(`inactive addresses:\s*(.*?)\.(?:\s|$)`)
	invalidPattern  = regexp.MustCompile(`address:\s*'(.*)'`)
)

// Config Postmark 設定
type Config struct {
	ServerToken string
	APIURL      string
	HTTPClient  *http.Client
}

// Adapter Postmark adapter
type Adapter struct {
	*httpapi.Backend
	serverToken string
}

var _ anymail.Adapter = (*Adapter)(nil)

// New 建立 Postmark adapter
func New(cfg Config) (*Adapter, error) {
	if cfg.ServerToken == "" {
		return nil, anymail.NewConfigurationError("You must set POSTMARK_SERVER_TOKEN to send with %s", ESPName)
	}
	apiURL := cfg.APIURL
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}

	backend := httpapi.New(ESPName, apiURL)
	backend.HTTPClient = cfg.HTTPClient
	// 422 帶有收件人錯誤，交給 ParseRecipientStatus 判斷
	backend.Accept = func(resp *anymail.Response) bool {
		return resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusUnprocessableEntity
	}
	return &Adapter{Backend: backend, serverToken: cfg.ServerToken}, nil
}

// NewPayload 實作 anymail.Adapter
func (a *Adapter) NewPayload(base *anymail.BasePayload) anymail.Payload {
	return &Payload{BasePayload: base, serverToken: a.serverToken}
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

	path := "email"
	if p.templated() {
		path = "email/withTemplate/"
	}
	return &anymail.Request{
		Method: http.MethodPost,
		URL:    a.Endpoint(path),
		Headers: map[string]string{
			"Accept":       "application/json",
			"Content-Type": "application/json",
			tokenHeader:    p.serverToken,
		},
		Body: body,
	}, nil
}

type sendResponse struct {
	ErrorCode *int   `json:"ErrorCode"`
	Message   string `json:"Message"`
	To        string `json:"To"`
	MessageID string `json:"MessageID"`
}

// ParseRecipientStatus 依 ErrorCode 解析；部分收件人停用時其餘仍為 sent
func (a *Adapter) ParseRecipientStatus(resp *anymail.Response, payload anymail.Payload) (*anymail.ParseResult, error) {
	p, err := asPayload(payload)
	if err != nil {
		return nil, err
	}

	var parsed sendResponse
	if err := anymail.DecodeJSON(resp, ESPName, &parsed); err != nil {
		return nil, err
	}
	if parsed.ErrorCode == nil {
		return nil, anymail.NewAPIError(ESPName, "Invalid Postmark API response format", resp, nil)
	}

	switch *parsed.ErrorCode {
	case errorCodeOK:
		if resp.StatusCode != http.StatusOK || parsed.MessageID == "" {
			return nil, anymail.NewAPIError(ESPName, "Invalid Postmark API success response format", resp, nil)
		}
		addrs, err := gomail.ParseAddressList(parsed.To)
		if err != nil {
			return nil, anymail.NewAPIError(ESPName, "Invalid Postmark API success response format", resp, err)
		}
		out := make(map[string]anymail.RecipientStatus, len(addrs))
		for _, addr := range addrs {
			out[p.recipientKey(addr.Address)] = anymail.RecipientStatus{Status: anymail.StatusSent, MessageID: parsed.MessageID}
		}
		if strings.Contains(parsed.Message, "inactive addresses:") {
			for _, email := range addressesFromMessage(parsed.Message, inactivePattern) {
				out[p.recipientKey(email)] = anymail.RecipientStatus{Status: anymail.StatusRejected}
			}
		}
		return &anymail.ParseResult{Recipients: out, MessageID: parsed.MessageID}, nil

	case errorCodeInvalidRequest:
		// 無效的 From 與無效收件人使用相同代碼
		if strings.Contains(parsed.Message, "'From' address") {
			return nil, anymail.NewAPIError(ESPName, parsed.Message, resp, nil)
		}
		return p.statusFor(addressesFromMessage(parsed.Message, invalidPattern), anymail.StatusInvalid), nil

	case errorCodeInactive:
		return p.statusFor(addressesFromMessage(parsed.Message, inactivePattern), anymail.StatusRejected), nil
	}

	return nil, anymail.NewAPIError(ESPName, parsed.Message, resp, nil)
}

func (p *Payload) statusFor(emails []string, status anymail.StatusValue) *anymail.ParseResult {
	out := make(map[string]anymail.RecipientStatus, len(emails))
	for _, email := range emails {
		out[p.recipientKey(email)] = anymail.RecipientStatus{Status: status}
	}
	return &anymail.ParseResult{Recipients: out}
}

// recipientKey Postmark 回傳的地址可能改變大小寫，對回 payload 收件人的原始寫法
func (p *Payload) recipientKey(email string) string {
	for _, r := range p.recipients {
		if strings.EqualFold(r, email) {
			return r
		}
	}
	return email
}

// addressesFromMessage 從錯誤訊息取出 "a@example.com, b@example.com"
func addressesFromMessage(msg string, pattern *regexp.Regexp) []string {
	match := pattern.FindStringSubmatch(msg)
	if match == nil {
		return nil
	}
	var emails []string
	for _, email := range strings.Split(match[1], ",") {
		if email = strings.TrimSpace(email); email != "" {
			emails = append(emails, email)
		}
	}
	return emails
}

func asPayload(payload anymail.Payload) (*Payload, error) {
	p, ok := payload.(*Payload)
	if !ok {
		return nil, fmt.Errorf("postmark: unexpected payload type %T", payload)
	}
	return p, nil
}

type header struct {
	Name  string `json:"Name"`
	Value string `json:"Value"`
}

type attachment struct {
	Name        string `json:"Name"`
	Content     string `json:"Content"`
	ContentType string `json:"ContentType"`
	ContentID   string `json:"ContentID,omitempty"`
}

type emailRequest struct {
	From          string         `json:"From"`
	To            string         `json:"To,omitempty"`
	Cc            string         `json:"Cc,omitempty"`
	Bcc           string         `json:"Bcc,omitempty"`
	ReplyTo       string         `json:"ReplyTo,omitempty"`
	Subject       string         `json:"Subject,omitempty"`
	Headers       []header       `json:"Headers,omitempty"`
	TextBody      string         `json:"TextBody,omitempty"`
	HtmlBody      string         `json:"HtmlBody,omitempty"`
	Attachments   []attachment   `json:"Attachments,omitempty"`
	Tag           string         `json:"Tag,omitempty"`
	TrackOpens    *bool          `json:"TrackOpens,omitempty"`
	TemplateId    *int64         `json:"TemplateId,omitempty"`
	TemplateAlias string         `json:"TemplateAlias,omitempty"`
	TemplateModel map[string]any `json:"TemplateModel,omitempty"`
}

// Payload Postmark 請求累積器
type Payload struct {
	*anymail.BasePayload

	req         emailRequest
	recipients  []string
	hasHTML     bool
	serverToken string
	extra       map[string]any
}

func (p *Payload) templated() bool {
	return p.req.TemplateId != nil || p.req.TemplateAlias != ""
}

func joinAddresses(addrs []anymail.Address) string {
	parts := make([]string, len(addrs))
	for i, addr := range addrs {
		parts[i] = addr.String()
	}
	return strings.Join(parts, ", ")
}

func (p *Payload) SetFromEmail(from anymail.Address) error {
	p.req.From = from.String()
	return nil
}

func (p *Payload) SetTo(to []anymail.Address) error {
	p.req.To = joinAddresses(to)
	p.recipients = append(p.recipients, anymail.Emails(to)...)
	return nil
}

func (p *Payload) SetCc(cc []anymail.Address) error {
	p.req.Cc = joinAddresses(cc)
	p.recipients = append(p.recipients, anymail.Emails(cc)...)
	return nil
}

func (p *Payload) SetBcc(bcc []anymail.Address) error {
	p.req.Bcc = joinAddresses(bcc)
	p.recipients = append(p.recipients, anymail.Emails(bcc)...)
	return nil
}

func (p *Payload) SetSubject(subject string) error {
	p.req.Subject = subject
	return nil
}

func (p *Payload) SetReplyTo(replyTo []anymail.Address) error {
	p.req.ReplyTo = joinAddresses(replyTo)
	return nil
}

func (p *Payload) SetExtraHeaders(headers []anymail.Header) error {
	for _, h := range headers {
		p.req.Headers = append(p.req.Headers, header{Name: h.Name, Value: h.Value})
	}
	return nil
}

func (p *Payload) SetTextBody(body string) error {
	p.req.TextBody = body
	return nil
}

func (p *Payload) SetHTMLBody(body string) error {
	if p.hasHTML {
		return p.Unsupported("multiple html parts")
	}
	p.hasHTML = true
	p.req.HtmlBody = body
	return nil
}

func (p *Payload) AddAttachment(att anymail.PreparedAttachment) error {
	a := attachment{Name: att.Name, Content: att.B64Content(), ContentType: att.Mimetype}
	if att.Inline {
		a.ContentID = "cid:" + att.CID
	}
	p.req.Attachments = append(p.req.Attachments, a)
	return nil
}

// SetTags Postmark 每封郵件只能有一個 tag
func (p *Payload) SetTags(tags []string) error {
	switch len(tags) {
	case 0:
	case 1:
		p.req.Tag = tags[0]
	default:
		return p.Unsupported("multiple tags")
	}
	return nil
}

func (p *Payload) SetTrackOpens(track bool) error {
	p.req.TrackOpens = &track
	return nil
}

// SetTemplateID 數字視為 TemplateId，其他視為 TemplateAlias
func (p *Payload) SetTemplateID(id string) error {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		p.req.TemplateId = &n
		return nil
	}
	p.req.TemplateAlias = id
	return nil
}

func (p *Payload) SetMergeGlobalData(data map[string]any) error {
	p.req.TemplateModel = data
	return nil
}

// SetESPExtra 合併到 JSON 請求；server_token 改用於標頭
func (p *Payload) SetESPExtra(extra map[string]any) error {
	p.extra = maps.Clone(extra)
	if token, ok := p.extra["server_token"]; ok {
		p.serverToken = fmt.Sprint(token)
		delete(p.extra, "server_token")
	}
	return nil
}

func (p *Payload) serialize() ([]byte, error) {
	body, err := anymail.SerializeJSON(ESPName, p.req)
	if err != nil {
		return nil, err
	}
	// withTemplate 需要 TemplateModel，即使沒有資料
	emptyModel := p.templated() && p.req.TemplateModel == nil
	if len(p.extra) == 0 && !emptyModel {
		return body, nil
	}

	var data map[string]any
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, anymail.NewSerializationError(ESPName, err)
	}
	if emptyModel {
		data["TemplateModel"] = map[string]any{}
	}
	maps.Copy(data, p.extra)
	return anymail.SerializeJSON(ESPName, data)
}
