// internal/esp/graph/graph.go
// Microsoft Graph sendMail adapter

package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"net/url"

	"mail-relay/internal/anymail"
	"mail-relay/internal/esp/httpapi"
	"mail-relay/pkg/microsoft"
)

const (
	// ESPName adapter 名稱
	ESPName = "Microsoft Graph"
	// DefaultAPIURL Graph API base URL
	DefaultAPIURL = "https://graph.microsoft.com/v1.0"

	fileAttachmentType = "#microsoft.graph.fileAttachment"
)

// TokenSource 提供 Bearer token
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Config Graph 設定
type Config struct {
	Credentials  microsoft.Credentials
	APIURL       string
	AuthorityURL string
	// SaveToSentItems 寄出後保存到寄件者的寄件備份
	SaveToSentItems bool
	HTTPClient      *http.Client
	// Tokens 未設定時依 Credentials 建立 OAuthService
	Tokens TokenSource
}

// Adapter Graph adapter
type Adapter struct {
	*httpapi.Backend
	tokens          TokenSource
	perSender       *microsoft.OAuthManager
	saveToSentItems bool
}

var _ anymail.Adapter = (*Adapter)(nil)

// New 建立 Graph adapter
func New(cfg Config) (*Adapter, error) {
	tokens := cfg.Tokens
	if tokens == nil {
		if !cfg.Credentials.IsConfigured() {
			return nil, anymail.NewConfigurationError(
				"You must set MICROSOFT_TENANT_ID, MICROSOFT_CLIENT_ID and MICROSOFT_CLIENT_SECRET to send with %s", ESPName)
		}
		tokens = microsoft.NewOAuthService(cfg.Credentials,
			microsoft.WithAuthorityURL(cfg.AuthorityURL),
			microsoft.WithHTTPClient(cfg.HTTPClient))
	}
	apiURL := cfg.APIURL
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}

	backend := httpapi.New(ESPName, apiURL)
	backend.HTTPClient = cfg.HTTPClient
	// 202 Accepted 表示成功
	backend.Accept = func(resp *anymail.Response) bool {
		return resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK
	}
	return &Adapter{
		Backend:         backend,
		tokens:          tokens,
		perSender:       microsoft.NewOAuthManager(microsoft.WithAuthorityURL(cfg.AuthorityURL), microsoft.WithHTTPClient(cfg.HTTPClient)),
		saveToSentItems: cfg.SaveToSentItems,
	}, nil
}

// NewPayload 實作 anymail.Adapter
func (a *Adapter) NewPayload(base *anymail.BasePayload) anymail.Payload {
	return &Payload{BasePayload: base, req: sendMailRequest{SaveToSentItems: a.saveToSentItems}}
}

// BuildRequest 取得 token 後建立 sendMail 請求
func (a *Adapter) BuildRequest(ctx context.Context, payload anymail.Payload) (*anymail.Request, error) {
	p, err := asPayload(payload)
	if err != nil {
		return nil, err
	}

	body, err := p.serialize()
	if err != nil {
		return nil, err
	}

	var token string
	if p.creds != nil {
		token, err = a.perSender.AccessToken(ctx, *p.creds)
	} else {
		token, err = a.tokens.AccessToken(ctx)
	}
	if err != nil {
		return nil, anymail.NewAPIError(ESPName, "failed to get access token", nil, err)
	}

	return &anymail.Request{
		Method: http.MethodPost,
		URL:    a.Endpoint(fmt.Sprintf("users/%s/sendMail", url.PathEscape(p.sender))),
		Headers: map[string]string{
			"Authorization": "Bearer " + token,
			"Content-Type":  "application/json",
		},
		Body: body,
	}, nil
}

// ParseRecipientStatus sendMail 沒有回應內容也沒有 message id
func (a *Adapter) ParseRecipientStatus(_ *anymail.Response, payload anymail.Payload) (*anymail.ParseResult, error) {
	p, err := asPayload(payload)
	if err != nil {
		return nil, err
	}

	out := make(map[string]anymail.RecipientStatus, len(p.recipients))
	for _, email := range p.recipients {
		out[email] = anymail.RecipientStatus{Status: anymail.StatusQueued}
	}
	return &anymail.ParseResult{Recipients: out}, nil
}

func asPayload(payload anymail.Payload) (*Payload, error) {
	p, ok := payload.(*Payload)
	if !ok {
		return nil, fmt.Errorf("graph: unexpected payload type %T", payload)
	}
	return p, nil
}

// sendMailRequest Graph API 郵件請求結構
type sendMailRequest struct {
	Message         message `json:"message"`
	SaveToSentItems bool    `json:"saveToSentItems"`
}

// message Graph API 郵件訊息結構
type message struct {
	Subject                string           `json:"subject,omitempty"`
	Body                   *body            `json:"body,omitempty"`
	From                   *recipient       `json:"from,omitempty"`
	ToRecipients           []recipient      `json:"toRecipients,omitempty"`
	CcRecipients           []recipient      `json:"ccRecipients,omitempty"`
	BccRecipients          []recipient      `json:"bccRecipients,omitempty"`
	ReplyTo                []recipient      `json:"replyTo,omitempty"`
	InternetMessageHeaders []messageHeader  `json:"internetMessageHeaders,omitempty"`
	Attachments            []fileAttachment `json:"attachments,omitempty"`
}

type body struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

type emailAddress struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

type messageHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type fileAttachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	ContentBytes string `json:"contentBytes"`
	IsInline     bool   `json:"isInline,omitempty"`
	ContentID    string `json:"contentId,omitempty"`
}

// Payload Graph 請求累積器
type Payload struct {
	*anymail.BasePayload

	req        sendMailRequest
	sender     string
	recipients []string
	extra      map[string]any
	creds      *microsoft.Credentials
}

func toRecipients(addrs []anymail.Address) []recipient {
	out := make([]recipient, len(addrs))
	for i, addr := range addrs {
		out[i] = recipient{EmailAddress: emailAddress{Name: addr.Name, Address: addr.Email}}
	}
	return out
}

func (p *Payload) SetFromEmail(from anymail.Address) error {
	p.sender = from.Email
	p.req.Message.From = &recipient{EmailAddress: emailAddress{Name: from.Name, Address: from.Email}}
	return nil
}

func (p *Payload) SetTo(to []anymail.Address) error {
	p.req.Message.ToRecipients = toRecipients(to)
	p.recipients = append(p.recipients, anymail.Emails(to)...)
	return nil
}

func (p *Payload) SetCc(cc []anymail.Address) error {
	p.req.Message.CcRecipients = toRecipients(cc)
	p.recipients = append(p.recipients, anymail.Emails(cc)...)
	return nil
}

func (p *Payload) SetBcc(bcc []anymail.Address) error {
	p.req.Message.BccRecipients = toRecipients(bcc)
	p.recipients = append(p.recipients, anymail.Emails(bcc)...)
	return nil
}

func (p *Payload) SetSubject(subject string) error {
	p.req.Message.Subject = subject
	return nil
}

func (p *Payload) SetReplyTo(replyTo []anymail.Address) error {
	p.req.Message.ReplyTo = toRecipients(replyTo)
	return nil
}

func (p *Payload) SetExtraHeaders(headers []anymail.Header) error {
	for _, h := range headers {
		p.req.Message.InternetMessageHeaders = append(p.req.Message.InternetMessageHeaders,
			messageHeader{Name: h.Name, Value: h.Value})
	}
	return nil
}

// textWithHTML Graph 只能有一種內文，同時有 text 與 html 時保留 html
const textWithHTML = "text body alongside html body"

func (p *Payload) SetTextBody(content string) error {
	if p.req.Message.Body != nil {
		return p.Unsupported(textWithHTML)
	}
	p.req.Message.Body = &body{ContentType: "text", Content: content}
	return nil
}

func (p *Payload) SetHTMLBody(content string) error {
	if b := p.req.Message.Body; b != nil && b.ContentType == "html" {
		return p.Unsupported("multiple html parts")
	}
	if b := p.req.Message.Body; b != nil && b.Content != "" {
		if err := p.Unsupported(textWithHTML); err != nil {
			return err
		}
	}
	p.req.Message.Body = &body{ContentType: "html", Content: content}
	return nil
}

func (p *Payload) AddAttachment(att anymail.PreparedAttachment) error {
	a := fileAttachment{
		ODataType:    fileAttachmentType,
		Name:         att.Name,
		ContentType:  att.Mimetype,
		ContentBytes: att.B64Content(),
	}
	if att.Inline {
		a.IsInline = true
		a.ContentID = att.CID
		if a.Name == "" {
			a.Name = att.CID
		}
	}
	p.req.Message.Attachments = append(p.req.Message.Attachments, a)
	return nil
}

// SetESPExtra 合併到請求最外層，例如 saveToSentItems
// credentials {tenant_id, client_id, client_secret} 改用該寄件者自己的應用程式憑證
func (p *Payload) SetESPExtra(extra map[string]any) error {
	p.extra = make(map[string]any, len(extra))
	for k, v := range extra {
		if k == credentialsKey {
			creds, err := parseCredentials(v)
			if err != nil {
				return err
			}
			p.creds = &creds
			continue
		}
		p.extra[k] = v
	}
	return nil
}

const credentialsKey = "credentials"

func parseCredentials(v any) (microsoft.Credentials, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return microsoft.Credentials{}, anymail.NewConfigurationError(
			"%s esp_extra %q must be a map, got %T", ESPName, credentialsKey, v)
	}
	field := func(key string) string {
		s, _ := m[key].(string)
		return s
	}
	creds := microsoft.Credentials{
		TenantID:     field("tenant_id"),
		ClientID:     field("client_id"),
		ClientSecret: field("client_secret"),
	}
	if !creds.IsConfigured() {
		return microsoft.Credentials{}, anymail.NewConfigurationError(
			"%s esp_extra %q requires tenant_id, client_id and client_secret", ESPName, credentialsKey)
	}
	return creds, nil
}

func (p *Payload) serialize() ([]byte, error) {
	data, err := anymail.SerializeJSON(ESPName, p.req)
	if err != nil {
		return nil, err
	}
	if len(p.extra) == 0 {
		return data, nil
	}

	var merged map[string]any
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, anymail.NewSerializationError(ESPName, err)
	}
	maps.Copy(merged, p.extra)
	return anymail.SerializeJSON(ESPName, merged)
}
