// internal/anymail/fake_test.go
// 測試用 adapter 與 payload

package anymail

import (
	"context"
	"errors"
)

// recordingPayload 記錄每次 setter 呼叫
type recordingPayload struct {
	*BasePayload
	calls  []string
	values map[string]any
}

func newRecordingPayload(base *BasePayload) *recordingPayload {
	return &recordingPayload{BasePayload: base, values: make(map[string]any)}
}

func (p *recordingPayload) record(name string, v any) error {
	p.calls = append(p.calls, name)
	if prev, ok := p.values[name]; ok {
		if list, ok := prev.([]any); ok {
			p.values[name] = append(list, v)
			return nil
		}
		p.values[name] = []any{prev, v}
		return nil
	}
	p.values[name] = v
	return nil
}

func (p *recordingPayload) SetFromEmail(a Address) error     { return p.record("from_email", a) }
func (p *recordingPayload) SetTo(a []Address) error          { return p.record("to", a) }
func (p *recordingPayload) SetCc(a []Address) error          { return p.record("cc", a) }
func (p *recordingPayload) SetBcc(a []Address) error         { return p.record("bcc", a) }
func (p *recordingPayload) SetSubject(s string) error        { return p.record("subject", s) }
func (p *recordingPayload) SetReplyTo(a []Address) error     { return p.record("reply_to", a) }
func (p *recordingPayload) SetExtraHeaders(h []Header) error { return p.record("extra_headers", h) }
func (p *recordingPayload) SetTextBody(s string) error       { return p.record("text_body", s) }
func (p *recordingPayload) SetHTMLBody(s string) error       { return p.record("html_body", s) }
func (p *recordingPayload) AddAttachment(a PreparedAttachment) error {
	return p.record("attachment", a)
}
func (p *recordingPayload) AddAlternative(content, mimetype string) error {
	return p.record("alternative", Alternative{Content: content, Mimetype: mimetype})
}
func (p *recordingPayload) SetMetadata(m map[string]any) error { return p.record("metadata", m) }
func (p *recordingPayload) SetSendAt(v any) error              { return p.record("send_at", v) }
func (p *recordingPayload) SetTags(t []string) error           { return p.record("tags", t) }
func (p *recordingPayload) SetTrackClicks(b bool) error        { return p.record("track_clicks", b) }
func (p *recordingPayload) SetTrackOpens(b bool) error         { return p.record("track_opens", b) }
func (p *recordingPayload) SetTemplateID(s string) error       { return p.record("template_id", s) }
func (p *recordingPayload) SetMergeData(m map[string]map[string]any) error {
	return p.record("merge_data", m)
}
func (p *recordingPayload) SetMergeGlobalData(m map[string]any) error {
	return p.record("merge_global_data", m)
}
func (p *recordingPayload) SetESPExtra(m map[string]any) error { return p.record("esp_extra", m) }

// minimalPayload 只實作必要 setter，其餘走 BasePayload 的不支援路徑
type minimalPayload struct {
	*BasePayload
	to []Address
}

func (p *minimalPayload) SetFromEmail(Address) error             { return nil }
func (p *minimalPayload) SetTo(a []Address) error                { p.to = a; return nil }
func (p *minimalPayload) SetCc([]Address) error                  { return nil }
func (p *minimalPayload) SetBcc([]Address) error                 { return nil }
func (p *minimalPayload) SetSubject(string) error                { return nil }
func (p *minimalPayload) SetTextBody(string) error               { return nil }
func (p *minimalPayload) SetHTMLBody(string) error               { return nil }
func (p *minimalPayload) AddAttachment(PreparedAttachment) error { return nil }

// fakeAdapter 依收件人回傳預設狀態的 adapter
type fakeAdapter struct {
	minimal bool

	// statusFor 依收件人決定狀態，nil 時全部 queued
	statusFor func(email string) RecipientStatus
	// messageID 回應層級的 message id
	messageID string
	// failOn 第 n 次傳送 (從 1 起算) 回傳 API 錯誤
	failOn map[int]error

	transmits int
	payloads  []Payload

	sessionOpen bool
	opens       int
	closes      int
}

var _ Session = (*fakeAdapter)(nil)

func (a *fakeAdapter) Name() string { return "Fake" }

func (a *fakeAdapter) NewPayload(base *BasePayload) Payload {
	if a.minimal {
		return &minimalPayload{BasePayload: base}
	}
	return newRecordingPayload(base)
}

func (a *fakeAdapter) BuildRequest(_ context.Context, p Payload) (*Request, error) {
	a.payloads = append(a.payloads, p)
	return &Request{Method: "POST", URL: "https://esp.invalid/send"}, nil
}

func (a *fakeAdapter) Transmit(_ context.Context, _ *Request) (*Response, error) {
	a.transmits++
	if err, ok := a.failOn[a.transmits]; ok {
		return nil, err
	}
	return &Response{StatusCode: 200, Body: []byte(`{"ok":true}`)}, nil
}

func (a *fakeAdapter) ParseRecipientStatus(_ *Response, p Payload) (*ParseResult, error) {
	out := make(map[string]RecipientStatus)
	for _, email := range p.Base().Message.Recipients() {
		addr, err := ParseAddress(email, "")
		if err != nil {
			return nil, err
		}
		if a.statusFor != nil {
			out[addr.Email] = a.statusFor(addr.Email)
		} else {
			out[addr.Email] = RecipientStatus{Status: StatusQueued, MessageID: "id-1"}
		}
	}
	return &ParseResult{Recipients: out, MessageID: a.messageID}, nil
}

func (a *fakeAdapter) Open(context.Context) (bool, error) {
	a.opens++
	if a.sessionOpen {
		return false, nil
	}
	a.sessionOpen = true
	return true, nil
}

func (a *fakeAdapter) Close() error {
	a.closes++
	a.sessionOpen = false
	return nil
}

func apiErr(msg string) error {
	return &Error{Kind: KindAPI, Msg: msg, Err: errors.New("boom")}
}

func newTestMessage(to ...string) *Message {
	return &Message{
		From:    "from@example.com",
		To:      to,
		Subject: "Subject",
		Body:    "Body",
	}
}
