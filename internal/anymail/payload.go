// internal/anymail/payload.go
// Payload 介面 - 每個欄位對應一個 setter

package anymail

import "fmt"

// Payload ESP 專屬的欄位累積器
// 必要 setter 沒有預設實作；其餘由 BasePayload 提供，一律視為不支援
type Payload interface {
	SetFromEmail(from Address) error
	SetTo(to []Address) error
	SetCc(cc []Address) error
	SetBcc(bcc []Address) error
	SetSubject(subject string) error
	SetReplyTo(replyTo []Address) error
	SetExtraHeaders(headers []Header) error
	SetTextBody(body string) error
	SetHTMLBody(body string) error
	AddAlternative(content, mimetype string) error
	AddAttachment(att PreparedAttachment) error

	SetMetadata(metadata map[string]any) error
	SetSendAt(sendAt any) error
	SetTags(tags []string) error
	SetTrackClicks(track bool) error
	SetTrackOpens(track bool) error
	SetTemplateID(id string) error
	SetMergeData(data map[string]map[string]any) error
	SetMergeGlobalData(data map[string]any) error
	SetESPExtra(extra map[string]any) error

	// Base 回傳共用狀態
	Base() *BasePayload
}

// BasePayload 各 adapter 內嵌的共用部分
type BasePayload struct {
	ESPName           string
	Message           *Message
	IgnoreUnsupported bool
}

// NewBasePayload 建立共用 payload 狀態
func NewBasePayload(espName string, msg *Message, ignoreUnsupported bool) *BasePayload {
	return &BasePayload{ESPName: espName, Message: msg, IgnoreUnsupported: ignoreUnsupported}
}

// Base 實作 Payload
func (b *BasePayload) Base() *BasePayload {
	return b
}

// Unsupported adapter 拒絕欄位的唯一途徑
// 設定 IgnoreUnsupported 時回傳 nil，欄位直接略過
func (b *BasePayload) Unsupported(feature string) error {
	if b.IgnoreUnsupported {
		return nil
	}
	return &Error{
		Kind:    KindUnsupportedFeature,
		ESPName: b.ESPName,
		Msg: fmt.Sprintf("%s does not support %s. "+
			"Set ignore_unsupported_features to ignore this error.", b.ESPName, feature),
		Message: b.Message,
	}
}

func (b *BasePayload) SetReplyTo([]Address) error       { return b.Unsupported("reply_to") }
func (b *BasePayload) SetExtraHeaders([]Header) error   { return b.Unsupported("extra_headers") }
func (b *BasePayload) SetMetadata(map[string]any) error { return b.Unsupported("metadata") }
func (b *BasePayload) SetSendAt(any) error              { return b.Unsupported("send_at") }
func (b *BasePayload) SetTags([]string) error           { return b.Unsupported("tags") }
func (b *BasePayload) SetTrackClicks(bool) error        { return b.Unsupported("track_clicks") }
func (b *BasePayload) SetTrackOpens(bool) error         { return b.Unsupported("track_opens") }
func (b *BasePayload) SetTemplateID(string) error       { return b.Unsupported("template_id") }
func (b *BasePayload) SetESPExtra(map[string]any) error { return b.Unsupported("esp_extra") }

func (b *BasePayload) SetMergeData(map[string]map[string]any) error {
	return b.Unsupported("merge_data")
}

func (b *BasePayload) SetMergeGlobalData(map[string]any) error {
	return b.Unsupported("merge_global_data")
}

// AddAlternative 預設不支援非 HTML 的替代內文
func (b *BasePayload) AddAlternative(_, mimetype string) error {
	return b.Unsupported(fmt.Sprintf("alternative part with type %q", mimetype))
}
