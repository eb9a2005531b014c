// internal/anymail/message.go
// 標準化郵件模型 - 與 ESP 無關的郵件表示

// Package anymail 將通用郵件標準化並透過 ESP adapter 發送，
// 再把各家 ESP 的回應整理成統一的收件人狀態。
package anymail

import "slices"

// ContentSubtype 內文類型
const (
	SubtypePlain = "plain"
	SubtypeHTML  = "html"
)

// presence 欄位狀態
type presence uint8

const (
	unset presence = iota
	present
	cleared
)

// Field 擴充欄位值
// 區分「未設定」、「已設定」與「明確清除」(會取消預設值)
type Field[T any] struct {
	value T
	state presence
}

// Set 建立已設定的欄位
func Set[T any](v T) Field[T] {
	return Field[T]{value: v, state: present}
}

// Clear 建立明確清除的欄位，合併時會忽略所有預設值
func Clear[T any]() Field[T] {
	return Field[T]{state: cleared}
}

// Get 取得欄位值與是否已設定
func (f Field[T]) Get() (T, bool) {
	return f.value, f.state == present
}

// IsSet 是否已設定
func (f Field[T]) IsSet() bool {
	return f.state == present
}

// IsCleared 是否明確清除
func (f Field[T]) IsCleared() bool {
	return f.state == cleared
}

// Header 額外郵件標頭 (名稱可重複)
type Header struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value" yaml:"value"`
}

// Alternative 替代內文 (content, mimetype)
type Alternative struct {
	Content  string `json:"content" yaml:"content"`
	Mimetype string `json:"mimetype" yaml:"mimetype"`
}

// Attachment 附件
// Content 為二進位內容；Text 為文字內容，發送前會依郵件編碼轉為位元組
type Attachment struct {
	Filename  string `json:"filename,omitempty" yaml:"filename"`
	Content   []byte `json:"content,omitempty" yaml:"content"`
	Text      string `json:"text,omitempty" yaml:"text"`
	Mimetype  string `json:"mimetype,omitempty" yaml:"mimetype"`
	Inline    bool   `json:"inline,omitempty" yaml:"inline"`
	ContentID string `json:"content_id,omitempty" yaml:"content_id"`
}

// Message 標準化郵件
type Message struct {
	From           string
	To             []string
	Cc             []string
	Bcc            []string
	ReplyTo        []string
	Subject        string
	Body           string
	ContentSubtype string
	Alternatives   []Alternative
	ExtraHeaders   []Header
	Attachments    []Attachment
	Encoding       string

	// 擴充欄位
	Metadata        Field[map[string]any]
	SendAt          Field[any]
	Tags            Field[[]string]
	TrackClicks     Field[bool]
	TrackOpens      Field[bool]
	TemplateID      Field[string]
	MergeData       Field[map[string]map[string]any]
	MergeGlobalData Field[map[string]any]
	ESPExtra        Field[map[string]any]

	// Status 最近一次發送的結果，每次發送時重建
	Status *Status
}

// Recipients 回傳所有收件人 (To + Cc + Bcc)
func (m *Message) Recipients() []string {
	return slices.Concat(m.To, m.Cc, m.Bcc)
}

// presentString 空字串視為未設定
func presentString(s string) Field[string] {
	if s == "" {
		return Field[string]{}
	}
	return Set(s)
}

// presentSlice nil 視為未設定，空切片視為已設定
func presentSlice[E any](s []E) Field[[]E] {
	if s == nil {
		return Field[[]E]{}
	}
	return Set(s)
}
