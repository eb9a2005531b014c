// internal/anymail/errors.go
// 錯誤分類 - 決定錯誤要被吞掉 (fail silently) 還是往上拋

package anymail

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind 錯誤種類
type Kind int

const (
	// KindGeneral 其他發送錯誤
	KindGeneral Kind = iota
	// KindConfiguration 設定缺漏或矛盾，永遠不會被 fail silently 吞掉
	KindConfiguration
	// KindUnsupportedFeature ESP 無法表達的功能
	KindUnsupportedFeature
	// KindSerialization 欄位無法序列化
	KindSerialization
	// KindInvalidAddress 地址格式錯誤
	KindInvalidAddress
	// KindAPI ESP 回應非成功或無法解析
	KindAPI
	// KindRecipientsRefused 所有收件人都被拒絕或無效
	KindRecipientsRefused
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindUnsupportedFeature:
		return "unsupported_feature"
	case KindSerialization:
		return "serialization"
	case KindInvalidAddress:
		return "invalid_address"
	case KindAPI:
		return "api"
	case KindRecipientsRefused:
		return "recipients_refused"
	default:
		return "general"
	}
}

// 用於 errors.Is 依種類比對
var (
	ErrGeneral            = &Error{Kind: KindGeneral}
	ErrConfiguration      = &Error{Kind: KindConfiguration}
	ErrUnsupportedFeature = &Error{Kind: KindUnsupportedFeature}
	ErrSerialization      = &Error{Kind: KindSerialization}
	ErrInvalidAddress     = &Error{Kind: KindInvalidAddress}
	ErrAPI                = &Error{Kind: KindAPI}
	ErrRecipientsRefused  = &Error{Kind: KindRecipientsRefused}
)

// Error 發送錯誤
// Message、Payload、Response 僅用於診斷訊息
type Error struct {
	Kind       Kind
	Msg        string
	ESPName    string
	StatusCode int
	Err        error

	Message  *Message
	Payload  Payload
	Response *Response
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Error 組合錯誤描述、發送摘要與 ESP 回應
func (e *Error) Error() string {
	parts := make([]string, 0, 4)

	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil && e.Kind == KindSerialization {
		msg += "\n" + e.Err.Error()
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if msg != "" {
		parts = append(parts, msg)
	}
	if desc := e.describeSend(); desc != "" {
		parts = append(parts, desc)
	}
	if desc := e.describeResponse(); desc != "" {
		parts = append(parts, desc)
	}
	if len(parts) == 0 {
		return "anymail: " + e.Kind.String() + " error"
	}
	return strings.Join(parts, "\n")
}

// Unwrap 回傳底層錯誤
func (e *Error) Unwrap() error {
	return e.Err
}

// Is 依種類比對哨兵錯誤
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

func (e *Error) describeSend() string {
	if e.Message == nil {
		return ""
	}
	recipients := e.Message.Recipients()
	if len(recipients) == 0 && e.Message.From == "" {
		return ""
	}
	desc := "Sending a message"
	if len(recipients) > 0 {
		desc += " to " + strings.Join(recipients, ",")
	}
	if e.Message.From != "" {
		desc += " from " + e.Message.From
	}
	return desc
}

func (e *Error) describeResponse() string {
	if e.Response == nil {
		return ""
	}
	desc := fmt.Sprintf("%s API response %d:", e.espLabel(), e.Response.StatusCode)

	var pretty bytes.Buffer
	if json.Indent(&pretty, e.Response.Body, "", "  ") == nil {
		return desc + "\n" + pretty.String()
	}
	if len(e.Response.Body) > 0 {
		return desc + " " + e.Response.Text()
	}
	return desc
}

func (e *Error) espLabel() string {
	if e.ESPName == "" {
		return "ESP"
	}
	return e.ESPName
}

// KindOf 取得錯誤種類，非 *Error 時回傳 false
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return KindGeneral, false
}

// Suppressible fail silently 模式下可被吞掉的錯誤
// 設定錯誤與非 anymail 錯誤一律往上拋
func Suppressible(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind != KindConfiguration
}

// NewAPIError 建立 ESP API 錯誤，狀態碼取自回應
func NewAPIError(espName, msg string, resp *Response, cause error) *Error {
	e := &Error{Kind: KindAPI, Msg: msg, ESPName: espName, Response: resp, Err: cause}
	if resp != nil {
		e.StatusCode = resp.StatusCode
	}
	return e
}

// NewConfigurationError 建立設定錯誤
func NewConfigurationError(format string, args ...any) *Error {
	return newError(KindConfiguration, format, args...)
}

// NewSerializationError 建立序列化錯誤
func NewSerializationError(espName string, cause error) *Error {
	return &Error{
		Kind:    KindSerialization,
		ESPName: espName,
		Msg: fmt.Sprintf("Don't know how to send this data to %s. "+
			"Try converting it to a string or number first.", espName),
		Err: cause,
	}
}

// annotate 補上發送中的郵件與 payload，已有的值不覆蓋
func annotate(err error, msg *Message, payload Payload) error {
	var e *Error
	if !errors.As(err, &e) {
		return err
	}
	if e.Message == nil {
		e.Message = msg
	}
	if e.Payload == nil && payload != nil {
		e.Payload = payload
	}
	return err
}
