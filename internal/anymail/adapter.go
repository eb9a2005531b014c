// internal/anymail/adapter.go
// ESP adapter 介面 - 建構請求、傳送、解析回應

package anymail

import (
	"context"
	"encoding/json"
	"net/http"
)

// Request 已建構、可傳送的 ESP 請求
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Query   map[string]string
	Body    []byte
}

// Response ESP 原始回應
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Text 回應內容字串
func (r *Response) Text() string {
	if r == nil {
		return ""
	}
	return string(r.Body)
}

// ParseResult 回應解析結果
type ParseResult struct {
	Recipients map[string]RecipientStatus
	// MessageID ESP 回傳的整體 message id，收件人都沒有 id 時使用
	MessageID string
}

// Adapter ESP adapter
type Adapter interface {
	// Name ESP 名稱，用於錯誤訊息與預設值查詢
	Name() string
	// NewPayload 建立此 ESP 的 payload
	NewPayload(base *BasePayload) Payload
	// BuildRequest 由累積的欄位建立請求
	BuildRequest(ctx context.Context, payload Payload) (*Request, error)
	// Transmit 傳送請求，非成功回應回傳 KindAPI 錯誤
	Transmit(ctx context.Context, req *Request) (*Response, error)
	// ParseRecipientStatus 解析回應為收件人狀態
	ParseRecipientStatus(resp *Response, payload Payload) (*ParseResult, error)
}

// Session 需要連線生命週期的 adapter
type Session interface {
	// Open 建立連線，回傳是否為新建立
	Open(ctx context.Context) (bool, error)
	Close() error
}

// SerializeJSON 序列化請求內容
func SerializeJSON(espName string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, NewSerializationError(espName, err)
	}
	return data, nil
}

// DecodeJSON 解析 JSON 回應
func DecodeJSON(resp *Response, espName string, v any) error {
	if err := json.Unmarshal(resp.Body, v); err != nil {
		return NewAPIError(espName, "Invalid JSON in "+espName+" API response", resp, err)
	}
	return nil
}
