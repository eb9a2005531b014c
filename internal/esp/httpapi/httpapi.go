// internal/esp/httpapi/httpapi.go
// HTTP ESP 共用傳輸層 - 連線 session、狀態碼檢查

// Package httpapi 提供 HTTP API 型 ESP adapter 共用的 session 與傳送邏輯
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sendgrid/rest"

	"mail-relay/internal/anymail"
)

// DefaultTimeout 單次請求逾時
const DefaultTimeout = 30 * time.Second

// Backend HTTP ESP 共用部分，由各 adapter 內嵌
// 實作 anymail.Session 與 Adapter.Transmit
type Backend struct {
	ESPName string
	APIURL  string

	// HTTPClient 未設定時每個 session 建立新的 client
	HTTPClient *http.Client
	Timeout    time.Duration

	// Accept 判斷回應是否成功，預設只接受 200
	Accept func(resp *anymail.Response) bool

	mu      sync.Mutex
	session *rest.Client
}

// New 建立 HTTP 共用部分
func New(espName, apiURL string) *Backend {
	return &Backend{ESPName: espName, APIURL: apiURL, Timeout: DefaultTimeout}
}

// Name 實作 anymail.Adapter
func (b *Backend) Name() string {
	return b.ESPName
}

// Open 建立 session，已存在時回傳 false
func (b *Backend) Open(context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.session != nil {
		return false, nil
	}
	b.session = &rest.Client{HTTPClient: b.newHTTPClient()}
	return true, nil
}

// Close 關閉 session
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.session == nil {
		return nil
	}
	b.session.HTTPClient.CloseIdleConnections()
	b.session = nil
	return nil
}

func (b *Backend) newHTTPClient() *http.Client {
	if b.HTTPClient != nil {
		return b.HTTPClient
	}
	timeout := b.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout, Transport: http.DefaultTransport.(*http.Transport).Clone()}
}

// client 目前的 session；未開啟時使用一次性的 client
func (b *Backend) client() *rest.Client {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.session != nil {
		return b.session
	}
	return &rest.Client{HTTPClient: b.newHTTPClient()}
}

// UserAgent 送往 ESP 的 User-Agent
func (b *Backend) UserAgent() string {
	return "mail-relay/" + strings.ToLower(b.ESPName)
}

// Transmit 送出請求，非成功回應回傳 KindAPI 錯誤 (附帶回應)
func (b *Backend) Transmit(ctx context.Context, req *anymail.Request) (*anymail.Response, error) {
	headers := make(map[string]string, len(req.Headers)+1)
	headers["User-Agent"] = b.UserAgent()
	for k, v := range req.Headers {
		headers[k] = v
	}

	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	restResp, err := b.client().SendWithContext(ctx, rest.Request{
		Method:      rest.Method(method),
		BaseURL:     req.URL,
		Headers:     headers,
		QueryParams: req.Query,
		Body:        req.Body,
	})
	if err != nil {
		return nil, anymail.NewAPIError(b.ESPName,
			fmt.Sprintf("error posting to %s", req.URL), nil, err)
	}

	resp := &anymail.Response{
		StatusCode: restResp.StatusCode,
		Header:     http.Header(restResp.Headers),
		Body:       []byte(restResp.Body),
	}
	if !b.accept(resp) {
		return resp, anymail.NewAPIError(b.ESPName,
			fmt.Sprintf("%s API response %d", b.ESPName, resp.StatusCode), resp, nil)
	}
	return resp, nil
}

func (b *Backend) accept(resp *anymail.Response) bool {
	if b.Accept != nil {
		return b.Accept(resp)
	}
	return resp.StatusCode == http.StatusOK
}

// Endpoint 組合 API URL 與路徑
func (b *Backend) Endpoint(path string) string {
	return Join(b.APIURL, path)
}

// Join 以單一斜線連接 base 與 path
func Join(base, path string) string {
	if path == "" {
		return base
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
