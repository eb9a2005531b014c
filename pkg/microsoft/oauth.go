// pkg/microsoft/oauth.go
// Microsoft OAuth 2.0 Token 取得與快取 (client credentials)

package microsoft

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sendgrid/rest"
)

const (
	// DefaultAuthorityURL Microsoft identity platform
	DefaultAuthorityURL = "https://login.microsoftonline.com"
	// GraphScope client credentials 使用的 scope
	GraphScope = "https://graph.microsoft.com/.default"

	// refreshMargin 到期前提早更新
	refreshMargin = 60 * time.Second
)

// Credentials 應用程式憑證
type Credentials struct {
	TenantID     string
	ClientID     string
	ClientSecret string
}

// IsConfigured 檢查憑證是否完整
func (c Credentials) IsConfigured() bool {
	return c.TenantID != "" && c.ClientID != "" && c.ClientSecret != ""
}

// OAuthService Microsoft OAuth 2.0 服務
type OAuthService struct {
	creds        Credentials
	authorityURL string
	client       *rest.Client
	now          func() time.Time

	accessToken string
	expiresAt   time.Time
	mu          sync.RWMutex
}

// tokenResponse OAuth 2.0 Token 回應
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// Option OAuthService 選項
type Option func(*OAuthService)

// WithAuthorityURL 指定 token 端點的 base URL
func WithAuthorityURL(u string) Option {
	return func(s *OAuthService) {
		if u != "" {
			s.authorityURL = strings.TrimRight(u, "/")
		}
	}
}

// WithHTTPClient 指定 HTTP client
func WithHTTPClient(c *http.Client) Option {
	return func(s *OAuthService) {
		if c != nil {
			s.client = &rest.Client{HTTPClient: c}
		}
	}
}

// NewOAuthService 建立 OAuth 服務
func NewOAuthService(creds Credentials, opts ...Option) *OAuthService {
	s := &OAuthService{
		creds:        creds,
		authorityURL: DefaultAuthorityURL,
		client:       &rest.Client{HTTPClient: &http.Client{Timeout: 30 * time.Second}},
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AccessToken 取得 Access Token (帶快取)
func (s *OAuthService) AccessToken(ctx context.Context) (string, error) {
	s.mu.RLock()
	if s.validLocked() {
		token := s.accessToken
		s.mu.RUnlock()
		return token, nil
	}
	s.mu.RUnlock()

	return s.refreshToken(ctx)
}

func (s *OAuthService) validLocked() bool {
	return s.accessToken != "" && s.now().Add(refreshMargin).Before(s.expiresAt)
}

// refreshToken 刷新 Access Token
func (s *OAuthService) refreshToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// 其他 goroutine 可能已經更新
	if s.validLocked() {
		return s.accessToken, nil
	}

	data := url.Values{}
	data.Set("client_id", s.creds.ClientID)
	data.Set("client_secret", s.creds.ClientSecret)
	data.Set("scope", GraphScope)
	data.Set("grant_type", "client_credentials")

	resp, err := s.client.SendWithContext(ctx, rest.Request{
		Method:  rest.Post,
		BaseURL: s.TokenURL(),
		Headers: map[string]string{"Content-Type": "application/x-www-form-urlencoded"},
		Body:    []byte(data.Encode()),
	})
	if err != nil {
		return "", fmt.Errorf("failed to request token: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token request failed with status: %d", resp.StatusCode)
	}

	var tokenResp tokenResponse
	if err := json.Unmarshal([]byte(resp.Body), &tokenResp); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return "", fmt.Errorf("token response has no access_token")
	}

	s.accessToken = tokenResp.AccessToken
	s.expiresAt = s.now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	return s.accessToken, nil
}

// TokenURL 租戶的 token 端點
func (s *OAuthService) TokenURL() string {
	return fmt.Sprintf("%s/%s/oauth2/v2.0/token", s.authorityURL, url.PathEscape(s.creds.TenantID))
}

// IsConfigured 檢查 OAuth 是否已設定
func (s *OAuthService) IsConfigured() bool {
	return s.creds.IsConfigured()
}

// OAuthManager 依憑證快取 OAuthService，讓多個寄件設定共用 token
type OAuthManager struct {
	opts     []Option
	mu       sync.Mutex
	services map[Credentials]*OAuthService
}

// NewOAuthManager 建立 OAuth 管理器
func NewOAuthManager(opts ...Option) *OAuthManager {
	return &OAuthManager{opts: opts, services: make(map[Credentials]*OAuthService)}
}

// Service 取得或建立憑證對應的 OAuthService
func (m *OAuthManager) Service(creds Credentials) *OAuthService {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.services[creds]; ok {
		return s
	}
	s := NewOAuthService(creds, m.opts...)
	m.services[creds] = s
	return s
}

// AccessToken 根據憑證取得 Access Token
func (m *OAuthManager) AccessToken(ctx context.Context, creds Credentials) (string, error) {
	return m.Service(creds).AccessToken(ctx)
}
