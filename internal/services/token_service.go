// internal/services/token_service.go
// Client Token 服務 - 簽發、驗證、撤銷 JWT

package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"mail-relay/internal/models"
)

// TokenIssuer JWT 的 iss
const TokenIssuer = "mail-relay"

// ErrTokenNotFound 找不到 token
var ErrTokenNotFound = errors.New("token not found")

// TokenService Client Token 服務
type TokenService struct {
	secret []byte
	db     *gorm.DB
	log    *zerolog.Logger
}

// NewTokenService 建立 Token 服務
func NewTokenService(secret string, db *gorm.DB, log *zerolog.Logger) *TokenService {
	return &TokenService{secret: []byte(secret), db: db, log: log}
}

// SignToken 簽發 JWT (永久有效)
func SignToken(secret []byte, claims *models.JWTClaims, now time.Time) (string, error) {
	claims.Issuer = TokenIssuer
	if claims.Subject == "" {
		claims.Subject = uuid.New().String()
	}
	claims.IssuedAt = jwt.NewNumericDate(now)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ParseToken 驗證簽章並取出 claims
func ParseToken(secret []byte, tokenString string) (*models.JWTClaims, error) {
	claims := &models.JWTClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(TokenIssuer))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	if claims.ClientID == "" {
		return nil, errors.New("token missing client_id")
	}
	return claims, nil
}

// HashToken 資料庫只保存 token 的 SHA-256
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// NewClientID 產生唯一 client_id
func NewClientID() string {
	return fmt.Sprintf("client_%s", uuid.New().String()[:8])
}

// Issue 建立 client 並簽發 token
func (s *TokenService) Issue(ctx context.Context, req models.CreateTokenRequest) (*models.CreateTokenResponse, error) {
	clientID := NewClientID()
	now := time.Now()

	tokenString, err := SignToken(s.secret, &models.JWTClaims{
		ClientID:    clientID,
		ClientName:  req.ClientName,
		Department:  req.Department,
		Permissions: req.Permissions,
	}, now)
	if err != nil {
		return nil, err
	}

	clientToken := models.ClientToken{
		ID:          uuid.New(),
		ClientID:    clientID,
		ClientName:  req.ClientName,
		Department:  req.Department,
		Permissions: pq.StringArray(req.Permissions),
		TokenHash:   HashToken(tokenString),
		IsActive:    true,
	}
	if err := s.db.WithContext(ctx).Create(&clientToken).Error; err != nil {
		return nil, fmt.Errorf("failed to save token: %w", err)
	}

	s.log.Info().
		Str("client_id", clientID).
		Str("client_name", req.ClientName).
		Strs("permissions", req.Permissions).
		Msg("client token issued")

	return &models.CreateTokenResponse{
		Token:     tokenString,
		ClientID:  clientID,
		CreatedAt: clientToken.CreatedAt,
	}, nil
}

// IsActive token 未被撤銷
func (s *TokenService) IsActive(ctx context.Context, clientID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.ClientToken{}).
		Where("client_id = ? AND is_active = ?", clientID, true).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// byID 可用 client_id 或 UUID 查詢
func (s *TokenService) byID(ctx context.Context, id string) *gorm.DB {
	query := s.db.WithContext(ctx).Model(&models.ClientToken{}).Where("client_id = ?", id)
	if _, err := uuid.Parse(id); err == nil {
		query = query.Or("id = ?", id)
	}
	return query
}

// Get 查詢 Token 資訊
func (s *TokenService) Get(ctx context.Context, id string) (*models.ClientToken, error) {
	var clientToken models.ClientToken
	if err := s.byID(ctx, id).First(&clientToken).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTokenNotFound
		}
		return nil, err
	}
	return &clientToken, nil
}

// Revoke 撤銷 Token
func (s *TokenService) Revoke(ctx context.Context, id string) error {
	result := s.byID(ctx, id).Updates(map[string]any{
		"is_active":  false,
		"revoked_at": time.Now(),
	})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrTokenNotFound
	}
	s.log.Info().Str("id", id).Msg("client token revoked")
	return nil
}

// List 列出所有 Token
func (s *TokenService) List(ctx context.Context) ([]models.ClientToken, error) {
	var tokens []models.ClientToken
	err := s.db.WithContext(ctx).Order("created_at DESC").Find(&tokens).Error
	return tokens, err
}

// AdminClientID 啟動時建立的 admin client
const AdminClientID = "relay-admin"

// EnsureAdmin 確保 admin token 存在且有效
// 已有效時回傳空字串；新建或重新啟用時回傳新 token (只出現這一次)
func (s *TokenService) EnsureAdmin(ctx context.Context, name string) (string, error) {
	var existing models.ClientToken
	err := s.db.WithContext(ctx).Where("client_id = ?", AdminClientID).First(&existing).Error
	switch {
	case err == nil && existing.IsActive:
		s.log.Info().Str("client_id", existing.ClientID).Msg("admin token already active")
		return "", nil
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		return "", err
	}

	tokenString, signErr := SignToken(s.secret, &models.JWTClaims{
		ClientID:    AdminClientID,
		ClientName:  name,
		Permissions: []string{models.PermissionAdmin},
	}, time.Now())
	if signErr != nil {
		return "", signErr
	}

	if err == nil {
		// 已撤銷，重新啟用
		existing.TokenHash = HashToken(tokenString)
		existing.IsActive = true
		existing.RevokedAt = nil
		existing.ClientName = name
		if err := s.db.WithContext(ctx).Save(&existing).Error; err != nil {
			return "", fmt.Errorf("failed to reactivate admin token: %w", err)
		}
		s.log.Warn().Str("client_id", AdminClientID).Msg("revoked admin token regenerated")
		return tokenString, nil
	}

	if err := s.db.WithContext(ctx).Create(&models.ClientToken{
		ID:          uuid.New(),
		ClientID:    AdminClientID,
		ClientName:  name,
		Permissions: pq.StringArray{models.PermissionAdmin},
		TokenHash:   HashToken(tokenString),
		IsActive:    true,
	}).Error; err != nil {
		return "", fmt.Errorf("failed to save admin token: %w", err)
	}
	s.log.Warn().Str("client_id", AdminClientID).Msg("admin token created")
	return tokenString, nil
}
