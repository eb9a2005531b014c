// internal/api/handlers/auth_handler.go
// Token 管理 API Handler

package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"mail-relay/internal/models"
	"mail-relay/internal/services"
)

// TokenManager client token 管理
type TokenManager interface {
	Issue(ctx context.Context, req models.CreateTokenRequest) (*models.CreateTokenResponse, error)
	Get(ctx context.Context, id string) (*models.ClientToken, error)
	Revoke(ctx context.Context, id string) error
	List(ctx context.Context) ([]models.ClientToken, error)
}

// AuthHandler Token 管理 Handler
type AuthHandler struct {
	tokens TokenManager
	log    *zerolog.Logger
}

// NewAuthHandler 建立 Auth Handler
func NewAuthHandler(tokens TokenManager, log *zerolog.Logger) *AuthHandler {
	return &AuthHandler{tokens: tokens, log: log}
}

// CreateToken 建立新 Token
func (h *AuthHandler) CreateToken(c *gin.Context) {
	var req models.CreateTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "validation_error",
			"message": err.Error(),
		})
		return
	}

	resp, err := h.tokens.Issue(c.Request.Context(), req)
	if err != nil {
		h.log.Error().Err(err).Str("client_name", req.ClientName).Msg("failed to issue token")
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "token_generation_error",
			"message": "Failed to generate token",
		})
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// GetToken 查詢 Token 資訊
func (h *AuthHandler) GetToken(c *gin.Context) {
	token, err := h.tokens.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.tokenError(c, err)
		return
	}
	c.JSON(http.StatusOK, token)
}

// RevokeToken 撤銷 Token
func (h *AuthHandler) RevokeToken(c *gin.Context) {
	if err := h.tokens.Revoke(c.Request.Context(), c.Param("id")); err != nil {
		h.tokenError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Token 已撤銷",
	})
}

// ListTokens 列出所有 Token
func (h *AuthHandler) ListTokens(c *gin.Context) {
	tokens, err := h.tokens.List(c.Request.Context())
	if err != nil {
		h.tokenError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"total": len(tokens),
		"data":  tokens,
	})
}

func (h *AuthHandler) tokenError(c *gin.Context, err error) {
	if errors.Is(err, services.ErrTokenNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   "not_found",
			"message": "Token not found",
		})
		return
	}
	h.log.Error().Err(err).Msg("token store error")
	c.JSON(http.StatusInternalServerError, gin.H{
		"success": false,
		"error":   "database_error",
		"message": "Token store unavailable",
	})
}
