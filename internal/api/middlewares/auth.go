// internal/api/middlewares/auth.go
// JWT 認證中介軟體

package middlewares

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"mail-relay/internal/models"
	"mail-relay/internal/services"
)

// ClaimsKey gin context 中 JWT claims 的 key
const ClaimsKey = "claims"

// TokenChecker 檢查 client token 是否仍有效 (未撤銷)
type TokenChecker interface {
	IsActive(ctx context.Context, clientID string) (bool, error)
}

func abort(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"success": false,
		"error":   code,
		"message": message,
	})
}

// JWTAuth JWT 認證中介軟體
func JWTAuth(secret string, tokens TokenChecker) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		// 取得 Authorization header
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abort(c, http.StatusUnauthorized, "missing_token", "Authorization header is required")
			return
		}

		// 解析 Bearer token
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			abort(c, http.StatusUnauthorized, "invalid_token_format", "Authorization header must be Bearer token")
			return
		}

		claims, err := services.ParseToken(key, strings.TrimSpace(parts[1]))
		if err != nil {
			abort(c, http.StatusUnauthorized, "invalid_token", "Invalid or expired token")
			return
		}

		// 驗證 Token 是否有效 (未撤銷)
		active, err := tokens.IsActive(c.Request.Context(), claims.ClientID)
		if err != nil || !active {
			abort(c, http.StatusUnauthorized, "token_revoked", "Token has been revoked or is inactive")
			return
		}

		// 設定 context
		c.Set(ClaimsKey, claims)
		c.Set("client_id", claims.ClientID)
		c.Set("client_name", claims.ClientName)
		c.Set("department", claims.Department)
		c.Set("permissions", claims.Permissions)

		c.Next()
	}
}

// RequirePermission 權限檢查中介軟體
func RequirePermission(permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		value, exists := c.Get(ClaimsKey)
		claims, ok := value.(*models.JWTClaims)
		if !exists || !ok {
			abort(c, http.StatusForbidden, "no_permissions", "No permissions found")
			return
		}

		if !claims.HasPermission(permission) {
			abort(c, http.StatusForbidden, "permission_denied", "You don't have permission to access this resource")
			return
		}

		c.Next()
	}
}
