package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"cvchapchap/internal/auth"
)

// AuthMiddleware 写入上下文的键。
const (
	UserIDKey             = "userID"
	UsernameKey           = "username"
	TokenIDKey            = "tokenID"
	TokenClaimsKey        = "tokenClaims"
	mustChangePasswordKey = "mustChangePassword"
)

// Revocations 查询已注销的 Token。
type Revocations interface {
	IsRevoked(ctx context.Context, tokenID string) bool
}

func abortUnauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
}

// AuthMiddleware 校验 Bearer Token，并将管理员身份写入上下文。
// revoked 可为 nil。
func AuthMiddleware(authService *auth.AuthService, revoked Revocations) gin.HandlerFunc {
	return func(c *gin.Context) {
		parts := strings.Fields(c.GetHeader("Authorization"))
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			abortUnauthorized(c)
			return
		}

		claims, err := authService.ValidateToken(parts[1])
		if err != nil {
			abortUnauthorized(c)
			return
		}
		if revoked != nil && claims.ID != "" && revoked.IsRevoked(c.Request.Context(), claims.ID) {
			abortUnauthorized(c)
			return
		}

		c.Set(UserIDKey, claims.UserID)
		c.Set(UsernameKey, claims.Username)
		c.Set(TokenIDKey, claims.ID)
		c.Set(TokenClaimsKey, claims)
		c.Set(mustChangePasswordKey, claims.MustChangePassword)
		c.Next()
	}
}

// ClaimsFromContext 返回 AuthMiddleware 写入的 Claims。
func ClaimsFromContext(c *gin.Context) (*auth.TokenClaims, bool) {
	value, ok := c.Get(TokenClaimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := value.(*auth.TokenClaims)
	return claims, ok
}
