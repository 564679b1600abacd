package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"workstation-guard/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	authorizationHeader = "Authorization"
	bearerPrefix        = "Bearer "
)

// RequireAccessToken admits requests carrying a valid access token and puts
// the Operator on the request context. Session tokens are refused here: a
// station handle never opens the admin surface. Role checks belong to
// internal/rbac.
func RequireAccessToken(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(authorizationHeader))
		tok, ok := strings.CutPrefix(raw, bearerPrefix)
		if !ok || strings.TrimSpace(tok) == "" {
			deny(c, "missing bearer token")
			return
		}

		claims, err := m.Verify(strings.TrimSpace(tok), TokenTypeAccess, time.Now())
		switch {
		case err == nil:
		case errors.Is(err, jwt.ErrTokenExpired):
			deny(c, "access token expired")
			return
		case errors.Is(err, ErrTokenType):
			logger.FromGin(c).Warn("non-access token on admin surface", "component", "auth", "remote", c.ClientIP())
			deny(c, "invalid token")
			return
		default:
			deny(c, "invalid token")
			return
		}

		op := Operator{TokenID: claims.TokenID, Role: claims.Role}
		if claims.ExpiresAt != nil {
			op.Expires = claims.ExpiresAt.Time
		}
		c.Request = c.Request.WithContext(WithOperator(c.Request.Context(), op))
		c.Set("token_id", op.TokenID)
		c.Set("role", op.Role)

		c.Next()
	}
}

func deny(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": msg})
}
