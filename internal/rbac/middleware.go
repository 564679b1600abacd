package rbac

import (
	"errors"
	"net/http"

	"workstation-guard/internal/auth"
	"workstation-guard/pkg/logger"

	"github.com/gin-gonic/gin"
)

// RequireAnyRole lets the operator through when their role is one of
// allowed. admin passes every check. Put auth.RequireAccessToken earlier in
// the chain.
func RequireAnyRole(allowed ...string) gin.HandlerFunc {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, r := range allowed {
		allowedSet[r] = struct{}{}
	}

	return func(c *gin.Context) {
		op, err := auth.OperatorFrom(c.Request.Context())
		if errors.Is(err, auth.ErrNoOperator) || op.Role == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "role required"})
			return
		}
		if IsAdmin(op.Role) {
			c.Next()
			return
		}
		if _, ok := allowedSet[op.Role]; ok {
			c.Next()
			return
		}

		// Holders probing the admin surface are worth a look.
		logger.FromGin(c).Warn("role denied", "component", "rbac",
			"token_id", op.TokenID, "role", op.Role, "path", c.FullPath())
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"success": false, "message": "forbidden"})
	}
}
