// README: Principal middleware; trusts X-User-ID / X-User-Role set by the upstream gateway.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"propmove/internal/types"
)

const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"

	ctxKeyUID  = "caller_uid"
	ctxKeyRole = "caller_role"
)

var knownRoles = map[types.Role]bool{
	types.RoleTenant:   true,
	types.RoleLandlord: true,
	types.RoleAgent:    true,
	types.RoleDriver:   true,
	types.RoleAdmin:    true,
}

// Auth rejects requests without a caller id or with an unknown role and
// stores the principal on the gin context.
func Auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		uid := strings.TrimSpace(c.GetHeader(HeaderUserID))
		if uid == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing caller identity"})
			return
		}
		role := types.Role(strings.ToLower(strings.TrimSpace(c.GetHeader(HeaderUserRole))))
		if !knownRoles[role] {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unknown caller role"})
			return
		}
		c.Set(ctxKeyUID, uid)
		c.Set(ctxKeyRole, string(role))
		c.Next()
	}
}

// RequireRole allows the request through only for the listed roles.
func RequireRole(roles ...types.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := types.Role(CallerRole(c))
		for _, r := range roles {
			if r == role {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	}
}

// CallerUID returns the authenticated user id, or "" if Auth did not run.
func CallerUID(c *gin.Context) string {
	return c.GetString(ctxKeyUID)
}

func CallerRole(c *gin.Context) string {
	return c.GetString(ctxKeyRole)
}

func Caller(c *gin.Context) types.Principal {
	return types.Principal{ID: types.ID(CallerUID(c)), Role: types.Role(CallerRole(c))}
}
