package rbac

import (
	"net/http"

	"joblance-gateway/internal/apperr"
	"joblance-gateway/internal/auth"

	"github.com/gin-gonic/gin"
)

// RequireAuthenticated rejects the guest identity. Chain it after the auth
// middleware's Optional handler on routes that mix guest and user traffic.
func RequireAuthenticated() gin.HandlerFunc {
	return func(c *gin.Context) {
		if auth.IdentityFrom(c.Request.Context()).IsGuest() {
			apperr.Abort(c, apperr.New(apperr.CodeTokenMissing, "rbac:authenticated", "", nil))
			return
		}
		c.Next()
	}
}

// RequireAnyRole allows access if the caller holds any of the provided
// roles. admin passes every check.
func RequireAnyRole(allowed ...string) gin.HandlerFunc {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, r := range allowed {
		allowedSet[r] = struct{}{}
	}

	return func(c *gin.Context) {
		id := auth.IdentityFrom(c.Request.Context())
		if id.IsGuest() {
			apperr.Abort(c, apperr.New(apperr.CodeTokenMissing, "rbac:role", "", nil))
			return
		}
		for _, role := range id.Roles {
			if IsAdmin(role) {
				c.Next()
				return
			}
			if _, ok := allowedSet[role]; ok {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"message": "forbidden"})
	}
}
