package authz

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ContextKey is the type for context keys to avoid collisions
type ContextKey string

const (
	// ContextKeyProfile holds the resolved caller profile (a Caller).
	// Set by the session middleware in handlers, read by the gate here.
	ContextKeyProfile ContextKey = "resolved_profile"
	// ContextKeyRole holds the caller's normalized role.
	ContextKeyRole ContextKey = "caller_role"
)

// CallerFrom extracts the resolved caller stored by the session middleware.
// Returns nil when the request carried no valid session.
func CallerFrom(c *gin.Context) Caller {
	v, ok := c.Get(string(ContextKeyProfile))
	if !ok {
		return nil
	}
	caller, ok := v.(Caller)
	if !ok {
		return nil
	}
	return caller
}

// RequireRoles is the route-level gate. It translates the two deny outcomes
// into their distinct recoveries: 401 + /login for an unauthenticated
// caller, 403 + the caller's own landing path for a wrong role.
//
// Usage: staff.Use(authz.RequireRoles(authz.StaffRoles...))
func RequireRoles(allowed ...Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := CallerFrom(c)
		decision := RequireRole(caller, allowed...)

		switch decision.Outcome {
		case Allow:
			c.Set(string(ContextKeyRole), ParseRole(string(caller.CallerRole())))
			c.Next()
		case DenyUnauthenticated:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":       "unauthorized",
				"message":     "Sign in required",
				"redirect_to": decision.RedirectTo,
			})
		case DenyForbidden:
			log.Printf("AUTHZ DENIED - User %s (role %s) not in allowed set %v for %s",
				caller.CallerID(), caller.CallerRole(), allowed, c.FullPath())
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":       "forbidden",
				"message":     "You don't have access to this resource",
				"redirect_to": decision.RedirectTo,
			})
		}
	}
}
