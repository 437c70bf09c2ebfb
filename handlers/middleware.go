package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/coverline/coverline/authz"
	"github.com/coverline/coverline/services"
)

// Session cookie written by the Supabase browser client. The Authorization
// header wins when both are present.
const accessTokenCookie = "sb-access-token"

// AuthMiddleware resolves the caller for every request: verify the session
// token, then resolve the profile (durable row merged with token metadata).
// It never denies by itself - a request without a valid session simply
// continues with no resolved caller, and the route gate
// (authz.RequireRoles) turns that into a 401. Only an identity-provider or
// datastore outage aborts here, as a 502, so outage is never mistaken for
// unauthorized.
type AuthMiddleware struct {
	Auth     *services.SupabaseAuthService
	Profiles *services.ProfileService
}

func NewAuthMiddleware(auth *services.SupabaseAuthService, profiles *services.ProfileService) *AuthMiddleware {
	return &AuthMiddleware{Auth: auth, Profiles: profiles}
}

// ResolveSession is installed ahead of every protected group.
func (m *AuthMiddleware) ResolveSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := m.tokenFromRequest(c)
		if token == "" {
			// Not signed in: a normal, representable outcome.
			c.Next()
			return
		}

		claims, err := m.Auth.ValidateToken(token)
		if err != nil {
			if services.IsUpstream(err) {
				c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{
					"error":   "upstream_error",
					"message": "Authentication service unavailable",
				})
				return
			}
			// Bad token == no session. The gate decides what that means
			// for this route.
			c.Next()
			return
		}

		resolved, err := m.Profiles.Resolve(c.Request.Context(), claims)
		if err != nil {
			if errors.Is(err, services.ErrTokenInvalid) {
				c.Next()
				return
			}
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{
				"error":   "upstream_error",
				"message": "Profile store unavailable",
			})
			return
		}

		c.Set(string(authz.ContextKeyProfile), resolved)
		c.Set("user_id", resolved.ID)
		c.Set("user_email", resolved.Email)
		c.Set("access_token", token)

		log.Printf("AUTH OK - %s (%s) role=%s source=%s", resolved.Email, resolved.ID, resolved.Role, resolved.Source)
		c.Next()
	}
}

func (m *AuthMiddleware) tokenFromRequest(c *gin.Context) string {
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		if token, err := services.ExtractBearer(authHeader); err == nil {
			return token
		}
		return ""
	}
	if cookie, err := c.Cookie(accessTokenCookie); err == nil {
		return cookie
	}
	return ""
}
