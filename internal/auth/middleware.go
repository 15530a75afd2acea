package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"trustlink-chat/pkg/chat"
)

const identityKey = "identity"

// Resolver turns a bearer token into an identity.
type Resolver interface {
	Resolve(ctx context.Context, token string) (chat.Identity, error)
}

type AuthMiddleware struct {
	resolver Resolver
}

func NewAuthMiddleware(resolver Resolver) *AuthMiddleware {
	return &AuthMiddleware{resolver: resolver}
}

// TokenFromRequest reads the token from the Authorization header, then the
// token query parameter, then the token cookie.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if cookie, err := r.Cookie("token"); err == nil {
		return cookie.Value
	}
	return ""
}

func (am *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := TokenFromRequest(c.Request)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Token is missing"})
			c.Abort()
			return
		}

		identity, err := am.resolver.Resolve(c.Request.Context(), token)
		if err != nil {
			msg := "Invalid token"
			if IsExpired(err) {
				msg = "Token has expired"
			}
			c.JSON(http.StatusUnauthorized, gin.H{"error": msg})
			c.Abort()
			return
		}

		c.Set(identityKey, identity)
		c.Next()
	}
}

// RequireCapability must run after RequireAuth.
func RequireCapability(capability chat.Capability) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := IdentityFrom(c)
		if !ok || !identity.Role.Can(capability) {
			c.JSON(http.StatusForbidden, gin.H{"error": "Not enough permissions"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func IdentityFrom(c *gin.Context) (chat.Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return chat.Identity{}, false
	}
	identity, ok := v.(chat.Identity)
	return identity, ok
}
