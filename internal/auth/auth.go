// Package auth resolves caller identity for the settlement API.
//
// The gateway does not issue credentials of its own. An authenticating proxy
// in front of it vouches for the caller by sending X-Auth-Address together
// with a shared secret; handlers read the result from the authAddr context
// key. Operator endpoints are guarded separately by X-Admin-Secret.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyAuthAddr is the gin context key holding the caller identity
	ContextKeyAuthAddr = "authAddr"
	// ContextKeyOperator marks requests that passed RequireAdmin
	ContextKeyOperator = "operator"

	HeaderAuthAddress = "X-Auth-Address"
	HeaderProxySecret = "X-Proxy-Secret"
	HeaderAdminSecret = "X-Admin-Secret"
)

// Middleware copies the proxy-asserted identity into the request context.
// With an empty proxySecret the header is trusted only when devMode is set.
func Middleware(proxySecret string, devMode bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		addr := strings.TrimSpace(c.GetHeader(HeaderAuthAddress))
		if addr != "" && trusted(c, proxySecret, devMode) {
			c.Set(ContextKeyAuthAddr, addr)
		}
		c.Next()
	}
}

func trusted(c *gin.Context, proxySecret string, devMode bool) bool {
	if proxySecret == "" {
		return devMode
	}
	return secretEqual(c.GetHeader(HeaderProxySecret), proxySecret)
}

// RequireAdmin rejects requests without the operator secret. When no secret
// is configured operator endpoints are open in development and closed
// everywhere else.
func RequireAdmin(secret string, devMode bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			if !devMode {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":   "admin_disabled",
					"message": "ADMIN_SECRET is not configured",
				})
				return
			}
			c.Set(ContextKeyOperator, true)
			c.Next()
			return
		}

		got := c.GetHeader(HeaderAdminSecret)
		if got == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "X-Admin-Secret header required",
			})
			return
		}
		if !secretEqual(got, secret) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin secret",
			})
			return
		}
		c.Set(ContextKeyOperator, true)
		c.Next()
	}
}

// AuthAddr returns the authenticated caller address, if any.
func AuthAddr(c *gin.Context) string {
	return c.GetString(ContextKeyAuthAddr)
}

// IsOperator reports whether the request passed RequireAdmin.
func IsOperator(c *gin.Context) bool {
	return c.GetBool(ContextKeyOperator)
}

func secretEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
