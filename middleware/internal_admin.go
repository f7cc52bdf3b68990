package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// InternalAdminHeader carries the operator secret for /internal routes.
const InternalAdminHeader = "X-Internal-Admin-Token"

// InternalAdminToken protects /internal/* endpoints with a shared secret.
// The endpoints are disabled while no token is configured.
func InternalAdminToken(token string) gin.HandlerFunc {
	token = strings.TrimSpace(token)
	return func(c *gin.Context) {
		if token == "" {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "internal admin token not configured"})
			c.Abort()
			return
		}
		got := strings.TrimSpace(c.GetHeader(InternalAdminHeader))
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		c.Set("admin_actor", adminActor(c))
		c.Next()
	}
}

// adminActor names the operator in the status history. Callers may pass
// X-Actor; otherwise the client IP is recorded.
func adminActor(c *gin.Context) string {
	if actor := strings.TrimSpace(c.GetHeader("X-Actor")); actor != "" {
		return actor
	}
	return "admin@" + c.ClientIP()
}
