package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// APIKeyAuth verifies the downstream proxy API key. Clients may send it as
// "Authorization: Bearer <key>" or in "x-api-key". In per-request auth mode
// the Authorization header carries the Kiro refresh token instead, so only
// x-api-key is checked there; the resolver validates the bearer value.
func APIKeyAuth(key func() string, perRequestMode func() bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		expected := key()
		if expected == "" {
			c.Next()
			return
		}
		if perRequestMode() {
			presented := c.GetHeader("x-api-key")
			if presented != "" && !equalKeys(presented, expected) {
				unauthorized(c, "invalid API key")
				return
			}
			c.Next()
			return
		}
		presented := c.GetHeader("x-api-key")
		if presented == "" {
			auth := c.GetHeader("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				presented = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			}
		}
		if presented == "" || !equalKeys(presented, expected) {
			unauthorized(c, "invalid API key")
			return
		}
		c.Next()
	}
}

func equalKeys(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error": gin.H{
			"message": message,
			"type":    "authentication_error",
		},
	})
}
