package api

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/headspace/headspace/internal/api/apierr"
)

// BearerAuth rejects requests whose Authorization header does not carry the
// configured token. Hook and health routes are mounted outside the guarded
// group and stay open to local processes.
func BearerAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		presented, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			apierr.Write(c, apierr.Unauthorized())
			return
		}
		c.Next()
	}
}

// BearerAuthWithQuery guards the websocket endpoint. Browser WebSocket dials
// cannot set an Authorization header, so a token query parameter is accepted
// as a fallback.
func BearerAuthWithQuery(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		presented, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok {
			presented = c.Query("token")
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			apierr.Write(c, apierr.Unauthorized())
			return
		}
		c.Next()
	}
}
