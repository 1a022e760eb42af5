package server

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// SessionCookie carries the session token for browser clients.
	SessionCookie = "flowpg_session"

	// CSRFCookie carries the double-submit token. Not HttpOnly: the client
	// script reads it and echoes it in the header.
	CSRFCookie = "flowpg_csrf"

	// CSRFHeader is the header the client echoes the token in.
	CSRFHeader = "X-CSRF-Token"
)

// newCSRFToken returns a fresh random token.
func newCSRFToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// csrfMiddleware enforces the double-submit check on mutating requests.
//
// The header is required. When the cookie is also present the two must
// match in constant time. A cookie without a header is rejected: the cookie
// alone proves nothing, since browsers attach it cross-site.
func csrfMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
			return
		}

		header := c.GetHeader(CSRFHeader)
		if header == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "missing CSRF token"})
			return
		}
		if cookie, err := c.Cookie(CSRFCookie); err == nil && cookie != "" {
			if subtle.ConstantTimeCompare([]byte(header), []byte(cookie)) != 1 {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "CSRF token mismatch"})
				return
			}
		}
		c.Next()
	}
}
