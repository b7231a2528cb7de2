// Package security hardens API responses and answers cross-origin requests
// from the dashboard frontend.
package security

import (
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
)

// hardening is sent on every response. The API serves JSON and WebSocket
// traffic only, so the content policy allows nothing but connections back.
var hardening = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Referrer-Policy", "no-referrer"},
	{"Content-Security-Policy", "default-src 'none'; connect-src 'self' ws: wss:; frame-ancestors 'none'"},
	{"Cache-Control", "no-store"},
}

const hsts = "max-age=31536000; includeSubDomains"

// HeadersMiddleware sets the hardening headers, plus HSTS when the request
// arrived over TLS directly or through a proxy.
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		for _, kv := range hardening {
			h.Set(kv[0], kv[1])
		}
		if c.Request.TLS != nil || strings.EqualFold(c.GetHeader("X-Forwarded-Proto"), "https") {
			h.Set("Strict-Transport-Security", hsts)
		}
		c.Next()
	}
}

// CORS decides which origins may call the API.
type CORS struct {
	origins  []string
	wildcard bool
}

// NewCORS allows the listed origins. An empty list or "*" allows any.
func NewCORS(origins []string) CORS {
	return CORS{
		origins:  origins,
		wildcard: len(origins) == 0 || slices.Contains(origins, "*"),
	}
}

// Allows reports whether origin may call the API.
func (p CORS) Allows(origin string) bool {
	return origin != "" && (p.wildcard || slices.Contains(p.origins, origin))
}

// Middleware reflects allowed origins and short-circuits preflight requests
// with 204. Credentials are offered only to explicitly listed origins.
func (p CORS) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if origin := c.GetHeader("Origin"); p.Allows(origin) {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID, traceparent")
			h.Set("Access-Control-Expose-Headers", "X-Request-ID, Retry-After, Content-Disposition")
			h.Set("Access-Control-Max-Age", "86400")
			if !p.wildcard {
				h.Set("Access-Control-Allow-Credentials", "true")
			}
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// CORSMiddleware is NewCORS(origins).Middleware().
func CORSMiddleware(origins []string) gin.HandlerFunc {
	return NewCORS(origins).Middleware()
}
