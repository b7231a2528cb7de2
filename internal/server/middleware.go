package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mbd888/fraudlens/internal/logging"
	"github.com/mbd888/fraudlens/internal/metrics"
	"github.com/mbd888/fraudlens/internal/ratelimit"
	"github.com/mbd888/fraudlens/internal/security"
	"github.com/mbd888/fraudlens/internal/validation"
)

const maxRequestIDLen = 128

func (s *Server) setupMiddleware() {
	s.router.Use(
		gin.CustomRecovery(s.recoverPanic),
		security.HeadersMiddleware(),
		security.CORSMiddleware(s.cfg.CORSOrigins),
		// The import route raises this for itself.
		validation.RequestSizeMiddleware(validation.MaxRequestSize),
		s.rateLimiter.Middleware(ratelimit.ByClientIP),
		metrics.Middleware(),
		requestID,
		s.accessLog,
	)
}

func (s *Server) recoverPanic(c *gin.Context, recovered any) {
	logging.For(c.Request.Context(), s.logger).Error("panic recovered",
		"error", recovered,
		"path", c.Request.URL.Path,
	)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "an unexpected error occurred",
	})
}

// requestID adopts a caller's X-Request-ID or mints one. The governor
// forwards it upstream.
func requestID(c *gin.Context) {
	id := c.GetHeader("X-Request-ID")
	if id == "" || len(id) > maxRequestIDLen {
		id = uuid.NewString()
	}
	c.Request = c.Request.WithContext(logging.WithRequestID(c.Request.Context(), id))
	c.Header("X-Request-ID", id)
	c.Next()
}

func (s *Server) accessLog(c *gin.Context) {
	start := time.Now()
	path := c.Request.URL.Path
	c.Next()

	status := c.Writer.Status()
	logger := logging.For(c.Request.Context(), s.logger)
	attrs := []any{
		"method", c.Request.Method,
		"path", path,
		"status", status,
		"latency_ms", time.Since(start).Milliseconds(),
	}
	switch {
	case status >= http.StatusInternalServerError:
		logger.Error("request", append(attrs, "client_ip", c.ClientIP())...)
	case status >= http.StatusBadRequest:
		logger.Warn("request", attrs...)
	default:
		logger.Info("request", attrs...)
	}
}
