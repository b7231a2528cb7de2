package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fraudlens/internal/dashboard"
	"github.com/mbd888/fraudlens/internal/health"
	"github.com/mbd888/fraudlens/internal/metrics"
)

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	api := s.router.Group("/api")
	api.GET("", s.infoHandler)
	api.GET("/realtime/stats", s.realtimeStatsHandler)

	dashboard.NewHandler(s.governor, s.store,
		dashboard.WithBroadcaster(s.realtimeHub),
		dashboard.WithLogger(s.logger),
	).RegisterRoutes(api)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// healthHandler answers 503 only when a probe fails. Open circuits report
// degraded with 200 since reads fall back to local data.
func (s *Server) healthHandler(c *gin.Context) {
	rep := s.health.Run(c.Request.Context())

	code := http.StatusOK
	if !rep.OK() {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, HealthResponse{
		Status:    string(rep.Level),
		Version:   Version,
		Checks:    rep.Checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	if rep := s.health.Run(c.Request.Context()); !rep.OK() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": rep.Checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	cfg := s.governor.Config()
	c.JSON(http.StatusOK, gin.H{
		"name":        "fraudlens",
		"description": "fraud scoring dashboard backend",
		"version":     Version,
		"upstream": gin.H{
			"url":           cfg.BaseURL,
			"minIntervalMs": cfg.MinInterval.Milliseconds(),
			"maxAttempts":   cfg.MaxAttempts,
			"baseDelayMs":   cfg.BaseDelay.Milliseconds(),
		},
	})
}

func (s *Server) realtimeStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.realtimeHub.Stats())
}
