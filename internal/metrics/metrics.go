// Package metrics provides Prometheus instrumentation for fraudlens.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fraudlens"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// --- Governor ---

	// GovernorAttemptsTotal counts upstream scoring attempts by outcome
	// (success, rate_limited, request_failed).
	GovernorAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "governor",
			Name:      "attempts_total",
			Help:      "Upstream scoring attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// GovernorWaitSeconds observes the pre-dispatch spacing wait.
	GovernorWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "governor",
		Name:      "wait_seconds",
		Help:      "Time callers waited to respect the minimum request interval.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 1.5, 2, 5, 10},
	})

	// GovernorBackoffSeconds observes retry backoff delays by failure kind.
	GovernorBackoffSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "governor",
			Name:      "backoff_seconds",
			Help:      "Backoff delays between scoring attempts.",
			Buckets:   []float64{0.5, 1, 2, 4, 8, 16},
		},
		[]string{"kind"},
	)

	// GovernorDegradedTotal counts synthesized results returned after
	// rate-limit exhaustion.
	GovernorDegradedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "governor",
		Name:      "degraded_total",
		Help:      "Scoring calls answered with a synthesized result.",
	})

	// GovernorFailuresTotal counts scoring calls that surfaced an error.
	GovernorFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "governor",
		Name:      "failures_total",
		Help:      "Scoring calls that failed after exhausting retries.",
	})

	// UpstreamFallbacksTotal counts stats/history calls served from fallback data.
	UpstreamFallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_fallbacks_total",
			Help:      "Upstream reads answered with fallback data, by endpoint.",
		},
		[]string{"endpoint"},
	)

	// ScoreResultsTotal counts results handed to dashboard clients by risk level.
	ScoreResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "score_results_total",
			Help:      "Scoring results returned to clients by risk level.",
		},
		[]string{"risk_level"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		GovernorAttemptsTotal,
		GovernorWaitSeconds,
		GovernorBackoffSeconds,
		GovernorDegradedTotal,
		GovernorFailuresTotal,
		UpstreamFallbacksTotal,
		ScoreResultsTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartRuntimeCollector samples pool and goroutine gauges every interval until
// ctx is done. db may be nil, in which case only goroutines are sampled.
func StartRuntimeCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		sampleRuntime(db)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func sampleRuntime(db *sql.DB) {
	if db != nil {
		stats := db.Stats()
		DBOpenConnections.Set(float64(stats.OpenConnections))
		DBInUseConnections.Set(float64(stats.InUse))
	}
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
}

// unmatchedRoute labels requests no route matched, so scanners probing random
// paths collapse into one series.
const unmatchedRoute = "unmatched"

// Middleware returns a gin middleware that records request metrics by route
// pattern.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		HTTPRequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, statusBucket(c.Writer.Status())).Inc()
	}
}

// Handler serves the default registry.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

func statusBucket(code int) string {
	if code < 100 || code > 599 {
		return "5xx"
	}
	return strconv.Itoa(code/100) + "xx"
}
