// Package mockbackend is a stand-in for the remote fraud-scoring service. It
// speaks the same HTTP contract as the real model, enforces a shared request
// quota the way the hosted service does, and scores with a heuristic so the
// dashboard can run end to end on a laptop.
package mockbackend

import (
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fraudlens/internal/fraud"
	"github.com/mbd888/fraudlens/internal/ratelimit"
	"github.com/mbd888/fraudlens/internal/synth"
)

// Defaults for Config.
const (
	DefaultRequestsPerMinute = 20
	DefaultBurst             = 3
	DefaultHistoryLimit      = 50
	MaxHistoryLimit          = 1000

	// recentCap bounds how many scored transactions feed the history endpoint.
	recentCap = 500
)

// Config controls the mock service's behaviour.
type Config struct {
	RequestsPerMinute int     // scoring quota shared by every caller
	Burst             int     // scoring calls allowed back to back
	SnakeCase         bool    // answer with snake_case keys like the Python service
	FailureRate       float64 // fraction of scoring calls answered with 500
	ModelVersion      string
}

// DefaultConfig returns the quota the hosted free tier enforces.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: DefaultRequestsPerMinute,
		Burst:             DefaultBurst,
		ModelVersion:      fraud.DefaultModelVersion,
	}
}

// Backend serves the scoring contract.
type Backend struct {
	cfg     Config
	src     *synth.Source
	now     func() time.Time
	limiter *ratelimit.Limiter
	logger  *slog.Logger

	mu       sync.Mutex
	recent   []fraud.Transaction // newest last
	scored   int64
	detected int64
}

// Option configures a Backend.
type Option func(*Backend)

// WithSource fixes the randomness used for scores and history.
func WithSource(src *synth.Source) Option {
	return func(b *Backend) { b.src = src }
}

// WithNow replaces time.Now for timestamps and the quota.
func WithNow(now func() time.Time) Option {
	return func(b *Backend) { b.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) { b.logger = l }
}

// New creates a Backend. Call Close to stop the quota's cleanup loop.
func New(cfg Config, opts ...Option) *Backend {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultRequestsPerMinute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}
	if cfg.ModelVersion == "" {
		cfg.ModelVersion = fraud.DefaultModelVersion
	}
	b := &Backend{
		cfg:    cfg,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.src == nil {
		b.src = synth.DefaultSource()
	}
	b.limiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RequestsPerMinute,
		BurstSize:         cfg.Burst,
		CleanupInterval:   time.Minute,
	}, ratelimit.WithNow(b.now))
	return b
}

// Close releases background resources.
func (b *Backend) Close() {
	b.limiter.Stop()
}

// Router returns a gin engine serving the scoring contract.
func (b *Backend) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	b.RegisterRoutes(r.Group("/api"))
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "modelVersion": b.cfg.ModelVersion})
	})
	return r
}

// RegisterRoutes mounts the contract under r.
func (b *Backend) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transactions/score", b.limiter.Middleware(ratelimit.Global), b.score)
	r.GET("/transactions/history", b.history)
	r.GET("/model/stats", b.stats)
}

func (b *Backend) score(c *gin.Context) {
	var in fraud.TransactionInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if t, err := fraud.ParseTransactionType(string(in.Type)); err == nil {
		in.Type = t
	}
	if !in.Type.Valid() {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_request", "message": "unknown transaction type"})
		return
	}
	if b.cfg.FailureRate > 0 && b.src.Float64() < b.cfg.FailureRate {
		b.logger.Debug("injected scoring failure", "type", in.Type)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "model_unavailable"})
		return
	}

	start := b.now()
	p := synth.ModelProbability(in, b.src)
	flagged := fraud.IsFlagged(p)
	confidence := synth.Confidence(b.src)
	b.remember(in, p, start)

	processing := synth.ProcessingTime(b.src)
	if b.cfg.SnakeCase {
		c.JSON(http.StatusOK, gin.H{
			"fraud_probability": p,
			"is_flagged":        flagged,
			"confidence":        confidence,
			"risk_level":        fraud.RiskLevelFor(p),
			"model_version":     b.cfg.ModelVersion,
			"processing_time":   processing,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"fraudProbability": p,
		"flagged":          flagged,
		"confidence":       confidence,
		"riskLevel":        fraud.RiskLevelFor(p),
		"modelVersion":     b.cfg.ModelVersion,
		"processingTime":   processing,
	})
}

func (b *Backend) remember(in fraud.TransactionInput, p float64, at time.Time) {
	tx := synth.Transaction(at, b.src)
	tx.Amount = in.Amount
	tx.Type = in.Type
	tx.FraudProbability = p
	tx.RiskLevel = fraud.RiskLevelFor(p)
	tx.Flagged = fraud.IsFlagged(p)
	tx.Timestamp = at.UTC()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.scored++
	if tx.Flagged {
		b.detected++
	}
	b.recent = append(b.recent, tx)
	if len(b.recent) > recentCap {
		b.recent = b.recent[len(b.recent)-recentCap:]
	}
}

// history answers with transactions scored by this process, newest first,
// topped up with synthesized ones.
func (b *Backend) history(c *gin.Context) {
	limit := DefaultHistoryLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_limit"})
			return
		}
		limit = min(n, MaxHistoryLimit)
	}

	b.mu.Lock()
	out := make([]fraud.Transaction, 0, limit)
	for i := len(b.recent) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, b.recent[i])
	}
	b.mu.Unlock()

	if missing := limit - len(out); missing > 0 {
		out = append(out, synth.History(missing, b.now(), b.src)...)
		synth.SortNewestFirst(out)
	}
	c.JSON(http.StatusOK, out)
}

// stats reports the fixed offline evaluation plus what this process scored.
func (b *Backend) stats(c *gin.Context) {
	st := fraud.FallbackModelStats(b.now().UTC())
	// Offset the offline numbers so the dashboard can tell live from fallback.
	st.Accuracy = 0.962
	st.Precision = 0.914
	st.Recall = 0.887
	st.F1Score = 0.9003

	b.mu.Lock()
	st.TotalTransactions += b.scored
	st.FraudDetected += b.detected
	b.mu.Unlock()

	c.JSON(http.StatusOK, st)
}

// Stats returns how many transactions this process scored and flagged.
func (b *Backend) Stats() (scored, flagged int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.scored, b.detected
}
