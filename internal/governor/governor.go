// Package governor mediates every call from the dashboard backend to the
// remote fraud-scoring service.
//
// Scoring requests are spaced at least MinInterval apart, retried with
// exponential backoff (one power of two steeper after a 429), and when the
// upstream keeps rate limiting the caller gets a synthesized result tagged
// with the mock model version instead of an error. Stats and history reads
// never fail: they fall back to fixed or synthesized data.
package governor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/fraudlens/internal/circuitbreaker"
	"github.com/mbd888/fraudlens/internal/fraud"
	"github.com/mbd888/fraudlens/internal/logging"
	"github.com/mbd888/fraudlens/internal/metrics"
	"github.com/mbd888/fraudlens/internal/retry"
	"github.com/mbd888/fraudlens/internal/synth"
	"github.com/mbd888/fraudlens/internal/traces"
)

// Upstream paths.
const (
	PathScore      = "/api/transactions/score"
	PathModelStats = "/api/model/stats"
	PathHistory    = "/api/transactions/history"
)

// Defaults for Config.
const (
	DefaultMinInterval  = 2 * time.Second
	DefaultMaxAttempts  = 3
	DefaultBaseDelay    = time.Second
	DefaultHTTPTimeout  = 30 * time.Second
	DefaultHistoryLimit = 50

	maxResponseBytes = 1 << 20
)

// Config holds the request policy.
type Config struct {
	BaseURL     string
	MinInterval time.Duration // between dispatch starts
	MaxAttempts int
	BaseDelay   time.Duration // first backoff for a generic failure
}

// DefaultConfig returns the standard policy for baseURL.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:     baseURL,
		MinInterval: DefaultMinInterval,
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
	}
}

func (c Config) withDefaults() Config {
	if c.MinInterval < 0 {
		c.MinInterval = 0
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseDelay < 0 {
		c.BaseDelay = 0
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	return c
}

// Governor owns the timing and retry policy for upstream calls. Create one
// per process and share it.
type Governor struct {
	cfg     Config
	client  *http.Client
	clock   Clock
	src     *synth.Source
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger

	mu           sync.Mutex
	lastDispatch time.Time
}

// Option configures a Governor.
type Option func(*Governor)

// WithHTTPClient sets the transport used for upstream calls.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Governor) { g.client = c }
}

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(g *Governor) { g.clock = c }
}

// WithSource sets the randomness used for placeholders and synthesized data.
func WithSource(src *synth.Source) Option {
	return func(g *Governor) { g.src = src }
}

// WithBreaker guards the stats and history reads with b.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(g *Governor) { g.breaker = b }
}

// WithLogger sets the logger used when the request context carries none.
func WithLogger(l *slog.Logger) Option {
	return func(g *Governor) { g.logger = l }
}

// New creates a Governor.
func New(cfg Config, opts ...Option) *Governor {
	g := &Governor{cfg: cfg.withDefaults()}
	for _, opt := range opts {
		opt(g)
	}
	if g.client == nil {
		g.client = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	if g.clock == nil {
		g.clock = realClock{}
	}
	if g.src == nil {
		g.src = synth.DefaultSource()
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	return g
}

// Config returns the effective policy.
func (g *Governor) Config() Config { return g.cfg }

// LastDispatch returns the start time of the most recent scoring dispatch.
func (g *Governor) LastDispatch() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastDispatch
}

// reserveSlot claims the next dispatch start time and returns how long the
// caller must wait for it. Slots are claimed under the lock, so concurrent
// callers are spaced too.
func (g *Governor) reserveSlot() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	start := now
	if !g.lastDispatch.IsZero() {
		if next := g.lastDispatch.Add(g.cfg.MinInterval); next.After(now) {
			start = next
		}
	}
	g.lastDispatch = start
	return start.Sub(now)
}

// backoff is BaseDelay * 2^attempt, one doubling more after a 429.
func (g *Governor) backoff(attempt int, err error) time.Duration {
	return retry.Steeper(retry.Exponential(g.cfg.BaseDelay), isRateLimited)(attempt, err)
}

func isRateLimited(err error) bool { return errors.Is(err, ErrRateLimited) }

// Score submits a transaction for scoring.
//
// The returned error, if any, matches ErrMaxRetriesExceeded and
// ErrRequestFailed, or is the context's error. Rate limiting never surfaces:
// it degrades to a result whose ModelVersion carries fraud.MockMarker.
func (g *Governor) Score(ctx context.Context, in fraud.TransactionInput) (*fraud.ScoringResult, error) {
	ctx, span := traces.StartSpan(ctx, "governor.Score", traces.TxType(string(in.Type)))
	defer span.End()
	logger := logging.For(ctx, g.logger)

	if wait := g.reserveSlot(); wait > 0 {
		metrics.GovernorWaitSeconds.Observe(wait.Seconds())
		logger.Debug("spacing scoring request", "wait_ms", wait.Milliseconds())
		if err := g.clock.Sleep(ctx, wait); err != nil {
			traces.RecordError(span, err)
			return nil, err
		}
	}

	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encode transaction: %w", err)
	}

	var payload scorePayload
	policy := retry.Policy{
		MaxAttempts: g.cfg.MaxAttempts,
		Backoff:     g.backoff,
		Sleep:       g.clock.Sleep,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			var reqErr *RequestError
			kind := KindRequestFailed
			if errors.As(err, &reqErr) {
				kind = reqErr.Kind
			}
			metrics.GovernorBackoffSeconds.WithLabelValues(kind.String()).Observe(delay.Seconds())
			logger.Warn("scoring attempt failed, backing off",
				"attempt", attempt+1,
				"kind", kind.String(),
				"delay_ms", delay.Milliseconds(),
				"error", err,
			)
		},
	}

	err = policy.Do(ctx, func(attempt int) error {
		p, err := g.dispatch(ctx, body, attempt)
		if err != nil {
			return err
		}
		payload = p
		return nil
	})

	if err == nil {
		result := normalize(in, payload, g.src)
		span.SetAttributes(traces.RiskLevel(string(result.RiskLevel)), traces.Degraded(false))
		return result, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		traces.RecordError(span, ctxErr)
		return nil, ctxErr
	}

	if errors.Is(err, ErrRateLimited) {
		result := synth.DegradedResult(in, g.src)
		metrics.GovernorDegradedTotal.Inc()
		span.SetAttributes(traces.RiskLevel(string(result.RiskLevel)), traces.Degraded(true))
		logger.Warn("scoring rate limited on every attempt, returning simulated result",
			"attempts", g.cfg.MaxAttempts,
			"model_version", result.ModelVersion,
		)
		return result, nil
	}

	metrics.GovernorFailuresTotal.Inc()
	traces.RecordError(span, err)
	logger.Error("scoring failed", "attempts", g.cfg.MaxAttempts, "error", err)
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrMaxRetriesExceeded, g.cfg.MaxAttempts, err)
}

// dispatch performs one scoring attempt.
func (g *Governor) dispatch(ctx context.Context, body []byte, attempt int) (scorePayload, error) {
	ctx, span := traces.StartSpan(ctx, "governor.dispatch", traces.Attempt(attempt), traces.Endpoint(PathScore))
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+PathScore, bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if reqID := logging.RequestID(ctx); reqID != "" {
		req.Header.Set("X-Request-ID", reqID)
	}
	traces.Inject(ctx, req.Header)

	resp, err := g.client.Do(req)
	if err != nil {
		metrics.GovernorAttemptsTotal.WithLabelValues(KindRequestFailed.String()).Inc()
		traces.RecordError(span, err)
		return nil, requestFailed(attempt, 0, err)
	}
	defer func() { _ = resp.Body.Close() }()
	span.SetAttributes(traces.StatusCode(resp.StatusCode))

	if resp.StatusCode == http.StatusTooManyRequests {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		metrics.GovernorAttemptsTotal.WithLabelValues(KindRateLimited.String()).Inc()
		err := rateLimited(attempt)
		traces.RecordError(span, err)
		return nil, err
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		metrics.GovernorAttemptsTotal.WithLabelValues(KindRequestFailed.String()).Inc()
		return nil, requestFailed(attempt, resp.StatusCode, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.GovernorAttemptsTotal.WithLabelValues(KindRequestFailed.String()).Inc()
		err := requestFailed(attempt, resp.StatusCode, nil)
		traces.RecordError(span, err)
		return nil, err
	}

	payload, err := parseScorePayload(respBody)
	if err != nil {
		metrics.GovernorAttemptsTotal.WithLabelValues(KindRequestFailed.String()).Inc()
		return nil, requestFailed(attempt, resp.StatusCode, err)
	}

	metrics.GovernorAttemptsTotal.WithLabelValues("success").Inc()
	return payload, nil
}
