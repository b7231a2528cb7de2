package governor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/mbd888/fraudlens/internal/fraud"
	"github.com/mbd888/fraudlens/internal/logging"
	"github.com/mbd888/fraudlens/internal/metrics"
	"github.com/mbd888/fraudlens/internal/synth"
	"github.com/mbd888/fraudlens/internal/traces"
)

// Breaker keys and fallback metric labels.
const (
	EndpointModelStats = "model_stats"
	EndpointHistory    = "history"
)

// FetchModelStats reads the model's aggregate metrics. It never fails: any
// problem yields fraud.FallbackModelStats. Reads are not spaced or retried.
func (g *Governor) FetchModelStats(ctx context.Context) fraud.ModelStats {
	ctx, span := traces.StartSpan(ctx, "governor.FetchModelStats", traces.Endpoint(PathModelStats))
	defer span.End()

	var stats fraud.ModelStats
	err := g.guard(EndpointModelStats, func() error {
		return g.getJSON(ctx, PathModelStats, nil, &stats)
	})
	if err != nil {
		metrics.UpstreamFallbacksTotal.WithLabelValues(EndpointModelStats).Inc()
		span.SetAttributes(traces.Degraded(true))
		logging.For(ctx, g.logger).Warn("model stats unavailable, using fallback", "error", err)
		return fraud.FallbackModelStats(g.clock.Now())
	}
	return stats
}

// FetchHistory reads up to limit recent transactions, most recent first. It
// never fails: any problem yields limit synthesized transactions from the
// trailing seven days.
func (g *Governor) FetchHistory(ctx context.Context, limit int) []fraud.Transaction {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	ctx, span := traces.StartSpan(ctx, "governor.FetchHistory", traces.Endpoint(PathHistory))
	defer span.End()

	var txs []fraud.Transaction
	err := g.guard(EndpointHistory, func() error {
		q := url.Values{}
		q.Set("limit", strconv.Itoa(limit))
		return g.getJSON(ctx, PathHistory, q, &txs)
	})
	if err != nil {
		metrics.UpstreamFallbacksTotal.WithLabelValues(EndpointHistory).Inc()
		span.SetAttributes(traces.Degraded(true))
		logging.For(ctx, g.logger).Warn("transaction history unavailable, using simulated data",
			"limit", limit,
			"error", err,
		)
		return synth.History(limit, g.clock.Now(), g.src)
	}

	if txs == nil {
		txs = []fraud.Transaction{}
	}
	synth.SortNewestFirst(txs)
	if len(txs) > limit {
		txs = txs[:limit]
	}
	return txs
}

// guard runs fn through the breaker when one is configured.
func (g *Governor) guard(key string, fn func() error) error {
	if g.breaker == nil {
		return fn()
	}
	return g.breaker.Execute(key, fn)
}

// getJSON performs a single GET and decodes a 2xx JSON body into dst.
func (g *Governor) getJSON(ctx context.Context, path string, query url.Values, dst any) error {
	u := g.cfg.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if reqID := logging.RequestID(ctx); reqID != "" {
		req.Header.Set("X-Request-ID", reqID)
	}
	traces.Inject(ctx, req.Header)

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return fmt.Errorf("upstream %s returned status %d", path, resp.StatusCode)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(dst); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
