// Package dashboard provides the JSON API the fraud dashboard consumes.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/fraudlens/internal/aggregate"
	"github.com/mbd888/fraudlens/internal/fraud"
	"github.com/mbd888/fraudlens/internal/governor"
	"github.com/mbd888/fraudlens/internal/logging"
	"github.com/mbd888/fraudlens/internal/metrics"
	"github.com/mbd888/fraudlens/internal/pagination"
	"github.com/mbd888/fraudlens/internal/resultstore"
	"github.com/mbd888/fraudlens/internal/validation"
)

// Limits for list endpoints.
const (
	defaultHistoryLimit  = governor.DefaultHistoryLimit
	maxHistoryLimit      = 500
	overviewHistoryLimit = 200
	trendDays            = 7
	histogramBins        = 10
)

// Scorer is the upstream façade the handlers drive. *governor.Governor
// implements it.
type Scorer interface {
	Score(ctx context.Context, in fraud.TransactionInput) (*fraud.ScoringResult, error)
	FetchModelStats(ctx context.Context) fraud.ModelStats
	FetchHistory(ctx context.Context, limit int) []fraud.Transaction
}

// Broadcaster publishes scoring results to live clients.
type Broadcaster interface {
	BroadcastScore(rec *fraud.ScoreRecord)
}

// Handler provides dashboard API endpoints.
type Handler struct {
	scorer Scorer
	store  resultstore.Store
	hub    Broadcaster
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// Option configures a Handler.
type Option func(*Handler)

// WithBroadcaster streams every scored result through b.
func WithBroadcaster(b Broadcaster) Option {
	return func(h *Handler) { h.hub = b }
}

// WithLogger sets the fallback logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// WithIDGenerator replaces the record ID generator.
func WithIDGenerator(gen func() string) Option {
	return func(h *Handler) { h.newID = gen }
}

// NewHandler creates a new dashboard handler.
func NewHandler(scorer Scorer, store resultstore.Store, opts ...Option) *Handler {
	h := &Handler{
		scorer: scorer,
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes sets up dashboard routes under the given group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transactions/score", h.Score)
	r.GET("/transactions/history", h.History)
	r.GET("/model/stats", h.ModelStats)
	r.GET("/dashboard/overview", h.Overview)

	results := r.Group("/results")
	results.GET("", h.ListResults)
	results.GET("/export", h.ExportResults)
	results.POST("/import", validation.RequestSizeMiddleware(validation.MaxImportSize), h.ImportResults)
	results.GET("/:id", validation.RecordIDParamMiddleware(), h.GetResult)
}

// Score validates a transaction, scores it through the governor, records
// and broadcasts the outcome.
func (h *Handler) Score(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logging.For(ctx, h.logger)

	var in fraud.TransactionInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "body must be a JSON transaction",
		})
		return
	}
	if t, err := fraud.ParseTransactionType(string(in.Type)); err == nil {
		in.Type = t
	}
	if errs := validation.TransactionInput(in); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	result, err := h.scorer.Score(ctx, in)
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			c.JSON(http.StatusGatewayTimeout, gin.H{
				"error":   "request_cancelled",
				"message": "scoring did not complete before the request ended",
			})
		case errors.Is(err, governor.ErrMaxRetriesExceeded):
			c.JSON(http.StatusBadGateway, gin.H{
				"error":   "scoring_unavailable",
				"message": "the scoring service failed; try again later",
			})
		default:
			logger.Error("scoring failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		}
		return
	}

	rec := &fraud.ScoreRecord{
		ID:       h.newID(),
		Input:    in,
		Result:   result,
		Degraded: result.Degraded(),
		ScoredAt: h.now().UTC(),
	}
	if err := h.store.Record(ctx, rec); err != nil {
		// The caller still gets the result; only the audit trail misses it.
		logger.Warn("failed to record score result", "id", rec.ID, "error", err)
	}
	if h.hub != nil {
		h.hub.BroadcastScore(rec)
	}
	metrics.ScoreResultsTotal.WithLabelValues(string(result.RiskLevel)).Inc()

	c.JSON(http.StatusOK, gin.H{
		"id":       rec.ID,
		"result":   result,
		"degraded": rec.Degraded,
		"scoredAt": rec.ScoredAt,
	})
}

// ModelStats returns the model's aggregate metrics (fallback values when the
// upstream is unavailable).
func (h *Handler) ModelStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.scorer.FetchModelStats(c.Request.Context()))
}

// History returns recent transactions, most recent first.
func (h *Handler) History(c *gin.Context) {
	limit := parseLimit(c, defaultHistoryLimit, maxHistoryLimit)
	txs := h.scorer.FetchHistory(c.Request.Context(), limit)
	c.JSON(http.StatusOK, gin.H{
		"transactions": txs,
		"count":        len(txs),
	})
}

// Overview fetches model stats and history concurrently and returns them
// with every chart series the dashboard renders.
func (h *Handler) Overview(c *gin.Context) {
	limit := parseLimit(c, overviewHistoryLimit, maxHistoryLimit)

	var (
		stats    fraud.ModelStats
		txs      []fraud.Transaction
		recorded int64
	)
	g, gctx := errgroup.WithContext(c.Request.Context())
	g.Go(func() error {
		stats = h.scorer.FetchModelStats(gctx)
		return nil
	})
	g.Go(func() error {
		txs = h.scorer.FetchHistory(gctx, limit)
		return nil
	})
	g.Go(func() error {
		n, err := h.store.Count(gctx)
		if err != nil {
			return fmt.Errorf("count results: %w", err)
		}
		recorded = n
		return nil
	})
	if err := g.Wait(); err != nil {
		logging.For(c.Request.Context(), h.logger).Error("overview failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	now := h.now()
	c.JSON(http.StatusOK, gin.H{
		"modelStats":           stats,
		"summary":              aggregate.Summarize(txs),
		"riskDistribution":     aggregate.RiskDistribution(txs),
		"typeBreakdown":        aggregate.TypeBreakdown(txs),
		"hourlyActivity":       aggregate.HourlyActivity(txs),
		"dailyTrend":           aggregate.DailyTrend(txs, now, trendDays),
		"probabilityHistogram": aggregate.ProbabilityHistogram(txs, histogramBins),
		"recentTransactions":   txs,
		"recordedResults":      recorded,
		"generatedAt":          now.UTC(),
	})
}

// ListResults returns recorded scoring results, most recent first. Pass the
// returned nextCursor as ?cursor= for the following page.
func (h *Handler) ListResults(c *gin.Context) {
	limit := parseLimit(c, resultstore.DefaultListLimit, resultstore.MaxListLimit)
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": err.Error()})
		return
	}
	recs, err := h.store.List(c.Request.Context(), limit, resultstore.Before(cursor))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	resp := gin.H{
		"results": recs,
		"count":   len(recs),
	}
	if next := resultstore.NextCursor(recs, limit); next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// GetResult returns one recorded result.
func (h *Handler) GetResult(c *gin.Context) {
	rec, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, resultstore.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no result with that id"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// ExportResults streams the most recent results as an export document.
func (h *Handler) ExportResults(c *gin.Context) {
	limit := parseLimit(c, resultstore.MaxListLimit, resultstore.MaxListLimit)
	recs, err := h.store.List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	now := h.now().UTC()
	c.Header("Content-Type", "application/json")
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="fraudlens-results-%s.json"`, now.Format("20060102T150405Z")))
	c.Status(http.StatusOK)
	if err := fraud.ExportRecords(c.Writer, recs, now); err != nil {
		logging.For(c.Request.Context(), h.logger).Warn("export interrupted", "error", err)
	}
}

// ImportResults loads an export document, skipping records already present.
func (h *Handler) ImportResults(c *gin.Context) {
	recs, err := fraud.ImportRecords(c.Request.Body)
	if err != nil {
		status := http.StatusBadRequest
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			status = http.StatusRequestEntityTooLarge
		}
		c.JSON(status, gin.H{"error": "invalid_export", "message": err.Error()})
		return
	}
	for i, rec := range recs {
		if !validation.IsValidRecordID(rec.ID) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_export",
				"message": fmt.Sprintf("record %d has an invalid id", i),
			})
			return
		}
	}

	sum, err := resultstore.Import(c.Request.Context(), h.store, recs)
	if err != nil {
		logging.For(c.Request.Context(), h.logger).Error("import failed", "imported", sum.Imported, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "imported": sum.Imported})
		return
	}
	c.JSON(http.StatusOK, sum)
}

func parseLimit(c *gin.Context, defaultVal, maxVal int) int {
	limit := defaultVal
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxVal {
		limit = maxVal
	}
	return limit
}
