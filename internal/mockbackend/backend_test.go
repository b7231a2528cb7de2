package mockbackend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fraudlens/internal/fraud"
	"github.com/mbd888/fraudlens/internal/governor"
	"github.com/mbd888/fraudlens/internal/logging"
	"github.com/mbd888/fraudlens/internal/synth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var fixedNow = time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)

func newBackend(t *testing.T, cfg Config) *Backend {
	t.Helper()
	b := New(cfg,
		WithSource(synth.NewSource(7, 9)),
		WithNow(func() time.Time { return fixedNow }),
		WithLogger(logging.Discard()),
	)
	t.Cleanup(b.Close)
	return b
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

const drained = `{"step":600,"type":"CASH_OUT","amount":25000,"oldBalanceOrig":25000,"newBalanceOrig":0,"oldBalanceDest":0,"newBalanceDest":25000}`

func TestScore_CamelCase(t *testing.T) {
	b := newBackend(t, DefaultConfig())

	w := do(t, b.Router(), http.MethodPost, "/api/transactions/score", drained)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	p := body["fraudProbability"].(float64)
	assert.Greater(t, p, 0.7, "drained cash-out should score high")
	assert.Equal(t, true, body["flagged"])
	assert.Equal(t, fraud.DefaultModelVersion, body["modelVersion"])
	assert.NotContains(t, body, "fraud_probability")
}

func TestScore_SnakeCase(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SnakeCase = true
	b := newBackend(t, cfg)

	w := do(t, b.Router(), http.MethodPost, "/api/transactions/score", `{"type":"payment","amount":12}`)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Contains(t, body, "fraud_probability")
	assert.Contains(t, body, "is_flagged")
	assert.Contains(t, body, "model_version")
	assert.NotContains(t, body, "fraudProbability")
}

func TestScore_RejectsBadInput(t *testing.T) {
	b := newBackend(t, DefaultConfig())

	assert.Equal(t, http.StatusUnprocessableEntity, do(t, b.Router(), http.MethodPost, "/api/transactions/score", `{"type":"WIRE"}`).Code)
	assert.Equal(t, http.StatusUnprocessableEntity, do(t, b.Router(), http.MethodPost, "/api/transactions/score", `nope`).Code)
}

func TestScore_QuotaExhausted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Burst = 2
	b := newBackend(t, cfg)
	r := b.Router()

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, do(t, r, http.MethodPost, "/api/transactions/score", drained).Code)
	}
	w := do(t, r, http.MethodPost, "/api/transactions/score", drained)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "3", w.Header().Get("Retry-After"), "20 rpm refills one token every 3s")

	// Reads are not metered.
	assert.Equal(t, http.StatusOK, do(t, r, http.MethodGet, "/api/model/stats", "").Code)
}

func TestScore_InjectedFailures(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureRate = 1
	b := newBackend(t, cfg)

	w := do(t, b.Router(), http.MethodPost, "/api/transactions/score", drained)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	scored, _ := b.Stats()
	assert.Zero(t, scored)
}

func TestHistory(t *testing.T) {
	b := newBackend(t, DefaultConfig())
	r := b.Router()
	require.Equal(t, http.StatusOK, do(t, r, http.MethodPost, "/api/transactions/score", drained).Code)

	w := do(t, r, http.MethodGet, "/api/transactions/history?limit=5", "")
	require.Equal(t, http.StatusOK, w.Code)

	var txs []fraud.Transaction
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &txs))
	require.Len(t, txs, 5)
	assert.Equal(t, fixedNow, txs[0].Timestamp, "the scored transaction is the newest")
	assert.Equal(t, 25000.0, txs[0].Amount)
	assert.Equal(t, fraud.TypeCashOut, txs[0].Type)
	for i := 1; i < len(txs); i++ {
		assert.False(t, txs[i].Timestamp.After(txs[i-1].Timestamp), "sorted newest first")
	}
}

func TestHistory_Limits(t *testing.T) {
	b := newBackend(t, DefaultConfig())
	r := b.Router()

	var txs []fraud.Transaction
	w := do(t, r, http.MethodGet, "/api/transactions/history", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &txs))
	assert.Len(t, txs, DefaultHistoryLimit)

	w = do(t, r, http.MethodGet, "/api/transactions/history?limit=0", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	w = do(t, r, http.MethodGet, "/api/transactions/history?limit=-3", "")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestStats_CountsScored(t *testing.T) {
	b := newBackend(t, DefaultConfig())
	r := b.Router()
	require.Equal(t, http.StatusOK, do(t, r, http.MethodPost, "/api/transactions/score", drained).Code)

	w := do(t, r, http.MethodGet, "/api/model/stats", "")
	require.Equal(t, http.StatusOK, w.Code)

	var st fraud.ModelStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	base := fraud.FallbackModelStats(fixedNow)
	assert.Equal(t, base.TotalTransactions+1, st.TotalTransactions)
	assert.Equal(t, base.FraudDetected+1, st.FraudDetected)
	assert.NotEqual(t, base.Accuracy, st.Accuracy)
}

// The governor and the mock agree on the contract: live results come back
// normalized, and an exhausted quota degrades to a mock-tagged result.
func TestGovernorAgainstMock(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Burst = 1
	cfg.SnakeCase = true
	b := newBackend(t, cfg)
	srv := httptest.NewServer(b.Router())
	defer srv.Close()

	gov := governor.New(governor.Config{BaseURL: srv.URL, MinInterval: 0, MaxAttempts: 3, BaseDelay: 0},
		governor.WithHTTPClient(srv.Client()),
		governor.WithSource(synth.NewSource(1, 1)),
		governor.WithLogger(logging.Discard()),
	)
	in := fraud.TransactionInput{Step: 600, Type: fraud.TypeCashOut, Amount: 25000, OldBalanceOrig: 25000, NewBalanceDest: 25000}

	live, err := gov.Score(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, live.Degraded())
	assert.True(t, live.Flagged)

	degraded, err := gov.Score(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, degraded.Degraded())
	assert.Equal(t, fraud.ExplainRateLimitFallback, degraded.Explanation[0])

	stats := gov.FetchModelStats(context.Background())
	assert.Equal(t, 0.962, stats.Accuracy, "served by the mock, not the fallback")

	history := gov.FetchHistory(context.Background(), 3)
	require.Len(t, history, 3)
	assert.Equal(t, fixedNow, history[0].Timestamp)
}
