package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fraudlens/internal/config"
	"github.com/mbd888/fraudlens/internal/governor"
	"github.com/mbd888/fraudlens/internal/logging"
	"github.com/mbd888/fraudlens/internal/resultstore"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeUpstream answers the scoring contract and remembers the last request ID.
type fakeUpstream struct {
	mu        sync.Mutex
	requestID string
}

func (f *fakeUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.requestID = r.Header.Get("X-Request-ID")
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case governor.PathScore:
		_, _ = w.Write([]byte(`{"fraudProbability":0.7,"confidence":0.93,"modelVersion":"v2.1.0"}`))
	case governor.PathModelStats:
		_, _ = w.Write([]byte(`{"accuracy":0.97,"precision":0.9,"recall":0.91,"f1Score":0.905,"totalTransactions":10,"fraudDetected":1,"falsePositives":0,"lastUpdated":"2026-01-02T03:04:05Z"}`))
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeUpstream) lastRequestID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requestID
}

type unreachableStore struct {
	resultstore.Store
}

func (unreachableStore) Ping(context.Context) error { return errors.New("connection refused") }

// testConfig returns a config pointed at upstreamURL with no spacing or backoff
func testConfig(upstreamURL string) *config.Config {
	cfg := config.Default()
	cfg.Port = "0"
	cfg.LogLevel = "error"
	cfg.ScoringAPIURL = upstreamURL
	cfg.MinRequestInterval = 0
	cfg.BaseBackoff = 0
	return cfg
}

// newTestServer creates a server against a fake upstream
func newTestServer(t *testing.T, opts ...Option) (*Server, *fakeUpstream) {
	t.Helper()
	up := &fakeUpstream{}
	srv := httptest.NewServer(up)
	t.Cleanup(srv.Close)

	opts = append([]Option{
		WithLogger(logging.Discard()),
		WithStore(resultstore.NewMemoryStore()),
		WithHTTPClient(srv.Client()),
		WithDrainDelay(0),
	}, opts...)
	s, err := New(testConfig(srv.URL), opts...)
	require.NoError(t, err)
	t.Cleanup(s.rateLimiter.Stop)
	return s, up
}

func get(s *Server, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
	return w
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := get(s, "/health")
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, Version, resp.Version)
	require.Len(t, resp.Checks, 2)
	assert.Equal(t, "store", resp.Checks[0].Name)
	assert.Equal(t, "upstream", resp.Checks[1].Name)
}

func TestHealthEndpoint_OpenCircuitIsDegraded(t *testing.T) {
	s, _ := newTestServer(t)
	for i := 0; i < s.cfg.BreakerThreshold; i++ {
		s.breaker.RecordFailure(governor.EndpointHistory)
	}

	w := get(s, "/health")
	require.Equal(t, http.StatusOK, w.Code, "fallback data keeps the service up")

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Contains(t, resp.Checks[1].Detail, "history=open")
}

func TestHealthEndpoint_StoreDown(t *testing.T) {
	s, _ := newTestServer(t, WithStore(unreachableStore{resultstore.NewMemoryStore()}))

	w := get(s, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")

	s.ready.Store(true)
	assert.Equal(t, http.StatusServiceUnavailable, get(s, "/health/ready").Code)
}

func TestLivenessEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	assert.Equal(t, http.StatusOK, get(s, "/health/live").Code)
}

func TestReadinessEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	// Server hasn't called Run() so ready is false
	assert.Equal(t, http.StatusServiceUnavailable, get(s, "/health/ready").Code)

	s.ready.Store(true)
	assert.Equal(t, http.StatusOK, get(s, "/health/ready").Code)
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s, _ := newTestServer(t)

	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"GET:/ws",
		"GET:/api",
		"GET:/api/realtime/stats",
		"POST:/api/transactions/score",
		"GET:/api/transactions/history",
		"GET:/api/model/stats",
		"GET:/api/dashboard/overview",
		"GET:/api/results",
		"GET:/api/results/:id",
		"GET:/api/results/export",
		"POST:/api/results/import",
	}

	routeSet := make(map[string]bool)
	for _, route := range s.router.Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}
	for _, e := range expected {
		assert.True(t, routeSet[e], "route %s not registered", e)
	}
}

func TestNotFoundRoute(t *testing.T) {
	s, _ := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, get(s, "/api/nonexistent").Code)
}

// ---------------------------------------------------------------------------
// Request pipeline
// ---------------------------------------------------------------------------

func TestScoreThroughServer(t *testing.T) {
	s, up := newTestServer(t)

	body := `{"step":1,"type":"TRANSFER","amount":1200,"oldBalanceOrig":1200,"newBalanceOrig":0}`
	req := httptest.NewRequest("POST", "/api/transactions/score", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", "req-abc")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "req-abc", w.Header().Get("X-Request-ID"))
	assert.Equal(t, "req-abc", up.lastRequestID(), "request ID is forwarded upstream")

	var resp struct {
		ID       string `json:"id"`
		Degraded bool   `json:"degraded"`
		Result   struct {
			FraudProbability float64 `json:"fraudProbability"`
			RiskLevel        string  `json:"riskLevel"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Degraded)
	assert.InDelta(t, 0.7, resp.Result.FraudProbability, 1e-9)
	assert.Equal(t, "HIGH", resp.Result.RiskLevel)

	n, err := s.store.Count(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	w = get(s, "/api/results/"+resp.ID)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequestIDGenerated(t *testing.T) {
	s, _ := newTestServer(t)

	w := get(s, "/api/model/stats")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, w.Header().Get("X-Request-ID"), 36)
	assert.Contains(t, w.Body.String(), `"accuracy":0.97`)
}

func TestSecurityHeadersApplied(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/api", nil)
	req.Header.Set("Origin", "https://dashboard.example")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "https://dashboard.example", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimitApplied(t *testing.T) {
	up := httptest.NewServer(&fakeUpstream{})
	defer up.Close()
	cfg := testConfig(up.URL)
	cfg.RateLimitRPM = 1

	s, err := New(cfg, WithLogger(logging.Discard()), WithStore(resultstore.NewMemoryStore()), WithDrainDelay(0))
	require.NoError(t, err)
	defer s.rateLimiter.Stop()

	var limited bool
	for i := 0; i < 20; i++ {
		if w := get(s, "/health/live"); w.Code == http.StatusTooManyRequests {
			limited = true
			assert.NotEmpty(t, w.Header().Get("Retry-After"))
			break
		}
	}
	assert.True(t, limited, "burst should be exhausted")
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestRunStopsOnContextCancel(t *testing.T) {
	s, _ := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, s.ready.Load, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.False(t, s.ready.Load())
	assert.False(t, s.healthy.Load())
}

func TestWriteTimeoutCoversScoringBudget(t *testing.T) {
	cfg := config.Default()
	// 2s spacing + 3 attempts of 30s + backoffs of 2s and 4s
	assert.Equal(t, 98*time.Second, writeTimeout(cfg))

	cfg.MaxAttempts = 1
	cfg.HTTPTimeout = time.Second
	cfg.MinRequestInterval = 0
	assert.Equal(t, 30*time.Second, writeTimeout(cfg))
}
