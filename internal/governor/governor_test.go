package governor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mbd888/fraudlens/internal/fraud"
	"github.com/mbd888/fraudlens/internal/logging"
	"github.com/mbd888/fraudlens/internal/metrics"
	"github.com/mbd888/fraudlens/internal/synth"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

// fakeClock advances only when someone sleeps on it.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

// scripted answers the scoring endpoint with one canned response per call,
// repeating the last one once the script runs out.
type scripted struct {
	mu        sync.Mutex
	responses []cannedResponse
	calls     int
	clock     *fakeClock
	starts    []time.Time
}

type cannedResponse struct {
	status int
	body   string
}

func (s *scripted) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	idx := s.calls
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	s.calls++
	if s.clock != nil {
		s.starts = append(s.starts, s.clock.Now())
	}
	resp := s.responses[idx]
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.status)
	_, _ = w.Write([]byte(resp.body))
}

func (s *scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestGovernor(t *testing.T, h http.Handler, opts ...Option) (*Governor, *fakeClock) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	clock := newFakeClock()
	base := []Option{
		WithHTTPClient(srv.Client()),
		WithClock(clock),
		WithSource(synth.NewSource(1, 2)),
		WithLogger(logging.Discard()),
	}
	g := New(DefaultConfig(srv.URL), append(base, opts...)...)
	return g, clock
}

var riskyInput = fraud.TransactionInput{
	Step:           743,
	Type:           fraud.TypeCashOut,
	Amount:         25000,
	OldBalanceOrig: 0,
	NewBalanceOrig: 0,
	OldBalanceDest: 1000,
	NewBalanceDest: 26000,
}

func TestScore_Success(t *testing.T) {
	up := &scripted{responses: []cannedResponse{
		{200, `{"fraudProbability":0.83,"flagged":true,"confidence":0.91,"modelVersion":"v3.0.0","processingTime":12.5}`},
	}}
	g, clock := newTestGovernor(t, up)

	res, err := g.Score(context.Background(), riskyInput)
	require.NoError(t, err)

	assert.Equal(t, 0.83, res.FraudProbability)
	assert.True(t, res.Flagged)
	assert.Equal(t, 0.91, res.Confidence)
	assert.Equal(t, fraud.RiskCritical, res.RiskLevel)
	assert.Equal(t, "v3.0.0", res.ModelVersion)
	assert.Equal(t, 12.5, res.ProcessingTime)
	assert.Equal(t, fraud.Explain(riskyInput, 0.83), res.Explanation)
	assert.Len(t, res.FeatureImportance, len(fraud.Features))
	assert.False(t, res.Degraded())
	assert.Equal(t, 1, up.Calls())
	assert.Empty(t, clock.Sleeps(), "first call must not wait or back off")
}

func TestScore_SnakeCaseProbability(t *testing.T) {
	up := &scripted{responses: []cannedResponse{{200, `{"fraud_probability":0.3}`}}}
	g, _ := newTestGovernor(t, up)

	res, err := g.Score(context.Background(), riskyInput)
	require.NoError(t, err)

	assert.Equal(t, 0.3, res.FraudProbability)
	assert.False(t, res.Flagged, "flagged derives from p > 0.5 when absent")
	assert.Equal(t, fraud.RiskMedium, res.RiskLevel)
	assert.Equal(t, fraud.DefaultModelVersion, res.ModelVersion)
	assert.GreaterOrEqual(t, res.Confidence, 0.7)
	assert.Less(t, res.Confidence, 1.0)
	assert.Greater(t, res.ProcessingTime, 0.0)
}

func TestScore_CamelCaseWinsOverSnakeCase(t *testing.T) {
	up := &scripted{responses: []cannedResponse{{200, `{"fraud_probability":0.1,"fraudProbability":0.6}`}}}
	g, _ := newTestGovernor(t, up)

	res, err := g.Score(context.Background(), riskyInput)
	require.NoError(t, err)
	assert.Equal(t, 0.6, res.FraudProbability)
	assert.True(t, res.Flagged)
}

func TestScore_MissingProbabilityDefaultsToZero(t *testing.T) {
	up := &scripted{responses: []cannedResponse{{200, `{"modelVersion":"v9"}`}}}
	g, _ := newTestGovernor(t, up)

	res, err := g.Score(context.Background(), riskyInput)
	require.NoError(t, err)
	assert.Equal(t, 0.0, res.FraudProbability)
	assert.Equal(t, fraud.RiskLow, res.RiskLevel)
	assert.False(t, res.Flagged)
}

func TestScore_ExplanationAndImportanceAlwaysLocal(t *testing.T) {
	up := &scripted{responses: []cannedResponse{{200,
		`{"fraudProbability":0.2,"explanation":["upstream says hi"],"featureImportance":{"velocity":1}}`}}}
	g, _ := newTestGovernor(t, up)

	res, err := g.Score(context.Background(), riskyInput)
	require.NoError(t, err)
	assert.Equal(t, fraud.Explain(riskyInput, 0.2), res.Explanation)
	assert.NotContains(t, res.FeatureImportance, "velocity")
	for _, f := range fraud.Features {
		assert.Contains(t, res.FeatureImportance, f)
	}
}

func TestScore_AllRateLimitedDegrades(t *testing.T) {
	up := &scripted{responses: []cannedResponse{{429, `{"error":"rate_limit_exceeded"}`}}}
	g, clock := newTestGovernor(t, up)

	before := counterValue(t, metrics.GovernorDegradedTotal)
	res, err := g.Score(context.Background(), riskyInput)
	require.NoError(t, err)

	assert.Equal(t, 3, up.Calls())
	assert.True(t, res.Degraded())
	assert.Equal(t, fraud.MockVersion(fraud.DefaultModelVersion), res.ModelVersion)
	require.NotEmpty(t, res.Explanation)
	assert.Equal(t, fraud.ExplainRateLimitFallback, res.Explanation[0])
	assert.Equal(t, fraud.Explain(riskyInput, res.FraudProbability), res.Explanation[1:])
	assert.Equal(t, fraud.DegradedConfidence, res.Confidence)
	assert.Less(t, res.FraudProbability, 0.8)
	assert.Equal(t, fraud.RiskLevelFor(res.FraudProbability), res.RiskLevel)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, clock.Sleeps(),
		"rate-limit backoff is one doubling ahead of the generic schedule")
	assert.Equal(t, before+1, counterValue(t, metrics.GovernorDegradedTotal))
}

func TestScore_AllServerErrorsFail(t *testing.T) {
	up := &scripted{responses: []cannedResponse{{500, `{"error":"boom"}`}}}
	g, clock := newTestGovernor(t, up)

	res, err := g.Score(context.Background(), riskyInput)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrRequestFailed)
	assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.NotErrorIs(t, err, ErrRateLimited)

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, 500, reqErr.StatusCode)
	assert.Equal(t, 2, reqErr.Attempt)

	assert.Equal(t, 3, up.Calls())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, clock.Sleeps())
}

func TestScore_SucceedsOnSecondAttempt(t *testing.T) {
	up := &scripted{responses: []cannedResponse{
		{503, `unavailable`},
		{200, `{"fraudProbability":0.66,"modelVersion":"attempt-2"}`},
	}}
	g, clock := newTestGovernor(t, up)

	res, err := g.Score(context.Background(), riskyInput)
	require.NoError(t, err)
	assert.Equal(t, 0.66, res.FraudProbability)
	assert.Equal(t, "attempt-2", res.ModelVersion)
	assert.Equal(t, fraud.RiskHigh, res.RiskLevel)
	assert.Equal(t, 2, up.Calls())
	assert.Equal(t, []time.Duration{time.Second}, clock.Sleeps())
}

func TestScore_TerminalKindDecides(t *testing.T) {
	t.Run("rate limited then failure surfaces", func(t *testing.T) {
		up := &scripted{responses: []cannedResponse{{429, ``}, {429, ``}, {500, ``}}}
		g, clock := newTestGovernor(t, up)

		_, err := g.Score(context.Background(), riskyInput)
		assert.ErrorIs(t, err, ErrRequestFailed)
		assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, clock.Sleeps())
	})

	t.Run("failure then rate limited degrades", func(t *testing.T) {
		up := &scripted{responses: []cannedResponse{{500, ``}, {500, ``}, {429, ``}}}
		g, clock := newTestGovernor(t, up)

		res, err := g.Score(context.Background(), riskyInput)
		require.NoError(t, err)
		assert.True(t, res.Degraded())
		assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, clock.Sleeps())
	})

	t.Run("mixed backoff schedule", func(t *testing.T) {
		up := &scripted{responses: []cannedResponse{{500, ``}, {429, ``}, {200, `{"fraudProbability":0.1}`}}}
		g, clock := newTestGovernor(t, up)

		_, err := g.Score(context.Background(), riskyInput)
		require.NoError(t, err)
		assert.Equal(t, []time.Duration{time.Second, 4 * time.Second}, clock.Sleeps())
	})
}

func TestScore_MalformedBodyIsRetried(t *testing.T) {
	up := &scripted{responses: []cannedResponse{
		{200, `not json`},
		{200, `[1,2,3]`},
		{200, `{"fraudProbability":0.4}`},
	}}
	g, _ := newTestGovernor(t, up)

	res, err := g.Score(context.Background(), riskyInput)
	require.NoError(t, err)
	assert.Equal(t, 0.4, res.FraudProbability)
	assert.Equal(t, 3, up.Calls())
}

func TestScore_TransportErrorFails(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	clock := newFakeClock()
	g := New(DefaultConfig(url), WithClock(clock), WithLogger(logging.Discard()), WithSource(synth.NewSource(1, 1)))

	_, err := g.Score(context.Background(), riskyInput)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRequestFailed)
	assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.Len(t, clock.Sleeps(), 2)
}

func TestScore_MinimumSpacing(t *testing.T) {
	up := &scripted{responses: []cannedResponse{{200, `{"fraudProbability":0.1}`}}}
	g, clock := newTestGovernor(t, up)
	up.clock = clock

	gaps := []time.Duration{0, 300 * time.Millisecond, 1999 * time.Millisecond, 5 * time.Second, 0}
	for _, gap := range gaps {
		clock.Advance(gap)
		_, err := g.Score(context.Background(), riskyInput)
		require.NoError(t, err)
	}

	require.Len(t, up.starts, len(gaps))
	for i := 1; i < len(up.starts); i++ {
		d := up.starts[i].Sub(up.starts[i-1])
		assert.GreaterOrEqual(t, d, DefaultMinInterval, "dispatch %d only %v after the previous one", i, d)
	}
	assert.Equal(t, up.starts[len(up.starts)-1], g.LastDispatch())
}

func TestReserveSlot_ConcurrentCallersAreSpaced(t *testing.T) {
	clock := newFakeClock()
	g := New(DefaultConfig("http://unused"), WithClock(clock), WithLogger(logging.Discard()))

	const callers = 8
	waits := make([]time.Duration, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			waits[i] = g.reserveSlot()
		}(i)
	}
	wg.Wait()

	sort.Slice(waits, func(i, j int) bool { return waits[i] < waits[j] })
	for i, w := range waits {
		assert.Equal(t, time.Duration(i)*DefaultMinInterval, w)
	}
}

func TestScore_CancelledWhileWaiting(t *testing.T) {
	up := &scripted{responses: []cannedResponse{{200, `{"fraudProbability":0.1}`}}}
	g, _ := newTestGovernor(t, up)

	_, err := g.Score(context.Background(), riskyInput)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = g.Score(ctx, riskyInput)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, up.Calls(), "a cancelled caller must not dispatch")
}

func TestScore_ForwardsRequestID(t *testing.T) {
	var got atomic.Value
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.Header.Get("X-Request-ID"))
		var in fraud.TransactionInput
		_ = json.NewDecoder(r.Body).Decode(&in)
		if in.Type != riskyInput.Type || in.Amount != riskyInput.Amount {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"fraudProbability":0.5}`))
	})
	g, _ := newTestGovernor(t, h)

	ctx := logging.WithRequestID(context.Background(), "req-abc")
	res, err := g.Score(ctx, riskyInput)
	require.NoError(t, err)
	assert.Equal(t, fraud.RiskHigh, res.RiskLevel, "0.5 belongs to the upper band")
	assert.Equal(t, "req-abc", got.Load())
}

func TestScore_PropagatesTraceContext(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	prevTP, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})

	var got atomic.Value
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.Header.Get("traceparent"))
		_, _ = w.Write([]byte(`{"fraudProbability":0.1}`))
	})
	g, _ := newTestGovernor(t, h)

	_, err := g.Score(context.Background(), riskyInput)
	require.NoError(t, err)

	var dispatch sdktrace.ReadOnlySpan
	for _, s := range rec.Ended() {
		if s.Name() == "governor.dispatch" {
			dispatch = s
		}
	}
	require.NotNil(t, dispatch)
	tp, _ := got.Load().(string)
	assert.Contains(t, tp, dispatch.SpanContext().SpanID().String(), "upstream sees the dispatch span as parent")
}

func TestScore_DegradedIsDeterministicPerSeed(t *testing.T) {
	run := func() *fraud.ScoringResult {
		up := &scripted{responses: []cannedResponse{{429, ``}}}
		g, _ := newTestGovernor(t, up, WithSource(synth.NewSource(77, 88)))
		res, err := g.Score(context.Background(), riskyInput)
		require.NoError(t, err)
		return res
	}
	assert.Equal(t, run(), run())
}

func TestRequestError_Message(t *testing.T) {
	err := requestFailed(1, 502, errors.New("bad gateway"))
	assert.Equal(t, "upstream request failed (status 502): bad gateway", err.Error())
	assert.Equal(t, "upstream rate limited (status 429)", rateLimited(0).Error())
}

func counterValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}
