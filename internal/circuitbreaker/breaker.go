// Package circuitbreaker trips per-key circuits after consecutive failures.
// fraudlens keys it by upstream endpoint so a dead stats service stops costing
// a round trip per page load.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // calls flow through
	StateOpen                  // calls are rejected until the cooldown ends
	StateHalfOpen              // one probe is in flight
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Execute while a circuit rejects calls.
var ErrOpen = errors.New("circuit open")

var transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "fraudlens",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by upstream endpoint, from-state, and to-state.",
}, []string{"key", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(transitionsTotal)
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

type transition struct {
	key      string
	from, to State
}

// Breaker holds one circuit per key.
type Breaker struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu           sync.Mutex
	circuits     map[string]*circuit
	onTransition func(key string, from, to State)
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New returns a Breaker that opens a circuit after threshold consecutive
// failures and lets one probe through once cooldown has passed.
func New(threshold int, cooldown time.Duration, opts ...Option) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	b := &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		circuits:  make(map[string]*circuit),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// OnTransition registers fn to be called after every state change. fn runs
// on the goroutine that caused the change, outside the breaker's lock.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Allow reports whether a call for key may proceed. An open circuit whose
// cooldown has passed moves to half-open and admits the caller as its probe.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	c, ok := b.circuits[key]
	if !ok {
		b.mu.Unlock()
		return true
	}
	var t *transition
	allowed := true
	switch c.state {
	case StateOpen:
		if b.now().Sub(c.openedAt) >= b.cooldown {
			t = b.setState(c, key, StateHalfOpen)
		} else {
			allowed = false
		}
	case StateHalfOpen:
		allowed = false
	}
	b.mu.Unlock()
	b.notify(t)
	return allowed
}

// RecordSuccess clears the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	c, ok := b.circuits[key]
	if !ok {
		b.mu.Unlock()
		return
	}
	c.failures = 0
	t := b.setState(c, key, StateClosed)
	b.mu.Unlock()
	b.notify(t)
}

// RecordFailure counts a failure. The circuit opens when the count reaches
// the threshold, or immediately when the failed call was the half-open probe.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{}
		b.circuits[key] = c
	}
	c.failures++
	var t *transition
	if c.state == StateHalfOpen || c.failures >= b.threshold {
		c.openedAt = b.now()
		t = b.setState(c, key, StateOpen)
	}
	b.mu.Unlock()
	b.notify(t)
}

// release returns an abandoned half-open probe to open without restarting the
// cooldown, so the next caller probes again.
func (b *Breaker) release(key string) {
	b.mu.Lock()
	var t *transition
	if c, ok := b.circuits[key]; ok && c.state == StateHalfOpen {
		t = b.setState(c, key, StateOpen)
	}
	b.mu.Unlock()
	b.notify(t)
}

// Execute runs fn when the circuit for key allows it and records the outcome.
// Errors caused by the caller's context ending say nothing about the upstream
// and are not counted.
func (b *Breaker) Execute(key string, fn func() error) error {
	if !b.Allow(key) {
		return ErrOpen
	}
	err := fn()
	switch {
	case err == nil:
		b.RecordSuccess(key)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		b.release(key)
	default:
		b.RecordFailure(key)
	}
	return err
}

// State returns the state for key. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// States returns the state of every key that has recorded a failure.
func (b *Breaker) States() map[string]State {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]State, len(b.circuits))
	for k, c := range b.circuits {
		out[k] = c.state
	}
	return out
}

// setState must be called with b.mu held. It returns the transition to
// report, or nil when the state did not change.
func (b *Breaker) setState(c *circuit, key string, to State) *transition {
	if c.state == to {
		return nil
	}
	t := &transition{key: key, from: c.state, to: to}
	c.state = to
	return t
}

func (b *Breaker) notify(t *transition) {
	if t == nil {
		return
	}
	transitionsTotal.WithLabelValues(t.key, t.from.String(), t.to.String()).Inc()
	b.mu.Lock()
	fn := b.onTransition
	b.mu.Unlock()
	if fn != nil {
		fn(t.key, t.from, t.to)
	}
}
