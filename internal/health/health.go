// Package health runs the named probes behind /health and folds their
// answers into one overall level.
package health

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/fraudlens/internal/circuitbreaker"
)

// DefaultCheckTimeout bounds each probe.
const DefaultCheckTimeout = 3 * time.Second

// Level is the overall state of the service.
type Level string

const (
	LevelHealthy   Level = "healthy"
	LevelDegraded  Level = "degraded"
	LevelUnhealthy Level = "unhealthy"
)

// Status is one probe's answer. Degraded means the subsystem answers from
// fallback data; it does not make the service unhealthy.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Degraded  bool   `json:"degraded,omitempty"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

// Report is the outcome of one run over every probe.
type Report struct {
	Level  Level    `json:"status"`
	Checks []Status `json:"checks"`
}

// OK reports whether no probe failed.
func (r Report) OK() bool { return r.Level != LevelUnhealthy }

// Checker probes a subsystem.
type Checker func(ctx context.Context) Status

type probe struct {
	name  string
	check Checker
}

// Registry holds the probes. Safe for concurrent use.
type Registry struct {
	timeout time.Duration

	mu     sync.RWMutex
	probes []probe
}

// Option configures a Registry.
type Option func(*Registry)

// WithTimeout changes how long each probe may run.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) { r.timeout = d }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{timeout: DefaultCheckTimeout}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a probe. Reports list probes in registration order.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probes = append(r.probes, probe{name: name, check: check})
}

// Run executes every probe concurrently, each under its own timeout.
func (r *Registry) Run(ctx context.Context) Report {
	r.mu.RLock()
	probes := slices.Clone(r.probes)
	r.mu.RUnlock()

	checks := make([]Status, len(probes))
	var g errgroup.Group
	for i, p := range probes {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			start := time.Now()
			st := p.check(pctx)
			st.LatencyMS = time.Since(start).Milliseconds()
			if st.Name == "" {
				st.Name = p.name
			}
			checks[i] = st
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{Level: LevelHealthy, Checks: checks}
	for _, st := range checks {
		switch {
		case !st.Healthy:
			rep.Level = LevelUnhealthy
		case st.Degraded && rep.Level == LevelHealthy:
			rep.Level = LevelDegraded
		}
	}
	return rep
}

// Ping turns an error-returning probe such as (*sql.DB).PingContext into a
// Checker.
func Ping(name string, ping func(ctx context.Context) error) Checker {
	return func(ctx context.Context) Status {
		if err := ping(ctx); err != nil {
			return Status{Name: name, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

// Breaker lists every circuit that is not closed. Reads behind an open
// circuit fall back to local data, so the result is degraded, never unhealthy.
func Breaker(name string, b *circuitbreaker.Breaker) Checker {
	return func(context.Context) Status {
		var tripped []string
		for key, st := range b.States() {
			if st != circuitbreaker.StateClosed {
				tripped = append(tripped, fmt.Sprintf("%s=%s", key, st))
			}
		}
		st := Status{Name: name, Healthy: true}
		if len(tripped) > 0 {
			slices.Sort(tripped)
			st.Degraded = true
			st.Detail = strings.Join(tripped, ", ")
		}
		return st
	}
}
