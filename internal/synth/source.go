// Package synth generates the simulated data the dashboard falls back to
// when the upstream scoring service cannot answer.
//
// All randomness flows through a Source so callers (and tests) control the
// sequence. A Source seeded with the same values produces the same data.
package synth

import (
	"math/rand/v2"
	"sync"
)

// Source is a goroutine-safe wrapper around a seeded *rand.Rand.
type Source struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewSource returns a Source producing a fixed sequence for the given seed.
func NewSource(seed1, seed2 uint64) *Source {
	return &Source{rnd: rand.New(rand.NewPCG(seed1, seed2))}
}

// DefaultSource returns a Source seeded from the runtime's random generator.
func DefaultSource() *Source {
	return NewSource(rand.Uint64(), rand.Uint64())
}

// Float64 returns a value in [0, 1).
func (s *Source) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rnd.Float64()
}

// IntN returns a value in [0, n).
func (s *Source) IntN(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rnd.IntN(n)
}

// Int64N returns a value in [0, n).
func (s *Source) Int64N(n int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rnd.Int64N(n)
}

// Range returns a value in [lo, hi).
func (s *Source) Range(lo, hi float64) float64 {
	return lo + s.Float64()*(hi-lo)
}

// Read fills p with pseudo-random bytes so a Source can feed uuid generation.
func (s *Source) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < len(p); i += 8 {
		v := s.rnd.Uint64()
		for j := 0; j < 8 && i+j < len(p); j++ {
			p[i+j] = byte(v >> (8 * j))
		}
	}
	return len(p), nil
}
