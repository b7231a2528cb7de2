// Package ratelimit charges requests to per-key token buckets. The dashboard
// API buckets by client address; the mock scorer uses one global bucket to
// imitate the hosted service's quota.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// idleTTL is how long an untouched bucket is kept. A bucket idle this long
// has refilled anyway.
const idleTTL = 2 * time.Minute

// Config sizes every bucket.
type Config struct {
	RequestsPerMinute int           // sustained refill rate
	BurstSize         int           // bucket capacity
	CleanupInterval   time.Duration // how often idle buckets are evicted
}

// DefaultConfig allows one request per second on average, ten back to back.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60,
		BurstSize:         10,
		CleanupInterval:   time.Minute,
	}
}

// KeyFunc picks the bucket a request is charged to.
type KeyFunc func(c *gin.Context) string

// ByClientIP gives each client address its own bucket.
func ByClientIP(c *gin.Context) string { return c.ClientIP() }

// Global charges every request to one shared bucket.
func Global(*gin.Context) string { return "global" }

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Limiter holds one bucket per key.
type Limiter struct {
	limit rate.Limit
	burst int
	every time.Duration
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	stop     chan struct{}
	stopOnce sync.Once
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithNow replaces time.Now.
func WithNow(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a Limiter and starts evicting idle buckets. Call Stop when done.
func New(cfg Config, opts ...Option) *Limiter {
	def := DefaultConfig()
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = def.RequestsPerMinute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	l := &Limiter{
		limit:   rate.Limit(float64(cfg.RequestsPerMinute) / 60),
		burst:   max(cfg.BurstSize, 1),
		every:   cfg.CleanupInterval,
		now:     time.Now,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	go l.evictLoop()
	return l
}

func (l *Limiter) evictLoop() {
	ticker := time.NewTicker(l.every)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.evictIdle()
		}
	}
}

func (l *Limiter) evictIdle() {
	cutoff := l.now().Add(-idleTTL)
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// Stop ends the eviction loop. Safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Allow reports whether a request charged to key may proceed.
func (l *Limiter) Allow(key string) bool {
	ok, _ := l.Reserve(key)
	return ok
}

// Reserve takes a token from key's bucket. When none is left it takes
// nothing and reports how long until one will be.
func (l *Limiter) Reserve(key string) (bool, time.Duration) {
	now := l.now()

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	r := b.lim.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Duration(math.MaxInt64)
	}
	if wait := r.DelayFrom(now); wait > 0 {
		r.CancelAt(now)
		return false, wait
	}
	return true, 0
}

// Middleware answers 429 with a Retry-After header of whole seconds, at
// least 1, when the request's bucket is empty.
func (l *Limiter) Middleware(key KeyFunc) gin.HandlerFunc {
	if key == nil {
		key = ByClientIP
	}
	return func(c *gin.Context) {
		ok, wait := l.Reserve(key(c))
		if ok {
			c.Next()
			return
		}
		retryAfter := max(int(math.Ceil(wait.Seconds())), 1)
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":       "rate_limit_exceeded",
			"message":     "too many requests, retry after the indicated delay",
			"retry_after": retryAfter,
		})
	}
}
