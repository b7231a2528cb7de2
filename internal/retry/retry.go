// Package retry runs an operation a bounded number of times, sleeping on a
// pluggable backoff schedule between attempts.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// PermanentError marks a failure that another attempt cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent stops Do from retrying err. Do returns err unwrapped.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// BackoffFunc picks the delay after failed attempt (0-based) before the next.
type BackoffFunc func(attempt int, err error) time.Duration

// SleepFunc suspends for d, returning early with ctx's error.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Exponential yields base, 2*base, 4*base and so on.
func Exponential(base time.Duration) BackoffFunc {
	return func(attempt int, _ error) time.Duration {
		return base << uint(attempt)
	}
}

// Steeper runs b one attempt ahead whenever match(err) holds, doubling an
// exponential schedule for those errors.
func Steeper(b BackoffFunc, match func(error) bool) BackoffFunc {
	return func(attempt int, err error) time.Duration {
		if match(err) {
			attempt++
		}
		return b(attempt, err)
	}
}

// WithJitter moves each delay of b by up to 25% either way.
func WithJitter(b BackoffFunc) BackoffFunc {
	return func(attempt int, err error) time.Duration {
		d := b(attempt, err)
		spread := int64(d / 4)
		if spread <= 0 {
			return d
		}
		return d + time.Duration(rand.Int64N(2*spread+1)-spread) //nolint:gosec // jitter, not a secret
	}
}

// ContextSleep is the default SleepFunc.
func ContextSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Policy describes how an operation is retried. The zero value runs once.
type Policy struct {
	MaxAttempts int
	Backoff     BackoffFunc
	Sleep       SleepFunc

	// OnRetry runs before each backoff sleep.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// Do runs fn, passing the 0-based attempt number, until it succeeds, fails
// permanently, runs out of attempts or ctx ends. The last attempt's error is
// returned without a trailing sleep.
func (p Policy) Do(ctx context.Context, fn func(attempt int) error) error {
	attempts := max(p.MaxAttempts, 1)
	backoff := p.Backoff
	if backoff == nil {
		backoff = Exponential(0)
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = ContextSleep
	}

	for attempt := 0; ; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if attempt+1 >= attempts {
			return err
		}

		delay := backoff(attempt, err)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, delay)
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// Do retries fn up to maxAttempts times on a jittered exponential schedule
// starting at baseDelay.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	p := Policy{
		MaxAttempts: maxAttempts,
		Backoff:     WithJitter(Exponential(baseDelay)),
	}
	return p.Do(ctx, func(int) error { return fn() })
}
