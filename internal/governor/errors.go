package governor

import (
	"errors"
	"fmt"
)

var (
	// ErrRateLimited marks an attempt the upstream rejected with 429.
	ErrRateLimited = errors.New("upstream rate limited")
	// ErrRequestFailed marks any other failed attempt: non-2xx status,
	// transport error or unreadable body.
	ErrRequestFailed = errors.New("upstream request failed")
	// ErrMaxRetriesExceeded is returned when every attempt failed and the
	// failure could not be absorbed.
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)

// Kind classifies a failed attempt.
type Kind int

const (
	KindRequestFailed Kind = iota
	KindRateLimited
)

func (k Kind) String() string {
	if k == KindRateLimited {
		return "rate_limited"
	}
	return "request_failed"
}

func (k Kind) sentinel() error {
	if k == KindRateLimited {
		return ErrRateLimited
	}
	return ErrRequestFailed
}

// RequestError describes one failed attempt against the scoring endpoint.
// errors.Is matches it against ErrRateLimited or ErrRequestFailed by Kind.
type RequestError struct {
	Kind       Kind
	StatusCode int // 0 when no response was received
	Attempt    int
	Err        error
}

func (e *RequestError) Error() string {
	msg := e.Kind.sentinel().Error()
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RequestError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind.sentinel()}
	}
	return []error{e.Kind.sentinel(), e.Err}
}

func rateLimited(attempt int) error {
	return &RequestError{Kind: KindRateLimited, StatusCode: 429, Attempt: attempt}
}

func requestFailed(attempt, status int, err error) error {
	return &RequestError{Kind: KindRequestFailed, StatusCode: status, Attempt: attempt, Err: err}
}
