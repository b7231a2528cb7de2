// Package resultstore keeps an audit trail of scoring results served to
// dashboard clients.
package resultstore

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/fraudlens/internal/fraud"
	"github.com/mbd888/fraudlens/internal/pagination"
)

var (
	ErrNotFound  = errors.New("resultstore: record not found")
	ErrDuplicate = errors.New("resultstore: record already exists")
)

// DefaultListLimit and MaxListLimit bound List.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Store persists score records.
type Store interface {
	// Record saves rec. It returns ErrDuplicate if rec.ID is taken.
	Record(ctx context.Context, rec *fraud.ScoreRecord) error
	Get(ctx context.Context, id string) (*fraud.ScoreRecord, error)
	// List returns up to limit records, most recently scored first.
	List(ctx context.Context, limit int, opts ...ListOption) ([]*fraud.ScoreRecord, error)
	Count(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
}

// ListOption configures optional parameters for list queries.
type ListOption func(*listOpts)

type listOpts struct {
	before *pagination.Cursor
}

func applyListOpts(opts []ListOption) listOpts {
	var o listOpts
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Before restricts a list to records after c in newest-first order.
func Before(c *pagination.Cursor) ListOption {
	return func(o *listOpts) { o.before = c }
}

// NextCursor returns the cursor for the page following recs.
func NextCursor(recs []*fraud.ScoreRecord, limit int) string {
	return pagination.Next(recs, ClampLimit(limit), func(r *fraud.ScoreRecord) (time.Time, string) {
		return r.ScoredAt, r.ID
	})
}

// ClampLimit applies DefaultListLimit and MaxListLimit.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	default:
		return limit
	}
}

// ImportSummary reports what Import did.
type ImportSummary struct {
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
}

// Import records every entry, skipping IDs that already exist.
func Import(ctx context.Context, s Store, recs []*fraud.ScoreRecord) (ImportSummary, error) {
	var sum ImportSummary
	for _, rec := range recs {
		err := s.Record(ctx, rec)
		switch {
		case err == nil:
			sum.Imported++
		case errors.Is(err, ErrDuplicate):
			sum.Skipped++
		default:
			return sum, err
		}
	}
	return sum, nil
}
