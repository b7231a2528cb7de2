// Package pagination encodes keyset cursors for lists ordered newest first
// by (timestamp, id).
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned by Decode for anything it did not produce.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor marks the last item of a page.
type Cursor struct {
	At time.Time
	ID string
}

// Encode returns an opaque cursor for the item at (at, id).
func Encode(at time.Time, id string) string {
	raw := strconv.FormatInt(at.UnixNano(), 10) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses a cursor. Empty input yields nil.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{At: time.Unix(0, n).UTC(), ID: id}, nil
}

// Admits reports whether the item at (at, id) comes after c in newest-first
// order. A nil cursor admits everything.
func (c *Cursor) Admits(at time.Time, id string) bool {
	if c == nil {
		return true
	}
	if at.Equal(c.At) {
		return id < c.ID
	}
	return at.Before(c.At)
}

// Next returns the cursor for the page after items, or "" when items is
// shorter than limit. A full final page yields a cursor to an empty page.
func Next[T any](items []T, limit int, key func(T) (time.Time, string)) string {
	if limit <= 0 || len(items) < limit {
		return ""
	}
	at, id := key(items[len(items)-1])
	return Encode(at, id)
}
