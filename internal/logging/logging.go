// Package logging builds the structured loggers used across fraudlens and
// carries them, with the request ID, through context.Context.
package logging

import (
	"context"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
)

type contextKey int

const (
	requestIDKey contextKey = iota
	loggerKey
)

// Redacted replaces the value of sensitive attributes.
const Redacted = "[redacted]"

// sensitiveKeys are attribute keys whose values never reach the output.
// Connection strings keep their shape with the password masked.
var sensitiveKeys = map[string]bool{
	"password":      true,
	"authorization": true,
	"api_key":       true,
	"token":         true,
}

var dsnKeys = map[string]bool{
	"dsn":          true,
	"database_url": true,
}

// ParseLevel maps a config string onto a slog level. Unknown values mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New creates a logger writing to stdout in "json" or "text" format.
func New(level, format string) *slog.Logger {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, level, format string) *slog.Logger {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:       lvl,
		AddSource:   lvl == slog.LevelDebug,
		ReplaceAttr: redact,
	}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func redact(_ []string, a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	switch {
	case sensitiveKeys[key]:
		return slog.String(a.Key, Redacted)
	case dsnKeys[key]:
		return slog.String(a.Key, RedactURL(a.Value.String()))
	}
	return a
}

// RedactURL masks the password in a URL-shaped connection string. Strings
// that do not parse are replaced entirely.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return Redacted
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// WithRequestID returns a context carrying the request ID.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID returns the request ID carried by ctx, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithLogger returns a context carrying logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// For returns the context's logger, or fallback when the context carries
// none. The request ID, if any, is attached either way.
func For(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	logger := fallback
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		logger = l
	}
	if logger == nil {
		logger = slog.Default()
	}
	if reqID := RequestID(ctx); reqID != "" {
		return logger.With("request_id", reqID)
	}
	return logger
}
