// Package log provides context-scoped structured logging on top of slog.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

// loggerKey is the context key for storing the logger.
const loggerKey contextKey = "logger"

// Level aliases so callers do not need to import slog.
const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

const redacted = "[REDACTED]"

var (
	defaultLogger *slog.Logger //nolint:gochecknoglobals // guarded by defaultMu
	defaultMu     sync.RWMutex //nolint:gochecknoglobals // guards defaultLogger
)

// safeKeys contain sensitive-looking words but never carry secrets.
var safeKeys = map[string]struct{}{ //nolint:gochecknoglobals // read-only table
	"key_id":         {},
	"keys":           {},
	"total_keys":     {},
	"cache_key":      {},
	"renewal_path":   {},
	"renewal_in":     {},
	"has_renewal":    {},
	"token_expiry":   {},
	"token_valid":    {},
	"auth_url":       {},
	"renewal_method": {},
}

// sensitiveWords mark a key for redaction when contained in it.
var sensitiveWords = []string{ //nolint:gochecknoglobals // read-only table
	"secret", "password", "token", "key", "auth", "credential",
	"bearer", "renewal", "ciphertext", "seed", "authorization",
}

// InitializeLogger installs the process-wide JSON logger writing to stdout.
func InitializeLogger(debugLogging bool) {
	level := LevelInfo
	if debugLogging {
		level = LevelDebug
	}

	SetDefault(NewLogger(os.Stdout, level))
}

// NewLogger builds a JSON logger that redacts sensitive attributes.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, attr slog.Attr) slog.Attr {
			if IsSensitiveKey(attr.Key) {
				return slog.String(attr.Key, redacted)
			}

			return attr
		},
	}))
}

// SetDefault replaces the fallback logger used when the context has none.
func SetDefault(logger *slog.Logger) {
	defaultMu.Lock()
	defaultLogger = logger
	defaultMu.Unlock()
}

// WithLogger adds a logger to the context.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// WithValues returns a context whose logger carries additional key-value pairs.
func WithValues(ctx context.Context, keysAndValues ...any) context.Context {
	return WithLogger(ctx, fromContext(ctx).With(keysAndValues...))
}

// WithName returns a context whose logger is nested under name.
func WithName(ctx context.Context, name string) context.Context {
	return WithLogger(ctx, fromContext(ctx).WithGroup(name))
}

func fromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}

	defaultMu.RLock()
	logger := defaultLogger
	defaultMu.RUnlock()

	if logger == nil {
		return slog.Default()
	}

	return logger
}

// Log logs msg at level.
func Log(ctx context.Context, level slog.Level, msg string, keysAndValues ...any) {
	fromContext(ctx).Log(ctx, level, msg, keysAndValues...)
}

// Info logs an info message with key-value pairs.
func Info(ctx context.Context, msg string, keysAndValues ...any) {
	fromContext(ctx).InfoContext(ctx, msg, keysAndValues...)
}

// Error logs err with key-value pairs.
func Error(ctx context.Context, err error, msg string, keysAndValues ...any) {
	fromContext(ctx).ErrorContext(ctx, msg, append([]any{"error", err}, keysAndValues...)...)
}

// Debug logs a debug message with key-value pairs.
func Debug(ctx context.Context, msg string, keysAndValues ...any) {
	fromContext(ctx).DebugContext(ctx, msg, keysAndValues...)
}

// Warn logs a warning message with key-value pairs.
func Warn(ctx context.Context, msg string, keysAndValues ...any) {
	fromContext(ctx).WarnContext(ctx, msg, keysAndValues...)
}

// IsSensitiveKey reports whether a log attribute must be redacted.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)

	if _, ok := safeKeys[lower]; ok {
		return false
	}

	for _, word := range sensitiveWords {
		if strings.Contains(lower, word) {
			return true
		}
	}

	return false
}
