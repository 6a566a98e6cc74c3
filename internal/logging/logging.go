// Package logging provides structured logging using Go's slog package.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// ContextKey is a type for context keys to avoid collisions.
type ContextKey string

const (
	// TxIDKey is the context key for re-key transaction IDs.
	TxIDKey ContextKey = "tx_id"
)

var (
	// defaultLogger is the global logger instance.
	defaultLogger *slog.Logger
)

func init() {
	// Initialize with a default logger (JSON format, Info level)
	InitLogger(LevelInfo, FormatJSON)
}

// Level represents a log level.
type Level int

const (
	// LevelDebug is for debug messages.
	LevelDebug Level = iota
	// LevelInfo is for informational messages.
	LevelInfo
	// LevelWarn is for warning messages.
	LevelWarn
	// LevelError is for error messages.
	LevelError
)

// Format represents a log output format.
type Format int

const (
	// FormatJSON outputs logs in JSON format.
	FormatJSON Format = iota
	// FormatText outputs logs in human-readable text format.
	FormatText
)

// ParseLevel maps a configuration string to a Level. Unknown values map
// to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// ParseFormat maps a configuration string to a Format.
func ParseFormat(s string) Format {
	if strings.EqualFold(s, "text") {
		return FormatText
	}
	return FormatJSON
}

// InitLogger initializes the global logger with the specified level and
// format, writing to stderr so command output on stdout stays clean.
func InitLogger(level Level, format Format) {
	InitLoggerTo(os.Stderr, level, format)
}

// InitLoggerTo initializes the global logger writing to w.
func InitLoggerTo(w io.Writer, level Level, format Format) {
	defaultLogger = NewLogger(w, level, format)
	slog.SetDefault(defaultLogger)
}

// NewLogger builds a logger without touching the global instance.
func NewLogger(w io.Writer, level Level, format Format) *slog.Logger {
	var slogLevel slog.Level
	switch level {
	case LevelDebug:
		slogLevel = slog.LevelDebug
	case LevelInfo:
		slogLevel = slog.LevelInfo
	case LevelWarn:
		slogLevel = slog.LevelWarn
	case LevelError:
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: slogLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Customize timestamp format
			if a.Key == slog.TimeKey {
				return slog.String(slog.TimeKey, a.Value.Time().Format(time.RFC3339))
			}
			return a
		},
	}

	var handler slog.Handler
	if format == FormatJSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// GetLogger returns the global logger instance.
func GetLogger() *slog.Logger {
	return defaultLogger
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// WithTxID adds a transaction ID to the context.
func WithTxID(ctx context.Context, txID string) context.Context {
	return context.WithValue(ctx, TxIDKey, txID)
}

// GetTxID retrieves the transaction ID from the context.
func GetTxID(ctx context.Context) string {
	if txID, ok := ctx.Value(TxIDKey).(string); ok {
		return txID
	}
	return ""
}

// LoggerFromContext returns a logger with context values attached.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	logger := defaultLogger
	if txID := GetTxID(ctx); txID != "" {
		logger = logger.With("tx_id", txID)
	}
	return logger
}

// Helper functions for common logging patterns

// Debug logs a debug message with optional key-value pairs.
func Debug(msg string, args ...any) {
	defaultLogger.Debug(msg, args...)
}

// Info logs an info message with optional key-value pairs.
func Info(msg string, args ...any) {
	defaultLogger.Info(msg, args...)
}

// Warn logs a warning message with optional key-value pairs.
func Warn(msg string, args ...any) {
	defaultLogger.Warn(msg, args...)
}

// Error logs an error message with optional key-value pairs.
func Error(msg string, args ...any) {
	defaultLogger.Error(msg, args...)
}

// DebugContext logs a debug message with context.
func DebugContext(ctx context.Context, msg string, args ...any) {
	LoggerFromContext(ctx).Debug(msg, args...)
}

// InfoContext logs an info message with context.
func InfoContext(ctx context.Context, msg string, args ...any) {
	LoggerFromContext(ctx).Info(msg, args...)
}

// WarnContext logs a warning message with context.
func WarnContext(ctx context.Context, msg string, args ...any) {
	LoggerFromContext(ctx).Warn(msg, args...)
}

// ErrorContext logs an error message with context.
func ErrorContext(ctx context.Context, msg string, args ...any) {
	LoggerFromContext(ctx).Error(msg, args...)
}

// CodecAttached logs a codec being attached to a database file. Keys are
// only ever identified by fingerprint.
func CodecAttached(logger *slog.Logger, path, backend, fingerprint string, reserved int, args ...any) {
	allArgs := []any{
		"path", path,
		"backend", backend,
		"key_fingerprint", fingerprint,
		"reserved_bytes", reserved,
	}
	allArgs = append(allArgs, args...)
	logger.Info("codec_attached", allArgs...)
}

// PageSizeChanged logs a page geometry change seen by the codec.
func PageSizeChanged(logger *slog.Logger, pageSize, reserved, usable int) {
	logger.Debug("page_size_changed",
		"page_size", pageSize,
		"reserved_bytes", reserved,
		"usable", usable,
	)
}

// RekeyEvent logs a re-key transaction state transition.
func RekeyEvent(ctx context.Context, logger *slog.Logger, event string, args ...any) {
	allArgs := []any{"event", event}
	if txID := GetTxID(ctx); txID != "" {
		allArgs = append(allArgs, "tx_id", txID)
	}
	allArgs = append(allArgs, args...)
	logger.InfoContext(ctx, "rekey", allArgs...)
}

// AuthenticationFailure logs a page that failed MAC verification.
func AuthenticationFailure(logger *slog.Logger, pgno uint32, backend string, args ...any) {
	allArgs := []any{
		"event", "authentication_failure",
		"component", "codec",
		"pgno", pgno,
		"backend", backend,
	}
	allArgs = append(allArgs, args...)
	logger.Warn("security_event", allArgs...)
}

// SecurityEvent logs security-related events. A nil logger means the
// package logger.
func SecurityEvent(logger *slog.Logger, event, component string, args ...any) {
	if logger == nil {
		logger = defaultLogger
	}
	allArgs := []any{
		"event", event,
		"component", component,
	}
	allArgs = append(allArgs, args...)
	logger.Warn("security_event", allArgs...)
}
