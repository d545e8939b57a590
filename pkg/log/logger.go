// Package log provides structured logging utilities for powgate services.
// It wraps the standard library's slog package with additional convenience methods.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

type ctxKey int

const sessionIDKey ctxKey = iota

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a new logger writing to stdout
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter creates a new logger writing to w
func NewWithWriter(w io.Writer, service, version, level, format string) *Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level:     ParseLevel(level),
		AddSource: ParseLevel(level) == slog.LevelDebug,
	}

	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	baseLogger := slog.New(handler).With(
		"service", service,
		"version", version,
	)

	return &Logger{
		Logger:  baseLogger,
		service: service,
		version: version,
	}
}

// Nop returns a logger that discards everything. Handy in tests.
func Nop() *Logger {
	return NewWithWriter(io.Discard, "nop", "", "error", "text")
}

// ParseLevel maps a level name to a slog level, defaulting to info
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// ContextWithSessionID stores a session ID for later WithContext calls
func ContextWithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// WithContext returns a logger with fields carried by ctx
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if id, ok := ctx.Value(sessionIDKey).(string); ok {
		return l.WithSession(id)
	}
	return l
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithSession returns a logger tagged with a session ID
func (l *Logger) WithSession(sessionID string) *Logger {
	return l.WithFields("session_id", sessionID)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// LogDuration logs the duration of an operation
func (l *Logger) LogDuration(operation string, d time.Duration) {
	l.Info("operation completed",
		"operation", operation,
		"duration_ns", d.Nanoseconds(),
		"duration_ms", float64(d.Nanoseconds())/1e6,
	)
}

// LogConnection logs connection events
func (l *Logger) LogConnection(event, remoteAddr string) {
	l.Info("connection event",
		"event", event,
		"remote_addr", remoteAddr,
	)
}

// LogChallenge logs an issued or received challenge (debug level)
func (l *Logger) LogChallenge(direction string, difficulty uint8) {
	l.Debug("challenge",
		"direction", direction,
		"difficulty", difficulty,
	)
}

// LogVerdict logs the outcome of a solution check
func (l *Logger) LogVerdict(verdict string, difficulty uint8, elapsed time.Duration) {
	l.Info("verdict",
		"verdict", verdict,
		"difficulty", difficulty,
		"elapsed_ms", float64(elapsed.Nanoseconds())/1e6,
	)
}

// LogSolve logs a finished client-side search
func (l *Logger) LogSolve(difficulty uint8, hashes uint64, elapsed time.Duration) {
	rate := 0.0
	if elapsed > 0 {
		rate = float64(hashes) / elapsed.Seconds()
	}
	l.Info("challenge solved",
		"difficulty", difficulty,
		"hashes", hashes,
		"duration_ms", float64(elapsed.Nanoseconds())/1e6,
		"hashes_per_sec", rate,
	)
}
