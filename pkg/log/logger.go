// Package log provides structured logging for tokenforge services.
// It wraps log/slog and adds mining-specific helpers.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/bardlex/tokenforge/pkg/errors"
)

type ctxKey string

// RequestIDKey and SessionIDKey are read by WithContext
const (
	RequestIDKey ctxKey = "request_id"
	SessionIDKey ctxKey = "session_id"
)

// Logger wraps slog.Logger with service context
type Logger struct {
	*slog.Logger
	service string
	version string
}

// ParseLevel maps a config string to a slog level, defaulting to info
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

// New creates a logger writing to stdout
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter creates a logger writing to w
func NewWithWriter(w io.Writer, service, version, level, format string) *Logger {
	logLevel := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{
		Logger:  slog.New(handler).With("service", service, "version", version),
		service: service,
		version: version,
	}
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return NewWithWriter(io.Discard, "nop", "", "error", "text")
}

func (l *Logger) derive(logger *slog.Logger) *Logger {
	return &Logger{Logger: logger, service: l.service, version: l.version}
}

// WithContext adds request and session ids found in ctx
func (l *Logger) WithContext(ctx context.Context) *Logger {
	logger := l.Logger
	if reqID := ctx.Value(RequestIDKey); reqID != nil {
		logger = logger.With("request_id", reqID)
	}
	if sessionID := ctx.Value(SessionIDKey); sessionID != nil {
		logger = logger.With("session_id", sessionID)
	}
	return l.derive(logger)
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return l.derive(l.With(fields...))
}

// WithComponent returns a logger tagged with a component name
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithJob tags a logger with a mining job
func (l *Logger) WithJob(seed string, difficulty int) *Logger {
	return l.WithFields("seed", seed, "difficulty", difficulty)
}

// WithToken tags a logger with the token being mined and the miner's user
func (l *Logger) WithToken(tokenID, userID string) *Logger {
	return l.WithFields("token_id", tokenID, "user_id", userID)
}

// WithError returns a logger with an error field. The context of a
// ServiceError is added as error_context.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	if ctx := errors.GetContext(err); len(ctx) > 0 {
		return l.WithFields("error", err.Error(), "error_context", ctx)
	}
	return l.WithFields("error", err.Error())
}

// LogDuration logs how long an operation took
func (l *Logger) LogDuration(operation string, durationNs int64) {
	l.Info("operation completed",
		"operation", operation,
		"duration_ms", float64(durationNs)/1e6,
	)
}

// LogConnection logs a control connection lifecycle event
func (l *Logger) LogConnection(event, remoteAddr string) {
	l.Info("connection event", "event", event, "remote_addr", remoteAddr)
}

// LogControlMessage logs control protocol traffic at debug level
func (l *Logger) LogControlMessage(direction, message string) {
	l.Debug("control message", "direction", direction, "message", message)
}

// LogProgress logs a hash-rate snapshot at debug level
func (l *Logger) LogProgress(hashes uint64, elapsedMillis int64, hashRate float64, nonce uint64) {
	l.Debug("mining progress",
		"hashes", hashes,
		"elapsed_ms", elapsedMillis,
		"hash_rate", hashRate,
		"nonce", nonce,
	)
}

// LogShareFound logs a solved proof of work
func (l *Logger) LogShareFound(hash string, nonce, hashes uint64, elapsedMillis int64) {
	l.Info("share found",
		"hash", hash,
		"nonce", nonce,
		"hashes", hashes,
		"elapsed_ms", elapsedMillis,
	)
}

// LogShareRecorded logs a share accepted by a store
func (l *Logger) LogShareRecorded(shareID, tokenID string, count, target int64) {
	l.Info("share recorded",
		"share_id", shareID,
		"token_id", tokenID,
		"count", count,
		"target", target,
	)
}

// LogTokenCompleted logs a token reaching its share target
func (l *Logger) LogTokenCompleted(tokenID string, shares int64) {
	l.Info("token completed", "token_id", tokenID, "shares", shares)
}
