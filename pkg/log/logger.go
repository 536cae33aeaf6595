// Package log provides structured logging for gominer.
// It wraps the standard library's slog package with miner specific helpers.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

type ctxKey string

// Context keys picked up by WithContext.
const (
	KeyDevice ctxKey = "device"
	KeyPool   ctxKey = "pool"
)

// Logger wraps slog.Logger with service context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a logger writing to stdout.
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter creates a logger writing to w.
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

// Nop returns a logger that discards everything. Handy in tests.
func Nop() *Logger {
	return NewWithWriter(io.Discard, "test", "test", "error", "text")
}

// ParseLevel maps a level name to a slog level, defaulting to info.
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

func (l *Logger) derive(logger *slog.Logger) *Logger {
	return &Logger{Logger: logger, service: l.service, version: l.version}
}

// WithContext returns a logger carrying device and pool values found in ctx.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	logger := l.Logger
	if v := ctx.Value(KeyDevice); v != nil {
		logger = logger.With("device", v)
	}
	if v := ctx.Value(KeyPool); v != nil {
		logger = logger.With("pool", v)
	}
	return l.derive(logger)
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return l.derive(l.With(fields...))
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithPool tags records with the pool identity.
func (l *Logger) WithPool(uid uint64, name string) *Logger {
	return l.WithFields("pool_uid", uid, "pool", name)
}

// WithDevice tags records with a compute device.
func (l *Logger) WithDevice(index int, name string) *Logger {
	return l.WithFields("device_index", index, "device", name)
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
	l.Debug("operation completed",
		"operation", operation,
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

// LogRPCMessage logs raw JSON-RPC traffic at debug level.
func (l *Logger) LogRPCMessage(direction string, message []byte) {
	if !l.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	l.Debug("rpc message",
		"direction", direction,
		"message", string(message),
	)
}

// LogShareOutcome logs the final state of a submitted share.
func (l *Logger) LogShareOutcome(jobID string, difficulty float64, status string, latency time.Duration) {
	l.Info("share outcome",
		"job_id", jobID,
		"difficulty", difficulty,
		"status", status,
		"latency_ms", float64(latency.Nanoseconds())/1e6,
	)
}

// LogPoolSwitch logs an active pool change.
func (l *Logger) LogPoolSwitch(fromIndex, toIndex int, toName string) {
	l.Info("active pool changed",
		"from_index", fromIndex,
		"to_index", toIndex,
		"to_pool", toName,
	)
}
