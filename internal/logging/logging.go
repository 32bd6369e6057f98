// Package logging provides structured logging for the settlement workers
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/robfig/cron/v3"
)

type contextKey string

const (
	requestIDKey contextKey = "requestId"
	tradeIDKey   contextKey = "tradeId"
	loggerKey    contextKey = "logger"
)

// New creates a structured logger writing to stdout
func New(level string, format string) *slog.Logger {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter creates a structured logger writing to w
func NewWithWriter(w io.Writer, level string, format string) *slog.Logger {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// ParseLevel maps a LOG_LEVEL value to a slog level, defaulting to info
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID extracts the request ID from context
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// WithTradeID tags the context with the trade being worked on
func WithTradeID(ctx context.Context, tradeID string) context.Context {
	return context.WithValue(ctx, tradeIDKey, tradeID)
}

// TradeID extracts the trade ID from context
func TradeID(ctx context.Context) string {
	if id, ok := ctx.Value(tradeIDKey).(string); ok {
		return id
	}
	return ""
}

// WithLogger adds a logger to the context
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext extracts the logger from context, or returns the default
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// L returns the context logger with request and trade IDs attached
func L(ctx context.Context) *slog.Logger {
	logger := FromContext(ctx)
	if reqID := RequestID(ctx); reqID != "" {
		logger = logger.With("requestId", reqID)
	}
	if tradeID := TradeID(ctx); tradeID != "" {
		logger = logger.With("tradeId", tradeID)
	}
	return logger
}

// CronLogger adapts logger to the interface robfig/cron logs through.
// Cron's routine scheduling chatter goes to debug.
func CronLogger(logger *slog.Logger) cron.Logger {
	return cronLogger{logger: logger}
}

type cronLogger struct {
	logger *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.logger.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.logger.Error("cron: "+msg, append(keysAndValues, "error", fmt.Sprint(err))...)
}
