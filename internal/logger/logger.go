// Package logger provides structured logging using log/slog.
// It sets up a JSON handler with service-level context and carries a tick ID
// through context.Context so every line of one scheduler tick can be joined.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type ctxKey string

const tickIDKey ctxKey = "tick_id"

// Init creates a JSON logger on stdout for the given service and installs it
// as the slog default.
func Init(service string, level slog.Level) *slog.Logger {
	logger := New(os.Stdout, service, level)
	slog.SetDefault(logger)
	return logger
}

// New creates a JSON logger writing to w with the service name embedded.
func New(w io.Writer, service string, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(handler).With(
		slog.String("service", service),
	)
}

// ParseLevel maps debug/info/warn/error (case-insensitive) to a slog.Level.
// An empty string means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// WithTickID stores a tick ID in the context for downstream propagation.
func WithTickID(ctx context.Context, tickID string) context.Context {
	return context.WithValue(ctx, tickIDKey, tickID)
}

// TickID extracts the tick ID from context. Returns "" if not set.
func TickID(ctx context.Context) string {
	if v, ok := ctx.Value(tickIDKey).(string); ok {
		return v
	}
	return ""
}

// GenerateTickID names one scheduler tick.
// Format: "{exchange}-{interval}s-{unixSec}".
func GenerateTickID(exchange string, interval int, t time.Time) string {
	return exchange + "-" + strconv.Itoa(interval) + "s-" + strconv.FormatInt(t.Unix(), 10)
}

// LogWithTick returns slog attributes including the tick ID from context.
// Usage: log.Info("msg", logger.LogWithTick(ctx)...)
func LogWithTick(ctx context.Context) []any {
	tid := TickID(ctx)
	if tid == "" {
		return nil
	}
	return []any{slog.String("tick_id", tid)}
}
