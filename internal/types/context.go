package types

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	loggerKey    contextKey = "logger"
	passIDKey    contextKey = "pass_id"
)

// WithRequestID stores the API request ID in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithPassID tags the context with the id of the billing or reconciliation
// pass it belongs to, so provisioning calls and audit events can be
// correlated with the pass that issued them.
func WithPassID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, passIDKey, id)
}

// GetPassID retrieves the pass id, or "" outside a pass.
func GetPassID(ctx context.Context) string {
	id, _ := ctx.Value(passIDKey).(string)
	return id
}

// WithLogger stores a request- or pass-scoped logger in the context.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext returns the scoped logger, falling back to fallback when
// none was stored. A nil fallback yields slog.Default().
func LoggerFromContext(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok && l != nil {
		return l
	}
	if fallback != nil {
		return fallback
	}
	return slog.Default()
}
