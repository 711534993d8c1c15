// Package audit records every mutating provisioning call. Sinks are
// fire-and-forget: a failing sink never fails the call it describes.
package audit

import (
	"context"
	"log/slog"

	"creditpanel/internal/types"
)

// LogSink writes audit events to the structured log.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink. A nil logger falls back to slog.Default().
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "audit")}
}

// Record writes e as a single structured log line.
func (s *LogSink) Record(ctx context.Context, e types.AuditEvent) {
	level := slog.LevelInfo
	switch e.Severity {
	case types.AuditWarning:
		level = slog.LevelWarn
	case types.AuditError:
		level = slog.LevelError
	}
	s.logger.Log(ctx, level, "provisioning call",
		"operation", e.Operation,
		"server_id", e.ServerID,
		"node_id", e.NodeID,
		"status_code", e.StatusCode,
		"pass_id", e.PassID,
		"error", e.Error,
	)
}

// Sink is the contract shared by every audit destination.
type Sink interface {
	Record(ctx context.Context, e types.AuditEvent)
}

// Fanout delivers each event to every sink in order.
type Fanout []Sink

// Record forwards e to every sink in order.
func (f Fanout) Record(ctx context.Context, e types.AuditEvent) {
	for _, s := range f {
		s.Record(ctx, e)
	}
}
