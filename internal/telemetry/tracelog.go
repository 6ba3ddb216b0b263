package telemetry

import (
	"context"
	"log/slog"

	conduit "github.com/knnlabs/Conduit-sub015/internal"
)

// TraceLog writes completed request traces as structured log records.
// It is the default trace sink when no external trace store is wired.
type TraceLog struct {
	logger *slog.Logger
}

// NewTraceLog creates a TraceLog. logger may be nil for the default.
func NewTraceLog(logger *slog.Logger) *TraceLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &TraceLog{logger: logger}
}

// Emit logs one trace. Errors log at warn so they surface in default
// log configurations; successful requests stay at debug.
func (t *TraceLog) Emit(tr *conduit.RequestTrace) {
	level := slog.LevelDebug
	if tr.Status == conduit.TraceError {
		level = slog.LevelWarn
	}
	attrs := []slog.Attr{
		slog.String("operation", string(tr.Operation)),
		slog.String("provider", tr.Provider),
		slog.String("virtual_key", tr.VirtualKey),
		slog.String("status", tr.Status),
		slog.Int64("duration_ms", tr.DurationMs),
	}
	if tr.ErrorKind != "" {
		attrs = append(attrs, slog.String("error_kind", tr.ErrorKind))
	}
	t.logger.LogAttrs(context.Background(), level, "request trace", attrs...)
}
