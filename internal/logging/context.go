package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	runIDKey ctxKey = iota
	stageKey
	approvalIDKey
)

// WithRunID returns a context with the run ID set.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// WithStage returns a context with the stage name set.
func WithStage(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, stageKey, name)
}

// WithApprovalID returns a context with the approval ID set.
func WithApprovalID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, approvalIDKey, id)
}

// RunID extracts the run ID from the context, or "" if absent.
func RunID(ctx context.Context) string {
	v, _ := ctx.Value(runIDKey).(string)
	return v
}

// Stage extracts the stage name from the context, or "" if absent.
func Stage(ctx context.Context) string {
	v, _ := ctx.Value(stageKey).(string)
	return v
}

// ApprovalID extracts the approval ID from the context, or "" if absent.
func ApprovalID(ctx context.Context) string {
	v, _ := ctx.Value(approvalIDKey).(string)
	return v
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if id := RunID(ctx); id != "" {
		logger = logger.With(slog.String("run_id", id))
	}
	if s := Stage(ctx); s != "" {
		logger = logger.With(slog.String("stage", s))
	}
	if id := ApprovalID(ctx); id != "" {
		logger = logger.With(slog.String("approval_id", id))
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := RunID(ctx); v != "" {
		r.AddAttrs(slog.String("run_id", v))
	}
	if v := Stage(ctx); v != "" {
		r.AddAttrs(slog.String("stage", v))
	}
	if v := ApprovalID(ctx); v != "" {
		r.AddAttrs(slog.String("approval_id", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
