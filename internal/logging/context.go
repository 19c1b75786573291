package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	taskIDKey ctxKey = iota
	stepNameKey
	templateKey
)

// WithTaskID returns a context with the task ID set.
func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, taskIDKey, id)
}

// WithStepName returns a context with the step name set.
func WithStepName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, stepNameKey, name)
}

// WithTemplate returns a context with the template name set.
func WithTemplate(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, templateKey, name)
}

// TaskID extracts the task ID from the context, or "" if absent.
func TaskID(ctx context.Context) string {
	v, _ := ctx.Value(taskIDKey).(string)
	return v
}

// StepName extracts the step name from the context, or "" if absent.
func StepName(ctx context.Context) string {
	v, _ := ctx.Value(stepNameKey).(string)
	return v
}

// Template extracts the template name from the context, or "" if absent.
func Template(ctx context.Context) string {
	v, _ := ctx.Value(templateKey).(string)
	return v
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if id := TaskID(ctx); id != "" {
		logger = logger.With(slog.String("task_id", id))
	}
	if name := StepName(ctx); name != "" {
		logger = logger.With(slog.String("step_name", name))
	}
	if name := Template(ctx); name != "" {
		logger = logger.With(slog.String("template", name))
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, injecting correlation IDs
// from the context into every record. Use with
// slog.New(NewCorrelationHandler(inner)) so callers log through
// InfoContext(ctx, ...) and the IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := TaskID(ctx); v != "" {
		r.AddAttrs(slog.String("task_id", v))
	}
	if v := StepName(ctx); v != "" {
		r.AddAttrs(slog.String("step_name", v))
	}
	if v := Template(ctx); v != "" {
		r.AddAttrs(slog.String("template", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
