package logger

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// contextKey is a private type to prevent collisions with other context keys.
type contextKey struct{}

// runIDKey is the context key for the run ID.
var runIDKey = contextKey{}

// NewRunID returns a fresh identifier for one CLI or MCP session.
func NewRunID() string {
	return uuid.NewString()
}

// WithRunID returns a new context with the given run ID stored.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// RunID extracts the run ID from the context.
// Returns an empty string if no run ID is set.
func RunID(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey).(string)
	return id
}

// contextHandler adds the run ID of the record's context as "run_id".
// It must wrap the async handler, which drops the context.
type contextHandler struct {
	inner slog.Handler
}

func (h *contextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *contextHandler) Handle(ctx context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	if id := RunID(ctx); id != "" {
		rec.AddAttrs(slog.String("run_id", id))
	}
	return h.inner.Handle(ctx, rec)
}

func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &contextHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{inner: h.inner.WithGroup(name)}
}
