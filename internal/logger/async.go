package logger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Closer allows flushing and stopping the async handler.
type Closer interface {
	Close()
}

// nopCloser is a no-op Closer for synchronous mode.
type nopCloser struct{}

func (nopCloser) Close() {}

// queued pairs a record with the handler that must render it, so records
// from WithAttrs/WithGroup derivatives keep their attributes.
type queued struct {
	handler slog.Handler
	rec     slog.Record
}

// asyncQueue is shared by an AsyncHandler and every handler derived from it.
type asyncQueue struct {
	ch      chan queued
	wg      sync.WaitGroup
	mu      sync.RWMutex // guards closed against sends on a closed channel
	closed  bool
	dropped atomic.Int64
}

// AsyncHandler wraps an slog.Handler with a buffered channel and worker pool.
// Records handled after Close are written synchronously.
type AsyncHandler struct {
	inner slog.Handler
	queue *asyncQueue
}

// NewAsyncHandler creates an AsyncHandler with the given channel capacity and worker count.
func NewAsyncHandler(inner slog.Handler, chanSize, workers int) *AsyncHandler {
	h := &AsyncHandler{
		inner: inner,
		queue: &asyncQueue{ch: make(chan queued, chanSize)},
	}
	for range max(workers, 1) {
		h.queue.wg.Add(1)
		go h.queue.drain()
	}
	return h
}

func (q *asyncQueue) drain() {
	defer q.wg.Done()
	for item := range q.ch {
		_ = item.handler.Handle(context.Background(), item.rec)
	}
}

// Enabled delegates to the inner handler.
func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle enqueues the record. Drops if the channel is full.
func (h *AsyncHandler) Handle(ctx context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	h.queue.mu.RLock()
	defer h.queue.mu.RUnlock()
	if h.queue.closed {
		return h.inner.Handle(ctx, rec)
	}
	select {
	case h.queue.ch <- queued{handler: h.inner, rec: rec.Clone()}:
	default:
		h.queue.dropped.Add(1)
	}
	return nil
}

// WithAttrs returns a new AsyncHandler sharing the same queue but wrapping a new inner handler.
func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithAttrs(attrs), queue: h.queue}
}

// WithGroup returns a new AsyncHandler sharing the same queue but wrapping a new inner handler.
func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithGroup(name), queue: h.queue}
}

// DroppedCount returns the number of dropped records.
func (h *AsyncHandler) DroppedCount() int64 {
	return h.queue.dropped.Load()
}

// Close closes the channel and waits for all workers to drain. It is idempotent.
func (h *AsyncHandler) Close() {
	h.queue.mu.Lock()
	if h.queue.closed {
		h.queue.mu.Unlock()
		return
	}
	h.queue.closed = true
	close(h.queue.ch)
	h.queue.mu.Unlock()
	h.queue.wg.Wait()
}
