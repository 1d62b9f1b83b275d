package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "phpy"

// Metrics holds all phpy metric instruments. A nil *Metrics records nothing.
type Metrics struct {
	Requests        metric.Int64Counter
	RequestErrors   metric.Int64Counter
	RequestDuration metric.Float64Histogram
	Notifications   metric.Int64Counter
	TasksCompleted  metric.Int64Counter
	TasksFailed     metric.Int64Counter
	TaskDuration    metric.Float64Histogram
	Diagnostics     metric.Int64Counter
	CacheHits       metric.Int64Counter
	CacheMisses     metric.Int64Counter
}

// NewMetrics creates all metric instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.Requests, err = meter.Int64Counter("phpy.rpc.requests",
		metric.WithDescription("Number of requests sent to the engine"))
	if err != nil {
		return nil, err
	}

	m.RequestErrors, err = meter.Int64Counter("phpy.rpc.request_errors",
		metric.WithDescription("Number of engine requests that failed"))
	if err != nil {
		return nil, err
	}

	m.RequestDuration, err = meter.Float64Histogram("phpy.rpc.request.duration_seconds",
		metric.WithDescription("Engine request round-trip time in seconds"))
	if err != nil {
		return nil, err
	}

	m.Notifications, err = meter.Int64Counter("phpy.rpc.notifications",
		metric.WithDescription("Number of notifications received from the engine"))
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("phpy.tasks.completed",
		metric.WithDescription("Number of pipeline tasks that succeeded"))
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("phpy.tasks.failed",
		metric.WithDescription("Number of pipeline tasks that failed"))
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("phpy.task.duration_seconds",
		metric.WithDescription("Pipeline task duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.Diagnostics, err = meter.Int64Counter("phpy.diagnostics.published",
		metric.WithDescription("Number of diagnostics pushed by the engine"))
	if err != nil {
		return nil, err
	}

	m.CacheHits, err = meter.Int64Counter("phpy.cache.hits",
		metric.WithDescription("Source cache hits"))
	if err != nil {
		return nil, err
	}

	m.CacheMisses, err = meter.Int64Counter("phpy.cache.misses",
		metric.WithDescription("Source cache misses"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordRequest records one engine request.
func (m *Metrics) RecordRequest(ctx context.Context, method string, d time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("rpc.method", method))
	m.Requests.Add(ctx, 1, attrs)
	m.RequestDuration.Record(ctx, d.Seconds(), attrs)
	if err != nil {
		m.RequestErrors.Add(ctx, 1, attrs)
	}
}

// RecordNotification records one inbound notification.
func (m *Metrics) RecordNotification(ctx context.Context, method string) {
	if m == nil {
		return
	}
	m.Notifications.Add(ctx, 1, metric.WithAttributes(attribute.String("rpc.method", method)))
}

// RecordTask records one settled pipeline task.
func (m *Metrics) RecordTask(ctx context.Context, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.TaskDuration.Record(ctx, d.Seconds())
	if err != nil {
		m.TasksFailed.Add(ctx, 1)
		return
	}
	m.TasksCompleted.Add(ctx, 1)
}

// RecordDiagnostics records the size of one publishDiagnostics batch.
func (m *Metrics) RecordDiagnostics(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Diagnostics.Add(ctx, int64(n))
}

// RecordCache records a source cache lookup.
func (m *Metrics) RecordCache(ctx context.Context, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHits.Add(ctx, 1)
		return
	}
	m.CacheMisses.Add(ctx, 1)
}
