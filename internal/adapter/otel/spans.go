package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "phpy"

// StartRequestSpan starts a client span for an engine request.
func StartRequestSpan(ctx context.Context, method string, id int64) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("rpc.system", "jsonrpc"),
			attribute.String("rpc.method", method),
			attribute.Int64("rpc.jsonrpc.request_id", id),
		),
	)
}

// StartIndexSpan starts a span covering one IndexFiles run.
func StartIndexSpan(ctx context.Context, files, concurrency int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "index",
		trace.WithAttributes(
			attribute.Int("index.files", files),
			attribute.Int("index.concurrency", concurrency),
		),
	)
}

// StartTaskSpan starts a span for one pipeline task.
func StartTaskSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "task",
		trace.WithAttributes(attribute.String("task.name", name)),
	)
}

// StartFormatSpan starts a span for a range-formatting round trip.
func StartFormatSpan(ctx context.Context, uri string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "format",
		trace.WithAttributes(attribute.String("document.uri", uri)),
	)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
