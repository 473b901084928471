package observability

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys for the dispatch core. Every span a dispatch or
// plan run produces carries the correlation id, so a trace can be joined
// back to the caller-visible request even across the worker boundary.
var (
	AttrWorkerName    = attribute.Key("bridge.worker.name")
	AttrOperation     = attribute.Key("bridge.operation")
	AttrHookKind      = attribute.Key("bridge.hook.kind")
	AttrCacheHit      = attribute.Key("bridge.cache.hit")
	AttrCorrelationID = attribute.Key("bridge.correlation_id")
	AttrDurationMs    = attribute.Key("bridge.duration_ms")
	AttrPlanID        = attribute.Key("bridge.plan.id")
)

// StartSpan opens an internal span under whatever parent ctx carries.
// Safe before Init: the default tracer is a no-op.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// SetSpanError records err and marks the span failed.
func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks the span successful.
func SetSpanOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// InjectHTTPHeaders writes ctx's W3C trace context into h, so a worker
// invoked over HTTP can continue the dispatch trace on its side.
func InjectHTTPHeaders(ctx context.Context, h http.Header) {
	if !Enabled() {
		return
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(h))
}

// GetTraceID returns ctx's current trace id, or "" outside a recording
// span — callers log it alongside the correlation id.
func GetTraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// GetSpanID returns ctx's current span id, or "".
func GetSpanID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.HasSpanID() {
		return ""
	}
	return sc.SpanID().String()
}
