// Package observability wires OpenTelemetry tracing through the dispatch
// core: a server span per ingress request, a span per hook dispatch
// (orchestration phases are traced through the dispatches their worker
// calls make; they open no spans of their own), and W3C context
// propagation across the worker HTTP boundary. Everything
// degrades to no-ops when tracing is disabled or Init was never called,
// so neither tests nor library embedders have to set it up.
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Config selects the exporter and sampling for the trace pipeline.
type Config struct {
	Enabled     bool
	Exporter    string  // "otlp-http" (default) or "stdout" (drops spans; for tests)
	Endpoint    string  // collector address for otlp-http, e.g. localhost:4318
	ServiceName string
	SampleRate  float64 // fraction of root traces kept, 1.0 = all
}

type pipeline struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	active   bool
}

// The zero pipeline carries a no-op tracer so StartSpan is callable
// before (or without) Init.
var current = &pipeline{tracer: trace.NewNoopTracerProvider().Tracer("")}

// Init builds the global trace pipeline. With cfg.Enabled false it
// installs the no-op pipeline and returns nil.
func Init(ctx context.Context, cfg Config) error {
	if !cfg.Enabled {
		current = &pipeline{tracer: trace.NewNoopTracerProvider().Tracer("")}
		return nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceNamespace("hookcore"),
	))
	if err != nil {
		return fmt.Errorf("observability: build resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "", "otlp", "otlp-http":
		exporter, err = otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(cfg.Endpoint),
			otlptracehttp.WithInsecure(),
		)
		if err != nil {
			return fmt.Errorf("observability: build otlp exporter: %w", err)
		}
	case "stdout":
		exporter = discardExporter{}
	default:
		return fmt.Errorf("observability: unknown exporter %q", cfg.Exporter)
	}

	// Honor a caller's sampling decision, sample our own roots by ratio.
	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(clampRate(cfg.SampleRate)))

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	current = &pipeline{
		provider: provider,
		tracer:   provider.Tracer(cfg.ServiceName),
		active:   true,
	}
	return nil
}

func clampRate(rate float64) float64 {
	if rate <= 0 || rate > 1 {
		return 1
	}
	return rate
}

// Shutdown flushes and stops the pipeline; a no-op pipeline shuts down
// instantly.
func Shutdown(ctx context.Context) error {
	if current.provider == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return current.provider.Shutdown(ctx)
}

// Tracer returns the active tracer (no-op until Init enables tracing).
func Tracer() trace.Tracer {
	return current.tracer
}

// Enabled reports whether spans are actually being recorded.
func Enabled() bool {
	return current.active
}

// discardExporter satisfies SpanExporter for the "stdout" test mode
// without writing anywhere.
type discardExporter struct{}

func (discardExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (discardExporter) Shutdown(context.Context) error                             { return nil }
