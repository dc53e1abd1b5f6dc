// Package obstrace provides the OpenTelemetry tracer construction used by
// the Worker, per SPEC_FULL §2 ("Tracing"): spans around Executor.advance
// and the Worker's Store.Claim calls.
package obstrace

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// ServiceName is the resource attribute every durableflow span carries.
const ServiceName = "durableflow"

// NewProvider builds a TracerProvider using exporter (nil installs no
// span processor, so spans are created but never exported — useful for
// tests and for running with tracing wiring present but disabled). The
// returned shutdown func must be called on process exit to flush any
// batched spans.
func NewProvider(exporter sdktrace.SpanExporter) (*sdktrace.TracerProvider, func(context.Context) error, error) {
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", ServiceName),
	))
	if err != nil {
		return nil, nil, err
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return tp, tp.Shutdown, nil
}

// Tracer returns the named tracer off the process-wide provider (or the
// global no-op provider if NewProvider was never called).
func Tracer(name string) oteltrace.Tracer {
	return otel.Tracer(name)
}

// StartSpan is a small convenience wrapper matching the span-per-call
// shape used by the Worker: component is the tracer
// name, operation becomes the span name.
func StartSpan(ctx context.Context, component, operation string, opts ...oteltrace.SpanStartOption) (context.Context, oteltrace.Span) {
	return Tracer(component).Start(ctx, operation, opts...)
}
