// Package telemetry wires up OpenTelemetry tracing for the fleet collector.
// Unlike the per-host CLI, the collector is a long-running network service
// whose gRPC ingestion and REST query paths benefit from request tracing;
// a stdout exporter keeps the reference deployment dependency-free while
// still exercising the same SDK a production OTLP collector would use.
package telemetry

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// NewTracerProvider builds a TracerProvider that batches spans to an
// stdouttrace exporter writing to w, tagged with serviceName. It registers
// the provider as the global otel.TracerProvider and returns it so the
// caller can Shutdown it on exit.
func NewTracerProvider(serviceName string, w io.Writer) (*sdktrace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create stdout exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: merge resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}

// Tracer returns the named tracer from the global TracerProvider. Call sites
// use this instead of holding onto a *sdktrace.TracerProvider reference.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// StartSpan is a small convenience wrapper kept for call sites that do not
// need more than a name and a deferred End().
func StartSpan(ctx context.Context, tracerName, spanName string) (context.Context, trace.Span) {
	return Tracer(tracerName).Start(ctx, spanName)
}
