// Package telemetry wires OpenTelemetry tracing for both binaries. No span
// exporter is configured here; the provider exists so trace context flows
// across heartbeats, syncs, and job steps, and deployments that want spans
// exported can attach a processor without touching callers.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/contrib/propagators/b3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
)

// Config identifies the process in emitted spans.
type Config struct {
	ServiceName string
	NodeID      string  // set on agents, empty on the controller
	SampleRatio float64 // 0 or out of range means sample everything
}

// Setup installs the global tracer provider and the W3C+B3 composite
// propagator. The returned shutdown func flushes on exit.
func Setup(cfg Config) (func(context.Context) error, error) {
	if cfg.SampleRatio <= 0 || cfg.SampleRatio > 1 {
		cfg.SampleRatio = 1.0
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceNamespace("fleet"),
	}
	if cfg.NodeID != "" {
		attrs = append(attrs, attribute.String("node.id", cfg.NodeID))
	}
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, attrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(Propagator())
	return tp.Shutdown, nil
}

// Propagator returns the composite used on every HTTP hop: W3C trace
// context plus multi-header B3 for collectors that only speak Zipkin.
func Propagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
		b3.New(b3.WithInjectEncoding(b3.B3MultipleHeader)),
	)
}
