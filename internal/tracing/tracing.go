// Package tracing builds and registers the OpenTelemetry TracerProvider
// used by internal/job's span instrumentation (A5). It supports two
// exporters, selected by config.TracingConfig.Exporter: "otlp", which
// ships spans to a collector over gRPC, and "stdout", which pretty-prints
// them for local runs.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/google/aggregation-service-worker/internal/config"
)

// Shutdown flushes and releases the TracerProvider registered by Setup.
type Shutdown func(context.Context) error

// noopShutdown satisfies Shutdown when tracing is disabled.
func noopShutdown(context.Context) error { return nil }

// Setup configures the global OpenTelemetry TracerProvider from cfg and
// registers it with otel.SetTracerProvider, so that every otel.Tracer(...)
// call taken afterward (internal/job's package-level tracer included)
// produces real spans. The caller must invoke the returned Shutdown before
// process exit to flush pending spans.
func Setup(ctx context.Context, serviceName string, cfg config.TracingConfig) (Shutdown, error) {
	if !cfg.Enabled {
		otel.SetTracerProvider(trace.NewNoopTracerProvider())
		return noopShutdown, nil
	}

	exp, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing: build exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
		resource.WithFromEnv(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "", "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp":
		if cfg.OTLPAddr == "" {
			return nil, fmt.Errorf("tracing: otlp exporter requires an address")
		}
		return otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPAddr),
			otlptracegrpc.WithInsecure(),
		)
	default:
		return nil, fmt.Errorf("tracing: unknown exporter %q", cfg.Exporter)
	}
}
