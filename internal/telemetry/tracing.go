// Package telemetry configures OpenTelemetry tracing for the pool manager.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/instant-demo/vbrowser-pool/internal/config"
)

// TracerName is the instrumentation name used by the pool manager.
const TracerName = "github.com/instant-demo/vbrowser-pool"

// ShutdownFunc flushes and stops the tracer provider.
type ShutdownFunc func(context.Context) error

// Setup installs the global tracer provider. When tracing is disabled the
// global provider is a no-op and the returned shutdown does nothing.
func Setup(cfg *config.TracingConfig) (ShutdownFunc, error) {
	return SetupWithWriter(cfg, os.Stdout)
}

// SetupWithWriter is Setup with the stdout exporter writing to w.
func SetupWithWriter(cfg *config.TracingConfig, w io.Writer) (ShutdownFunc, error) {
	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	var export sdktrace.TracerProviderOption
	switch cfg.Exporter {
	case "otlp":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exporter, err := otlptracehttp.New(context.Background(), opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
		}
		export = sdktrace.WithBatcher(exporter)
	default:
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		export = sdktrace.WithSyncer(exporter)
	}

	tp := sdktrace.NewTracerProvider(
		export,
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", cfg.ServiceName),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

// Tracer returns the pool manager's tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// PoolAttr tags a span with the pool name.
func PoolAttr(pool string) attribute.KeyValue {
	return attribute.String("vbrowser.pool", pool)
}

// VMAttr tags a span with an instance id.
func VMAttr(id string) attribute.KeyValue {
	return attribute.String("vbrowser.vm_id", id)
}
