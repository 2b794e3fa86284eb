package tracing

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Exporter names accepted by NewProvider.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// ProviderConfig selects where spans go.
type ProviderConfig struct {
	// Exporter is one of none, stdout or otlp. Empty means none.
	Exporter string

	// Endpoint is the OTLP/HTTP collector URL, required for otlp.
	Endpoint string

	ServiceName    string
	ServiceVersion string

	// Writer receives stdout spans. Defaults to os.Stdout.
	Writer io.Writer

	// Global also installs the provider and a W3C trace context
	// propagator as the otel globals.
	Global bool
}

// ShutdownFunc flushes pending spans.
type ShutdownFunc func(context.Context) error

// NewProvider builds a TracerProvider for cfg. With the none exporter it
// returns a no-op provider and a no-op shutdown.
func NewProvider(ctx context.Context, cfg ProviderConfig) (trace.TracerProvider, ShutdownFunc, error) {
	nop := func(context.Context) error { return nil }

	var exporter sdktrace.SpanExporter
	switch strings.ToLower(cfg.Exporter) {
	case "", ExporterNone:
		return noop.NewTracerProvider(), nop, nil

	case ExporterStdout:
		w := cfg.Writer
		if w == nil {
			w = os.Stdout
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, nop, fmt.Errorf("tracing: creating stdout exporter: %w", err)
		}
		exporter = exp

	case ExporterOTLP:
		if cfg.Endpoint == "" {
			return nil, nop, fmt.Errorf("tracing: otlp exporter needs an endpoint")
		}
		exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.Endpoint))
		if err != nil {
			return nil, nop, fmt.Errorf("tracing: creating otlp exporter: %w", err)
		}
		exporter = exp

	default:
		return nil, nop, fmt.Errorf("tracing: unknown exporter %q", cfg.Exporter)
	}

	name := cfg.ServiceName
	if name == "" {
		name = DefaultServiceName
	}
	attrs := []attribute.KeyValue{semconv.ServiceName(name)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, nop, fmt.Errorf("tracing: creating resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	if cfg.Global {
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.TraceContext{})
	}

	return tp, tp.Shutdown, nil
}
