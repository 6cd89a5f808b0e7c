// Package tracing sets up OpenTelemetry tracing for the process.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config enables span export.
type Config struct {
	Enabled  bool    `mapstructure:"enabled"`
	Endpoint string  `mapstructure:"endpoint"` // OTLP/HTTP URL
	Sampling float64 `mapstructure:"sampling"` // fraction of traces kept, 0 means all
}

// Setup initialises tracing for serviceName.
//
// Tracing is opt-in: when cfg is disabled or has no endpoint, Setup returns
// a no-op shutdown function and no global provider is registered. The
// trace-context propagator is registered either way so trace ids still flow
// through message headers.
//
// The returned shutdown function flushes pending spans and should be deferred
// by the caller.
func Setup(ctx context.Context, serviceName string, cfg Config) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }
	otel.SetTextMapPropagator(propagation.TraceContext{})

	if !cfg.Enabled || cfg.Endpoint == "" {
		return noop, nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpointURL(cfg.Endpoint),
	)
	if err != nil {
		return noop, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return noop, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.Sampling)),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

func sampler(fraction float64) sdktrace.Sampler {
	if fraction <= 0 || fraction >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(fraction))
}
