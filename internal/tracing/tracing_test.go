package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestSetupDisabledIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), "busworker", Config{Enabled: true})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	_, isTraceContext := otel.GetTextMapPropagator().(propagation.TraceContext)
	assert.True(t, isTraceContext)
}

func TestSetupWithEndpoint(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	shutdown, err := Setup(context.Background(), "busworker", Config{
		Enabled:  true,
		Endpoint: "http://127.0.0.1:4318/v1/traces",
	})
	require.NoError(t, err)
	_, isSDK := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	assert.True(t, isSDK)
	// Nothing was exported, so shutdown does not contact the collector.
	require.NoError(t, shutdown(context.Background()))
}

func TestSampler(t *testing.T) {
	assert.Equal(t, sdktrace.AlwaysSample().Description(), sampler(0).Description())
	assert.Equal(t, sdktrace.AlwaysSample().Description(), sampler(1).Description())
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased")
}
