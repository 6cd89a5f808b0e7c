// Package busworker runs JavaScript message handlers on top of a message
// bus. Handlers live in an ES module; its exports are registered as topic
// subscribers or request/response resources and are invoked inside a
// single JS execution context (QuickJS by default, V8 with -tags v8).
package busworker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/cryguy/busworker/internal/bridge"
	"github.com/cryguy/busworker/internal/engine/amqp"
	"github.com/cryguy/busworker/internal/engine/memory"
)

// EventBus binds a handler module to a messaging engine.
type EventBus struct {
	bridge *bridge.Bridge
}

type options struct {
	logger   zerolog.Logger
	tracer   trace.TracerProvider
	recorder Recorder
	runtime  RuntimeFactory
}

// Option configures an EventBus.
type Option func(*options)

// WithLogger sets the logger for the bus and, where it creates one, its engine.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTracerProvider sets the provider for dispatch spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracer = tp }
}

// WithRecorder records the outcome of every dispatch.
func WithRecorder(r Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithRuntime overrides the JS engine compiled in by default.
func WithRuntime(f RuntimeFactory) Option {
	return func(o *options) { o.runtime = f }
}

func buildOptions(opts []Option) options {
	o := options{logger: zerolog.Nop(), runtime: newRuntime()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New creates an EventBus over eng. The bus owns eng from here on and
// disposes it in Dispose, including when New itself fails.
func New(eng Engine, cfg BridgeConfig, opts ...Option) (*EventBus, error) {
	return newEventBus(eng, cfg, buildOptions(opts))
}

func newEventBus(eng Engine, cfg BridgeConfig, o options) (*EventBus, error) {
	bopts := []bridge.Option{bridge.WithLogger(o.logger)}
	if o.tracer != nil {
		bopts = append(bopts, bridge.WithTracerProvider(o.tracer))
	}
	if o.recorder != nil {
		bopts = append(bopts, bridge.WithRecorder(o.recorder))
	}
	b, err := bridge.New(eng, o.runtime, cfg, bopts...)
	if err != nil {
		if eng != nil {
			_ = eng.Dispose(context.Background())
		}
		return nil, err
	}
	return &EventBus{bridge: b}, nil
}

// NewInMemory creates an EventBus over an in-process engine. Calls go to
// the "rpc" exchange.
func NewInMemory(cfg BridgeConfig, opts ...Option) (*EventBus, error) {
	o := buildOptions(opts)
	return newEventBus(memory.New(memory.WithLogger(o.logger)), cfg, o)
}

// Dial connects to an AMQP broker and creates an EventBus over it.
func Dial(ctx context.Context, broker AMQPConfig, cfg BridgeConfig, opts ...Option) (*EventBus, error) {
	o := buildOptions(opts)
	eng, err := amqp.Dial(ctx, broker, amqp.WithLogger(o.logger))
	if err != nil {
		return nil, err
	}
	return newEventBus(eng, cfg, o)
}

// LoadModule evaluates the handler module source.
func (e *EventBus) LoadModule(ctx context.Context, source string) error {
	return e.bridge.LoadModule(ctx, source)
}

// Subscribe registers the export named export for routingKey on exchange.
func (e *EventBus) Subscribe(ctx context.Context, exchange, routingKey, export string, t Timeouts) (*Registration, error) {
	return e.bridge.Subscribe(ctx, exchange, routingKey, export, t)
}

// ProvideResource registers the export named export as the
// request/response handler for routingKey.
func (e *EventBus) ProvideResource(ctx context.Context, routingKey, export string, t Timeouts) (*Registration, error) {
	return e.bridge.ProvideResource(ctx, routingKey, export, t)
}

// Publish sends msg to exchange with routingKey.
func (e *EventBus) Publish(ctx context.Context, exchange, routingKey string, msg Message, commandTimeout Seconds) error {
	return e.bridge.Publish(ctx, exchange, routingKey, msg, commandTimeout)
}

// Call sends a request and returns the reply body.
func (e *EventBus) Call(ctx context.Context, exchange, routingKey string, msg Message, timeout time.Duration, commandTimeout Seconds) ([]byte, error) {
	return e.bridge.Call(ctx, exchange, routingKey, msg, timeout, commandTimeout)
}

// Registrations returns the live registrations.
func (e *EventBus) Registrations() []*Registration {
	return e.bridge.Registrations()
}

// State reports whether the bus is active, draining or disposed.
func (e *EventBus) State() State {
	return e.bridge.State()
}

// Pending returns the number of dispatches in flight.
func (e *EventBus) Pending() int64 {
	return e.bridge.Pending()
}

// Dispose drains in-flight dispatches, disposes the engine and releases
// every handler. It is idempotent.
func (e *EventBus) Dispose(ctx context.Context) error {
	return e.bridge.Dispose(ctx)
}
