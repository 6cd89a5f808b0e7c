// Package bridge lets engine workers drive JavaScript handlers. It owns the
// handler registrations, enters the runtime through a Guard, turns handler
// settlements into outcomes, bounds them with timeouts and drains them on
// dispose.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/cryguy/busworker/internal/codec"
	"github.com/cryguy/busworker/internal/core"
	"github.com/cryguy/busworker/internal/engine"
	"github.com/cryguy/busworker/internal/webapi"
)

// DefaultCallTimeout bounds request/response calls that set no timeout.
const DefaultCallTimeout = 30 * time.Second

// Bridge connects one engine to one JavaScript execution context.
type Bridge struct {
	cfg        core.BridgeConfig
	eng        engine.Engine
	guard      Guard
	log        zerolog.Logger
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	recorder   Recorder
	setup      []webapi.SetupFunc
	coord      *coordinator
	regs       *registry
	inflight   sync.Map // dispatch id -> *dispatch
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger. Handler console output goes here too.
func WithLogger(l zerolog.Logger) Option {
	return func(b *Bridge) { b.log = l }
}

// WithTracerProvider sets where dispatch spans are sent. The global
// provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(b *Bridge) { b.tracer = tp.Tracer(instrumentationName) }
}

// WithPropagator sets how trace context travels in message headers. The
// global propagator is used otherwise.
func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(b *Bridge) { b.propagator = p }
}

// WithRecorder journals every finished dispatch.
func WithRecorder(r Recorder) Option {
	return func(b *Bridge) { b.recorder = r }
}

// WithSetup installs extra globals into the runtime after the defaults.
func WithSetup(fns ...webapi.SetupFunc) Option {
	return func(b *Bridge) { b.setup = append(b.setup, fns...) }
}

// New creates the execution context and its guard. factory is called on
// the goroutine that will own the runtime.
func New(eng engine.Engine, factory core.RuntimeFactory, cfg core.BridgeConfig, opts ...Option) (*Bridge, error) {
	if eng == nil {
		return nil, errors.New("bridge: nil engine")
	}
	if factory == nil {
		return nil, errors.New("bridge: nil runtime factory")
	}
	b := &Bridge{
		cfg:        cfg.WithDefaults(),
		eng:        eng,
		log:        zerolog.Nop(),
		tracer:     otel.Tracer(instrumentationName),
		propagator: otel.GetTextMapPropagator(),
		coord:      newCoordinator(),
		regs:       newRegistry(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.coord.quiesce = b.stopConsuming

	rc := RealmConfig{
		Factory:       factory,
		MemoryLimitMB: b.cfg.MemoryLimitMB,
		Setup:         append(webapi.Defaults(b.log), b.setup...),
		Init:          b.installBinding,
		Logger:        b.log,
	}
	var err error
	switch b.cfg.HostModel {
	case core.HostLoop:
		b.guard, err = NewLoopHost(rc, b.cfg.QueueSize, b.cfg.EnterTimeout)
	case core.HostLock:
		b.guard, err = NewLockHost(rc, b.cfg.EnterTimeout)
	default:
		err = fmt.Errorf("unknown host model %q", b.cfg.HostModel)
	}
	if err != nil {
		return nil, fmt.Errorf("bridge: %w", err)
	}
	b.log.Info().Str("host_model", string(b.cfg.HostModel)).Msg("bridge ready")
	return b, nil
}

// State returns the lifecycle state.
func (b *Bridge) State() State { return b.coord.State() }

// Pending returns the number of admitted, unresolved operations.
func (b *Bridge) Pending() int64 { return b.coord.Pending() }

// Registrations returns the live registrations ordered by id.
func (b *Bridge) Registrations() []*Registration { return b.regs.list() }

// LoadModule evaluates a handler module. Its exports become available to
// Subscribe and ProvideResource, and its top-level code may register
// handlers itself through the eventbus global.
func (b *Bridge) LoadModule(ctx context.Context, source string) error {
	release, err := b.coord.admit()
	if err != nil {
		return err
	}
	defer release()

	code, err := webapi.WrapESModule(source)
	if err != nil {
		return core.NewError(core.KindUnexpectedResult, "loading handler module", err.Error())
	}
	return b.do(ctx, b.guard.Capture(), func(r *Realm) error {
		if err := r.rt.Eval(code); err != nil {
			return core.NewError(core.KindHandlerFailed, "evaluating handler module", err.Error())
		}
		return nil
	})
}

// Subscribe registers the module export named export as the handler for
// routingKey on exchange.
func (b *Bridge) Subscribe(ctx context.Context, exchange, routingKey, export string, t core.Timeouts) (*Registration, error) {
	return b.registerExport(ctx, core.ModeSubscribe, exchange, routingKey, export, t)
}

// ProvideResource registers the module export named export as the
// request/response handler for routingKey.
func (b *Bridge) ProvideResource(ctx context.Context, routingKey, export string, t core.Timeouts) (*Registration, error) {
	return b.registerExport(ctx, core.ModeRequestResponse, "", routingKey, export, t)
}

func (b *Bridge) registerExport(ctx context.Context, mode core.Mode, exchange, routingKey, export string, t core.Timeouts) (*Registration, error) {
	release, err := b.coord.admit()
	if err != nil {
		return nil, err
	}
	defer release()

	reg := newRegistration("", mode, exchange, routingKey, t, b.guard.Capture())
	if err := b.do(ctx, reg.token, func(r *Realm) error {
		return r.bindExport(reg.ID, export, reg.Mode)
	}); err != nil {
		return nil, core.AsError(err, core.KindUnexpectedResult, "binding handler")
	}
	if err := b.register(ctx, reg); err != nil {
		_ = b.do(ctx, reg.token, func(r *Realm) error { r.unbind(reg.ID); return nil })
		return nil, err
	}
	return reg, nil
}

// register hands reg to the engine. The timeouts are forwarded unchanged.
func (b *Bridge) register(ctx context.Context, reg *Registration) error {
	var err error
	switch reg.Mode {
	case core.ModeSubscribe:
		err = b.eng.Subscribe(ctx, reg.Exchange, reg.RoutingKey, func(ctx context.Context, msg core.Message) error {
			return b.dispatch(ctx, reg, msg).Error()
		}, reg.Timeouts)
	case core.ModeRequestResponse:
		err = b.eng.ProvideResource(ctx, reg.RoutingKey, func(ctx context.Context, msg core.Message) ([]byte, error) {
			out := b.dispatch(ctx, reg, msg)
			return out.Output, out.Error()
		}, reg.Timeouts)
	default:
		err = fmt.Errorf("unknown mode %d", reg.Mode)
	}
	if err != nil {
		return core.AsError(err, core.KindUnexpectedResult, "engine refused registration")
	}
	b.regs.add(reg)
	b.log.Info().
		Str("registration", reg.ID).
		Str("mode", reg.Mode.String()).
		Str("exchange", reg.Exchange).
		Str("routing_key", reg.RoutingKey).
		Stringer("process_timeout", reg.Timeouts.Process).
		Stringer("command_timeout", reg.Timeouts.Command).
		Msg("handler registered")
	return nil
}

// Publish encodes msg according to its content encoding and publishes it.
func (b *Bridge) Publish(ctx context.Context, exchange, routingKey string, msg core.Message, commandTimeout core.Seconds) error {
	if b.State() == StateDisposed {
		return core.NewError(core.KindUnexpectedResult, "bridge is disposed", "")
	}
	msg, err := encodeOutbound(msg)
	if err != nil {
		return err
	}
	b.inject(ctx, &msg)
	if err := b.eng.Publish(ctx, exchange, routingKey, msg, commandTimeout); err != nil {
		return core.AsError(err, core.KindUnexpectedResult, "publish failed")
	}
	return nil
}

// Call performs a request/response call and returns the reply body.
func (b *Bridge) Call(ctx context.Context, exchange, routingKey string, msg core.Message, timeout time.Duration, commandTimeout core.Seconds) ([]byte, error) {
	if b.State() == StateDisposed {
		return nil, core.NewError(core.KindUnexpectedResult, "bridge is disposed", "")
	}
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	msg, err := encodeOutbound(msg)
	if err != nil {
		return nil, err
	}
	b.inject(ctx, &msg)
	body, err := b.eng.Call(ctx, exchange, routingKey, msg, timeout, commandTimeout)
	if err != nil {
		return body, core.AsError(err, core.KindUnexpectedResult, "call failed")
	}
	return body, nil
}

func encodeOutbound(msg core.Message) (core.Message, error) {
	if codec.IsIdentity(msg.ContentEncoding) {
		return msg, nil
	}
	body, err := codec.Encode(msg.ContentEncoding, msg.Body)
	if err != nil {
		return msg, core.NewError(core.KindUnexpectedResult, "encode body", err.Error())
	}
	msg.Body = body
	return msg, nil
}

// Dispose stops admitting work and stops the engine's consumers, drains
// in-flight dispatches for at most the configured grace period, fails the
// ones still outstanding, disposes the engine, releases every handler and
// closes the execution context. Calling it again returns nil.
func (b *Bridge) Dispose(ctx context.Context) error {
	return b.coord.dispose(ctx, b.cfg.DrainGrace, b.teardown)
}

// stopConsuming asks the engine to stop delivering once draining starts,
// so refused deliveries are not redelivered for the whole grace period.
func (b *Bridge) stopConsuming(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.DrainGrace)
	defer cancel()
	if err := b.eng.StopConsuming(ctx); err != nil {
		b.log.Warn().Err(err).Msg("stopping consumers")
	}
}

func (b *Bridge) teardown(ctx context.Context, drained bool) error {
	if !drained {
		n := b.abandonInFlight()
		b.log.Warn().Int("abandoned", n).Msg("drain grace elapsed, abandoning dispatches")
	}

	var engErr error
	if err := b.eng.Dispose(ctx); err != nil {
		engErr = core.NewError(core.KindUnexpectedResult, "disposing engine", err.Error())
	}

	if err := b.do(ctx, b.guard.Capture(), func(r *Realm) error {
		r.releaseAll()
		return nil
	}); err != nil {
		b.log.Warn().Err(err).Msg("releasing handlers")
	}
	released := b.regs.clear()

	if err := b.guard.Close(ctx); err != nil {
		b.log.Warn().Err(err).Msg("closing execution context")
	}
	b.log.Info().Int("registrations", released).Bool("drained", drained).Msg("bridge disposed")
	return engErr
}

// abandonInFlight fails every dispatch still waiting for its handler so
// engine workers blocked on them return before the engine is disposed.
func (b *Bridge) abandonInFlight() int {
	n := 0
	b.inflight.Range(func(_, v any) bool {
		if v.(*dispatch).report(core.Failure(core.KindBridgeUnavailable, "bridge disposed",
			"drain grace elapsed before the handler settled")) {
			n++
		}
		return true
	})
	return n
}

// do runs fn inside the context named by tok and waits for it to return.
// It must not be called from inside the context.
func (b *Bridge) do(ctx context.Context, tok Token, fn func(*Realm) error) error {
	errc := make(chan error, 1)
	if err := b.guard.Enter(ctx, tok, func(r *Realm) {
		if r.Closed() {
			errc <- core.NewError(core.KindBridgeUnavailable, "execution context closed", "")
			return
		}
		errc <- fn(r)
	}); err != nil {
		return err
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return core.NewError(core.KindBridgeUnavailable, "waiting for execution context", ctx.Err().Error())
	}
}
