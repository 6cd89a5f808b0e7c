package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"golang.org/x/sync/errgroup"

	"github.com/cryguy/busworker/internal/codec"
	"github.com/cryguy/busworker/internal/core"
	"github.com/cryguy/busworker/internal/engine"
	"github.com/cryguy/busworker/internal/engine/memory"
	"github.com/cryguy/busworker/internal/eventloop"
	"github.com/cryguy/busworker/internal/journal"
)

const testModule = `
globalThis.calls = 0;
globalThis.seen = [];

export function onHello(msg) {
	globalThis.calls++;
	globalThis.seen.push(new TextDecoder().decode(msg.body));
}

export function echo(msg) {
	globalThis.echoed = (globalThis.echoed || 0) + 1;
	return new TextEncoder().encode('re:' + new TextDecoder().decode(msg.body));
}

export function wrapped(msg) {
	return { body: msg.body, contentType: 'application/octet-stream' };
}

export function empty() {
	return new Uint8Array(0);
}

export function world() {
	return 'world';
}

export function nothing() {}

export function boom() {
	throw new Error('boom');
}

export async function rejects() {
	throw new TypeError('bad input');
}

export function rejectsString() {
	return Promise.reject('nope');
}

export function never(msg) {
	msg.signal.addEventListener('abort', function() {
		globalThis.aborted = msg.signal.reason.name;
	});
	return new Promise(function() {});
}

export function late() {
	return new Promise(function(resolve) {
		setTimeout(function() {
			globalThis.lateDone = 1;
			resolve(new Uint8Array([1, 2, 3]));
		}, 1500);
	});
}

export function slow() {
	return new Promise(function(resolve) {
		setTimeout(function() { resolve(new Uint8Array([7])); }, 200);
	});
}

export function meta(msg) {
	return new TextEncoder().encode([msg.contentType, msg.exchange, msg.routingKey, msg.headers.k].join('|'));
}

export function chatty(msg) {
	console.warn('handling', msg.routingKey);
}

export const notAFunction = 42;
`

var hostModels = []core.HostModel{core.HostLoop, core.HostLock}

func newTestBridge(t *testing.T, model core.HostModel, cfg core.BridgeConfig, opts ...Option) (*Bridge, *memory.Engine) {
	t.Helper()
	eng := memory.New()
	cfg.HostModel = model
	if cfg.DrainGrace == 0 {
		cfg.DrainGrace = 2 * time.Second
	}
	b, err := New(eng, newTestRuntime, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Dispose(context.Background()) })
	require.NoError(t, b.LoadModule(context.Background(), testModule))
	return b, eng
}

func forEachHost(t *testing.T, fn func(t *testing.T, model core.HostModel)) {
	for _, m := range hostModels {
		t.Run(string(m), func(t *testing.T) { fn(t, m) })
	}
}

func evalString(t *testing.T, b *Bridge, js string) string {
	t.Helper()
	var out string
	require.NoError(t, b.do(context.Background(), b.guard.Capture(), func(r *Realm) error {
		var err error
		out, err = r.Runtime().EvalString(js)
		return err
	}))
	return out
}

func evalInt(t *testing.T, b *Bridge, js string) int {
	t.Helper()
	var out int
	require.NoError(t, b.do(context.Background(), b.guard.Capture(), func(r *Realm) error {
		var err error
		out, err = r.Runtime().EvalInt(js)
		return err
	}))
	return out
}

func resource(t *testing.T, b *Bridge, export string, to core.Timeouts) *Registration {
	t.Helper()
	reg, err := b.ProvideResource(context.Background(), "rk."+export, export, to)
	require.NoError(t, err)
	return reg
}

func msg(body string) core.Message {
	return core.Message{Body: []byte(body), Exchange: memory.DefaultRPCExchange, RoutingKey: "rk"}
}

func TestSubscribeInvokesHandlerOnce(t *testing.T) {
	forEachHost(t, func(t *testing.T, model core.HostModel) {
		b, eng := newTestBridge(t, model, core.BridgeConfig{})
		_, err := b.Subscribe(context.Background(), "events", "greet.*", "onHello", core.Timeouts{})
		require.NoError(t, err)

		require.NoError(t, eng.Publish(context.Background(), "events", "greet.world", core.Message{Body: []byte("hello")}, core.NoTimeout))
		require.Eventually(t, func() bool { return eng.Stats().Acked == 1 }, 3*time.Second, 10*time.Millisecond)

		assert.Equal(t, 1, evalInt(t, b, "globalThis.calls"))
		assert.Equal(t, "hello", evalString(t, b, "globalThis.seen[0]"))
		assert.Empty(t, eng.DeadLetters())
	})
}

func TestResourceRoundTrip(t *testing.T) {
	forEachHost(t, func(t *testing.T, model core.HostModel) {
		b, _ := newTestBridge(t, model, core.BridgeConfig{})
		resource(t, b, "echo", core.Timeouts{})
		resource(t, b, "wrapped", core.Timeouts{})
		resource(t, b, "empty", core.Timeouts{})

		ctx := context.Background()
		out, err := b.Call(ctx, memory.DefaultRPCExchange, "rk.echo", core.Message{Body: []byte("ping")}, 2*time.Second, core.NoTimeout)
		require.NoError(t, err)
		assert.Equal(t, "re:ping", string(out))

		out, err = b.Call(ctx, memory.DefaultRPCExchange, "rk.wrapped", core.Message{Body: []byte{0, 1, 255}}, 2*time.Second, core.NoTimeout)
		require.NoError(t, err)
		assert.Equal(t, []byte{0, 1, 255}, out)

		out, err = b.Call(ctx, memory.DefaultRPCExchange, "rk.empty", core.Message{}, 2*time.Second, core.NoTimeout)
		require.NoError(t, err)
		assert.Empty(t, out)
	})
}

func TestResourceMustReturnBytes(t *testing.T) {
	forEachHost(t, func(t *testing.T, model core.HostModel) {
		b, _ := newTestBridge(t, model, core.BridgeConfig{})

		for export, got := range map[string]string{"world": "got string", "nothing": "got undefined"} {
			reg := resource(t, b, export, core.Timeouts{})
			out := b.dispatch(context.Background(), reg, msg("hello"))
			require.ErrorIs(t, out.Error(), core.ErrInvalidHandlerOutput, export)
			assert.Equal(t, "handler must return bytes", out.Err.Message)
			assert.Equal(t, got, out.Err.Description)
		}

		body, err := b.Call(context.Background(), memory.DefaultRPCExchange, "rk.world", core.Message{}, 2*time.Second, core.NoTimeout)
		assert.ErrorIs(t, err, core.ErrInvalidHandlerOutput)
		assert.Equal(t, "got string", string(body))
	})
}

func TestSubscribeIgnoresReturnValue(t *testing.T) {
	forEachHost(t, func(t *testing.T, model core.HostModel) {
		b, _ := newTestBridge(t, model, core.BridgeConfig{})
		reg, err := b.Subscribe(context.Background(), "events", "k", "world", core.Timeouts{})
		require.NoError(t, err)

		out := b.dispatch(context.Background(), reg, msg("x"))
		assert.True(t, out.OK())
		assert.Nil(t, out.Output)
	})
}

func TestHandlerFailures(t *testing.T) {
	forEachHost(t, func(t *testing.T, model core.HostModel) {
		b, _ := newTestBridge(t, model, core.BridgeConfig{})
		cases := map[string]string{
			"boom":          "Error: boom",
			"rejects":       "TypeError: bad input",
			"rejectsString": "nope",
		}
		for export, desc := range cases {
			for _, mode := range []core.Mode{core.ModeSubscribe, core.ModeRequestResponse} {
				var reg *Registration
				var err error
				if mode == core.ModeSubscribe {
					reg, err = b.Subscribe(context.Background(), "events", export, export, core.Timeouts{})
				} else {
					reg, err = b.ProvideResource(context.Background(), export, export, core.Timeouts{})
				}
				require.NoError(t, err)

				out := b.dispatch(context.Background(), reg, msg(""))
				require.ErrorIs(t, out.Error(), core.ErrHandlerFailed, "%s/%s", export, mode)
				assert.Equal(t, desc, out.Err.Description)
			}
		}
	})
}

func TestMessageFieldsReachHandler(t *testing.T) {
	forEachHost(t, func(t *testing.T, model core.HostModel) {
		b, _ := newTestBridge(t, model, core.BridgeConfig{})
		reg := resource(t, b, "meta", core.Timeouts{})

		out := b.dispatch(context.Background(), reg, core.Message{
			ContentType: "text/plain",
			Exchange:    "rpc",
			RoutingKey:  "rk.meta",
			Headers:     map[string]string{"k": "v"},
		})
		require.True(t, out.OK(), "%v", out.Err)
		assert.Equal(t, "text/plain|rpc|rk.meta|v", string(out.Output))
	})
}

func TestProcessTimeout(t *testing.T) {
	forEachHost(t, func(t *testing.T, model core.HostModel) {
		b, _ := newTestBridge(t, model, core.BridgeConfig{})
		reg := resource(t, b, "never", core.Timeouts{Process: core.SecondsOf(1)})

		start := time.Now()
		out := b.dispatch(context.Background(), reg, msg("x"))
		elapsed := time.Since(start)

		require.ErrorIs(t, out.Error(), core.ErrTimeout)
		assert.GreaterOrEqual(t, elapsed, time.Second)
		assert.Less(t, elapsed, 2500*time.Millisecond)

		require.Eventually(t, func() bool {
			return evalString(t, b, "String(globalThis.aborted)") == "TimeoutError"
		}, 2*time.Second, 20*time.Millisecond)
	})
}

func TestLateResultIsDiscarded(t *testing.T) {
	forEachHost(t, func(t *testing.T, model core.HostModel) {
		b, _ := newTestBridge(t, model, core.BridgeConfig{})
		reg := resource(t, b, "late", core.Timeouts{Process: core.SecondsOf(1)})

		out := b.dispatch(context.Background(), reg, msg("x"))
		require.ErrorIs(t, out.Error(), core.ErrTimeout)

		require.Eventually(t, func() bool {
			return evalInt(t, b, "globalThis.lateDone || 0") == 1
		}, 3*time.Second, 20*time.Millisecond)

		var awaiting int
		require.NoError(t, b.do(context.Background(), b.guard.Capture(), func(r *Realm) error {
			awaiting = len(r.awaiting)
			return nil
		}))
		assert.Zero(t, awaiting)
		assert.Equal(t, 0, evalInt(t, b, "Object.keys(globalThis).filter(function(k) { return k.indexOf('__tmp_') === 0; }).length"))
	})
}

func TestCancelledDispatchReportsTimeout(t *testing.T) {
	forEachHost(t, func(t *testing.T, model core.HostModel) {
		b, _ := newTestBridge(t, model, core.BridgeConfig{})
		reg := resource(t, b, "never", core.Timeouts{})

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		out := b.dispatch(ctx, reg, msg("x"))
		require.ErrorIs(t, out.Error(), core.ErrTimeout)
		assert.Equal(t, "dispatch cancelled", out.Err.Message)
	})
}

func TestRegistrationErrors(t *testing.T) {
	forEachHost(t, func(t *testing.T, model core.HostModel) {
		b, _ := newTestBridge(t, model, core.BridgeConfig{})

		_, err := b.Subscribe(context.Background(), "events", "k", "missing", core.Timeouts{})
		assert.ErrorIs(t, err, core.ErrUnexpectedResult)
		_, err = b.ProvideResource(context.Background(), "k", "notAFunction", core.Timeouts{})
		assert.ErrorIs(t, err, core.ErrUnexpectedResult)
		assert.Empty(t, b.Registrations())

		err = b.LoadModule(context.Background(), "export function (")
		assert.ErrorIs(t, err, core.ErrUnexpectedResult)
	})
}

func TestEngineRefusalReleasesHandler(t *testing.T) {
	b, eng := newTestBridge(t, core.HostLoop, core.BridgeConfig{})
	require.NoError(t, eng.Dispose(context.Background()))

	_, err := b.Subscribe(context.Background(), "events", "k", "onHello", core.Timeouts{})
	require.ErrorIs(t, err, core.ErrUnexpectedResult)
	assert.Contains(t, err.Error(), "engine disposed")

	var n int
	require.NoError(t, b.do(context.Background(), b.guard.Capture(), func(r *Realm) error {
		n = r.handlerCount()
		return nil
	}))
	assert.Zero(t, n)
}

func TestDispose(t *testing.T) {
	forEachHost(t, func(t *testing.T, model core.HostModel) {
		b, _ := newTestBridge(t, model, core.BridgeConfig{})
		reg := resource(t, b, "echo", core.Timeouts{})

		require.NoError(t, b.Dispose(context.Background()))
		require.NoError(t, b.Dispose(context.Background()))
		assert.Equal(t, StateDisposed, b.State())
		assert.Empty(t, b.Registrations())

		_, err := b.Subscribe(context.Background(), "events", "k", "onHello", core.Timeouts{})
		assert.ErrorIs(t, err, core.ErrUnexpectedResult)

		out := b.dispatch(context.Background(), reg, msg("x"))
		assert.ErrorIs(t, out.Error(), core.ErrUnexpectedResult)
		assert.True(t, core.IsTemporary(out.Error()))

		assert.ErrorIs(t, b.Publish(context.Background(), "events", "k", core.Message{}, core.NoTimeout), core.ErrUnexpectedResult)
		assert.ErrorIs(t, b.LoadModule(context.Background(), testModule), core.ErrUnexpectedResult)
	})
}

func TestDisposeDrainsInFlight(t *testing.T) {
	forEachHost(t, func(t *testing.T, model core.HostModel) {
		b, _ := newTestBridge(t, model, core.BridgeConfig{})
		reg := resource(t, b, "slow", core.Timeouts{})

		result := make(chan core.Outcome, 1)
		go func() { result <- b.dispatch(context.Background(), reg, msg("x")) }()
		require.Eventually(t, func() bool { return b.Pending() > 0 }, time.Second, time.Millisecond)

		require.NoError(t, b.Dispose(context.Background()))
		out := <-result
		require.True(t, out.OK(), "%v", out.Err)
		assert.Equal(t, []byte{7}, out.Output)
	})
}

func TestDisposeAbandonsAfterGrace(t *testing.T) {
	forEachHost(t, func(t *testing.T, model core.HostModel) {
		b, _ := newTestBridge(t, model, core.BridgeConfig{DrainGrace: 100 * time.Millisecond})
		reg := resource(t, b, "never", core.Timeouts{})

		result := make(chan core.Outcome, 1)
		go func() { result <- b.dispatch(context.Background(), reg, msg("x")) }()
		require.Eventually(t, func() bool { return b.Pending() > 0 }, time.Second, time.Millisecond)

		start := time.Now()
		require.NoError(t, b.Dispose(context.Background()))
		assert.Less(t, time.Since(start), 2*time.Second)

		select {
		case out := <-result:
			assert.ErrorIs(t, out.Error(), core.ErrBridgeUnavailable)
		case <-time.After(2 * time.Second):
			t.Fatal("abandoned dispatch never completed")
		}
	})
}

func TestDecodeBodies(t *testing.T) {
	b, _ := newTestBridge(t, core.HostLoop, core.BridgeConfig{DecodeBodies: true, MaxBodyBytes: 1 << 20})
	reg := resource(t, b, "echo", core.Timeouts{})

	enc, err := codec.Encode(codec.Gzip, []byte("zipped"))
	require.NoError(t, err)
	out := b.dispatch(context.Background(), reg, core.Message{Body: enc, ContentEncoding: codec.Gzip})
	require.True(t, out.OK(), "%v", out.Err)
	assert.Equal(t, "re:zipped", string(out.Output))

	out = b.dispatch(context.Background(), reg, core.Message{Body: []byte("not gzip"), ContentEncoding: codec.Gzip})
	require.ErrorIs(t, out.Error(), core.ErrUnexpectedResult)
	assert.Equal(t, "decode body", out.Err.Message)

	out = b.dispatch(context.Background(), reg, core.Message{Body: make([]byte, 2<<20)})
	require.ErrorIs(t, out.Error(), core.ErrUnexpectedResult)
	assert.Equal(t, "message body too large", out.Err.Message)
}

func TestTokenMismatch(t *testing.T) {
	forEachHost(t, func(t *testing.T, model core.HostModel) {
		b1, _ := newTestBridge(t, model, core.BridgeConfig{})
		b2, _ := newTestBridge(t, model, core.BridgeConfig{})

		ran := false
		err := b1.guard.Enter(context.Background(), b2.guard.Capture(), func(*Realm) { ran = true })
		assert.ErrorIs(t, err, core.ErrBridgeUnavailable)
		err = b1.guard.Enter(context.Background(), Token{}, func(*Realm) { ran = true })
		assert.ErrorIs(t, err, core.ErrBridgeUnavailable)
		assert.False(t, ran)
		assert.NotEqual(t, b1.guard.Capture().ID(), b2.guard.Capture().ID())
	})
}

func TestClosedGuardRefusesEntry(t *testing.T) {
	forEachHost(t, func(t *testing.T, model core.HostModel) {
		b, _ := newTestBridge(t, model, core.BridgeConfig{})
		tok := b.guard.Capture()
		require.NoError(t, b.guard.Close(context.Background()))
		require.NoError(t, b.guard.Close(context.Background()))

		err := b.guard.Enter(context.Background(), tok, func(*Realm) {})
		assert.ErrorIs(t, err, core.ErrBridgeUnavailable)
		assert.True(t, core.IsTemporary(err))
	})
}

func TestDispatchSpansAndJournal(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	j, err := journal.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	b, _ := newTestBridge(t, core.HostLoop, core.BridgeConfig{}, WithTracerProvider(tp), WithRecorder(j))
	ok := resource(t, b, "echo", core.Timeouts{})
	bad := resource(t, b, "boom", core.Timeouts{})

	require.True(t, b.dispatch(context.Background(), ok, msg("a")).OK())
	require.False(t, b.dispatch(context.Background(), bad, msg("b")).OK())

	spans := sr.Ended()
	require.Len(t, spans, 2)
	for _, s := range spans {
		assert.Equal(t, "bridge.dispatch", s.Name())
	}
	var kinds []string
	for _, kv := range spans[1].Attributes() {
		if kv.Key == "bus.error_kind" {
			kinds = append(kinds, kv.Value.AsString())
		}
	}
	assert.Equal(t, []string{"HandlerFailed"}, kinds)

	counts, err := j.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"ok": 1, "HandlerFailed": 1}, counts)

	recent, err := j.Recent(context.Background(), bad.ID, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "Error: boom", recent[0].ErrorDesc)
}

func TestConsoleIsRoutedToLogger(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)
	b, _ := newTestBridge(t, core.HostLock, core.BridgeConfig{}, WithLogger(log))
	reg, err := b.Subscribe(context.Background(), "events", "k", "chatty", core.Timeouts{})
	require.NoError(t, err)

	require.True(t, b.dispatch(context.Background(), reg, core.Message{RoutingKey: "orders.new"}).OK())
	assert.Contains(t, buf.String(), `"message":"handling orders.new"`)
	assert.Contains(t, buf.String(), `"registration":"`+reg.ID+`"`)
	assert.Contains(t, buf.String(), `"level":"warn"`)
}

func TestConcurrentDispatchesRunOncePerMessage(t *testing.T) {
	forEachHost(t, func(t *testing.T, model core.HostModel) {
		b, _ := newTestBridge(t, model, core.BridgeConfig{})
		reg := resource(t, b, "echo", core.Timeouts{Process: core.SecondsOf(10)})

		const n = 300
		var g errgroup.Group
		for i := 0; i < n; i++ {
			g.Go(func() error {
				body := strconv.Itoa(i)
				out := b.dispatch(context.Background(), reg, msg(body))
				if !out.OK() {
					return fmt.Errorf("dispatch %d: %w", i, out.Error())
				}
				if got := string(out.Output); got != "re:"+body {
					return fmt.Errorf("dispatch %d: got %q", i, got)
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())
		assert.Equal(t, n, evalInt(t, b, "globalThis.echoed"))
		assert.Zero(t, b.Pending())
	})
}

func TestSetupInstallsExtraGlobals(t *testing.T) {
	forEachHost(t, func(t *testing.T, model core.HostModel) {
		setup := func(rt core.JSRuntime, _ *eventloop.EventLoop) error {
			return rt.Eval(`globalThis.appName = 'billing';`)
		}
		b, _ := newTestBridge(t, model, core.BridgeConfig{}, WithSetup(setup))
		assert.Equal(t, "billing", evalString(t, b, "globalThis.appName"))
	})
}

func TestPublishInjectsTraceContext(t *testing.T) {
	b, eng := newTestBridge(t, core.HostLoop, core.BridgeConfig{}, WithPropagator(propagation.TraceContext{}))
	got := make(chan core.Message, 1)
	require.NoError(t, eng.Subscribe(context.Background(), "events", "traced", func(_ context.Context, m core.Message) error {
		got <- m
		return nil
	}, core.Timeouts{}))

	tp := sdktrace.NewTracerProvider()
	ctx, span := tp.Tracer("test").Start(context.Background(), "publish")
	defer span.End()
	require.NoError(t, b.Publish(ctx, "events", "traced", core.Message{Body: []byte("x")}, core.NoTimeout))

	select {
	case m := <-got:
		assert.Contains(t, m.Headers["traceparent"], span.SpanContext().TraceID().String())
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

// waitingEngine runs every delivery on its own goroutine and, like a broker
// client, waits for running handlers in Dispose.
type waitingEngine struct {
	mu       sync.Mutex
	handlers map[string]engine.Handler
	wg       sync.WaitGroup
	results  chan error
	onStop   func()
	stops    atomic.Int32
}

func newWaitingEngine() *waitingEngine {
	return &waitingEngine{handlers: map[string]engine.Handler{}, results: make(chan error, 8)}
}

func (e *waitingEngine) Subscribe(_ context.Context, _, routingKey string, h engine.Handler, _ core.Timeouts) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[routingKey] = h
	return nil
}

func (e *waitingEngine) ProvideResource(context.Context, string, engine.ResourceHandler, core.Timeouts) error {
	return errors.New("resources not supported")
}

func (e *waitingEngine) Publish(context.Context, string, string, core.Message, core.Seconds) error {
	return nil
}

func (e *waitingEngine) Call(context.Context, string, string, core.Message, time.Duration, core.Seconds) ([]byte, error) {
	return nil, errors.New("calls not supported")
}

func (e *waitingEngine) StopConsuming(context.Context) error {
	e.stops.Add(1)
	if e.onStop != nil {
		e.onStop()
	}
	return nil
}

func (e *waitingEngine) deliver(routingKey string, m core.Message) {
	e.mu.Lock()
	h := e.handlers[routingKey]
	e.mu.Unlock()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.results <- h(context.Background(), m)
	}()
}

func (e *waitingEngine) Dispose(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestDisposeAbandonsHandlersTheEngineWaitsFor(t *testing.T) {
	forEachHost(t, func(t *testing.T, model core.HostModel) {
		eng := newWaitingEngine()
		b, err := New(eng, newTestRuntime, core.BridgeConfig{HostModel: model, DrainGrace: 200 * time.Millisecond})
		require.NoError(t, err)
		var stateAtStop State
		eng.onStop = func() { stateAtStop = b.State() }

		ctx := context.Background()
		require.NoError(t, b.LoadModule(ctx, testModule))
		_, err = b.Subscribe(ctx, "events", "k", "never", core.Timeouts{})
		require.NoError(t, err)
		eng.deliver("k", core.Message{Body: []byte("x")})
		require.Eventually(t, func() bool { return b.Pending() == 1 }, 2*time.Second, 5*time.Millisecond)

		dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		start := time.Now()
		require.NoError(t, b.Dispose(dctx))
		assert.Less(t, time.Since(start), 2*time.Second)
		assert.Equal(t, StateDisposed, b.State())
		assert.Equal(t, StateDraining, stateAtStop)
		assert.Equal(t, int32(1), eng.stops.Load())

		select {
		case err := <-eng.results:
			assert.ErrorIs(t, err, core.ErrBridgeUnavailable)
		case <-time.After(time.Second):
			t.Fatal("handler did not return")
		}
	})
}
