package busworker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const handlers = `
export function upper(msg) {
	return new TextEncoder().encode(new TextDecoder().decode(msg.body).toUpperCase());
}

export function record(msg) {
	globalThis.last = new TextDecoder().decode(msg.body);
}

export function lastSeen() {
	return new TextEncoder().encode(globalThis.last || '');
}

export function fail() {
	throw new Error('refused');
}

export function hang() {
	return new Promise(function() {});
}
`

type memRecorder struct {
	mu   sync.Mutex
	recs []DispatchRecord
}

func (r *memRecorder) Record(_ context.Context, rec DispatchRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return nil
}

func (r *memRecorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.recs)
}

func newBus(t *testing.T, opts ...Option) *EventBus {
	t.Helper()
	cfg := DefaultBridgeConfig()
	cfg.DrainGrace = time.Second
	bus, err := NewInMemory(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Dispose(context.Background()) })
	require.NoError(t, bus.LoadModule(context.Background(), handlers))
	return bus
}

func TestCallResource(t *testing.T) {
	rec := &memRecorder{}
	bus := newBus(t, WithRecorder(rec))
	ctx := context.Background()

	reg, err := bus.ProvideResource(ctx, "text.upper", "upper", Timeouts{Process: SecondsOf(2)})
	require.NoError(t, err)
	assert.Equal(t, "text.upper", reg.RoutingKey)

	out, err := bus.Call(ctx, "rpc", "text.upper", Message{Body: []byte("shout")}, 2*time.Second, NoTimeout)
	require.NoError(t, err)
	assert.Equal(t, "SHOUT", string(out))
	assert.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, 10*time.Millisecond)
}

func TestCallErrors(t *testing.T) {
	bus := newBus(t)
	ctx := context.Background()

	_, err := bus.ProvideResource(ctx, "fail", "fail", Timeouts{})
	require.NoError(t, err)
	_, err = bus.ProvideResource(ctx, "hang", "hang", Timeouts{Process: SecondsOf(1)})
	require.NoError(t, err)

	_, err = bus.Call(ctx, "rpc", "fail", Message{}, 2*time.Second, NoTimeout)
	assert.ErrorIs(t, err, ErrHandlerFailed)

	_, err = bus.Call(ctx, "rpc", "hang", Message{}, 3*time.Second, NoTimeout)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestSubscribeAndPublish(t *testing.T) {
	bus := newBus(t)
	ctx := context.Background()

	_, err := bus.Subscribe(ctx, "events", "note.*", "record", Timeouts{})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, "events", "note.created", Message{Body: []byte("hi")}, NoTimeout))

	_, err = bus.ProvideResource(ctx, "last", "lastSeen", Timeouts{})
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		out, err := bus.Call(ctx, "rpc", "last", Message{}, time.Second, NoTimeout)
		return err == nil && string(out) == "hi"
	}, 3*time.Second, 20*time.Millisecond)
	assert.Len(t, bus.Registrations(), 2)
}

func TestUnknownExport(t *testing.T) {
	bus := newBus(t)
	_, err := bus.ProvideResource(context.Background(), "missing", "missing", Timeouts{})
	assert.ErrorIs(t, err, ErrUnexpectedResult)
	assert.Empty(t, bus.Registrations())
}

func TestDispose(t *testing.T) {
	bus := newBus(t)
	ctx := context.Background()
	_, err := bus.ProvideResource(ctx, "text.upper", "upper", Timeouts{})
	require.NoError(t, err)

	require.NoError(t, bus.Dispose(ctx))
	assert.Equal(t, StateDisposed, bus.State())
	assert.Empty(t, bus.Registrations())
	require.NoError(t, bus.Dispose(ctx))

	_, err = bus.Subscribe(ctx, "events", "x", "record", Timeouts{})
	assert.ErrorIs(t, err, ErrUnexpectedResult)
	_, err = bus.Call(ctx, "rpc", "text.upper", Message{}, time.Second, NoTimeout)
	assert.ErrorIs(t, err, ErrUnexpectedResult)
}

func TestNewRejectsUnknownHostModel(t *testing.T) {
	cfg := DefaultBridgeConfig()
	cfg.HostModel = "fiber"
	_, err := NewInMemory(cfg)
	assert.Error(t, err)
}

func TestLockHost(t *testing.T) {
	cfg := DefaultBridgeConfig()
	cfg.HostModel = HostLock
	bus, err := NewInMemory(cfg)
	require.NoError(t, err)
	defer bus.Dispose(context.Background())

	ctx := context.Background()
	require.NoError(t, bus.LoadModule(ctx, handlers))
	_, err = bus.ProvideResource(ctx, "up", "upper", Timeouts{})
	require.NoError(t, err)
	out, err := bus.Call(ctx, "rpc", "up", Message{Body: []byte("a")}, 2*time.Second, NoTimeout)
	require.NoError(t, err)
	assert.Equal(t, "A", string(out))
}
