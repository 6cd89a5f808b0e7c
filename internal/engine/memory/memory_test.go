package memory

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryguy/busworker/internal/core"
	"github.com/cryguy/busworker/internal/engine"
)

func newEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e := New(opts...)
	t.Cleanup(func() { _ = e.Dispose(context.Background()) })
	return e
}

func TestSubscribeReceivesMatchingMessages(t *testing.T) {
	e := newEngine(t)
	got := make(chan core.Message, 4)
	require.NoError(t, e.Subscribe(context.Background(), "events", "orders.*", func(_ context.Context, m core.Message) error {
		got <- m
		return nil
	}, core.Timeouts{}))

	ctx := context.Background()
	require.NoError(t, e.Publish(ctx, "events", "orders.created", core.Message{Body: []byte("hello")}, core.NoTimeout))
	require.NoError(t, e.Publish(ctx, "events", "users.created", core.Message{Body: []byte("skip")}, core.NoTimeout))
	require.NoError(t, e.Publish(ctx, "other", "orders.created", core.Message{Body: []byte("skip")}, core.NoTimeout))

	select {
	case m := <-got:
		assert.Equal(t, "hello", string(m.Body))
		assert.Equal(t, "events", m.Exchange)
		assert.Equal(t, "orders.created", m.RoutingKey)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
	require.Eventually(t, func() bool { return e.Stats().Acked == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(2), e.Stats().Unroutable)
	assert.Empty(t, got)
}

func TestEachSubscriptionGetsItsOwnCopy(t *testing.T) {
	e := newEngine(t)
	var n atomic.Int32
	for i := 0; i < 3; i++ {
		require.NoError(t, e.Subscribe(context.Background(), "events", "#", func(_ context.Context, m core.Message) error {
			m.Body[0] = 'X'
			n.Add(1)
			return nil
		}, core.Timeouts{}))
	}
	body := []byte("hello")
	require.NoError(t, e.Publish(context.Background(), "events", "a.b", core.Message{Body: body}, core.NoTimeout))
	require.Eventually(t, func() bool { return n.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "hello", string(body))
}

func TestFailedHandlerIsDeadLettered(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.Subscribe(context.Background(), "events", "k", func(context.Context, core.Message) error {
		return core.NewError(core.KindHandlerFailed, "", "Error: boom")
	}, core.Timeouts{}))
	require.NoError(t, e.Publish(context.Background(), "events", "k", core.Message{Body: []byte("x")}, core.NoTimeout))

	require.Eventually(t, func() bool { return len(e.DeadLetters()) == 1 }, 2*time.Second, 5*time.Millisecond)
	dl := e.DeadLetters()[0]
	assert.ErrorIs(t, dl.Err, core.ErrHandlerFailed)
	assert.Equal(t, 0, dl.Redelivered)
	assert.Equal(t, int64(1), e.Stats().Nacked)
	assert.Zero(t, e.Stats().Requeued)
}

func TestTemporaryFailureIsRequeued(t *testing.T) {
	e := newEngine(t, WithMaxRedeliveries(2))
	var calls atomic.Int32
	require.NoError(t, e.Subscribe(context.Background(), "events", "k", func(context.Context, core.Message) error {
		if calls.Add(1) == 1 {
			return core.NewTemporary(core.KindUnexpectedResult, "bridge is draining", "")
		}
		return nil
	}, core.Timeouts{}))
	require.NoError(t, e.Publish(context.Background(), "events", "k", core.Message{}, core.NoTimeout))

	require.Eventually(t, func() bool { return e.Stats().Acked == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int64(1), e.Stats().Requeued)
	assert.Empty(t, e.DeadLetters())
}

func TestRedeliveryLimit(t *testing.T) {
	e := newEngine(t, WithMaxRedeliveries(2))
	var calls atomic.Int32
	require.NoError(t, e.Subscribe(context.Background(), "events", "k", func(context.Context, core.Message) error {
		calls.Add(1)
		return core.NewTemporary(core.KindBridgeUnavailable, "busy", "")
	}, core.Timeouts{}))
	require.NoError(t, e.Publish(context.Background(), "events", "k", core.Message{}, core.NoTimeout))

	require.Eventually(t, func() bool { return len(e.DeadLetters()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 2, e.DeadLetters()[0].Redelivered)
}

func TestCallRoundTrip(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.ProvideResource(context.Background(), "echo", func(_ context.Context, m core.Message) ([]byte, error) {
		assert.NotEmpty(t, m.CorrelationID)
		return append([]byte("re: "), m.Body...), nil
	}, core.Timeouts{}))

	body, err := e.Call(context.Background(), e.RPCExchange(), "echo", core.Message{Body: []byte("ping")}, time.Second, core.NoTimeout)
	require.NoError(t, err)
	assert.Equal(t, "re: ping", string(body))
	assert.Equal(t, int64(1), e.Stats().Replied)
}

func TestCallCarriesHandlerError(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.ProvideResource(context.Background(), "bad", func(context.Context, core.Message) ([]byte, error) {
		return nil, core.NewError(core.KindInvalidHandlerOutput, "handler must return bytes", "got string")
	}, core.Timeouts{}))

	body, err := e.Call(context.Background(), DefaultRPCExchange, "bad", core.Message{}, time.Second, core.NoTimeout)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrInvalidHandlerOutput)
	assert.Equal(t, "got string", string(body))
}

func TestCallTimeout(t *testing.T) {
	e := newEngine(t)
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	require.NoError(t, e.ProvideResource(context.Background(), "slow", func(ctx context.Context, _ core.Message) ([]byte, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil, nil
	}, core.Timeouts{}))

	start := time.Now()
	_, err := e.Call(context.Background(), DefaultRPCExchange, "slow", core.Message{}, 50*time.Millisecond, core.NoTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCallWithoutRoute(t *testing.T) {
	e := newEngine(t)
	_, err := e.Call(context.Background(), DefaultRPCExchange, "nobody", core.Message{}, time.Second, core.NoTimeout)
	assert.ErrorContains(t, err, "no route")
}

func TestPublishBoundedByCommandTimeout(t *testing.T) {
	e := newEngine(t, WithWorkers(1), WithQueueSize(1))
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	require.NoError(t, e.Subscribe(context.Background(), "events", "k", func(ctx context.Context, _ core.Message) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}, core.Timeouts{}))

	// One message occupies the worker, one fills the queue.
	ctx := context.Background()
	require.NoError(t, e.Publish(ctx, "events", "k", core.Message{}, core.NoTimeout))
	require.Eventually(t, func() bool {
		return e.Publish(ctx, "events", "k", core.Message{}, core.SecondsOf(0)) == nil
	}, 2*time.Second, 5*time.Millisecond)

	err := e.Publish(ctx, "events", "k", core.Message{}, core.SecondsOf(0))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDispose(t *testing.T) {
	e := New()
	started := make(chan struct{})
	require.NoError(t, e.Subscribe(context.Background(), "events", "k", func(ctx context.Context, _ core.Message) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, core.Timeouts{}))
	require.NoError(t, e.Publish(context.Background(), "events", "k", core.Message{}, core.NoTimeout))
	<-started

	require.NoError(t, e.Dispose(context.Background()))
	require.NoError(t, e.Dispose(context.Background()))

	assert.ErrorIs(t, e.Publish(context.Background(), "events", "k", core.Message{}, core.NoTimeout), engine.ErrDisposed)
	err := e.Subscribe(context.Background(), "events", "k", func(context.Context, core.Message) error { return nil }, core.Timeouts{})
	assert.True(t, errors.Is(err, engine.ErrDisposed))
}

func TestPanickingHandlerIsNacked(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.Subscribe(context.Background(), "events", "k", func(context.Context, core.Message) error {
		panic("kaboom")
	}, core.Timeouts{}))
	require.NoError(t, e.Publish(context.Background(), "events", "k", core.Message{}, core.NoTimeout))
	require.Eventually(t, func() bool { return e.Stats().Nacked == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.ErrorContains(t, e.DeadLetters()[0].Err, "kaboom")
}

func TestStopConsumingLeavesMessagesQueued(t *testing.T) {
	e := newEngine(t)
	var calls atomic.Int32
	require.NoError(t, e.Subscribe(context.Background(), "events", "k", func(context.Context, core.Message) error {
		calls.Add(1)
		return nil
	}, core.Timeouts{}))

	require.NoError(t, e.StopConsuming(context.Background()))
	require.NoError(t, e.StopConsuming(context.Background()))
	require.NoError(t, e.Publish(context.Background(), "events", "k", core.Message{Body: []byte("x")}, core.NoTimeout))

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, calls.Load())
	assert.Equal(t, int64(1), e.Stats().Published)
	assert.Zero(t, e.Stats().Acked)
}

func TestRefusalAfterStopIsNotRedelivered(t *testing.T) {
	e := newEngine(t, WithWorkers(1))
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	require.NoError(t, e.Subscribe(context.Background(), "events", "k", func(context.Context, core.Message) error {
		if calls.Add(1) == 1 {
			close(started)
			<-release
		}
		return core.NewTemporary(core.KindUnexpectedResult, "bridge is draining", "")
	}, core.Timeouts{}))

	require.NoError(t, e.Publish(context.Background(), "events", "k", core.Message{}, core.NoTimeout))
	<-started
	require.NoError(t, e.StopConsuming(context.Background()))
	close(release)

	require.Eventually(t, func() bool { return e.Stats().Requeued == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, e.DeadLetters())
}
