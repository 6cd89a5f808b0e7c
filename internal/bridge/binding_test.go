package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryguy/busworker/internal/codec"
	"github.com/cryguy/busworker/internal/core"
	"github.com/cryguy/busworker/internal/engine/memory"
)

const bindingModule = `
globalThis.jsSeen = 0;

globalThis.subId = eventbus.subscribe('events', 'js.*', function(msg) {
	globalThis.jsSeen++;
}, { processTimeout: 5 });

eventbus.provideResource('upper', function(msg) {
	return new TextEncoder().encode(new TextDecoder().decode(msg.body).toUpperCase());
});

eventbus.provideResource('relay', async function(msg) {
	var reply = await eventbus.rpcClient('rpc', 'upper', msg.body, { timeoutMillis: 2000 });
	await eventbus.publish('events', 'relayed', reply, {
		contentType: 'text/plain',
		contentEncoding: eventbus.ContentEncoding.Zstd,
		deliveryMode: eventbus.DeliveryMode.Persistent,
		headers: { origin: 'relay' }
	});
	return reply;
});

eventbus.provideResource('failingCall', async function() {
	try {
		await eventbus.rpcClient('rpc', 'nobody-home', 'x', { timeoutMillis: 200 });
		return new TextEncoder().encode('unexpected');
	} catch (e) {
		return new TextEncoder().encode('caught');
	}
});

export function registerBad() {
	eventbus.subscribe('events', 'x', 'not a function');
}
`

func newBindingBridge(t *testing.T, model core.HostModel) (*Bridge, *memory.Engine) {
	t.Helper()
	eng := memory.New()
	b, err := New(eng, newTestRuntime, core.BridgeConfig{HostModel: model, DrainGrace: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Dispose(context.Background()) })
	require.NoError(t, b.LoadModule(context.Background(), bindingModule))
	return b, eng
}

func TestJSRegistration(t *testing.T) {
	forEachHost(t, func(t *testing.T, model core.HostModel) {
		b, eng := newBindingBridge(t, model)

		regs := b.Registrations()
		require.Len(t, regs, 4)
		subID := evalString(t, b, "globalThis.subId")
		var sub *Registration
		for _, r := range regs {
			if r.ID == subID {
				sub = r
			}
		}
		require.NotNil(t, sub)
		assert.Equal(t, core.ModeSubscribe, sub.Mode)
		assert.Equal(t, core.Timeouts{Process: core.SecondsOf(5)}, sub.Timeouts)

		require.NoError(t, eng.Publish(context.Background(), "events", "js.one", core.Message{}, core.NoTimeout))
		require.Eventually(t, func() bool { return evalInt(t, b, "globalThis.jsSeen") == 1 }, 3*time.Second, 10*time.Millisecond)

		out, err := b.Call(context.Background(), memory.DefaultRPCExchange, "upper", core.Message{Body: []byte("abc")}, 2*time.Second, core.NoTimeout)
		require.NoError(t, err)
		assert.Equal(t, "ABC", string(out))
	})
}

func TestJSPublishAndCall(t *testing.T) {
	forEachHost(t, func(t *testing.T, model core.HostModel) {
		b, eng := newBindingBridge(t, model)

		relayed := make(chan core.Message, 1)
		require.NoError(t, eng.Subscribe(context.Background(), "events", "relayed", func(_ context.Context, m core.Message) error {
			relayed <- m
			return nil
		}, core.Timeouts{}))

		out, err := b.Call(context.Background(), memory.DefaultRPCExchange, "relay", core.Message{Body: []byte("hey")}, 3*time.Second, core.NoTimeout)
		require.NoError(t, err)
		assert.Equal(t, "HEY", string(out))

		select {
		case m := <-relayed:
			assert.Equal(t, "text/plain", m.ContentType)
			assert.Equal(t, codec.Zstd, m.ContentEncoding)
			assert.Equal(t, core.DeliveryPersistent, m.DeliveryMode)
			assert.Equal(t, "relay", m.Headers["origin"])
			body, err := codec.Decode(m.ContentEncoding, m.Body, 0)
			require.NoError(t, err)
			assert.Equal(t, "HEY", string(body))
		case <-time.After(3 * time.Second):
			t.Fatal("relayed message not published")
		}
	})
}

func TestJSCallFailureRejects(t *testing.T) {
	b, _ := newBindingBridge(t, core.HostLoop)
	out, err := b.Call(context.Background(), memory.DefaultRPCExchange, "failingCall", core.Message{}, 3*time.Second, core.NoTimeout)
	require.NoError(t, err)
	assert.Equal(t, "caught", string(out))
}

func TestJSRegistrationFailureThrows(t *testing.T) {
	b, _ := newBindingBridge(t, core.HostLoop)
	reg, err := b.ProvideResource(context.Background(), "rb", "registerBad", core.Timeouts{})
	require.NoError(t, err)

	out := b.dispatch(context.Background(), reg, core.Message{})
	require.ErrorIs(t, out.Error(), core.ErrHandlerFailed)
	assert.Contains(t, out.Err.Description, "handler must be a function")
}

func TestJSRegistrationAfterDisposeThrows(t *testing.T) {
	b, _ := newBindingBridge(t, core.HostLoop)
	require.NoError(t, b.Dispose(context.Background()))

	err := b.registerFromJS("late", core.ModeSubscribe, "events", "k", core.Timeouts{})
	assert.ErrorIs(t, err, core.ErrUnexpectedResult)
}

func TestOptionalSeconds(t *testing.T) {
	assert.Equal(t, core.NoTimeout, optionalSeconds(-1))
	assert.Equal(t, core.SecondsOf(0), optionalSeconds(0))
	assert.Equal(t, core.SecondsOf(3), optionalSeconds(3))
}
