package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cryguy/busworker/internal/core"
	"github.com/cryguy/busworker/internal/eventloop"
)

// eventbusJS defines globalThis.eventbus, the handler module's view of the
// bus. Registration calls return the registration id synchronously and
// throw on failure; publish and rpcClient return promises.
const eventbusJS = `
(function() {
	var calls = {};

	function seconds(o, k) {
		var v = o && o[k];
		return (typeof v === 'number' && isFinite(v) && v >= 0) ? Math.floor(v) : -1;
	}

	function toBytes(body) {
		if (body === undefined || body === null) return new Uint8Array(0);
		if (typeof body === 'string') return new TextEncoder().encode(body);
		if (__bridge.isBytes(body)) return __bridge.asBytes(body);
		if (typeof body === 'object' && __bridge.isBytes(body.body)) return __bridge.asBytes(body.body);
		throw new TypeError('message body must be a string or bytes');
	}

	function register(mode, exchange, routingKey, fn, opts) {
		if (typeof fn !== 'function') throw new TypeError('handler must be a function');
		var id = __eventbus_newid();
		__bridge.bind(id, fn, mode);
		try {
			__eventbus_register(id, mode, String(exchange), String(routingKey),
				seconds(opts, 'processTimeout'), seconds(opts, 'commandTimeout'));
		} catch (e) {
			__bridge.unbind(id);
			throw e;
		}
		return id;
	}

	function start(kind, exchange, routingKey, body, opts) {
		var o = opts || {};
		if (typeof body === 'object' && body !== null && !__bridge.isBytes(body) && body.contentType && !o.contentType) {
			o.contentType = body.contentType;
		}
		var bytes = toBytes(body);
		__bridge.stash('__tmp_pub', bytes);
		var id = __eventbus_start(kind, String(exchange), String(routingKey), JSON.stringify({
			contentType: o.contentType || '',
			contentEncoding: o.contentEncoding || '',
			deliveryMode: o.deliveryMode || 0,
			expiration: (o.expiration === undefined || o.expiration === null) ? '' : String(o.expiration),
			correlationId: o.correlationId || '',
			headers: o.headers || {},
			commandTimeout: seconds(o, 'commandTimeout'),
			timeoutMillis: (typeof o.timeoutMillis === 'number' && o.timeoutMillis > 0) ? Math.floor(o.timeoutMillis) : 0
		}), bytes.length);
		return new Promise(function(resolve, reject) {
			calls[id] = { resolve: resolve, reject: reject };
		});
	}

	globalThis.__callResolve = function(id, hasBody) {
		var c = calls[id];
		delete calls[id];
		var v;
		if (hasBody) {
			var name = '__tmp_call_' + id;
			v = new Uint8Array(globalThis[name]);
			delete globalThis[name];
		}
		if (c) c.resolve(v);
	};

	globalThis.__callReject = function(id, message) {
		var c = calls[id];
		delete calls[id];
		if (c) c.reject(new Error(message));
	};

	globalThis.eventbus = Object.freeze({
		subscribe: function(exchange, routingKey, fn, opts) {
			return register(0, exchange, routingKey, fn, opts);
		},
		provideResource: function(routingKey, fn, opts) {
			return register(1, '', routingKey, fn, opts);
		},
		publish: function(exchange, routingKey, body, opts) {
			return start('publish', exchange, routingKey, body, opts).then(function() {});
		},
		rpcClient: function(exchange, routingKey, body, opts) {
			return start('call', exchange, routingKey, body, opts).then(function(v) {
				return v || new Uint8Array(0);
			});
		},
		DeliveryMode: Object.freeze({ Transient: 1, Persistent: 2 }),
		ContentEncoding: Object.freeze({ Zstd: 'zstd', Lz4: 'lz4', Zlib: 'zlib', Null: '' })
	});
})();
`

// outboundOptions mirrors the options object accepted by eventbus.publish
// and eventbus.rpcClient.
type outboundOptions struct {
	ContentType     string            `json:"contentType"`
	ContentEncoding string            `json:"contentEncoding"`
	DeliveryMode    int               `json:"deliveryMode"`
	Expiration      string            `json:"expiration"`
	CorrelationID   string            `json:"correlationId"`
	Headers         map[string]string `json:"headers"`
	CommandTimeout  int               `json:"commandTimeout"`
	TimeoutMillis   int               `json:"timeoutMillis"`
}

// optionalSeconds maps the JS convention (negative means absent) to Seconds.
func optionalSeconds(n int) core.Seconds {
	if n < 0 {
		return core.NoTimeout
	}
	return core.SecondsOf(uint32(n))
}

// installBinding registers the Go side of the eventbus global. It runs
// inside the context while the realm is built.
func (b *Bridge) installBinding(r *Realm) error {
	if err := r.rt.RegisterFunc("__eventbus_newid", func() string {
		return uuid.NewString()
	}); err != nil {
		return err
	}

	if err := r.rt.RegisterFunc("__eventbus_register", func(id string, mode int, exchange, routingKey string, processSecs, commandSecs int) (int, error) {
		if err := b.registerFromJS(id, core.Mode(mode), exchange, routingKey, core.Timeouts{
			Process: optionalSeconds(processSecs),
			Command: optionalSeconds(commandSecs),
		}); err != nil {
			return 0, err
		}
		return 1, nil
	}); err != nil {
		return err
	}

	if err := r.rt.RegisterFunc("__eventbus_start", func(kind, exchange, routingKey, optsJSON string, size int) (string, error) {
		return b.startOutbound(r, kind, exchange, routingKey, optsJSON, size)
	}); err != nil {
		return err
	}

	return r.rt.Eval(eventbusJS)
}

// registerFromJS handles eventbus.subscribe and eventbus.provideResource.
// The handler is already bound under id.
func (b *Bridge) registerFromJS(id string, mode core.Mode, exchange, routingKey string, t core.Timeouts) error {
	release, err := b.coord.admit()
	if err != nil {
		return err
	}
	defer release()

	if mode != core.ModeSubscribe && mode != core.ModeRequestResponse {
		return fmt.Errorf("unknown mode %d", mode)
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.EnterTimeout)
	defer cancel()
	return b.register(ctx, newRegistration(id, mode, exchange, routingKey, t, b.guard.Capture()))
}

// startOutbound begins a publish or call on its own goroutine and returns
// the id its completion will be delivered under.
func (b *Bridge) startOutbound(r *Realm, kind, exchange, routingKey, optsJSON string, size int) (string, error) {
	var body []byte
	if size > 0 {
		var err error
		if body, err = r.bt.ReadBinaryFromJS("__tmp_pub"); err != nil {
			return "", fmt.Errorf("reading body: %w", err)
		}
	} else {
		_ = r.rt.Eval("delete globalThis.__tmp_pub;")
		body = []byte{}
	}

	var o outboundOptions
	if err := json.Unmarshal([]byte(optsJSON), &o); err != nil {
		return "", fmt.Errorf("decoding options: %w", err)
	}
	msg := core.Message{
		Body:            body,
		ContentType:     o.ContentType,
		ContentEncoding: o.ContentEncoding,
		CorrelationID:   o.CorrelationID,
		Headers:         o.Headers,
		DeliveryMode:    core.DeliveryMode(o.DeliveryMode),
		Expiration:      o.Expiration,
	}
	commandTimeout := optionalSeconds(o.CommandTimeout)

	budget := DefaultCallTimeout
	var run func(ctx context.Context) ([]byte, error)
	switch kind {
	case "publish":
		run = func(ctx context.Context) ([]byte, error) {
			return nil, b.Publish(ctx, exchange, routingKey, msg, commandTimeout)
		}
	case "call":
		timeout := time.Duration(o.TimeoutMillis) * time.Millisecond
		if timeout > budget {
			budget = timeout
		}
		run = func(ctx context.Context) ([]byte, error) {
			out, err := b.Call(ctx, exchange, routingKey, msg, timeout, commandTimeout)
			if err == nil && out == nil {
				out = []byte{}
			}
			return out, err
		}
	default:
		return "", fmt.Errorf("unknown operation %q", kind)
	}

	id := r.el.BeginCall()
	go b.complete(r.el, id, budget+b.cfg.EnterTimeout, run)
	return id, nil
}

func (b *Bridge) complete(el *eventloop.EventLoop, id string, budget time.Duration, run func(ctx context.Context) ([]byte, error)) {
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()
	body, err := run(ctx)
	el.Post(eventloop.Completion{CallID: id, Body: body, Err: err})
}
