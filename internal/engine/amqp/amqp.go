// Package amqp is the RabbitMQ engine. Subscriptions bind topic exchanges,
// resources bind the configured direct RPC exchange, and calls receive
// their reply through direct reply-to.
package amqp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/cryguy/busworker/internal/core"
	"github.com/cryguy/busworker/internal/engine"
	"github.com/cryguy/busworker/internal/tlsconf"
)

type consumer struct {
	ch  *amqp091.Channel
	tag string
}

// Engine is an engine.Engine backed by one broker connection.
type Engine struct {
	cfg Config
	log zerolog.Logger

	conn *amqp091.Connection

	pubMu sync.Mutex
	pubCh *amqp091.Channel

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	consumers []consumer
	disposed  atomic.Bool
	once      sync.Once
	closeErr  error
	stopOnce  sync.Once
	stopErr   error
}

var _ engine.Engine = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// Dial connects to the broker described by cfg.
func Dial(ctx context.Context, cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{cfg: cfg, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(e)
	}

	var tlsCfg *tls.Config
	if cfg.TLS.Enabled() {
		var err error
		if tlsCfg, err = tlsconf.Load(cfg.TLS); err != nil {
			return nil, fmt.Errorf("amqp: tls: %w", err)
		}
	}
	props := amqp091.NewConnectionProperties()
	if cfg.ConnectionName != "" {
		props.SetClientConnectionName(cfg.ConnectionName)
	}

	type dialed struct {
		conn *amqp091.Connection
		err  error
	}
	res := make(chan dialed, 1)
	go func() {
		conn, err := amqp091.DialConfig(cfg.URI(), amqp091.Config{
			Vhost:           cfg.Vhost,
			Heartbeat:       cfg.Heartbeat,
			TLSClientConfig: tlsCfg,
			Properties:      props,
		})
		res <- dialed{conn, err}
	}()
	var d dialed
	select {
	case d = <-res:
	case <-ctx.Done():
		go func() {
			if d := <-res; d.conn != nil {
				_ = d.conn.Close()
			}
		}()
		return nil, fmt.Errorf("amqp: dial %s: %w", cfg.Redacted(), ctx.Err())
	}
	if d.err != nil {
		return nil, fmt.Errorf("amqp: dial %s: %w", cfg.Redacted(), d.err)
	}
	e.conn = d.conn

	pubCh, err := e.channel(cfg.QoS.PubConfirm, 0)
	if err != nil {
		_ = e.conn.Close()
		return nil, err
	}
	e.pubCh = pubCh
	e.ctx, e.cancel = context.WithCancel(context.Background())

	go e.watch(e.conn.NotifyClose(make(chan *amqp091.Error, 1)))
	e.log.Info().Str("broker", cfg.Redacted()).Msg("connected")
	return e, nil
}

func (e *Engine) watch(closed <-chan *amqp091.Error) {
	if err, ok := <-closed; ok && err != nil && !e.disposed.Load() {
		e.log.Error().Err(err).Msg("broker connection lost")
		e.cancel()
	}
}

// channel opens a channel, optionally in confirm mode with a prefetch.
func (e *Engine) channel(confirm bool, prefetch uint16) (*amqp091.Channel, error) {
	ch, err := e.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqp: open channel: %w", err)
	}
	if confirm {
		if err := ch.Confirm(false); err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("amqp: confirm mode: %w", err)
		}
	}
	if prefetch > 0 {
		if err := ch.Qos(int(prefetch), 0, false); err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("amqp: qos: %w", err)
		}
	}
	return ch, nil
}

// Subscribe implements engine.Engine.
func (e *Engine) Subscribe(ctx context.Context, exchange, routingKey string, h engine.Handler, t core.Timeouts) error {
	if e.disposed.Load() {
		return engine.ErrDisposed
	}
	qos := e.cfg.QoS
	ch, err := e.channel(false, qos.SubPrefetch)
	if err != nil {
		return err
	}
	name := subscriptionQueue(e.cfg.Options.QueueName, exchange, routingKey)
	deliveries, err := e.declareAndConsume(ch, exchange, amqp091.ExchangeTopic, name, routingKey, qos.SubAutoAck)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("amqp: subscribe %s/%s: %w", exchange, routingKey, err)
	}

	e.serve(ch, deliveries, int(qos.SubPrefetch), func(d amqp091.Delivery) {
		err := h(e.ctx, fromDelivery(d))
		if qos.SubAutoAck {
			return
		}
		e.settle(d, err, t.Command)
	})
	return nil
}

// ProvideResource implements engine.Engine.
func (e *Engine) ProvideResource(ctx context.Context, routingKey string, h engine.ResourceHandler, t core.Timeouts) error {
	if e.disposed.Load() {
		return engine.ErrDisposed
	}
	qos := e.cfg.QoS
	ch, err := e.channel(false, qos.RPCServerPrefetch)
	if err != nil {
		return err
	}
	replyCh, err := e.channel(qos.RPCServerConfirm, 0)
	if err != nil {
		_ = ch.Close()
		return err
	}
	exchange := e.cfg.Options.RPCExchange
	deliveries, err := e.declareAndConsume(ch, exchange, amqp091.ExchangeDirect,
		resourceQueue(e.cfg.Options.RPCQueue, routingKey), routingKey, qos.RPCServerAutoAck)
	if err != nil {
		_ = ch.Close()
		_ = replyCh.Close()
		return fmt.Errorf("amqp: provide %s: %w", routingKey, err)
	}

	var replyMu sync.Mutex
	e.serve(ch, deliveries, int(qos.RPCServerPrefetch), func(d amqp091.Delivery) {
		body, err := h(e.ctx, fromDelivery(d))
		if err != nil && engine.Requeue(err) && !qos.RPCServerAutoAck {
			e.settle(d, err, t.Command)
			return
		}
		if d.ReplyTo != "" {
			reply := amqp091.Publishing{CorrelationId: d.CorrelationId, Body: body}
			if err != nil {
				var headers map[string]string
				reply.Body, headers = engine.ErrorReply(err)
				reply.Headers = toTable(headers)
			}
			replyMu.Lock()
			perr := e.publish(e.ctx, replyCh, qos.RPCServerConfirm, "", d.ReplyTo, reply, t.Command)
			replyMu.Unlock()
			if perr != nil {
				e.log.Warn().Err(perr).Str("routing_key", routingKey).Msg("reply not delivered")
			}
		}
		if !qos.RPCServerAutoAck {
			e.settle(d, nil, t.Command)
		}
	})
	e.track(consumer{ch: replyCh})
	return nil
}

func (e *Engine) declareAndConsume(ch *amqp091.Channel, exchange, kind, queue, routingKey string, autoAck bool) (<-chan amqp091.Delivery, error) {
	if exchange != "" {
		if err := ch.ExchangeDeclare(exchange, kind, true, false, false, false, nil); err != nil {
			return nil, fmt.Errorf("declare exchange: %w", err)
		}
	}
	durable := queue != ""
	q, err := ch.QueueDeclare(queue, durable, !durable, !durable, false, nil)
	if err != nil {
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if exchange != "" {
		if err := ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return nil, fmt.Errorf("bind queue: %w", err)
		}
	}
	tag := "busworker-" + uuid.NewString()
	deliveries, err := ch.Consume(q.Name, tag, autoAck, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}
	e.track(consumer{ch: ch, tag: tag})
	return deliveries, nil
}

func (e *Engine) track(c consumer) {
	e.mu.Lock()
	e.consumers = append(e.consumers, c)
	e.mu.Unlock()
}

// serve runs workers over deliveries until the channel closes. The pool
// matches the prefetch so every prefetched delivery can be in flight.
func (e *Engine) serve(ch *amqp091.Channel, deliveries <-chan amqp091.Delivery, workers int, handle func(amqp091.Delivery)) {
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for d := range deliveries {
				e.run(d, handle)
			}
		}()
	}
}

func (e *Engine) run(d amqp091.Delivery, handle func(amqp091.Delivery)) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Interface("panic", r).Str("routing_key", d.RoutingKey).Msg("handler panic")
			_ = d.Nack(false, false)
		}
	}()
	handle(d)
}

// settle acks d on success and nacks it otherwise, requeueing only
// failures where the handler never ran. Command bounds the wait.
func (e *Engine) settle(d amqp091.Delivery, err error, command core.Seconds) {
	op := func() error { return d.Ack(false) }
	if err != nil {
		requeue := engine.Requeue(err)
		op = func() error { return d.Nack(false, requeue) }
		e.log.Debug().Err(err).Bool("requeue", requeue).Str("routing_key", d.RoutingKey).Msg("nack")
	}
	if aerr := bounded(context.Background(), command, op); aerr != nil {
		e.log.Warn().Err(aerr).Str("routing_key", d.RoutingKey).Msg("settling delivery")
	}
}

// bounded runs op and stops waiting for it after the command timeout.
func bounded(ctx context.Context, command core.Seconds, op func() error) error {
	d, ok := command.Duration()
	if !ok {
		return op()
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- op() }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return fmt.Errorf("command timeout %s: %w", command, ctx.Err())
	}
}

// publish sends p and, on a confirming channel, waits for the broker ack
// within the command timeout.
func (e *Engine) publish(ctx context.Context, ch *amqp091.Channel, confirm bool, exchange, key string, p amqp091.Publishing, command core.Seconds) error {
	if d, ok := command.Duration(); ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	if !confirm {
		return ch.PublishWithContext(ctx, exchange, key, false, false, p)
	}
	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, p)
	if err != nil {
		return err
	}
	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("waiting for confirm: %w", err)
	}
	if !acked {
		return errors.New("broker rejected publication")
	}
	return nil
}

// Publish implements engine.Engine.
func (e *Engine) Publish(ctx context.Context, exchange, routingKey string, msg core.Message, commandTimeout core.Seconds) error {
	if e.disposed.Load() {
		return engine.ErrDisposed
	}
	e.pubMu.Lock()
	defer e.pubMu.Unlock()
	if err := e.publish(ctx, e.pubCh, e.cfg.QoS.PubConfirm, exchange, routingKey, toPublishing(msg), commandTimeout); err != nil {
		return fmt.Errorf("amqp: publish %s/%s: %w", exchange, routingKey, err)
	}
	return nil
}

// Call implements engine.Engine. Each call uses its own channel so the
// direct reply-to consumer only sees its own reply.
func (e *Engine) Call(ctx context.Context, exchange, routingKey string, msg core.Message, timeout time.Duration, commandTimeout core.Seconds) ([]byte, error) {
	if e.disposed.Load() {
		return nil, engine.ErrDisposed
	}
	qos := e.cfg.QoS
	ch, err := e.channel(qos.RPCClientConfirm, qos.RPCClientPrefetch)
	if err != nil {
		return nil, err
	}
	defer ch.Close()

	replies, err := ch.Consume(DirectReplyTo, "", true, true, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("amqp: call %s/%s: consume replies: %w", exchange, routingKey, err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	p := toPublishing(msg)
	if p.CorrelationId == "" {
		p.CorrelationId = uuid.NewString()
	}
	p.ReplyTo = DirectReplyTo
	if err := e.publish(ctx, ch, qos.RPCClientConfirm, exchange, routingKey, p, commandTimeout); err != nil {
		return nil, fmt.Errorf("amqp: call %s/%s: %w", exchange, routingKey, err)
	}

	for {
		select {
		case d, ok := <-replies:
			if !ok {
				return nil, fmt.Errorf("amqp: call %s/%s: reply channel closed", exchange, routingKey)
			}
			if d.CorrelationId != p.CorrelationId {
				continue
			}
			return d.Body, engine.ReplyError(fromTable(d.Headers), d.Body)
		case <-ctx.Done():
			return nil, fmt.Errorf("amqp: call %s/%s: %w", exchange, routingKey, ctx.Err())
		case <-e.ctx.Done():
			return nil, engine.ErrDisposed
		}
	}
}

// StopConsuming implements engine.Engine. It cancels every consumer tag so
// the broker stops delivering; received deliveries still run and are
// settled.
func (e *Engine) StopConsuming(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.stopOnce.Do(func() {
			e.mu.Lock()
			consumers := append([]consumer(nil), e.consumers...)
			e.mu.Unlock()

			var errs []error
			cancelled := 0
			for _, c := range consumers {
				if c.tag == "" {
					continue
				}
				cancelled++
				if err := c.ch.Cancel(c.tag, false); err != nil && !errors.Is(err, amqp091.ErrClosed) {
					errs = append(errs, fmt.Errorf("cancel %s: %w", c.tag, err))
				}
			}
			e.stopErr = errors.Join(errs...)
			e.log.Info().Int("consumers", cancelled).Msg("consumers cancelled")
		})
		close(done)
	}()
	select {
	case <-done:
		return e.stopErr
	case <-ctx.Done():
		return fmt.Errorf("amqp: stop consuming: %w", ctx.Err())
	}
}

// Dispose cancels every consumer, stops in-flight handlers waiting on the
// engine context, waits for the workers and closes the connection.
func (e *Engine) Dispose(ctx context.Context) error {
	e.once.Do(func() {
		e.disposed.Store(true)
		var errs []error
		if err := e.StopConsuming(ctx); err != nil {
			errs = append(errs, err)
		}
		e.cancel()

		e.mu.Lock()
		consumers := e.consumers
		e.consumers = nil
		e.mu.Unlock()

		done := make(chan struct{})
		go func() {
			e.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("waiting for handlers: %w", ctx.Err()))
		}

		for _, c := range consumers {
			_ = c.ch.Close()
		}
		_ = e.pubCh.Close()
		if err := e.conn.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
		e.closeErr = errors.Join(errs...)
		e.log.Info().Msg("disconnected")
	})
	return e.closeErr
}
