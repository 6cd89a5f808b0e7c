// Package memory is an in-process engine. Exchanges are topic exchanges,
// every registration gets its own queue served by a pool of workers, and
// request/response calls are answered over per-call reply channels.
package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cryguy/busworker/internal/core"
	"github.com/cryguy/busworker/internal/engine"
)

const (
	// DefaultRPCExchange is where ProvideResource binds its routing key.
	DefaultRPCExchange = "rpc"
	// DefaultWorkers is the pool size of every queue.
	DefaultWorkers = 4
	// DefaultQueueSize bounds the buffered deliveries of every queue.
	DefaultQueueSize = 64
	// DefaultMaxRedeliveries bounds how often a requeued message is retried
	// before it is dead-lettered.
	DefaultMaxRedeliveries = 5
)

// Stats counts deliveries since the engine was created.
type Stats struct {
	Published  int64
	Unroutable int64
	Acked      int64
	Nacked     int64
	Requeued   int64
	Replied    int64
}

// DeadLetter is a message dropped after a failed delivery.
type DeadLetter struct {
	Message     core.Message
	Err         error
	Redelivered int
}

type reply struct {
	body    []byte
	headers map[string]string
}

type delivery struct {
	msg         core.Message
	reply       chan reply
	redelivered int
}

type queue struct {
	exchange string
	pattern  string
	resource bool
	timeouts core.Timeouts
	handle   func(ctx context.Context, d delivery)
	in       chan delivery
}

// Engine is an in-process engine.Engine.
type Engine struct {
	log             zerolog.Logger
	rpcExchange     string
	workers         int
	queueSize       int
	maxRedeliveries int

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	stopped  chan struct{}
	stopOnce sync.Once

	mu       sync.RWMutex
	queues   []*queue
	dead     []DeadLetter
	disposed atomic.Bool
	once     sync.Once

	published, unroutable, acked, nacked, requeued, replied atomic.Int64
}

var _ engine.Engine = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithWorkers sets the worker pool size of every queue.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithQueueSize sets the delivery buffer of every queue.
func WithQueueSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.queueSize = n
		}
	}
}

// WithRPCExchange sets the exchange ProvideResource binds to.
func WithRPCExchange(name string) Option {
	return func(e *Engine) {
		if name != "" {
			e.rpcExchange = name
		}
	}
}

// WithMaxRedeliveries sets how often a requeued message is retried.
func WithMaxRedeliveries(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.maxRedeliveries = n
		}
	}
}

// New creates an engine. Workers run until StopConsuming or Dispose.
func New(opts ...Option) *Engine {
	e := &Engine{
		log:             zerolog.Nop(),
		rpcExchange:     DefaultRPCExchange,
		workers:         DefaultWorkers,
		queueSize:       DefaultQueueSize,
		maxRedeliveries: DefaultMaxRedeliveries,
		stopped:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.group, e.ctx = errgroup.WithContext(e.ctx)
	return e
}

// RPCExchange returns the exchange resources are bound to.
func (e *Engine) RPCExchange() string { return e.rpcExchange }

// Subscribe implements engine.Engine.
func (e *Engine) Subscribe(ctx context.Context, exchange, routingKey string, h engine.Handler, t core.Timeouts) error {
	if h == nil {
		return fmt.Errorf("memory: subscribe %s/%s: nil handler", exchange, routingKey)
	}
	q := &queue{exchange: exchange, pattern: routingKey, timeouts: t}
	q.handle = func(ctx context.Context, d delivery) {
		err := h(ctx, d.msg)
		e.settle(q, d, err)
	}
	return e.bind(q)
}

// ProvideResource implements engine.Engine.
func (e *Engine) ProvideResource(ctx context.Context, routingKey string, h engine.ResourceHandler, t core.Timeouts) error {
	if h == nil {
		return fmt.Errorf("memory: provide %s: nil handler", routingKey)
	}
	q := &queue{exchange: e.rpcExchange, pattern: routingKey, resource: true, timeouts: t}
	q.handle = func(ctx context.Context, d delivery) {
		body, err := h(ctx, d.msg)
		if err != nil && engine.Requeue(err) && d.redelivered < e.maxRedeliveries {
			e.settle(q, d, err)
			return
		}
		var headers map[string]string
		if err != nil {
			body, headers = engine.ErrorReply(err)
			e.nacked.Add(1)
		} else {
			e.acked.Add(1)
		}
		if d.reply == nil {
			return
		}
		select {
		case d.reply <- reply{body: body, headers: headers}:
			e.replied.Add(1)
		default:
		}
	}
	return e.bind(q)
}

func (e *Engine) bind(q *queue) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed.Load() {
		return engine.ErrDisposed
	}
	q.in = make(chan delivery, e.queueSize)
	e.queues = append(e.queues, q)
	for i := 0; i < e.workers; i++ {
		e.group.Go(func() error {
			e.work(q)
			return nil
		})
	}
	e.log.Debug().
		Str("exchange", q.exchange).
		Str("routing_key", q.pattern).
		Bool("resource", q.resource).
		Msg("queue bound")
	return nil
}

func (e *Engine) work(q *queue) {
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.stopped:
			return
		default:
		}
		select {
		case <-e.ctx.Done():
			return
		case <-e.stopped:
			return
		case d := <-q.in:
			e.run(q, d)
		}
	}
}

// StopConsuming implements engine.Engine. Workers exit after their current
// delivery; queued and requeued messages stay queued until Dispose.
func (e *Engine) StopConsuming(context.Context) error {
	e.stopOnce.Do(func() {
		close(e.stopped)
		e.log.Debug().Msg("consumers stopped")
	})
	return nil
}

func (e *Engine) run(q *queue, d delivery) {
	defer func() {
		if r := recover(); r != nil {
			e.settle(q, d, fmt.Errorf("handler panic: %v", r))
		}
	}()
	q.handle(e.ctx, d)
}

// settle acknowledges, requeues or dead-letters d after its handler ran.
func (e *Engine) settle(q *queue, d delivery, err error) {
	if err == nil {
		e.acked.Add(1)
		return
	}
	if engine.Requeue(err) && d.redelivered < e.maxRedeliveries && !e.disposed.Load() {
		d.redelivered++
		select {
		case q.in <- d:
			e.requeued.Add(1)
			return
		default:
		}
	}
	e.nacked.Add(1)
	e.mu.Lock()
	e.dead = append(e.dead, DeadLetter{Message: d.msg, Err: err, Redelivered: d.redelivered})
	e.mu.Unlock()
	e.log.Warn().Err(err).
		Str("exchange", d.msg.Exchange).
		Str("routing_key", d.msg.RoutingKey).
		Int("redelivered", d.redelivered).
		Msg("message dead-lettered")
}

// Publish implements engine.Engine. The command timeout bounds how long
// Publish waits for room in full queues.
func (e *Engine) Publish(ctx context.Context, exchange, routingKey string, msg core.Message, commandTimeout core.Seconds) error {
	_, err := e.route(ctx, exchange, routingKey, msg, nil, commandTimeout)
	return err
}

// Call implements engine.Engine.
func (e *Engine) Call(ctx context.Context, exchange, routingKey string, msg core.Message, timeout time.Duration, commandTimeout core.Seconds) ([]byte, error) {
	if msg.CorrelationID == "" {
		msg.CorrelationID = uuid.NewString()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	replies := make(chan reply, 1)
	n, err := e.route(ctx, exchange, routingKey, msg, replies, commandTimeout)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("memory: call %s/%s: no route", exchange, routingKey)
	}
	select {
	case r := <-replies:
		return r.body, engine.ReplyError(r.headers, r.body)
	case <-ctx.Done():
		return nil, fmt.Errorf("memory: call %s/%s: %w", exchange, routingKey, ctx.Err())
	case <-e.ctx.Done():
		return nil, engine.ErrDisposed
	}
}

// route copies msg into every matching queue and returns how many
// queues received it.
func (e *Engine) route(ctx context.Context, exchange, routingKey string, msg core.Message, replies chan reply, commandTimeout core.Seconds) (int, error) {
	if e.disposed.Load() {
		return 0, engine.ErrDisposed
	}
	if d, ok := commandTimeout.Duration(); ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	msg.Exchange = exchange
	msg.RoutingKey = routingKey
	e.published.Add(1)

	e.mu.RLock()
	var targets []*queue
	for _, q := range e.queues {
		if q.exchange == exchange && Match(q.pattern, routingKey) {
			targets = append(targets, q)
		}
	}
	e.mu.RUnlock()

	if len(targets) == 0 {
		e.unroutable.Add(1)
		return 0, nil
	}
	for _, q := range targets {
		d := delivery{msg: msg.Clone(), reply: replies}
		select {
		case q.in <- d:
		case <-ctx.Done():
			return 0, fmt.Errorf("memory: publish %s/%s: %w", exchange, routingKey, ctx.Err())
		case <-e.ctx.Done():
			return 0, engine.ErrDisposed
		}
	}
	return len(targets), nil
}

// Stats returns the delivery counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Published:  e.published.Load(),
		Unroutable: e.unroutable.Load(),
		Acked:      e.acked.Load(),
		Nacked:     e.nacked.Load(),
		Requeued:   e.requeued.Load(),
		Replied:    e.replied.Load(),
	}
}

// DeadLetters returns a copy of the dead-lettered messages.
func (e *Engine) DeadLetters() []DeadLetter {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]DeadLetter(nil), e.dead...)
}

// Dispose stops every worker and waits for in-flight handlers to return.
// Messages still queued are dropped.
func (e *Engine) Dispose(ctx context.Context) error {
	e.once.Do(func() {
		e.mu.Lock()
		e.disposed.Store(true)
		e.mu.Unlock()
		e.cancel()
	})
	done := make(chan error, 1)
	go func() { done <- e.group.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("memory: waiting for workers: %w", ctx.Err())
	}
}
