package bridge

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cryguy/busworker/internal/core"
)

// State is the lifecycle state of a bridge.
type State int32

const (
	StateActive State = iota
	StateDraining
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// coordinator admits work while active and drains it on dispose.
// Admission is lock-free: admit counts itself in before checking the state
// and dispose flips the state before reading the count, so every admitted
// operation is seen by the drain.
type coordinator struct {
	state    atomic.Int32
	pending  atomic.Int64
	idle     chan struct{}
	disposed chan struct{}

	// quiesce runs once draining starts, before the drain wait.
	quiesce func(ctx context.Context)
}

func newCoordinator() *coordinator {
	return &coordinator{
		idle:     make(chan struct{}, 1),
		disposed: make(chan struct{}),
	}
}

func (c *coordinator) State() State { return State(c.state.Load()) }

// Pending returns the number of admitted, unresolved operations.
func (c *coordinator) Pending() int64 { return c.pending.Load() }

// admit registers one operation. The returned release must be called
// exactly once when the operation resolves.
func (c *coordinator) admit() (release func(), err error) {
	c.pending.Add(1)
	if st := c.State(); st != StateActive {
		c.done()
		return nil, core.NewTemporary(core.KindUnexpectedResult, "bridge is "+st.String(), "")
	}
	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			c.done()
		}
	}, nil
}

func (c *coordinator) done() {
	if c.pending.Add(-1) == 0 && c.State() != StateActive {
		select {
		case c.idle <- struct{}{}:
		default:
		}
	}
}

// dispose drains admitted operations for at most grace, then runs teardown
// once. Concurrent callers wait for the first; later callers return nil.
func (c *coordinator) dispose(ctx context.Context, grace time.Duration, teardown func(ctx context.Context, drained bool) error) error {
	if !c.state.CompareAndSwap(int32(StateActive), int32(StateDraining)) {
		select {
		case <-c.disposed:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if c.quiesce != nil {
		c.quiesce(ctx)
	}
	drained := c.drain(ctx, grace)
	err := teardown(ctx, drained)
	c.state.Store(int32(StateDisposed))
	close(c.disposed)
	return err
}

func (c *coordinator) drain(ctx context.Context, grace time.Duration) bool {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	for c.pending.Load() > 0 {
		select {
		case <-c.idle:
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
	return true
}
