package bridge

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cryguy/busworker/internal/core"
)

// LoopHost runs a realm on a dedicated goroutine locked to one OS thread.
// Callers post closures onto a bounded queue; acceptance into the queue is
// the scheduling acknowledgement Enter waits for. Between closures the loop
// pumps microtasks, timers and settlements.
type LoopHost struct {
	id           uint64
	enterTimeout time.Duration
	log          zerolog.Logger

	tasks  chan func(*Realm)
	quit   chan struct{} // closed when Close starts: refuses new entries
	stop   chan struct{} // closed once no sender can still be in flight
	done   chan struct{} // closed when the loop goroutine exits
	mu     sync.RWMutex  // held for reading by senders, for writing by Close
	closed atomic.Bool
	once   sync.Once
}

var _ Guard = (*LoopHost)(nil)

// NewLoopHost starts the loop and builds its realm on the loop goroutine.
func NewLoopHost(cfg RealmConfig, queueSize int, enterTimeout time.Duration) (*LoopHost, error) {
	h := &LoopHost{
		id:           nextGuardID(),
		enterTimeout: enterTimeout,
		log:          cfg.Logger,
		tasks:        make(chan func(*Realm), queueSize),
		quit:         make(chan struct{}),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	ready := make(chan error, 1)
	go h.run(cfg, ready)
	if err := <-ready; err != nil {
		return nil, err
	}
	return h, nil
}

// Capture implements Guard.
func (h *LoopHost) Capture() Token { return Token{guard: h, id: h.id} }

// Enter implements Guard. It waits at most for ctx and the enter timeout
// for a free queue slot.
func (h *LoopHost) Enter(ctx context.Context, tok Token, fn func(*Realm)) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if err := checkToken(h, h.id, tok, h.closed.Load()); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, h.enterTimeout)
	defer cancel()
	select {
	case h.tasks <- fn:
		return nil
	case <-h.quit:
		return core.NewTemporary(core.KindBridgeUnavailable, "execution context closed", "")
	case <-ctx.Done():
		return core.NewTemporary(core.KindBridgeUnavailable, "execution context busy", ctx.Err().Error())
	}
}

// Close implements Guard.
func (h *LoopHost) Close(ctx context.Context) error {
	h.once.Do(func() {
		h.closed.Store(true)
		close(h.quit)
		h.mu.Lock()
		close(h.stop)
		h.mu.Unlock()
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *LoopHost) run(cfg RealmConfig, ready chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(h.done)

	realm, err := newRealm(cfg)
	ready <- err
	if err != nil {
		return
	}
	// The loop goroutine is the context; it stays attached for its lifetime.
	realm.attach()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		var wake <-chan time.Time
		timer.Stop()
		if next, ok := realm.el.NextDeadline(); ok {
			timer.Reset(time.Until(next))
			wake = timer.C
		}

		select {
		case fn := <-h.tasks:
			h.runTask(realm, fn)
			h.drainQueued(realm)
		case <-realm.el.Wake():
		case <-wake:
		case <-h.stop:
			h.drainQueued(realm)
			realm.pump()
			realm.teardown()
			return
		}
		realm.pump()
	}
}

// drainQueued runs closures already waiting in the queue without blocking.
func (h *LoopHost) drainQueued(realm *Realm) {
	for {
		select {
		case fn := <-h.tasks:
			h.runTask(realm, fn)
		default:
			return
		}
	}
}

func (h *LoopHost) runTask(realm *Realm, fn func(*Realm)) {
	defer func() {
		if p := recover(); p != nil {
			h.log.Error().Interface("panic", p).Msg("task panicked inside execution context")
		}
	}()
	fn(realm)
}
