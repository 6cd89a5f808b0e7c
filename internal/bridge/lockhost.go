package bridge

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cryguy/busworker/internal/core"
)

// LockHost guards a realm with a one-slot interpreter lock. Every Enter
// attaches to the realm, runs the closure that builds the awaitable, pumps
// and detaches again; nothing carries over between entries. A background
// pumper attaches the same way to run timers and deliver completions while
// handlers are suspended.
type LockHost struct {
	id           uint64
	enterTimeout time.Duration
	log          zerolog.Logger
	realm        *Realm

	lock   chan struct{} // holding the slot's value means holding the context
	stop   chan struct{}
	done   chan struct{}
	closed atomic.Bool
	once   sync.Once
}

var _ Guard = (*LockHost)(nil)

// NewLockHost builds the realm on the calling goroutine and starts the pumper.
func NewLockHost(cfg RealmConfig, enterTimeout time.Duration) (*LockHost, error) {
	realm, err := newRealm(cfg)
	if err != nil {
		return nil, err
	}
	h := &LockHost{
		id:           nextGuardID(),
		enterTimeout: enterTimeout,
		log:          cfg.Logger,
		realm:        realm,
		lock:         make(chan struct{}, 1),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	h.lock <- struct{}{}
	go h.pumpLoop()
	return h, nil
}

// Capture implements Guard.
func (h *LockHost) Capture() Token { return Token{guard: h, id: h.id} }

// Enter implements Guard. It returns after fn ran; fn never waits for a
// handler to settle, so the lock is only held for the synchronous part.
func (h *LockHost) Enter(ctx context.Context, tok Token, fn func(*Realm)) error {
	if err := checkToken(h, h.id, tok, h.closed.Load()); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, h.enterTimeout)
	defer cancel()
	if err := h.acquire(ctx); err != nil {
		return err
	}
	defer h.release()

	h.realm.attach()
	defer h.realm.detach()
	h.runTask(fn)
	h.realm.pump()
	return nil
}

func (h *LockHost) acquire(ctx context.Context) error {
	select {
	case <-h.lock:
		if h.realm.Closed() {
			h.release()
			return core.NewTemporary(core.KindBridgeUnavailable, "execution context closed", "")
		}
		return nil
	case <-h.stop:
		return core.NewTemporary(core.KindBridgeUnavailable, "execution context closed", "")
	case <-ctx.Done():
		return core.NewTemporary(core.KindBridgeUnavailable, "execution context busy", ctx.Err().Error())
	}
}

func (h *LockHost) release() { h.lock <- struct{}{} }

func (h *LockHost) runTask(fn func(*Realm)) {
	defer func() {
		if p := recover(); p != nil {
			h.log.Error().Interface("panic", p).Msg("task panicked inside execution context")
		}
	}()
	fn(h.realm)
}

// pumpLoop wakes on timers and completions and pumps under the lock.
func (h *LockHost) pumpLoop() {
	defer close(h.done)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		var wake <-chan time.Time
		timer.Stop()
		// NextDeadline and Wake are safe without the lock.
		if next, ok := h.realm.el.NextDeadline(); ok {
			timer.Reset(time.Until(next))
			wake = timer.C
		}
		select {
		case <-h.realm.el.Wake():
		case <-wake:
		case <-h.stop:
			return
		}
		if err := h.acquire(context.Background()); err != nil {
			return
		}
		h.realm.attach()
		h.realm.pump()
		h.realm.detach()
		h.release()
	}
}

// Close implements Guard. It waits for the current holder, then tears the
// realm down while holding the lock for good.
func (h *LockHost) Close(ctx context.Context) error {
	var err error
	h.once.Do(func() {
		h.closed.Store(true)
		close(h.stop)
		select {
		case <-h.lock:
			h.realm.teardown()
			h.release()
		case <-ctx.Done():
			err = ctx.Err()
			go func() {
				<-h.lock
				h.realm.teardown()
				h.release()
			}()
		}
	})
	if err != nil {
		return err
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
