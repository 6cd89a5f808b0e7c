package bridge

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cryguy/busworker/internal/codec"
	"github.com/cryguy/busworker/internal/core"
)

// dispatch is one handler invocation for one message. Its result slot
// accepts exactly one outcome; later reports are dropped.
type dispatch struct {
	id       string
	reg      *Registration
	msg      core.Message
	started  time.Time
	done     chan core.Outcome
	reported atomic.Bool
}

func newDispatch(reg *Registration, msg core.Message) *dispatch {
	return &dispatch{
		id:      uuid.NewString(),
		reg:     reg,
		msg:     msg,
		started: time.Now(),
		done:    make(chan core.Outcome, 1),
	}
}

// report records o as the dispatch outcome if none was recorded yet.
func (d *dispatch) report(o core.Outcome) bool {
	if !d.reported.CompareAndSwap(false, true) {
		return false
	}
	d.done <- o
	return true
}

// dispatch drives one message through the registration's handler and
// returns its outcome. It is called by engine workers, concurrently.
func (b *Bridge) dispatch(ctx context.Context, reg *Registration, msg core.Message) (out core.Outcome) {
	release, err := b.coord.admit()
	if err != nil {
		return core.Outcome{Err: core.AsError(err, core.KindUnexpectedResult, "dispatch refused")}
	}
	defer release()

	msg = msg.Clone()
	d := newDispatch(reg, msg)
	b.inflight.Store(d.id, d)
	defer b.inflight.Delete(d.id)
	ctx, span := b.startSpan(ctx, d)
	defer func() { b.observe(ctx, span, d, out) }()

	if err := b.prepare(&d.msg); err != nil {
		d.report(core.Outcome{Err: err})
		return <-d.done
	}

	if err := b.guard.Enter(ctx, reg.token, func(r *Realm) { r.invoke(d) }); err != nil {
		d.report(core.Outcome{Err: core.AsError(err, core.KindBridgeUnavailable, "entering execution context")})
		return <-d.done
	}
	return b.await(ctx, d)
}

// prepare enforces the body limit and, when configured, decodes the body
// according to its content encoding.
func (b *Bridge) prepare(msg *core.Message) *core.Error {
	if b.cfg.MaxBodyBytes > 0 && len(msg.Body) > b.cfg.MaxBodyBytes {
		return core.NewError(core.KindUnexpectedResult, "message body too large",
			fmt.Sprintf("%d bytes exceeds limit of %d", len(msg.Body), b.cfg.MaxBodyBytes))
	}
	if !b.cfg.DecodeBodies || codec.IsIdentity(msg.ContentEncoding) {
		return nil
	}
	body, err := codec.Decode(msg.ContentEncoding, msg.Body, b.cfg.MaxBodyBytes)
	if err != nil {
		return core.NewError(core.KindUnexpectedResult, "decode body", err.Error())
	}
	msg.Body = body
	msg.ContentEncoding = ""
	return nil
}
