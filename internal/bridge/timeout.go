package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/cryguy/busworker/internal/core"
)

// await waits for d's outcome under the registration's process timeout.
// On expiry, or when ctx ends first, the dispatch is abandoned: Timeout is
// reported at once and the handler's eventual result is discarded.
func (b *Bridge) await(ctx context.Context, d *dispatch) core.Outcome {
	var expired <-chan time.Time
	limit, bounded := d.reg.Timeouts.Process.Duration()
	if bounded {
		t := time.NewTimer(limit)
		defer t.Stop()
		expired = t.C
	}

	select {
	case o := <-d.done:
		return o
	case <-expired:
		return b.abandon(d, core.Failure(core.KindTimeout, "process timeout elapsed",
			fmt.Sprintf("handler did not settle within %s", d.reg.Timeouts.Process)))
	case <-ctx.Done():
		return b.abandon(d, core.Failure(core.KindTimeout, "dispatch cancelled", ctx.Err().Error()))
	}
}

// abandon races o against a result arriving at the same moment; whichever
// was reported first is the outcome. If o wins, the handler's AbortSignal is
// fired in the background. The call itself keeps running.
func (b *Bridge) abandon(d *dispatch, o core.Outcome) core.Outcome {
	won := d.report(o)
	out := <-d.done
	if won {
		go b.cancel(d, o.Err.Message)
	}
	return out
}

func (b *Bridge) cancel(d *dispatch, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.EnterTimeout)
	defer cancel()
	if err := b.guard.Enter(ctx, d.reg.token, func(r *Realm) { r.abort(d.id, reason) }); err != nil {
		b.log.Debug().Err(err).Str("dispatch", d.id).Msg("abort signal not delivered")
	}
}
