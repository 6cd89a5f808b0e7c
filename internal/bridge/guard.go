package bridge

import (
	"context"
	"sync/atomic"

	"github.com/cryguy/busworker/internal/core"
)

// Guard is an execution context guard: the only way into a foreign runtime.
// Enter may be called from any goroutine; the guard serializes entry.
type Guard interface {
	// Capture returns a token naming this guard's execution context.
	Capture() Token

	// Enter schedules fn to run inside the context named by tok and returns
	// once scheduling is confirmed. It does not wait for any handler the
	// closure starts. A token from another guard, or from a closed one,
	// is rejected with a BridgeUnavailable error.
	Enter(ctx context.Context, tok Token, fn func(*Realm)) error

	// Close tears the context down. Queued closures still run; dispatches
	// still awaiting the foreign side complete with BridgeUnavailable.
	Close(ctx context.Context) error
}

// Token identifies an execution context. It is a plain value: copy it
// freely, it is never looked up from ambient state.
type Token struct {
	guard Guard
	id    uint64
}

// Valid reports whether the token names a context at all.
func (t Token) Valid() bool { return t.guard != nil }

// ID returns the numeric identity of the context.
func (t Token) ID() uint64 { return t.id }

var guardIDs atomic.Uint64

func nextGuardID() uint64 { return guardIDs.Add(1) }

// checkToken validates that tok was captured from g.
func checkToken(g Guard, id uint64, tok Token, closed bool) error {
	if !tok.Valid() || tok.guard != g || tok.id != id {
		return core.NewError(core.KindBridgeUnavailable, "execution context mismatch", "token was not captured from this context")
	}
	if closed {
		return core.NewTemporary(core.KindBridgeUnavailable, "execution context closed", "")
	}
	return nil
}
