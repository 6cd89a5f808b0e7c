package engine

import (
	"errors"

	"github.com/cryguy/busworker/internal/core"
)

// HeaderErrorKind flags a reply produced by a failed resource handler.
// The reply body then carries the error description.
const HeaderErrorKind = "x-error-kind"

// ErrorReply builds the reply body and headers for a failed resource call.
func ErrorReply(err error) ([]byte, map[string]string) {
	e := core.AsError(err, core.KindHandlerFailed, "resource handler failed")
	body := e.Description
	if body == "" {
		body = e.Message
	}
	return []byte(body), map[string]string{HeaderErrorKind: e.Kind.String()}
}

// ReplyError returns the error carried by a reply, or nil for a normal one.
func ReplyError(headers map[string]string, body []byte) error {
	kind, ok := headers[HeaderErrorKind]
	if !ok {
		return nil
	}
	return core.NewError(ParseKind(kind), "remote handler failed", string(body))
}

// ParseKind maps a kind name back to its ErrorKind. Unknown names map to
// KindHandlerFailed.
func ParseKind(name string) core.ErrorKind {
	for k := core.KindHandlerFailed; k <= core.KindUnexpectedResult; k++ {
		if k.String() == name {
			return k
		}
	}
	return core.KindHandlerFailed
}

// Requeue reports whether a failed delivery should be returned to its queue
// rather than dropped: only failures where the handler never ran qualify.
func Requeue(err error) bool {
	return core.IsTemporary(err) || errors.Is(err, ErrDisposed)
}

// ErrDisposed is returned by engines after Dispose.
var ErrDisposed = errors.New("engine disposed")
