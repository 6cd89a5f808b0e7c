package bridge

import (
	"encoding/json"
	"fmt"

	"github.com/cryguy/busworker/internal/core"
)

// shape is the JS-side classification of a settled value.
type shape string

const (
	shapeRejected  shape = "rejected"
	shapeIgnored   shape = "ignored"
	shapeMissing   shape = "missing"
	shapeBytes     shape = "bytes"
	shapeMessage   shape = "message"
	shapeString    shape = "string"
	shapeUndefined shape = "undefined"
	shapeNull      shape = "null"
	shapeObject    shape = "object"
	shapeOther     shape = "other"
)

// errMustReturnBytes is the message of every InvalidHandlerOutput failure.
const errMustReturnBytes = "handler must return bytes"

// settlement is the descriptor produced by __bridge.take.
type settlement struct {
	OK    bool   `json:"ok"`
	Kind  shape  `json:"kind"`
	Len   int    `json:"len"`
	Error string `json:"error"`
}

// translate reads d's settlement out of the runtime and turns it into an
// outcome. It runs inside the execution context.
func (r *Realm) translate(d *dispatch) core.Outcome {
	wantBytes := d.reg.Mode == core.ModeRequestResponse
	raw, err := r.rt.EvalString(fmt.Sprintf("__bridge.take(%s, %t)", core.JsEscape(d.id), wantBytes))
	if err != nil {
		return core.Failure(core.KindBridgeUnavailable, "reading settlement", err.Error())
	}
	var s settlement
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return core.Failure(core.KindBridgeUnavailable, "decoding settlement", err.Error())
	}
	return translate(d.reg.Mode, s, func() ([]byte, error) {
		return r.bt.ReadBinaryFromJS("__tmp_result_" + d.id)
	})
}

// translate maps a settlement to an outcome. read extracts the stashed
// bytes and is only called for byte-shaped request/response results.
func translate(mode core.Mode, s settlement, read func() ([]byte, error)) core.Outcome {
	if !s.OK {
		switch s.Kind {
		case shapeRejected:
			return core.Failure(core.KindHandlerFailed, "handler failed", s.Error)
		default:
			return core.Failure(core.KindBridgeUnavailable, "settlement lost", string(s.Kind))
		}
	}

	if mode == core.ModeSubscribe {
		return core.Success(nil)
	}

	switch s.Kind {
	case shapeBytes, shapeMessage:
		if s.Len == 0 {
			return core.Success([]byte{})
		}
		b, err := read()
		if err != nil {
			return core.Failure(core.KindInvalidHandlerOutput, errMustReturnBytes, "extracting bytes: "+err.Error())
		}
		if len(b) != s.Len {
			return core.Failure(core.KindInvalidHandlerOutput, errMustReturnBytes,
				fmt.Sprintf("extracted %d bytes, handler produced %d", len(b), s.Len))
		}
		return core.Success(b)
	case shapeString, shapeUndefined, shapeNull, shapeObject, shapeOther:
		return core.Failure(core.KindInvalidHandlerOutput, errMustReturnBytes, "got "+string(s.Kind))
	case shapeIgnored, shapeMissing, shapeRejected:
		return core.Failure(core.KindBridgeUnavailable, "inconsistent settlement", string(s.Kind))
	default:
		return core.Failure(core.KindInvalidHandlerOutput, errMustReturnBytes, "unrecognised result shape "+string(s.Kind))
	}
}
