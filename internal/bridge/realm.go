package bridge

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cryguy/busworker/internal/core"
	"github.com/cryguy/busworker/internal/eventloop"
	"github.com/cryguy/busworker/internal/webapi"
)

// maxPumpRounds bounds one pump; anything left runs on the next wake.
const maxPumpRounds = 64

// Realm is a runtime as seen from inside its execution context. Only the
// goroutine currently holding the context may touch it, so none of its
// fields need locking.
type Realm struct {
	rt  core.JSRuntime
	bt  core.BinaryTransferer
	el  *eventloop.EventLoop
	log zerolog.Logger

	awaiting map[string]*dispatch
	ready    []string
	closed   bool
}

// RealmConfig is what a guard needs to build its realm.
type RealmConfig struct {
	Factory       core.RuntimeFactory
	MemoryLimitMB int
	Setup         []webapi.SetupFunc
	// Init runs after the prelude is installed, inside the context.
	Init   func(*Realm) error
	Logger zerolog.Logger
}

func newRealm(cfg RealmConfig) (*Realm, error) {
	rt, err := cfg.Factory(cfg.MemoryLimitMB)
	if err != nil {
		return nil, fmt.Errorf("creating runtime: %w", err)
	}
	bt, ok := rt.(core.BinaryTransferer)
	if !ok {
		_ = rt.Close()
		return nil, fmt.Errorf("runtime %T does not support binary transfer", rt)
	}
	r := &Realm{
		rt:       rt,
		bt:       bt,
		el:       eventloop.New(),
		log:      cfg.Logger,
		awaiting: make(map[string]*dispatch),
	}
	if err := r.install(cfg); err != nil {
		_ = rt.Close()
		return nil, err
	}
	return r, nil
}

func (r *Realm) install(cfg RealmConfig) error {
	if err := webapi.Install(r.rt, r.el, cfg.Setup...); err != nil {
		return err
	}
	if err := r.rt.RegisterFunc("__bridge_settle", func(did string) {
		r.ready = append(r.ready, did)
	}); err != nil {
		return fmt.Errorf("registering settle callback: %w", err)
	}
	if err := r.rt.Eval(preludeJS); err != nil {
		return fmt.Errorf("installing bridge prelude: %w", err)
	}
	if err := r.rt.Eval("__bridge.binaryMode = " + core.JsEscape(r.bt.BinaryMode()) + ";"); err != nil {
		return fmt.Errorf("setting binary mode: %w", err)
	}
	if cfg.Init != nil {
		if err := cfg.Init(r); err != nil {
			return fmt.Errorf("realm init: %w", err)
		}
	}
	return nil
}

// Runtime returns the underlying runtime.
func (r *Realm) Runtime() core.JSRuntime { return r.rt }

// Closed reports whether the realm has been torn down.
func (r *Realm) Closed() bool { return r.closed }

// attach marks the context as entered. Dispatches are refused by the
// prelude unless the context is attached.
func (r *Realm) attach() {
	if r.closed {
		return
	}
	_ = r.rt.Eval("__bridge.attached = true;")
}

func (r *Realm) detach() {
	if r.closed {
		return
	}
	_ = r.rt.Eval("__bridge.attached = false; __bridge.current = '';")
}

// pump runs microtasks, due timers and Go completions until the runtime is
// quiet, translating every settlement it sees.
func (r *Realm) pump() {
	if r.closed {
		return
	}
	for i := 0; i < maxPumpRounds; i++ {
		r.rt.RunMicrotasks()
		r.collect()
		if r.el.RunDue(r.rt) == 0 && len(r.ready) == 0 {
			return
		}
	}
}

// invoke starts d's handler. It never blocks on the handler: the settlement
// arrives later through __bridge_settle and collect.
func (r *Realm) invoke(d *dispatch) {
	if r.closed {
		d.report(core.Failure(core.KindBridgeUnavailable, "execution context closed", ""))
		return
	}
	meta, err := json.Marshal(messageMeta{
		ContentType:     d.msg.ContentType,
		ContentEncoding: d.msg.ContentEncoding,
		Exchange:        d.msg.Exchange,
		RoutingKey:      d.msg.RoutingKey,
		CorrelationID:   d.msg.CorrelationID,
		Headers:         d.msg.Headers,
	})
	if err != nil {
		d.report(core.Failure(core.KindBridgeUnavailable, "encoding message metadata", err.Error()))
		return
	}
	if err := r.bt.WriteBinaryToJS("__tmp_msg_"+d.id, d.msg.Body); err != nil {
		d.report(core.Failure(core.KindBridgeUnavailable, "copying message body", err.Error()))
		return
	}
	r.awaiting[d.id] = d
	rc, err := r.rt.EvalInt(fmt.Sprintf("__bridge.invoke(%s, %s, %s)",
		core.JsEscape(d.reg.ID), core.JsEscape(d.id), core.JsEscape(string(meta))))
	switch {
	case err != nil:
		delete(r.awaiting, d.id)
		_ = r.rt.Eval(fmt.Sprintf("__bridge.discard(%s)", core.JsEscape(d.id)))
		d.report(core.Failure(core.KindBridgeUnavailable, "invoking handler", err.Error()))
	case rc == 0:
		delete(r.awaiting, d.id)
		d.report(core.Failure(core.KindBridgeUnavailable, "handler released", "registration "+d.reg.ID))
	case rc < 0:
		delete(r.awaiting, d.id)
		_ = r.rt.Eval(fmt.Sprintf("__bridge.discard(%s)", core.JsEscape(d.id)))
		d.report(core.Failure(core.KindBridgeUnavailable, "execution context not attached", ""))
	}
}

type messageMeta struct {
	ContentType     string            `json:"contentType,omitempty"`
	ContentEncoding string            `json:"contentEncoding,omitempty"`
	Exchange        string            `json:"exchange,omitempty"`
	RoutingKey      string            `json:"routingKey,omitempty"`
	CorrelationID   string            `json:"correlationId,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
}

// collect translates every settlement recorded since the last call.
func (r *Realm) collect() {
	for len(r.ready) > 0 {
		ids := r.ready
		r.ready = nil
		for _, id := range ids {
			d, ok := r.awaiting[id]
			if ok {
				delete(r.awaiting, id)
			}
			if !ok || d.reported.Load() {
				// Late result of an abandoned dispatch.
				_ = r.rt.Eval(fmt.Sprintf("__bridge.discard(%s)", core.JsEscape(id)))
				continue
			}
			d.report(r.translate(d))
		}
	}
}

// abort signals an abandoned dispatch's AbortSignal.
func (r *Realm) abort(did, reason string) {
	if r.closed {
		return
	}
	_ = r.rt.Eval(fmt.Sprintf("__bridge.abort(%s, %s)", core.JsEscape(did), core.JsEscape(reason)))
	r.pump()
}

// bindExport binds the named export of the loaded handler module to id.
func (r *Realm) bindExport(id, export string, mode core.Mode) error {
	rc, err := r.rt.EvalInt(fmt.Sprintf("__bridge.bindExport(%s, %s, %d)",
		core.JsEscape(id), core.JsEscape(export), int(mode)))
	if err != nil {
		return fmt.Errorf("binding export %q: %w", export, err)
	}
	switch rc {
	case 1:
		return nil
	case -1:
		return fmt.Errorf("binding export %q: no handler module loaded", export)
	default:
		return fmt.Errorf("binding export %q: not a function", export)
	}
}

func (r *Realm) unbind(id string) {
	if r.closed {
		return
	}
	_ = r.rt.Eval(fmt.Sprintf("__bridge.unbind(%s)", core.JsEscape(id)))
}

// releaseAll drops every handler reference held by the runtime.
func (r *Realm) releaseAll() {
	if r.closed {
		return
	}
	_ = r.rt.Eval("__bridge.releaseAll()")
}

// handlerCount returns the number of handlers bound in the runtime.
func (r *Realm) handlerCount() int {
	if r.closed {
		return 0
	}
	n, _ := r.rt.EvalInt("__bridge.count()")
	return n
}

// teardown fails every outstanding dispatch and closes the runtime.
func (r *Realm) teardown() {
	if r.closed {
		return
	}
	r.closed = true
	for id, d := range r.awaiting {
		d.report(core.Failure(core.KindBridgeUnavailable, "execution context closed", "dispatch "+id+" abandoned"))
	}
	r.awaiting = nil
	r.ready = nil
	r.el.Reset()
	if err := r.rt.Close(); err != nil {
		r.log.Warn().Err(err).Msg("closing runtime")
	}
}
