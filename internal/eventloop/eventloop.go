package eventloop

import (
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/cryguy/busworker/internal/core"
)

// Completion is the outcome of an asynchronous Go operation started from JS
// (publish, rpc call). It is produced on an arbitrary goroutine and delivered
// to JS on the runtime's own context by RunDue.
type Completion struct {
	CallID string
	Body   []byte // resolved value; nil resolves with undefined
	Err    error
}

// timerEntry represents a pending setTimeout or setInterval callback.
// The actual callback is stored in globalThis.__timerCallbacks[id] on the
// JS side. Go only tracks scheduling metadata.
type timerEntry struct {
	deadline time.Time
	interval time.Duration // 0 for setTimeout, >0 for setInterval
	id       int
}

// EventLoop tracks Go-backed timers and in-flight Go calls whose results must
// be delivered on the JS context. It never blocks: the owning host asks for
// NextDeadline, waits on Wake, and calls RunDue from inside the context.
type EventLoop struct {
	mu          sync.Mutex
	timers      map[int]*timerEntry
	nextID      int
	nextCall    uint64
	inflight    int
	completions []Completion
	wake        chan struct{}
}

// New creates a new EventLoop.
func New() *EventLoop {
	return &EventLoop{
		timers: make(map[int]*timerEntry),
		wake:   make(chan struct{}, 1),
	}
}

// RegisterTimer creates a timer entry and returns its ID.
// The actual JS callback is stored in globalThis.__timerCallbacks[id].
func (el *EventLoop) RegisterTimer(delay time.Duration, isInterval bool) int {
	el.mu.Lock()
	el.nextID++
	id := el.nextID
	if delay < 0 {
		delay = 0
	}
	entry := &timerEntry{
		deadline: time.Now().Add(delay),
		id:       id,
	}
	if isInterval {
		if delay < 10*time.Millisecond {
			delay = 10 * time.Millisecond // minimum interval
		}
		entry.interval = delay
	}
	el.timers[id] = entry
	el.mu.Unlock()
	el.signal()
	return id
}

// ClearTimer cancels a timer by ID.
func (el *EventLoop) ClearTimer(id int) {
	el.mu.Lock()
	defer el.mu.Unlock()
	delete(el.timers, id)
}

// BeginCall reserves an id for an asynchronous Go call. The call must later
// be finished with Post.
func (el *EventLoop) BeginCall() string {
	el.mu.Lock()
	defer el.mu.Unlock()
	el.nextCall++
	el.inflight++
	return "c" + strconv.FormatUint(el.nextCall, 10)
}

// Post queues a completion for delivery and wakes the owning host. Safe to
// call from any goroutine.
func (el *EventLoop) Post(c Completion) {
	el.mu.Lock()
	el.completions = append(el.completions, c)
	el.mu.Unlock()
	el.signal()
}

// Wake returns a channel that receives a value whenever new work is queued.
func (el *EventLoop) Wake() <-chan struct{} {
	return el.wake
}

func (el *EventLoop) signal() {
	select {
	case el.wake <- struct{}{}:
	default:
	}
}

// NextDeadline returns the earliest pending timer deadline.
func (el *EventLoop) NextDeadline() (time.Time, bool) {
	el.mu.Lock()
	defer el.mu.Unlock()
	var next time.Time
	found := false
	for _, t := range el.timers {
		if !found || t.deadline.Before(next) {
			next = t.deadline
			found = true
		}
	}
	return next, found
}

// RunDue delivers queued completions and fires every timer whose deadline
// has passed, pumping microtasks after each callback. It returns the number
// of callbacks run. Must be called inside the runtime's execution context.
func (el *EventLoop) RunDue(rt core.JSRuntime) int {
	n := 0

	el.mu.Lock()
	completions := el.completions
	el.completions = nil
	el.inflight -= len(completions)
	el.mu.Unlock()

	for _, c := range completions {
		el.deliver(rt, c)
		rt.RunMicrotasks()
		n++
	}

	now := time.Now()
	el.mu.Lock()
	var due []*timerEntry
	for _, t := range el.timers {
		if !t.deadline.After(now) {
			due = append(due, t)
		}
	}
	el.mu.Unlock()

	slices.SortFunc(due, func(a, b *timerEntry) int {
		if c := a.deadline.Compare(b.deadline); c != 0 {
			return c
		}
		return a.id - b.id
	})
	for _, t := range due {
		el.mu.Lock()
		if _, live := el.timers[t.id]; !live {
			el.mu.Unlock()
			continue
		}
		if t.interval > 0 {
			t.deadline = now.Add(t.interval)
		} else {
			delete(el.timers, t.id)
		}
		el.mu.Unlock()

		el.fireTimer(rt, t.id)
		rt.RunMicrotasks()
		n++
	}
	return n
}

// fireTimer fires a timer callback by invoking the JS-side callback map.
func (el *EventLoop) fireTimer(rt core.JSRuntime, id int) {
	js := fmt.Sprintf(`(function() {
		var entry = globalThis.__timerCallbacks[%d];
		if (!entry) return;
		if (!entry.interval) delete globalThis.__timerCallbacks[%d];
		try { entry.fn.apply(null, entry.args || []); }
		catch (e) { if (globalThis.console) console.error('uncaught in timer:', String(e)); }
	})()`, id, id)
	_ = rt.Eval(js)
}

// deliver resolves or rejects the JS promise waiting on a completion.
func (el *EventLoop) deliver(rt core.JSRuntime, c Completion) {
	if c.Err != nil {
		_ = rt.Eval(fmt.Sprintf(`globalThis.__callReject(%q, %s)`, c.CallID, core.JsEscape(c.Err.Error())))
		return
	}
	if c.Body == nil {
		_ = rt.Eval(fmt.Sprintf(`globalThis.__callResolve(%q, false)`, c.CallID))
		return
	}
	bt, ok := rt.(core.BinaryTransferer)
	if !ok {
		_ = rt.Eval(fmt.Sprintf(`globalThis.__callReject(%q, "binary transfer unsupported")`, c.CallID))
		return
	}
	if err := bt.WriteBinaryToJS("__tmp_call_"+c.CallID, c.Body); err != nil {
		_ = rt.Eval(fmt.Sprintf(`globalThis.__callReject(%q, %s)`, c.CallID, core.JsEscape(err.Error())))
		return
	}
	_ = rt.Eval(fmt.Sprintf(`globalThis.__callResolve(%q, true)`, c.CallID))
}

// HasPending returns true if there are any active timers, in-flight calls or
// undelivered completions.
func (el *EventLoop) HasPending() bool {
	el.mu.Lock()
	defer el.mu.Unlock()
	return len(el.timers) > 0 || el.inflight > 0 || len(el.completions) > 0
}

// Reset clears all timers and undelivered completions.
func (el *EventLoop) Reset() {
	el.mu.Lock()
	defer el.mu.Unlock()
	el.timers = make(map[int]*timerEntry)
	el.nextID = 0
	el.inflight = 0
	el.completions = nil
}
