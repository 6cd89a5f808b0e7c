package webapi

import (
	"time"

	"github.com/cryguy/busworker/internal/core"
	"github.com/cryguy/busworker/internal/eventloop"
)

// timersJS is the JavaScript polyfill for setTimeout/setInterval, their
// clear functions, queueMicrotask and performance.now.
const timersJS = `
(function() {
	globalThis.__timerCallbacks = {};
	function delayOf(v) {
		v = Number(v);
		return (v > 0 && isFinite(v)) ? Math.floor(v) : 0;
	}
	function schedule(fn, delay, rest, interval) {
		if (typeof fn !== 'function') return 0;
		var id = __timerRegister(delayOf(delay), interval);
		globalThis.__timerCallbacks[id] = { fn: fn, args: rest, interval: interval };
		return id;
	}
	globalThis.setTimeout = function(fn, delay) {
		return schedule(fn, delay, Array.prototype.slice.call(arguments, 2), false);
	};
	globalThis.setInterval = function(fn, interval) {
		return schedule(fn, interval, Array.prototype.slice.call(arguments, 2), true);
	};
	globalThis.clearTimeout = globalThis.clearInterval = function(id) {
		if (typeof id !== 'number') return;
		__timerClear(id);
		delete globalThis.__timerCallbacks[id];
	};
	if (typeof globalThis.queueMicrotask !== 'function') {
		globalThis.queueMicrotask = function(fn) { Promise.resolve().then(fn); };
	}
	if (typeof globalThis.performance === 'undefined') {
		var origin = Date.now();
		globalThis.performance = { now: function() { return Date.now() - origin; }, timeOrigin: origin };
	}
})();
`

// SetupTimers registers Go-backed setTimeout/setInterval/clearTimeout/clearInterval.
func SetupTimers(rt core.JSRuntime, el *eventloop.EventLoop) error {
	if err := rt.RegisterFunc("__timerRegister", func(delayMs int, isInterval bool) int {
		return el.RegisterTimer(time.Duration(delayMs)*time.Millisecond, isInterval)
	}); err != nil {
		return err
	}

	if err := rt.RegisterFunc("__timerClear", func(id int) {
		el.ClearTimer(id)
	}); err != nil {
		return err
	}

	return rt.Eval(timersJS)
}
