package webapi

import (
	"github.com/rs/zerolog"

	"github.com/cryguy/busworker/internal/core"
	"github.com/cryguy/busworker/internal/eventloop"
)

// consoleJS builds a console object whose methods forward to __console with
// the registration currently running, if any.
const consoleJS = `
(function() {
	function fmt(arg) {
		if (typeof arg === 'string') return arg;
		if (arg instanceof Error) return arg.name + ': ' + arg.message;
		if (typeof arg === 'object' && arg !== null) {
			try { return JSON.stringify(arg); } catch (e) { return '[object Object]'; }
		}
		return String(arg);
	}
	var levels = ['log', 'info', 'warn', 'error', 'debug', 'trace'];
	var con = {};
	for (var i = 0; i < levels.length; i++) {
		(function(lvl) {
			con[lvl] = function() {
				var parts = [];
				for (var j = 0; j < arguments.length; j++) parts.push(fmt(arguments[j]));
				var scope = (globalThis.__bridge && globalThis.__bridge.current) || '';
				__console(scope, lvl, parts.join(' '));
			};
		})(levels[i]);
	}
	var counters = {};
	con.count = function(label) {
		var l = label || 'default';
		counters[l] = (counters[l] || 0) + 1;
		con.log(l + ': ' + counters[l]);
	};
	con.assert = function(cond) {
		if (cond) return;
		var rest = Array.prototype.slice.call(arguments, 1);
		con.error.apply(null, ['Assertion failed'].concat(rest));
	};
	con.dir = con.table = function(obj) { con.log(obj); };
	globalThis.console = con;
})();
`

// SetupConsole returns a setup function that routes console output to log.
// Each line carries the registration that was running when it was written.
func SetupConsole(log zerolog.Logger) SetupFunc {
	return func(rt core.JSRuntime, _ *eventloop.EventLoop) error {
		if err := rt.RegisterFunc("__console", func(scope, level, message string) {
			ev := consoleEvent(log, level)
			if scope != "" {
				ev = ev.Str("registration", scope)
			}
			ev.Str("source", "console").Msg(message)
		}); err != nil {
			return err
		}
		return rt.Eval(consoleJS)
	}
}

func consoleEvent(log zerolog.Logger, level string) *zerolog.Event {
	switch level {
	case "error":
		return log.Error()
	case "warn":
		return log.Warn()
	case "debug":
		return log.Debug()
	case "trace":
		return log.Trace()
	default:
		return log.Info()
	}
}
