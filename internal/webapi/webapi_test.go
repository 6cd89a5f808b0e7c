//go:build !v8

package webapi

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryguy/busworker/internal/core"
	"github.com/cryguy/busworker/internal/eventloop"
	"github.com/cryguy/busworker/internal/quickjs"
)

func newRuntime(t *testing.T, log zerolog.Logger) (core.JSRuntime, *eventloop.EventLoop) {
	t.Helper()
	rt, err := quickjs.New(0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	el := eventloop.New()
	require.NoError(t, Install(rt, el, Defaults(log)...))
	return rt, el
}

func TestWrapESModule(t *testing.T) {
	rt, _ := newRuntime(t, zerolog.Nop())

	code, err := WrapESModule(`export function orders(msg) { return 1; }
export const name = 'svc';`)
	require.NoError(t, err)
	require.NoError(t, rt.Eval(code))
	got, err := rt.EvalString("typeof " + ModuleGlobal + ".orders + ':' + " + ModuleGlobal + ".name")
	require.NoError(t, err)
	assert.Equal(t, "function:svc", got)

	code, err = WrapESModule(`export default { users(msg) { return 2; } };`)
	require.NoError(t, err)
	require.NoError(t, rt.Eval(code))
	n, err := rt.EvalInt(ModuleGlobal + ".users()")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestWrapESModuleSyntaxError(t *testing.T) {
	_, err := WrapESModule("export function (")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler module:")
	assert.Contains(t, err.Error(), "1:")
}

func TestConsoleRoutesToLogger(t *testing.T) {
	var buf bytes.Buffer
	rt, _ := newRuntime(t, zerolog.New(&buf))

	require.NoError(t, rt.Eval(`console.error('failed', {code: 7}, new TypeError('bad'))`))

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "error", line["level"])
	assert.Equal(t, `failed {"code":7} TypeError: bad`, line["message"])
	assert.Equal(t, "console", line["source"])
	assert.NotContains(t, line, "registration")
}

func TestConsoleCountAndAssert(t *testing.T) {
	var buf bytes.Buffer
	rt, _ := newRuntime(t, zerolog.New(&buf))

	require.NoError(t, rt.Eval(`console.count('x'); console.count('x'); console.assert(true, 'hidden'); console.assert(false, 'shown')`))
	out := buf.String()
	assert.Contains(t, out, "x: 1")
	assert.Contains(t, out, "x: 2")
	assert.Contains(t, out, "Assertion failed shown")
	assert.NotContains(t, out, "hidden")
}

func TestTimers(t *testing.T) {
	rt, el := newRuntime(t, zerolog.Nop())

	require.NoError(t, rt.Eval(`
		globalThis.fired = [];
		setTimeout(function(tag) { fired.push(tag); }, 10, 'once');
		var cancelled = setTimeout(function() { fired.push('cancelled'); }, 10);
		clearTimeout(cancelled);
		queueMicrotask(function() { fired.push('micro'); });
	`))
	rt.RunMicrotasks()
	assert.True(t, el.HasPending())

	time.Sleep(30 * time.Millisecond)
	el.RunDue(rt)

	got, err := rt.EvalString("fired.join(',')")
	require.NoError(t, err)
	assert.Equal(t, "micro,once", got)
	assert.False(t, el.HasPending())
}

func TestEncoding(t *testing.T) {
	rt, _ := newRuntime(t, zerolog.Nop())

	got, err := rt.EvalString(`new TextDecoder().decode(new TextEncoder().encode('héllo ✓'))`)
	require.NoError(t, err)
	assert.Equal(t, "héllo ✓", got)

	n, err := rt.EvalInt(`new TextEncoder().encode('✓').length`)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got, err = rt.EvalString(`atob(btoa('bus'))`)
	require.NoError(t, err)
	assert.Equal(t, "bus", got)
}

func TestAbortController(t *testing.T) {
	rt, _ := newRuntime(t, zerolog.Nop())

	got, err := rt.EvalString(`
		(function() {
			var ctl = new AbortController();
			var seen = '';
			ctl.signal.addEventListener('abort', function() { seen = ctl.signal.reason.name; });
			ctl.abort();
			return String(ctl.signal.aborted) + ':' + seen;
		})()
	`)
	require.NoError(t, err)
	assert.Equal(t, "true:AbortError", got)
}

func TestInstallStopsAtFirstFailure(t *testing.T) {
	rt, err := quickjs.New(0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })

	ran := false
	err = Install(rt, eventloop.New(),
		func(core.JSRuntime, *eventloop.EventLoop) error { return assert.AnError },
		func(core.JSRuntime, *eventloop.EventLoop) error { ran = true; return nil },
	)
	assert.ErrorIs(t, err, assert.AnError)
	assert.False(t, ran)
}
