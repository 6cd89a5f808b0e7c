//go:build v8

package v8engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	rt, err := New(64)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	return rt.(*Runtime)
}

func TestRegisterFuncAndMicrotasks(t *testing.T) {
	rt := newTestRuntime(t)

	require.NoError(t, rt.RegisterFunc("__add", func(a, b int) int { return a + b }))
	require.NoError(t, rt.Eval("globalThis.sum = 0; Promise.resolve(__add(2, 3)).then(function(v){ globalThis.sum = v; });"))
	rt.RunMicrotasks()

	n, err := rt.EvalInt("sum")
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestBinaryTransferUsesSharedArrayBuffer(t *testing.T) {
	rt := newTestRuntime(t)
	assert.Equal(t, "sab", rt.BinaryMode())

	require.NoError(t, rt.WriteBinaryToJS("__tmp_in", []byte("hello")))
	require.NoError(t, rt.Eval(`(function(){
		var src = new Uint8Array(__tmp_in);
		var sab = new SharedArrayBuffer(src.length);
		new Uint8Array(sab).set(src);
		globalThis.__tmp_out = sab;
	})()`))

	out, err := rt.ReadBinaryFromJS("__tmp_out")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), out)
}
