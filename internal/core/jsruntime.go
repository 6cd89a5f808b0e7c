package core

// JSRuntime abstracts the JavaScript engine (V8 or QuickJS) hosting the
// handler module. A JSRuntime is single-threaded: every method must be
// called from inside the execution context that owns it.
type JSRuntime interface {
	// Eval evaluates JavaScript source and discards the result.
	Eval(js string) error

	// EvalString evaluates JavaScript and returns the result as a Go string.
	EvalString(js string) (string, error)

	// EvalBool evaluates JavaScript and returns the result as a Go bool.
	EvalBool(js string) (bool, error)

	// EvalInt evaluates JavaScript and returns the result as a Go int.
	EvalInt(js string) (int, error)

	// RegisterFunc registers a Go function as a global JavaScript function.
	// On error return, the JS wrapper throws a TypeError instead of
	// returning an array.
	RegisterFunc(name string, fn any) error

	// RunMicrotasks pumps the microtask queue (Promise callbacks, etc.).
	// V8: PerformMicrotaskCheckpoint, QuickJS: ExecutePendingJob loop.
	RunMicrotasks()

	// Close releases the underlying VM. The runtime is unusable afterwards.
	Close() error
}

// BinaryTransferer moves byte payloads between Go and JS without going
// through string encoding. Both engines implement it; the bridge requires it.
type BinaryTransferer interface {
	// ReadBinaryFromJS reads the buffer stored at the given global,
	// deletes the global and returns a Go copy of its contents.
	ReadBinaryFromJS(globalName string) ([]byte, error)

	// WriteBinaryToJS stores a copy of data as an ArrayBuffer at the given
	// global.
	WriteBinaryToJS(globalName string, data []byte) error

	// BinaryMode returns the JS buffer type ReadBinaryFromJS expects:
	// "sab" for SharedArrayBuffer (V8), "ab" for ArrayBuffer (QuickJS).
	BinaryMode() string
}

// RuntimeFactory creates a fresh runtime. Hosts call it from the goroutine
// that will own the runtime.
type RuntimeFactory func(memoryLimitMB int) (JSRuntime, error)
