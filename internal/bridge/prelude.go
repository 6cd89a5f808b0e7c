package bridge

// preludeJS installs globalThis.__bridge, the JS half of the dispatch
// protocol. Go stores handlers by registration id, calls invoke once per
// dispatch and later takes the settlement. Nothing here throws back into Go:
// every handler failure is captured as a settlement.
const preludeJS = `
(function() {
	var handlers = {};
	var settled = {};
	var controllers = {};
	var B = {
		current: '',
		attached: false,
		binaryMode: 'ab'
	};

	function isBytes(v) {
		if (v instanceof ArrayBuffer || ArrayBuffer.isView(v)) return true;
		return typeof SharedArrayBuffer !== 'undefined' && v instanceof SharedArrayBuffer;
	}

	function asBytes(v) {
		if (ArrayBuffer.isView(v)) return new Uint8Array(v.buffer, v.byteOffset, v.byteLength);
		return new Uint8Array(v);
	}

	function shape(v) {
		if (v === undefined) return 'undefined';
		if (v === null) return 'null';
		if (isBytes(v)) return 'bytes';
		if (typeof v === 'string') return 'string';
		if (typeof v === 'object' && 'body' in v && isBytes(v.body)) return 'message';
		if (typeof v === 'object') return 'object';
		return 'other';
	}

	function describe(e) {
		if (e instanceof Error) return (e.name || 'Error') + ': ' + e.message;
		if (e === undefined) return 'undefined';
		if (typeof e === 'object' && e !== null) {
			try { return JSON.stringify(e); } catch (_) { return String(e); }
		}
		return String(e);
	}

	function stash(name, bytes) {
		var buf = B.binaryMode === 'sab' ? new SharedArrayBuffer(bytes.length) : new ArrayBuffer(bytes.length);
		new Uint8Array(buf).set(bytes);
		globalThis[name] = buf;
	}

	function settle(did, ok, v) {
		delete controllers[did];
		settled[did] = ok ? { ok: true, value: v } : { ok: false, error: describe(v) };
		__bridge_settle(did);
	}

	B.isBytes = isBytes;
	B.asBytes = asBytes;
	B.stash = stash;
	B.describe = describe;

	B.bind = function(id, fn, mode) {
		if (typeof fn !== 'function') return 0;
		handlers[id] = { fn: fn, mode: mode };
		return 1;
	};

	B.bindExport = function(id, name, mode) {
		var mod = globalThis.__handler_module__;
		if (!mod) return -1;
		return B.bind(id, mod[name], mode);
	};

	B.unbind = function(id) {
		delete handlers[id];
	};

	B.releaseAll = function() {
		handlers = {};
		for (var k in controllers) {
			try { controllers[k].abort(new DOMException('bridge disposed', 'AbortError')); } catch (_) {}
		}
		controllers = {};
		settled = {};
	};

	B.count = function() {
		return Object.keys(handlers).length;
	};

	// invoke returns 1 when the handler was called, 0 when the registration
	// has no handler and -1 when the context is not attached.
	B.invoke = function(hid, did, meta) {
		if (!B.attached) return -1;
		var h = handlers[hid];
		var name = '__tmp_msg_' + did;
		var buf = globalThis[name];
		delete globalThis[name];
		if (!h) return 0;
		var m = JSON.parse(meta);
		var ctl = new AbortController();
		controllers[did] = ctl;
		var msg = {
			body: new Uint8Array(buf || new ArrayBuffer(0)),
			contentType: m.contentType || null,
			contentEncoding: m.contentEncoding || null,
			exchange: m.exchange || '',
			routingKey: m.routingKey || '',
			correlationId: m.correlationId || null,
			headers: m.headers || {},
			dispatchId: did,
			signal: ctl.signal
		};
		var prev = B.current;
		B.current = hid;
		var p;
		try {
			p = Promise.resolve(h.fn.call(undefined, msg));
		} catch (e) {
			p = Promise.reject(e);
		} finally {
			B.current = prev;
		}
		p.then(function(v) { settle(did, true, v); }, function(e) { settle(did, false, e); });
		return 1;
	};

	B.abort = function(did, reason) {
		var ctl = controllers[did];
		if (!ctl) return 0;
		delete controllers[did];
		ctl.abort(new DOMException(reason, 'TimeoutError'));
		return 1;
	};

	// take removes a settlement and describes it as JSON. When wantBytes is
	// set and the value holds bytes, they are stashed at __tmp_result_<did>.
	B.take = function(did, wantBytes) {
		var s = settled[did];
		delete settled[did];
		if (!s) return '{"ok":false,"kind":"missing"}';
		if (!s.ok) return JSON.stringify({ ok: false, kind: 'rejected', error: s.error });
		if (!wantBytes) return '{"ok":true,"kind":"ignored"}';
		var v = s.value;
		var kind = shape(v);
		if (kind !== 'bytes' && kind !== 'message') return JSON.stringify({ ok: true, kind: kind });
		var bytes = asBytes(kind === 'message' ? v.body : v);
		if (bytes.length > 0) stash('__tmp_result_' + did, bytes);
		return JSON.stringify({ ok: true, kind: kind, len: bytes.length });
	};

	B.discard = function(did) {
		delete settled[did];
		delete controllers[did];
		delete globalThis['__tmp_result_' + did];
		delete globalThis['__tmp_msg_' + did];
	};

	Object.defineProperty(globalThis, '__bridge', { value: B, writable: false, enumerable: false, configurable: false });
})();
`
