package webapi

import (
	"fmt"

	"github.com/cryguy/busworker/internal/core"
	"github.com/cryguy/busworker/internal/eventloop"
)

// encodingJS implements global atob() and btoa() as pure JavaScript.
const encodingJS = `
(function() {
	const _e = 'ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/';
	const _d = new Uint8Array(128);
	for (let i = 0; i < _e.length; i++) _d[_e.charCodeAt(i)] = i;
	const _v = new Uint8Array(128);
	for (let i = 0; i < _e.length; i++) _v[_e.charCodeAt(i)] = 1;
	_v[61] = 1; // '='

	globalThis.btoa = function(data) {
		if (arguments.length < 1) throw new TypeError("btoa requires at least 1 argument(s)");
		const s = String(data);
		const len = s.length;
		if (len === 0) return '';
		const bytes = new Uint8Array(len);
		for (let i = 0; i < len; i++) {
			const ch = s.charCodeAt(i);
			if (ch > 255) throw new Error("btoa: string contains characters outside of the Latin1 range");
			bytes[i] = ch;
		}
		const out = [];
		for (let i = 0; i < len; i += 3) {
			const a = bytes[i];
			const b = i + 1 < len ? bytes[i + 1] : 0;
			const c = i + 2 < len ? bytes[i + 2] : 0;
			out.push(
				_e[a >> 2],
				_e[((a & 3) << 4) | (b >> 4)],
				i + 1 < len ? _e[((b & 15) << 2) | (c >> 6)] : '=',
				i + 2 < len ? _e[c & 63] : '='
			);
		}
		return out.join('');
	};

	globalThis.atob = function(data) {
		if (arguments.length < 1) throw new TypeError("atob requires at least 1 argument(s)");
		let b64 = String(data);
		b64 = b64.replace(/[\t\n\f\r ]/g, '');
		if (b64.length === 0) return '';
		if (b64.length % 4 === 0) {
			if (b64[b64.length - 1] === '=') {
				b64 = b64.slice(0, b64[b64.length - 2] === '=' ? -2 : -1);
			}
		}
		if (b64.length % 4 === 1) {
			throw new Error("atob: invalid base64 string");
		}
		for (let i = 0; i < b64.length; i++) {
			const ch = b64.charCodeAt(i);
			if (ch >= 128 || !_v[ch] || ch === 61) {
				throw new Error("atob: invalid base64 string");
			}
		}
		while (b64.length % 4 !== 0) b64 += '=';
		let pad = 0;
		if (b64[b64.length - 1] === '=') pad++;
		if (b64[b64.length - 2] === '=') pad++;
		const outLen = (b64.length / 4) * 3 - pad;
		const bytes = new Uint8Array(outLen);
		let j = 0;
		for (let i = 0; i < b64.length; i += 4) {
			const a = _d[b64.charCodeAt(i)];
			const b = _d[b64.charCodeAt(i + 1)];
			const c = _d[b64.charCodeAt(i + 2)];
			const d = _d[b64.charCodeAt(i + 3)];
			bytes[j++] = (a << 2) | (b >> 4);
			if (j < outLen) bytes[j++] = ((b & 15) << 4) | (c >> 2);
			if (j < outLen) bytes[j++] = ((c & 3) << 6) | d;
		}
		const CHUNK = 4096;
		let result = '';
		for (let i = 0; i < outLen; i += CHUNK) {
			const end = Math.min(i + CHUNK, outLen);
			result += String.fromCharCode.apply(null, bytes.subarray(i, end));
		}
		return result;
	};
})();
`

// textCodecJS implements UTF-8 TextEncoder and TextDecoder. Handlers use
// them to turn strings into the bytes a resource reply must be.
const textCodecJS = `
(function() {
	if (typeof globalThis.TextEncoder === 'function') return;
	globalThis.TextEncoder = class TextEncoder {
		get encoding() { return 'utf-8'; }
		encode(str) {
			str = str === undefined ? '' : String(str);
			const buf = [];
			for (let i = 0; i < str.length; i++) {
				let c = str.charCodeAt(i);
				if (c >= 0xd800 && c <= 0xdbff && i + 1 < str.length) {
					const next = str.charCodeAt(i + 1);
					if (next >= 0xdc00 && next <= 0xdfff) {
						c = ((c - 0xd800) << 10) + (next - 0xdc00) + 0x10000;
						i++;
					} else {
						c = 0xfffd;
					}
				} else if (c >= 0xd800 && c <= 0xdfff) {
					c = 0xfffd;
				}
				if (c < 0x80) buf.push(c);
				else if (c < 0x800) buf.push(0xc0 | (c >> 6), 0x80 | (c & 0x3f));
				else if (c < 0x10000) buf.push(0xe0 | (c >> 12), 0x80 | ((c >> 6) & 0x3f), 0x80 | (c & 0x3f));
				else buf.push(0xf0 | (c >> 18), 0x80 | ((c >> 12) & 0x3f), 0x80 | ((c >> 6) & 0x3f), 0x80 | (c & 0x3f));
			}
			return new Uint8Array(buf);
		}
	};
	globalThis.TextDecoder = class TextDecoder {
		constructor(label) {
			label = (label || 'utf-8').toLowerCase();
			if (label !== 'utf-8' && label !== 'utf8') throw new RangeError('unsupported encoding: ' + label);
		}
		get encoding() { return 'utf-8'; }
		decode(input) {
			if (!input) return '';
			const b = input instanceof ArrayBuffer ? new Uint8Array(input)
				: ArrayBuffer.isView(input) ? new Uint8Array(input.buffer, input.byteOffset, input.byteLength)
				: new Uint8Array(input);
			let out = '';
			for (let i = 0; i < b.length;) {
				const c = b[i];
				let cp = 0xfffd, n = 1;
				if (c < 0x80) { cp = c; }
				else if ((c & 0xe0) === 0xc0 && i + 1 < b.length) { cp = ((c & 0x1f) << 6) | (b[i+1] & 0x3f); n = 2; }
				else if ((c & 0xf0) === 0xe0 && i + 2 < b.length) { cp = ((c & 0x0f) << 12) | ((b[i+1] & 0x3f) << 6) | (b[i+2] & 0x3f); n = 3; }
				else if ((c & 0xf8) === 0xf0 && i + 3 < b.length) { cp = ((c & 0x07) << 18) | ((b[i+1] & 0x3f) << 12) | ((b[i+2] & 0x3f) << 6) | (b[i+3] & 0x3f); n = 4; }
				out += String.fromCodePoint(cp);
				i += n;
			}
			return out;
		}
	};
})();
`

// SetupEncoding evaluates the pure-JS atob/btoa and UTF-8 text codecs.
func SetupEncoding(rt core.JSRuntime, _ *eventloop.EventLoop) error {
	if err := rt.Eval(encodingJS); err != nil {
		return fmt.Errorf("evaluating encoding.js: %w", err)
	}
	if err := rt.Eval(textCodecJS); err != nil {
		return fmt.Errorf("evaluating text codecs: %w", err)
	}
	return nil
}
