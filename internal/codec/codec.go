// Package codec implements the content encodings a message body may carry.
package codec

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Content encodings understood by Encode and Decode.
const (
	Zstd    = "zstd"
	Lz4     = "lz4"
	Zlib    = "zlib"
	Gzip    = "gzip"
	Deflate = "deflate"
	Brotli  = "br"
)

// DefaultMaxDecoded bounds decoded output when the caller sets no limit.
const DefaultMaxDecoded = 64 << 20

// ErrTooLarge is returned when decoded output exceeds the limit.
var ErrTooLarge = errors.New("decoded body exceeds limit")

// IsIdentity reports whether enc means "not encoded".
func IsIdentity(enc string) bool {
	switch normalize(enc) {
	case "", "identity", "null", "none":
		return true
	default:
		return false
	}
}

func normalize(enc string) string {
	return strings.ToLower(strings.TrimSpace(enc))
}

// Supported reports whether enc can be encoded and decoded.
func Supported(enc string) bool {
	if IsIdentity(enc) {
		return true
	}
	switch normalize(enc) {
	case Zstd, Lz4, Zlib, Gzip, Deflate, Brotli:
		return true
	default:
		return false
	}
}

// newWriter creates a compression writer for the given encoding.
func newWriter(buf *bytes.Buffer, enc string) (io.WriteCloser, error) {
	switch enc {
	case Zlib:
		return zlib.NewWriter(buf), nil
	case Gzip:
		return gzip.NewWriter(buf), nil
	case Deflate:
		return flate.NewWriter(buf, flate.DefaultCompression)
	case Brotli:
		return brotli.NewWriter(buf), nil
	case Lz4:
		return lz4.NewWriter(buf), nil
	case Zstd:
		return zstd.NewWriter(buf)
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", enc)
	}
}

// newReader creates a decompression reader for the given encoding.
func newReader(data []byte, enc string) (io.ReadCloser, error) {
	src := bytes.NewReader(data)
	switch enc {
	case Zlib:
		return zlib.NewReader(src)
	case Gzip:
		return gzip.NewReader(src)
	case Deflate:
		return flate.NewReader(src), nil
	case Brotli:
		return io.NopCloser(brotli.NewReader(src)), nil
	case Lz4:
		return io.NopCloser(lz4.NewReader(src)), nil
	case Zstd:
		d, err := zstd.NewReader(src)
		if err != nil {
			return nil, err
		}
		return d.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", enc)
	}
}

// Encode compresses data with enc. Identity encodings return data as is.
func Encode(enc string, data []byte) ([]byte, error) {
	if IsIdentity(enc) {
		return data, nil
	}
	enc = normalize(enc)
	var buf bytes.Buffer
	w, err := newWriter(&buf, enc)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("encode %s: %w", enc, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("encode %s: %w", enc, err)
	}
	return buf.Bytes(), nil
}

// Decode decompresses data encoded with enc. Output larger than limit
// fails with ErrTooLarge; a limit of 0 means DefaultMaxDecoded.
func Decode(enc string, data []byte, limit int) ([]byte, error) {
	if IsIdentity(enc) {
		return data, nil
	}
	if limit <= 0 {
		limit = DefaultMaxDecoded
	}
	enc = normalize(enc)
	r, err := newReader(data, enc)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", enc, err)
	}
	defer r.Close()
	out, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", enc, err)
	}
	if len(out) > limit {
		return nil, ErrTooLarge
	}
	return out, nil
}
