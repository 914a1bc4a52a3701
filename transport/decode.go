package transport

import (
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

const acceptEncoding = "gzip, br, zstd, deflate"

// decodingReader opens its decoder on the first Read, so empty bodies
// (HEAD, 204, 304) never fail on a missing compression header.
type decodingReader struct {
	src      io.Reader
	encoding string

	r      io.Reader
	closer func() error
	err    error
}

// newDecodingReader returns nil for identity or unknown encodings.
func newDecodingReader(encoding string, src io.Reader) *decodingReader {
	encoding = strings.ToLower(strings.TrimSpace(encoding))
	switch encoding {
	case "gzip", "x-gzip", "br", "zstd", "deflate":
		return &decodingReader{src: src, encoding: encoding}
	default:
		return nil
	}
}

func (d *decodingReader) open() {
	switch d.encoding {
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(d.src)
		if err != nil {
			d.err = err
			return
		}
		d.r, d.closer = zr, zr.Close
	case "deflate":
		zr, err := zlib.NewReader(d.src)
		if err != nil {
			d.err = err
			return
		}
		d.r, d.closer = zr, zr.Close
	case "br":
		d.r = brotli.NewReader(d.src)
	case "zstd":
		zr, err := zstd.NewReader(d.src, zstd.WithDecoderConcurrency(1))
		if err != nil {
			d.err = err
			return
		}
		d.r = zr
		d.closer = func() error {
			zr.Close()
			return nil
		}
	}
}

func (d *decodingReader) Read(p []byte) (int, error) {
	if d.r == nil && d.err == nil {
		d.open()
	}
	if d.err != nil {
		return 0, d.err
	}

	return d.r.Read(p)
}

func (d *decodingReader) Close() error {
	if d.closer == nil {
		return nil
	}

	return d.closer()
}
