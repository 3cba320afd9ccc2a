package transport

import (
	"compress/gzip"
	"io"

	"github.com/andybalholm/brotli"
)

// countingReader tallies every byte it yields into an accumulator
// function, independent of any decoding layered on top of it.
type countingReader struct {
	r     io.Reader
	count func(int64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.count(int64(n))
	}

	return n, err
}

// decodingBody wraps an HTTP response body with transparent gzip/br
// decoding while keeping raw (wire) and decoded byte counters separate,
// per spec section 4.1's decoding semantics. Closing it closes both the
// decoder (if any) and the underlying HTTP body.
type decodingBody struct {
	decoded io.Reader
	closer  func() error
}

// newDecodingBody selects a decoder based on the response's actual
// Content-Encoding header. Only "gzip" and "br" are decoded; any other
// value (including "", "identity" and "deflate") is passed through
// undecoded, the raw and decoded streams are then the same bytes, and
// both counters advance together.
func newDecodingBody(body io.ReadCloser, encoding string, onRaw, onDecoded func(int64)) (io.ReadCloser, error) {
	rawCounted := &countingReader{r: body, count: onRaw}

	switch encoding {
	case "gzip":
		gz, err := gzip.NewReader(rawCounted)
		if err != nil {
			return nil, err
		}

		return &decodingBody{
			decoded: &countingReader{r: gz, count: onDecoded},
			closer: func() error {
				gz.Close()
				return body.Close()
			},
		}, nil
	case "br":
		br := brotli.NewReader(rawCounted)

		return &decodingBody{
			decoded: &countingReader{r: br, count: onDecoded},
			closer:  body.Close,
		}, nil
	default:
		return &decodingBody{
			decoded: &countingReader{r: rawCounted, count: onDecoded},
			closer:  body.Close,
		}, nil
	}
}

func (d *decodingBody) Read(p []byte) (int, error) { return d.decoded.Read(p) }
func (d *decodingBody) Close() error               { return d.closer() }
