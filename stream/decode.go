package stream

import (
	"bufio"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/text/encoding"
	"golang.org/x/text/transform"
)

// gzipMagic is the two-byte gzip framing prefix.
var gzipMagic = []byte{0x1f, 0x8b}

// Decoded is a text stream over a raw byte stream. The first two bytes are
// peeked without being consumed; if they match the gzip magic number a
// streaming decompressor is inserted between the buffer and the text
// decoder. Close releases resources in reverse-acquisition order, swallows
// release errors, and is idempotent.
type Decoded struct {
	br      *bufio.Reader
	closers []io.Closer
	closed  bool
}

// DecodeOption configures a Decoded stream.
type DecodeOption func(*decodeOptions)

type decodeOptions struct {
	encoding encoding.Encoding
}

// WithEncoding sets the source text encoding. The stream is transcoded to
// UTF-8; nil means the source is already UTF-8.
func WithEncoding(enc encoding.Encoding) DecodeOption {
	return func(o *decodeOptions) {
		o.encoding = enc
	}
}

// NewDecoded wraps a raw byte stream in a text stream, auto-detecting gzip
// framing. On error the raw stream is closed before returning; detection
// only inspects the magic number, so non-gzip content that coincidentally
// starts with it surfaces a precise header error from the decompressor.
func NewDecoded(rc io.ReadCloser, opts ...DecodeOption) (*Decoded, error) {
	var o decodeOptions
	for _, opt := range opts {
		opt(&o)
	}

	d := &Decoded{closers: []io.Closer{rc}}

	buffered := bufio.NewReader(rc)
	var r io.Reader = buffered

	peek, _ := buffered.Peek(2)
	if len(peek) == 2 && peek[0] == gzipMagic[0] && peek[1] == gzipMagic[1] {
		gz, err := gzip.NewReader(buffered)
		if err != nil {
			_ = rc.Close()
			return nil, fmt.Errorf("decoding gzip stream: %w", err)
		}
		d.closers = append([]io.Closer{gz}, d.closers...)
		r = gz
	}

	if o.encoding != nil {
		r = transform.NewReader(r, o.encoding.NewDecoder())
	}

	d.br = bufio.NewReader(r)
	return d, nil
}

// Read implements io.Reader over the decoded text.
func (d *Decoded) Read(p []byte) (int, error) {
	return d.br.Read(p)
}

// ReadLine returns the next decoded line including its trailing newline.
func (d *Decoded) ReadLine() (string, error) {
	return d.br.ReadString('\n')
}

// Close releases the decompressor and then the raw stream. All release
// attempts happen unconditionally; a failure releasing an earlier resource
// never prevents later ones from releasing.
func (d *Decoded) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	for _, c := range d.closers {
		_ = c.Close()
	}
	return nil
}

// Compile-time interface check
var _ Handle = (*Decoded)(nil)
