// Package stream provides the uniform closable text stream returned by the
// access layer: gzip-sniffing decode on open, and a resumable wrapper that
// survives mid-read failures by reopening and re-synchronizing.
package stream

import (
	"errors"
	"io"
)

// Handle is the uniform text stream contract exposed to callers. Line
// iteration is lazy, forward-only and not restartable; Close is idempotent
// and safe to call multiple times.
type Handle interface {
	io.Reader

	// ReadLine returns the next line of decoded text including its
	// trailing newline. The final line may arrive together with io.EOF;
	// after that, ReadLine returns ("", io.EOF).
	ReadLine() (string, error)

	// Close releases all wrapped resources.
	Close() error
}

// Factory produces a fresh Handle positioned at the start of the object,
// typically by reopening the backend and decoding from scratch.
type Factory func() (Handle, error)

// ErrResync is returned when a reopened stream ends before the previously
// delivered offset can be reached. It signals that the source shrank or
// changed between retry attempts and is always fatal.
var ErrResync = errors.New("stream ended before retry offset could be reached")
