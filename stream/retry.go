package stream

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"

	"github.com/dig-bio/opendata/telemetry"
)

// skipChunk bounds each discard read during resynchronization.
const skipChunk = 8192

// Retrying wraps a stream factory so that a stream failing mid-read can be
// recovered transparently. It tracks the cumulative count of decoded bytes
// already returned to the caller; on a retryable failure it closes the
// broken stream, obtains a brand-new one from the factory, discards exactly
// that many bytes from the front, and retries the original read. The text
// observed by the caller is append-clean as long as the source content
// matches across attempts.
type Retrying struct {
	factory   Factory
	remaining int
	cur       Handle
	delivered int64
}

// NewRetrying constructs the wrapper and opens the initial stream.
func NewRetrying(factory Factory, retries int) (*Retrying, error) {
	cur, err := factory()
	if err != nil {
		return nil, err
	}
	return &Retrying{
		factory:   factory,
		remaining: max(0, retries),
		cur:       cur,
	}, nil
}

// Read implements io.Reader with transparent retry.
func (r *Retrying) Read(p []byte) (int, error) {
	for {
		n, err := r.cur.Read(p)
		if n > 0 {
			r.delivered += int64(n)
			return n, nil
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			return 0, io.EOF
		}
		if !r.retry(err) {
			return 0, err
		}
	}
}

// ReadLine implements line iteration with transparent retry. A partial line
// read before a failure is discarded; resynchronization replays it from the
// fresh stream.
func (r *Retrying) ReadLine() (string, error) {
	for {
		line, err := r.cur.ReadLine()
		if err == nil || errors.Is(err, io.EOF) {
			r.delivered += int64(len(line))
			return line, err
		}
		if !r.retry(err) {
			return "", err
		}
	}
}

// Close closes the current underlying stream.
func (r *Retrying) Close() error {
	return r.cur.Close()
}

// retry reports whether the failed read should be attempted again. When it
// returns true, r.cur is a fresh stream positioned at the delivered offset.
// Factory or resync failures replace the current stream error.
func (r *Retrying) retry(cause error) bool {
	if !Retryable(cause) || r.remaining <= 0 {
		return false
	}
	r.remaining--
	_ = r.cur.Close()

	fresh, err := r.factory()
	if err != nil {
		r.cur = &failedHandle{err: err}
		return true
	}
	if err := skip(fresh, r.delivered); err != nil {
		_ = fresh.Close()
		r.cur = &failedHandle{err: err}
		return true
	}
	r.cur = fresh
	telemetry.RecordStreamRetry(retryCause(cause))
	return true
}

// retryCause buckets a retry-triggering error for metrics.
func retryCause(err error) string {
	switch {
	case errors.Is(err, io.ErrUnexpectedEOF):
		return "truncated"
	case errors.Is(err, gzip.ErrChecksum), errors.Is(err, gzip.ErrHeader):
		return "corrupt_gzip"
	}
	var corrupt flate.CorruptInputError
	if errors.As(err, &corrupt) {
		return "corrupt_deflate"
	}
	return "io_error"
}

// skip discards exactly n decoded bytes from the front of a fresh stream
// by repeated bounded reads.
func skip(h Handle, n int64) error {
	buf := make([]byte, skipChunk)
	remaining := n
	for remaining > 0 {
		limit := int64(len(buf))
		if remaining < limit {
			limit = remaining
		}
		read, err := h.Read(buf[:limit])
		remaining -= int64(read)
		if err != nil {
			if errors.Is(err, io.EOF) && remaining > 0 {
				return fmt.Errorf("%w: %d bytes short", ErrResync, remaining)
			}
			if remaining > 0 {
				return err
			}
		}
	}
	return nil
}

// Retryable reports whether a read error is recoverable by reopening the
// stream: truncated or corrupt compressed data and generic I/O failures
// qualify; clean EOF and resync failures never do.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, ErrResync) {
		return false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, gzip.ErrChecksum) ||
		errors.Is(err, gzip.ErrHeader) {
		return true
	}
	var corrupt flate.CorruptInputError
	if errors.As(err, &corrupt) {
		return true
	}
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return true
	}
	var sysErr *os.SyscallError
	return errors.As(err, &sysErr)
}

// failedHandle holds an error from a failed reopen or resync so it
// surfaces on the caller's next read, subject to the remaining budget.
type failedHandle struct {
	err error
}

func (f *failedHandle) Read([]byte) (int, error)  { return 0, f.err }
func (f *failedHandle) ReadLine() (string, error) { return "", f.err }
func (f *failedHandle) Close() error              { return nil }

// Compile-time interface check
var _ Handle = (*Retrying)(nil)
