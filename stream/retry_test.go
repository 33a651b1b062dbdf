package stream

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
)

// faultyRC yields data and then a read error instead of EOF.
type faultyRC struct {
	r   io.Reader
	err error
}

func (f *faultyRC) Read(p []byte) (int, error) {
	n, err := f.r.Read(p)
	if errors.Is(err, io.EOF) {
		return n, f.err
	}
	return n, err
}

func (f *faultyRC) Close() error { return nil }

// scriptedFactory returns one prepared handle per call, counting calls.
type scriptedFactory struct {
	handles []func() (Handle, error)
	calls   int
}

func (s *scriptedFactory) next() (Handle, error) {
	idx := s.calls
	s.calls++
	if idx >= len(s.handles) {
		idx = len(s.handles) - 1
	}
	return s.handles[idx]()
}

func decodedOver(rc io.ReadCloser) func() (Handle, error) {
	return func() (Handle, error) {
		return NewDecoded(rc)
	}
}

func TestRetryingRecoversMidRead(t *testing.T) {
	content := "line one\nline two\nline three\n"

	f := &scriptedFactory{handles: []func() (Handle, error){
		decodedOver(&faultyRC{r: strings.NewReader(content[:12]), err: io.ErrUnexpectedEOF}),
		decodedOver(io.NopCloser(strings.NewReader(content))),
	}}

	r, err := NewRetrying(f.next, 1)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, content, string(data))
	require.Equal(t, 2, f.calls)
}

func TestRetryingReadLineNoDuplicateNoGap(t *testing.T) {
	content := "a\nbb\nccc\ndddd\n"

	// The failure lands mid-line; the partial line must be replayed intact.
	f := &scriptedFactory{handles: []func() (Handle, error){
		decodedOver(&faultyRC{r: strings.NewReader(content[:5]), err: io.ErrUnexpectedEOF}),
		decodedOver(io.NopCloser(strings.NewReader(content))),
	}}

	r, err := NewRetrying(f.next, 1)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	var lines []string
	for {
		line, err := r.ReadLine()
		if line != "" {
			lines = append(lines, line)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
	}
	require.Equal(t, []string{"a\n", "bb\n", "ccc\n", "dddd\n"}, lines)
	require.Equal(t, 2, f.calls)
}

func TestRetryingZeroBudgetPropagates(t *testing.T) {
	f := &scriptedFactory{handles: []func() (Handle, error){
		decodedOver(&faultyRC{r: strings.NewReader("partial"), err: io.ErrUnexpectedEOF}),
	}}

	r, err := NewRetrying(f.next, 0)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	_, err = io.ReadAll(r)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	require.Equal(t, 1, f.calls)
}

func TestRetryingBudgetExhausted(t *testing.T) {
	broken := func() (Handle, error) {
		return NewDecoded(&faultyRC{r: strings.NewReader("x"), err: io.ErrUnexpectedEOF})
	}
	f := &scriptedFactory{handles: []func() (Handle, error){broken}}

	r, err := NewRetrying(f.next, 2)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	_, err = io.ReadAll(r)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	// initial open plus one reopen per budget unit
	require.Equal(t, 3, f.calls)
}

func TestRetryingResyncFailure(t *testing.T) {
	// The replacement stream is shorter than what was already delivered,
	// so the retry offset can never be reached.
	f := &scriptedFactory{handles: []func() (Handle, error){
		decodedOver(&faultyRC{r: strings.NewReader("0123456789"), err: io.ErrUnexpectedEOF}),
		decodedOver(io.NopCloser(strings.NewReader("0123"))),
	}}

	r, err := NewRetrying(f.next, 3)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	_, err = io.ReadAll(r)
	require.ErrorIs(t, err, ErrResync)
}

func TestRetryingCleanEOFNotRetried(t *testing.T) {
	f := &scriptedFactory{handles: []func() (Handle, error){
		decodedOver(io.NopCloser(strings.NewReader("whole\n"))),
	}}

	r, err := NewRetrying(f.next, 3)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "whole\n", string(data))
	require.Equal(t, 1, f.calls)
}

func TestRetryingFactoryFailureConsumesBudget(t *testing.T) {
	openErr := errors.New("backend unavailable")
	f := &scriptedFactory{handles: []func() (Handle, error){
		decodedOver(&faultyRC{r: strings.NewReader("abc"), err: io.ErrUnexpectedEOF}),
		func() (Handle, error) { return nil, openErr },
	}}

	r, err := NewRetrying(f.next, 1)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	_, err = io.ReadAll(r)
	require.ErrorIs(t, err, openErr)
}

func TestRetryCauseBuckets(t *testing.T) {
	require.Equal(t, "truncated", retryCause(io.ErrUnexpectedEOF))
	require.Equal(t, "corrupt_gzip", retryCause(gzip.ErrChecksum))
	require.Equal(t, "corrupt_gzip", retryCause(gzip.ErrHeader))
	require.Equal(t, "corrupt_deflate", retryCause(flate.CorruptInputError(42)))
	require.Equal(t, "io_error", retryCause(errors.New("connection reset")))
}

func TestRetryableClassification(t *testing.T) {
	require.False(t, Retryable(nil))
	require.False(t, Retryable(io.EOF))
	require.False(t, Retryable(ErrResync))
	require.False(t, Retryable(errors.New("arbitrary")))
	require.True(t, Retryable(io.ErrUnexpectedEOF))
}

func TestSkipExactOffset(t *testing.T) {
	payload := bytes.Repeat([]byte("abcdefgh"), 3000) // larger than one skip chunk
	d, err := NewDecoded(io.NopCloser(bytes.NewReader(payload)))
	require.NoError(t, err)
	defer func() { _ = d.Close() }()

	require.NoError(t, skip(d, 10000))

	rest, err := io.ReadAll(d)
	require.NoError(t, err)
	require.Equal(t, payload[10000:], rest)
}
