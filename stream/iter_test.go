package stream

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func openText(t *testing.T, content string) *Decoded {
	t.Helper()
	d, err := NewDecoded(io.NopCloser(strings.NewReader(content)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestLines(t *testing.T) {
	var lines []string
	for line, err := range Lines(openText(t, "a\nbb\nccc\n")) {
		require.NoError(t, err)
		lines = append(lines, line)
	}
	require.Equal(t, []string{"a", "bb", "ccc"}, lines)
}

func TestLinesNoTrailingNewline(t *testing.T) {
	var lines []string
	for line, err := range Lines(openText(t, "a\nlast")) {
		require.NoError(t, err)
		lines = append(lines, line)
	}
	require.Equal(t, []string{"a", "last"}, lines)
}

func TestLinesEmpty(t *testing.T) {
	for range Lines(openText(t, "")) {
		t.Fatal("empty stream must yield nothing")
	}
}

func TestLinesPropagatesError(t *testing.T) {
	d, err := NewDecoded(&faultyRC{r: strings.NewReader("a\npart"), err: io.ErrUnexpectedEOF})
	require.NoError(t, err)
	defer func() { _ = d.Close() }()

	var lines []string
	var lastErr error
	for line, err := range Lines(d) {
		if err != nil {
			lastErr = err
			break
		}
		lines = append(lines, line)
	}
	require.Equal(t, []string{"a"}, lines)
	require.ErrorIs(t, lastErr, io.ErrUnexpectedEOF)
}

func TestTSVRecords(t *testing.T) {
	content := "id\tname\tvalue\n1\talpha\t10\n2\tbeta\t20\n"

	tsv := NewTSV(openText(t, content))
	header, err := tsv.Header()
	require.NoError(t, err)
	require.Equal(t, []string{"id", "name", "value"}, header)

	rec, err := tsv.Read()
	require.NoError(t, err)
	require.Equal(t, map[string]string{"id": "1", "name": "alpha", "value": "10"}, rec)

	rec, err = tsv.Read()
	require.NoError(t, err)
	require.Equal(t, map[string]string{"id": "2", "name": "beta", "value": "20"}, rec)

	_, err = tsv.Read()
	require.ErrorIs(t, err, io.EOF)
}

func TestTSVShortRow(t *testing.T) {
	tsv := NewTSV(openText(t, "a\tb\tc\n1\t2\n"))

	rec, err := tsv.Read()
	require.NoError(t, err)
	require.Equal(t, map[string]string{"a": "1", "b": "2"}, rec)
}

func TestTSVEmptyInput(t *testing.T) {
	tsv := NewTSV(openText(t, ""))
	_, err := tsv.Read()
	require.ErrorIs(t, err, io.EOF)
}

func TestRecordsIterator(t *testing.T) {
	var names []string
	for rec, err := range Records(openText(t, "id\tname\n1\tx\n2\ty\n")) {
		require.NoError(t, err)
		names = append(names, rec["name"])
	}
	require.Equal(t, []string{"x", "y"}, names)
}
