package stream

import (
	"encoding/csv"
	"errors"
	"io"
	"iter"
	"strings"
)

// Lines iterates a handle's decoded lines with trailing newlines
// stripped. Iteration ends at the first error; a clean end of stream
// yields no error entry. The handle is not closed.
func Lines(h Handle) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for {
			line, err := h.ReadLine()
			if errors.Is(err, io.EOF) {
				if line != "" {
					yield(strings.TrimSuffix(line, "\n"), nil)
				}
				return
			}
			if err != nil {
				yield("", err)
				return
			}
			if !yield(strings.TrimSuffix(line, "\n"), nil) {
				return
			}
		}
	}
}

// TSV reads tab-separated records whose first row is a header, yielding
// one map per data row keyed by column name. Short rows leave the
// trailing columns absent from the map.
type TSV struct {
	r      *csv.Reader
	header []string
}

// NewTSV creates a TSV record reader over decoded text.
func NewTSV(r io.Reader) *TSV {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1
	return &TSV{r: cr}
}

// Header returns the column names, consuming the header row if it has
// not been read yet.
func (t *TSV) Header() ([]string, error) {
	if t.header == nil {
		header, err := t.r.Read()
		if err != nil {
			return nil, err
		}
		t.header = header
	}
	return t.header, nil
}

// Read returns the next record, or io.EOF after the last row.
func (t *TSV) Read() (map[string]string, error) {
	if _, err := t.Header(); err != nil {
		return nil, err
	}
	row, err := t.r.Read()
	if err != nil {
		return nil, err
	}
	record := make(map[string]string, len(t.header))
	for i, name := range t.header {
		if i < len(row) {
			record[name] = row[i]
		}
	}
	return record, nil
}

// Records iterates every data record of a TSV handle. Iteration ends at
// the first error; a clean end of stream yields no error entry.
func Records(h Handle) iter.Seq2[map[string]string, error] {
	t := NewTSV(h)
	return func(yield func(map[string]string, error) bool) {
		for {
			record, err := t.Read()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(record, nil) {
				return
			}
		}
	}
}
