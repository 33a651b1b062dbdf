package cache

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// indexRecord is one line of the JSONL index log. Later records for the
// same key supersede earlier ones, so the index is reconstructible by
// replay.
type indexRecord struct {
	Key   string `json:"key"`
	Entry *Entry `json:"entry"`
}

// loadIndex replays the index log from disk. Malformed lines are skipped
// rather than failing the whole index; local corruption is self-healing.
func (s *Store) loadIndex() (map[string]*Entry, error) {
	f, err := os.Open(s.indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*Entry{}, nil
		}
		return nil, fmt.Errorf("opening cache index: %w", err)
	}
	defer func() { _ = f.Close() }()

	index := make(map[string]*Entry)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec indexRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			s.logger.Warn("skipping malformed cache index record", "error", err)
			continue
		}
		if rec.Key != "" && rec.Entry != nil {
			index[rec.Key] = rec.Entry
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading cache index: %w", err)
	}
	return index, nil
}

// writeIndex replaces the index log crash-safely: the full index is
// written to a temp file in the cache directory and atomically renamed
// into place, never partially written in place.
func (s *Store) writeIndex(index map[string]*Entry) error {
	tmp, err := os.CreateTemp(s.dir, "index-*.jsonl")
	if err != nil {
		return fmt.Errorf("creating index temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	keys := make([]string, 0, len(index))
	for key := range index {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for _, key := range keys {
		if err := enc.Encode(indexRecord{Key: key, Entry: index[key]}); err != nil {
			return fmt.Errorf("encoding index record: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flushing index: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing index temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.indexPath); err != nil {
		return fmt.Errorf("replacing index: %w", err)
	}

	success = true
	return nil
}
