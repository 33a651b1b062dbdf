// Package cache implements the on-disk object cache: a key to local-file
// index backed by a durable JSONL log and content-addressed object files,
// with size and TTL bounded eviction.
//
// The cache exclusively owns its directory. Object bodies live under
// objects/{sha256(key)}; the index is replaced atomically so distinct
// processes sharing one cache directory never observe a half-written
// object or index. There is no cross-process locking: two processes racing
// to put the same key each produce a valid update and the later rename
// wins, which is benign because both downloaded the same logical object.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dig-bio/opendata/backend"
	"github.com/dig-bio/opendata/telemetry"
)

// DefaultMaxBytes is the default cache size budget (10 GiB).
const DefaultMaxBytes = 10 << 30

// PartialSuffix marks in-progress downloads inside the objects directory.
// Any partial file found at store initialization is garbage from a crashed
// prior run and is deleted eagerly.
const PartialSuffix = ".partial"

// ErrNotFound is returned by Get for keys with no valid entry.
var ErrNotFound = errors.New("cache entry not found")

// Config holds cache configuration. Immutable once constructed.
type Config struct {
	// Dir is the cache directory root.
	Dir string

	// MaxBytes bounds the total size of indexed objects.
	// Zero means DefaultMaxBytes.
	MaxBytes int64

	// TTL is the maximum idle time since last access before an entry is
	// considered stale. Zero means unlimited.
	TTL time.Duration
}

// Entry is the persisted record for one cached object.
type Entry struct {
	Path          string    `json:"path"`
	Size          int64     `json:"size"`
	CreatedAt     time.Time `json:"created_at"`
	LastAccess    time.Time `json:"last_access"`
	ETag          string    `json:"etag,omitempty"`
	LastModified  string    `json:"last_modified,omitempty"`
	ContentLength int64     `json:"content_length,omitempty"`
	ContentHash   string    `json:"content_hash,omitempty"`
}

// Store is the on-disk cache. The index is the authoritative source of
// truth and is fully reloaded from disk on every operation, trading some
// I/O for correctness under concurrent external inspection.
type Store struct {
	cfg        Config
	dir        string
	objectsDir string
	indexPath  string
	logger     *slog.Logger
	now        func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the logger for cache events.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// New opens (creating if needed) the cache rooted at cfg.Dir and removes
// stray partial files left behind by a crashed prior run.
func New(cfg Config, opts ...StoreOption) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("cache directory not configured")
	}
	if cfg.MaxBytes == 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}

	dir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolving cache directory: %w", err)
	}

	s := &Store{
		cfg:        cfg,
		dir:        dir,
		objectsDir: filepath.Join(dir, "objects"),
		indexPath:  filepath.Join(dir, "index.jsonl"),
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(s.objectsDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating objects directory: %w", err)
	}
	s.cleanupPartials()

	return s, nil
}

// ObjectsDir returns the directory downloads should stream their partial
// files into, so the final placement is a same-filesystem atomic rename.
func (s *Store) ObjectsDir() string {
	return s.objectsDir
}

// Get looks up the entry for a key. An entry whose file is missing, or
// that has exceeded the TTL, is deleted and reported absent; otherwise its
// last access time is updated.
func (s *Store) Get(key string) (*Entry, error) {
	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}

	entry, ok := index[key]
	if !ok {
		telemetry.RecordCacheLookup("miss")
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	if entry.Path == "" || !fileExists(entry.Path) {
		s.logger.Debug("purging cache entry with missing object file", "key", key)
		s.deleteEntry(key, entry)
		telemetry.RecordCacheLookup("corrupt")
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	if s.expired(entry) {
		s.logger.Debug("purging expired cache entry", "key", key, "last_access", entry.LastAccess)
		s.deleteEntry(key, entry)
		telemetry.RecordCacheLookup("stale")
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	entry.LastAccess = s.now()
	index[key] = entry
	if err := s.writeIndex(index); err != nil {
		return nil, err
	}

	telemetry.RecordCacheLookup("hit")
	return entry, nil
}

// Put atomically moves a downloaded temp file into the objects directory
// under a stable digest of the key, records the index entry with current
// timestamps and any supplied metadata, then runs eviction. It returns the
// final object path.
func (s *Store) Put(key, sourcePath string, size int64, meta backend.Metadata, contentHash string) (string, error) {
	destPath := filepath.Join(s.objectsDir, KeyDigest(key))
	if err := os.Rename(sourcePath, destPath); err != nil {
		return "", fmt.Errorf("placing object file: %w", err)
	}

	now := s.now()
	entry := &Entry{
		Path:          destPath,
		Size:          size,
		CreatedAt:     now,
		LastAccess:    now,
		ETag:          meta.ETag,
		LastModified:  meta.LastModified,
		ContentLength: meta.ContentLength,
		ContentHash:   contentHash,
	}

	index, err := s.loadIndex()
	if err != nil {
		return "", err
	}
	index[key] = entry
	if err := s.writeIndex(index); err != nil {
		return "", err
	}

	s.evict()
	return destPath, nil
}

// Delete removes both the object file (best effort) and the index entry.
func (s *Store) Delete(key string) error {
	index, err := s.loadIndex()
	if err != nil {
		return err
	}
	if entry, ok := index[key]; ok {
		s.deleteEntry(key, entry)
	}
	return nil
}

// Purge removes every entry and its object file, returning the number of
// entries removed.
func (s *Store) Purge() (int, error) {
	index, err := s.loadIndex()
	if err != nil {
		return 0, err
	}
	for key, entry := range index {
		s.deleteEntry(key, entry)
	}
	return len(index), nil
}

// KeyDigest returns the stable object file name for a cache key: the
// SHA-256 hex digest, so repeated puts for one key reuse one physical name.
func KeyDigest(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// expired reports whether an entry has exceeded the configured TTL.
func (s *Store) expired(entry *Entry) bool {
	if s.cfg.TTL <= 0 {
		return false
	}
	return s.now().Sub(entry.LastAccess) > s.cfg.TTL
}

// evict repeatedly removes the entry with the oldest last access (global
// LRU) until the total indexed size is within budget or the index is
// empty. A single object larger than the budget is evicted too, not
// retained.
func (s *Store) evict() {
	index, err := s.loadIndex()
	if err != nil {
		s.logger.Warn("eviction skipped, index unreadable", "error", err)
		return
	}

	var total int64
	for _, entry := range index {
		total += entry.Size
	}
	if total <= s.cfg.MaxBytes {
		return
	}

	type keyed struct {
		key   string
		entry *Entry
	}
	entries := make([]keyed, 0, len(index))
	for key, entry := range index {
		entries = append(entries, keyed{key, entry})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].entry.LastAccess.Before(entries[j].entry.LastAccess)
	})

	var evicted int
	var freed int64
	for _, ke := range entries {
		if total <= s.cfg.MaxBytes {
			break
		}
		s.deleteEntry(ke.key, ke.entry)
		total -= ke.entry.Size
		freed += ke.entry.Size
		evicted++
	}

	if evicted > 0 {
		s.logger.Debug("evicted cache entries", "count", evicted, "bytes_freed", freed)
		telemetry.RecordCacheEviction(evicted, freed)
	}
}

// deleteEntry removes the object file (best effort) and rewrites the index
// without the key. The index is reloaded so concurrent updates to other
// keys are not lost.
func (s *Store) deleteEntry(key string, entry *Entry) {
	if entry.Path != "" {
		if err := os.Remove(entry.Path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove cached object file", "path", entry.Path, "error", err)
		}
	}

	index, err := s.loadIndex()
	if err != nil {
		return
	}
	if _, ok := index[key]; ok {
		delete(index, key)
		_ = s.writeIndex(index)
	}
}

// cleanupPartials removes in-progress download files unconditionally.
func (s *Store) cleanupPartials() {
	names, err := os.ReadDir(s.objectsDir)
	if err != nil {
		return
	}
	for _, de := range names {
		if strings.HasSuffix(de.Name(), PartialSuffix) {
			_ = os.Remove(filepath.Join(s.objectsDir, de.Name()))
		}
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
