package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dig-bio/opendata/backend"
)

func newTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	s, err := New(cfg)
	require.NoError(t, err)
	return s
}

// stageObject writes a file into the objects directory for Put to consume.
func stageObject(t *testing.T, s *Store, content string) string {
	t.Helper()
	f, err := os.CreateTemp(s.ObjectsDir(), "staged-*"+PartialSuffix)
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return f.Name()
}

func put(t *testing.T, s *Store, key, content string, meta backend.Metadata) string {
	t.Helper()
	src := stageObject(t, s, content)
	path, err := s.Put(key, src, int64(len(content)), meta, "")
	require.NoError(t, err)
	return path
}

func TestStoreRoundTrip(t *testing.T) {
	s := newTestStore(t, Config{})

	meta := backend.Metadata{ETag: "abc", LastModified: "mon", ContentLength: 5}
	path := put(t, s, "s3://bucket/key", "hello", meta)
	require.Equal(t, filepath.Join(s.ObjectsDir(), KeyDigest("s3://bucket/key")), path)

	entry, err := s.Get("s3://bucket/key")
	require.NoError(t, err)
	require.Equal(t, path, entry.Path)
	require.Equal(t, int64(5), entry.Size)
	require.Equal(t, "abc", entry.ETag)
	require.Equal(t, "mon", entry.LastModified)
	require.Equal(t, int64(5), entry.ContentLength)

	data, err := os.ReadFile(entry.Path)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
}

func TestStoreGetUnknownKey(t *testing.T) {
	s := newTestStore(t, Config{})
	_, err := s.Get("s3://bucket/never-stored")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStoreGetTouchesLastAccess(t *testing.T) {
	s := newTestStore(t, Config{})
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	put(t, s, "k", "v", backend.Metadata{})

	s.now = func() time.Time { return base.Add(time.Hour) }
	entry, err := s.Get("k")
	require.NoError(t, err)
	require.Equal(t, base.Add(time.Hour), entry.LastAccess)

	// the touch is persisted
	index, err := s.loadIndex()
	require.NoError(t, err)
	require.Equal(t, base.Add(time.Hour).Unix(), index["k"].LastAccess.Unix())
}

func TestStoreTTLExpiry(t *testing.T) {
	s := newTestStore(t, Config{TTL: time.Hour})
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	path := put(t, s, "k", "v", backend.Metadata{})

	s.now = func() time.Time { return base.Add(2 * time.Hour) }
	_, err := s.Get("k")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoFileExists(t, path)
}

func TestStoreTTLRefreshedByAccess(t *testing.T) {
	s := newTestStore(t, Config{TTL: time.Hour})
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	put(t, s, "k", "v", backend.Metadata{})

	// access within TTL pushes the expiry window forward
	s.now = func() time.Time { return base.Add(50 * time.Minute) }
	_, err := s.Get("k")
	require.NoError(t, err)

	s.now = func() time.Time { return base.Add(100 * time.Minute) }
	_, err = s.Get("k")
	require.NoError(t, err)
}

func TestStoreMissingFileSelfHeals(t *testing.T) {
	s := newTestStore(t, Config{})
	path := put(t, s, "k", "v", backend.Metadata{})
	require.NoError(t, os.Remove(path))

	_, err := s.Get("k")
	require.ErrorIs(t, err, ErrNotFound)

	index, err := s.loadIndex()
	require.NoError(t, err)
	require.NotContains(t, index, "k")
}

func TestStoreLRUEviction(t *testing.T) {
	s := newTestStore(t, Config{MaxBytes: 25})
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	s.now = func() time.Time { return base }
	put(t, s, "a", "aaaaaaaaaa", backend.Metadata{}) // 10 bytes

	s.now = func() time.Time { return base.Add(time.Minute) }
	put(t, s, "b", "bbbbbbbbbb", backend.Metadata{}) // 10 bytes

	// "a" is touched, so "b" becomes the LRU victim
	s.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, err := s.Get("a")
	require.NoError(t, err)

	s.now = func() time.Time { return base.Add(3 * time.Minute) }
	put(t, s, "c", "cccccccccc", backend.Metadata{}) // total 30 > 25

	index, err := s.loadIndex()
	require.NoError(t, err)
	require.Contains(t, index, "a")
	require.NotContains(t, index, "b")
	require.Contains(t, index, "c")
	require.NoFileExists(t, filepath.Join(s.ObjectsDir(), KeyDigest("b")))
}

func TestStoreEvictionOversizedObject(t *testing.T) {
	s := newTestStore(t, Config{MaxBytes: 4})
	path := put(t, s, "big", "too large to keep", backend.Metadata{})

	index, err := s.loadIndex()
	require.NoError(t, err)
	require.Empty(t, index)
	require.NoFileExists(t, path)
}

func TestStorePutOverwritesSameKey(t *testing.T) {
	s := newTestStore(t, Config{})
	first := put(t, s, "k", "old", backend.Metadata{ETag: "v1"})
	second := put(t, s, "k", "new!", backend.Metadata{ETag: "v2"})
	require.Equal(t, first, second)

	entry, err := s.Get("k")
	require.NoError(t, err)
	require.Equal(t, "v2", entry.ETag)
	require.Equal(t, int64(4), entry.Size)

	data, err := os.ReadFile(entry.Path)
	require.NoError(t, err)
	require.Equal(t, "new!", string(data))
}

func TestStoreDelete(t *testing.T) {
	s := newTestStore(t, Config{})
	path := put(t, s, "k", "v", backend.Metadata{})

	require.NoError(t, s.Delete("k"))
	require.NoFileExists(t, path)

	_, err := s.Get("k")
	require.ErrorIs(t, err, ErrNotFound)

	// deleting an absent key is not an error
	require.NoError(t, s.Delete("k"))
}

func TestStorePurge(t *testing.T) {
	s := newTestStore(t, Config{})
	put(t, s, "a", "1", backend.Metadata{})
	put(t, s, "b", "2", backend.Metadata{})

	removed, err := s.Purge()
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	index, err := s.loadIndex()
	require.NoError(t, err)
	require.Empty(t, index)
}

func TestStoreCleanupPartialsOnNew(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, Config{Dir: dir})

	stray := filepath.Join(s.ObjectsDir(), "opendata-abc"+PartialSuffix)
	require.NoError(t, os.WriteFile(stray, []byte("half"), 0o644))
	kept := put(t, s, "k", "v", backend.Metadata{})

	_ = newTestStore(t, Config{Dir: dir})
	require.NoFileExists(t, stray)
	require.FileExists(t, kept)
}

func TestStoreSharedDirectoryAcrossStores(t *testing.T) {
	dir := t.TempDir()
	first := newTestStore(t, Config{Dir: dir})
	put(t, first, "k", "shared", backend.Metadata{})

	second := newTestStore(t, Config{Dir: dir})
	entry, err := second.Get("k")
	require.NoError(t, err)

	data, err := os.ReadFile(entry.Path)
	require.NoError(t, err)
	require.Equal(t, "shared", string(data))
}

func TestStoreIndexSkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, Config{Dir: dir})
	put(t, s, "good", "v", backend.Metadata{})

	f, err := os.OpenFile(filepath.Join(s.dir, "index.jsonl"), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{this is not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	index, err := s.loadIndex()
	require.NoError(t, err)
	require.Contains(t, index, "good")
	require.Len(t, index, 1)
}

func TestKeyDigestStable(t *testing.T) {
	d1 := KeyDigest("s3://bucket/key")
	d2 := KeyDigest("s3://bucket/key")
	require.Equal(t, d1, d2)
	require.Len(t, d1, 64)
	require.NotEqual(t, d1, KeyDigest("s3://bucket/other"))
}
