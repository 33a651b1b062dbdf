// Package download fetches remote objects to local files, verifying
// declared content lengths, and deduplicates concurrent fetches for the
// same key with singleflight.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/dig-bio/opendata/backend"
	"github.com/dig-bio/opendata/cache"
	"github.com/dig-bio/opendata/telemetry"
)

// ErrTruncated is returned when a transfer delivers fewer bytes than the
// declared content length. The partial artifact is deleted before the
// error surfaces.
var ErrTruncated = errors.New("truncated download")

// Result describes a completed fetch. The caller owns the file at Path.
type Result struct {
	Path string
	Size int64
	Meta backend.Metadata
	Hash Hash
}

// FetchToFile streams the object behind uri into a new file, retrying the
// whole transfer up to retries additional times. When dir is non-empty the
// file is created there with a partial-download suffix (so a same-
// filesystem rename can later place it in the cache, and crash leftovers
// are recognizable); otherwise an ephemeral temp file is used.
//
// The received byte count is verified against the declared content length
// when one is available; short transfers are rejected. A missing object is
// never retried.
func FetchToFile(ctx context.Context, b backend.Backend, uri, dir string, retries int, logger *slog.Logger) (*Result, error) {
	if logger == nil {
		logger = slog.Default()
	}

	attempts := max(0, retries) + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		start := time.Now()
		res, err := fetchOnce(ctx, b, uri, dir)
		if err == nil {
			telemetry.RecordDownload(res.Size, time.Since(start), "ok")
			return res, nil
		}
		if errors.Is(err, backend.ErrNotFound) {
			return nil, err
		}
		telemetry.RecordDownload(0, time.Since(start), "error")
		logger.Debug("download attempt failed", "uri", uri, "attempt", attempt, "error", err)
		lastErr = err
	}
	return nil, fmt.Errorf("downloading %s: %w", uri, lastErr)
}

func fetchOnce(ctx context.Context, b backend.Backend, uri, dir string) (*Result, error) {
	// Best effort; transfers proceed without metadata.
	meta, _ := b.HeadMetadata(ctx, uri)

	rc, err := b.OpenBinary(ctx, uri)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	f, path, err := createTransferFile(dir)
	if err != nil {
		return nil, err
	}

	success := false
	defer func() {
		_ = f.Close()
		if !success {
			_ = os.Remove(path)
		}
	}()

	hr := NewHashingReader(rc)
	n, err := io.Copy(f, hr)
	if err != nil {
		return nil, fmt.Errorf("writing transfer: %w", err)
	}
	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("syncing transfer: %w", err)
	}

	if meta.ContentLength > 0 && n < meta.ContentLength {
		return nil, fmt.Errorf("%w: received %d bytes, expected %d", ErrTruncated, n, meta.ContentLength)
	}
	if meta.ContentLength == 0 {
		meta.ContentLength = n
	}

	success = true
	return &Result{
		Path: path,
		Size: n,
		Meta: meta,
		Hash: hr.Sum(),
	}, nil
}

// createTransferFile creates the destination file for one transfer
// attempt. Inside a cache objects directory the name carries the partial
// suffix and a UUID so unrelated processes sharing the directory never
// collide.
func createTransferFile(dir string) (*os.File, string, error) {
	if dir == "" {
		f, err := os.CreateTemp("", "opendata-*.tmp")
		if err != nil {
			return nil, "", fmt.Errorf("creating temp file: %w", err)
		}
		return f, f.Name(), nil
	}

	path := filepath.Join(dir, "opendata-"+uuid.NewString()+cache.PartialSuffix)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, "", fmt.Errorf("creating partial file: %w", err)
	}
	return f, path, nil
}

// Downloader deduplicates concurrent fetches for the same resource key
// using singleflight. DoChan lets each caller respect its own context
// deadline without cancelling the in-flight fetch for other waiters.
type Downloader struct {
	group singleflight.Group
}

// FetchFunc performs one deduplicated fetch. It receives a context
// detached from any single caller.
type FetchFunc func(ctx context.Context) (*Result, error)

// Do runs fn once per key across concurrent callers. It returns the
// result, whether it was shared with another caller, and any error. If the
// caller's context expires first, Do returns the context error but the
// in-flight fetch continues for the other waiters.
func (d *Downloader) Do(ctx context.Context, key string, fn FetchFunc) (*Result, bool, error) {
	ch := d.group.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		return res.Val.(*Result), res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Forget removes the key from the singleflight group, allowing a
// subsequent call to retry. Typically called after a fetch error.
func (d *Downloader) Forget(key string) {
	d.group.Forget(key)
}
