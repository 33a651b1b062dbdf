package opendata

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/text/encoding"

	"github.com/dig-bio/opendata/backend"
	"github.com/dig-bio/opendata/cache"
	"github.com/dig-bio/opendata/download"
	"github.com/dig-bio/opendata/stream"
)

// DefaultRetries is the default read retry budget for Open.
const DefaultRetries = 3

// OpenOption configures a single Open call.
type OpenOption func(*openOptions)

type openOptions struct {
	encoding encoding.Encoding
	retries  int
	download bool
	refresh  bool
}

// WithEncoding sets the source text encoding; nil means UTF-8.
func WithEncoding(enc encoding.Encoding) OpenOption {
	return func(o *openOptions) {
		o.encoding = enc
	}
}

// WithRetries sets the retry budget for mid-read failures and download
// attempts. Zero disables retry entirely.
func WithRetries(retries int) OpenOption {
	return func(o *openOptions) {
		o.retries = max(0, retries)
	}
}

// WithDownload makes remote objects stream to a temporary file first; the
// file is deleted when the returned handle is closed. Ignored when a cache
// is configured.
func WithDownload() OpenOption {
	return func(o *openOptions) {
		o.download = true
	}
}

// WithRefresh forces a cached object to be re-downloaded even if the
// cached copy is still valid.
func WithRefresh() OpenOption {
	return func(o *openOptions) {
		o.refresh = true
	}
}

// Open resolves the URI, selects a backend, and returns a uniform closable
// text stream over the object's decoded content. Remote objects go through
// the cache when one is configured; otherwise they stream directly, with
// mid-read failures retried transparently up to the retry budget.
func (c *Client) Open(ctx context.Context, uri string, opts ...OpenOption) (stream.Handle, error) {
	o := openOptions{retries: DefaultRetries}
	for _, opt := range opts {
		opt(&o)
	}

	resolved := backend.ResolveURI(uri)
	b, err := c.registry.Lookup(resolved)
	if err != nil {
		return nil, err
	}

	if c.cacheCfg != nil && backend.IsRemote(resolved) {
		return c.openCached(ctx, b, uri, resolved, o)
	}

	if o.download && backend.IsRemote(resolved) {
		return c.openDownloaded(ctx, b, resolved, o)
	}

	factory := func() (stream.Handle, error) {
		rc, err := b.OpenBinary(ctx, resolved)
		if err != nil {
			return nil, err
		}
		return stream.NewDecoded(rc, stream.WithEncoding(o.encoding))
	}

	if o.retries <= 0 {
		return factory()
	}
	return stream.NewRetrying(factory, o.retries)
}

// Exists reports whether the object behind the URI exists. It never errors
// for a plainly absent object, only for a failed request.
func (c *Client) Exists(ctx context.Context, uri string) (bool, error) {
	resolved := backend.ResolveURI(uri)
	b, err := c.registry.Lookup(resolved)
	if err != nil {
		return false, err
	}
	return b.Exists(ctx, resolved)
}

// Head fetches best-effort object metadata for the URI.
func (c *Client) Head(ctx context.Context, uri string) (backend.Metadata, error) {
	resolved := backend.ResolveURI(uri)
	b, err := c.registry.Lookup(resolved)
	if err != nil {
		return backend.Metadata{}, err
	}
	return b.HeadMetadata(ctx, resolved)
}

// openCached serves the object through the cache store: a valid cached
// copy is opened directly; otherwise the object is downloaded into the
// cache's objects directory and recorded. Concurrent fetches for the same
// URI are deduplicated.
func (c *Client) openCached(ctx context.Context, b backend.Backend, uri, resolved string, o openOptions) (stream.Handle, error) {
	store, err := c.cacheStore()
	if err != nil {
		return nil, err
	}

	refresh := o.refresh || c.forceRefresh
	if entry, err := store.Get(uri); err == nil {
		if !refresh && c.entryValid(ctx, b, resolved, entry) {
			return openLocalFile(entry.Path, o.encoding)
		}
		if err := store.Delete(uri); err != nil {
			return nil, err
		}
	}

	res, _, err := c.downloader.Do(ctx, resolved, func(ctx context.Context) (*download.Result, error) {
		return download.FetchToFile(ctx, b, resolved, store.ObjectsDir(), o.retries, c.logger)
	})
	if err != nil {
		c.downloader.Forget(resolved)
		return nil, err
	}

	path, err := store.Put(uri, res.Path, res.Size, res.Meta, res.Hash.String())
	if err != nil {
		// Another process may have already placed the object; the source
		// partial is gone either way.
		_ = os.Remove(res.Path)
		return nil, err
	}
	return openLocalFile(path, o.encoding)
}

// openDownloaded streams the object to an ephemeral temporary file and
// arranges its deletion when the returned handle is closed.
func (c *Client) openDownloaded(ctx context.Context, b backend.Backend, resolved string, o openOptions) (stream.Handle, error) {
	res, err := download.FetchToFile(ctx, b, resolved, "", o.retries, c.logger)
	if err != nil {
		return nil, err
	}

	h, err := openLocalFile(res.Path, o.encoding)
	if err != nil {
		_ = os.Remove(res.Path)
		return nil, err
	}
	return &removeOnClose{Handle: h, path: res.Path}, nil
}

// entryValid revalidates a cached entry against current remote metadata.
// When the remote side cannot supply metadata the cached entry is trusted
// as-is: availability is favored over staleness detection.
func (c *Client) entryValid(ctx context.Context, b backend.Backend, resolved string, entry *cache.Entry) bool {
	meta, err := b.HeadMetadata(ctx, resolved)
	if err != nil || meta.IsZero() {
		return true
	}
	if entry.ETag != "" && meta.ETag != "" && entry.ETag != meta.ETag {
		return false
	}
	if entry.LastModified != "" && meta.LastModified != "" && entry.LastModified != meta.LastModified {
		return false
	}
	if entry.ContentLength != 0 && meta.ContentLength != 0 && entry.ContentLength != meta.ContentLength {
		return false
	}
	return true
}

// openLocalFile opens a cached or downloaded object file as a decoded
// text stream.
func openLocalFile(path string, enc encoding.Encoding) (stream.Handle, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", backend.ErrNotFound, path)
		}
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return stream.NewDecoded(f, stream.WithEncoding(enc))
}

// removeOnClose deletes a temporary file when the wrapped handle closes.
type removeOnClose struct {
	stream.Handle
	path string
	once sync.Once
}

func (r *removeOnClose) Close() error {
	err := r.Handle.Close()
	r.once.Do(func() {
		_ = os.Remove(r.path)
	})
	return err
}

// IsNotFound reports whether an error from Open or Exists means the object
// is plainly absent.
func IsNotFound(err error) bool {
	return errors.Is(err, backend.ErrNotFound)
}
