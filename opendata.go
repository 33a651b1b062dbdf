// Package opendata provides uniform, resilient read access to large
// (possibly remote, possibly gzip-compressed) text objects identified by
// URI, transparently caching remote objects on local disk and surviving
// partial network failures.
package opendata

import (
	"log/slog"
	"sync"

	"github.com/dig-bio/opendata/backend"
	"github.com/dig-bio/opendata/cache"
	"github.com/dig-bio/opendata/download"
)

// Client composes the backend registry, cache store and stream layers
// behind the open/exists contract. Clients are safe for concurrent use.
type Client struct {
	registry     *backend.Registry
	cacheCfg     *cache.Config
	forceRefresh bool
	logger       *slog.Logger
	downloader   download.Downloader

	storeOnce sync.Once
	store     *cache.Store
	storeErr  error
}

// cacheStore lazily opens the configured cache store. It runs at most
// once per client so the startup cleanup of stray partial files cannot
// race a download in flight from a concurrent Open.
func (c *Client) cacheStore() (*cache.Store, error) {
	c.storeOnce.Do(func() {
		c.store, c.storeErr = cache.New(*c.cacheCfg, cache.WithLogger(c.logger))
	})
	return c.store, c.storeErr
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger for the client and its built-in backends.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithCache enables the on-disk cache for remote objects.
func WithCache(cfg cache.Config) ClientOption {
	return func(c *Client) {
		c.cacheCfg = &cfg
	}
}

// WithForceRefresh makes every cached open re-download its object, as if
// each call passed Refresh.
func WithForceRefresh() ClientOption {
	return func(c *Client) {
		c.forceRefresh = true
	}
}

// WithRegistry replaces the backend registry. The caller owns populating
// it; the built-in local and remote backends are not registered.
func WithRegistry(r *backend.Registry) ClientOption {
	return func(c *Client) {
		c.registry = r
	}
}

// New creates a client with the built-in local filesystem and remote S3
// backends registered.
func New(opts ...ClientOption) *Client {
	c := &Client{logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	if c.registry == nil {
		c.registry = backend.NewRegistry()
		c.Register(backend.NewLocal())
		c.Register(backend.NewS3HTTP(backend.WithLogger(c.logger)))
	}
	return c
}

// Register adds or overrides a backend for the schemes it reports; the
// last registration for a scheme wins. The backend is wrapped with metrics
// instrumentation.
func (c *Client) Register(b backend.Backend) {
	c.registry.Register(backend.NewInstrumented(b, backendName(b)))
}

func backendName(b backend.Backend) string {
	schemes := b.Schemes()
	if len(schemes) == 0 || schemes[0] == "" {
		return "local"
	}
	return schemes[0]
}
