package opendata

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dig-bio/opendata/cache"
)

// Environment variables consumed by NewFromEnv.
const (
	EnvCacheDir      = "OPENDATA_CACHE_DIR"
	EnvCacheMaxBytes = "OPENDATA_CACHE_MAX_BYTES"
	EnvCacheTTLDays  = "OPENDATA_CACHE_TTL_DAYS"
	EnvCacheForce    = "OPENDATA_CACHE_FORCE"
)

// CacheConfigFromEnv builds a cache configuration from the environment.
// Returns nil when no cache directory is configured.
func CacheConfigFromEnv() *cache.Config {
	dir := os.Getenv(EnvCacheDir)
	if dir == "" {
		return nil
	}
	cfg := &cache.Config{
		Dir:      dir,
		MaxBytes: parseIntEnv(EnvCacheMaxBytes, cache.DefaultMaxBytes),
	}
	if days := parseIntEnv(EnvCacheTTLDays, 0); days > 0 {
		cfg.TTL = time.Duration(days) * 24 * time.Hour
	}
	return cfg
}

// ForceRefreshFromEnv reports whether the environment requests that every
// cached open re-download its object.
func ForceRefreshFromEnv() bool {
	switch strings.ToLower(os.Getenv(EnvCacheForce)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// NewFromEnv creates a client configured from the environment; explicit
// options take precedence over environment values.
func NewFromEnv(opts ...ClientOption) *Client {
	var envOpts []ClientOption
	if cfg := CacheConfigFromEnv(); cfg != nil {
		envOpts = append(envOpts, WithCache(*cfg))
	}
	if ForceRefreshFromEnv() {
		envOpts = append(envOpts, WithForceRefresh())
	}
	return New(append(envOpts, opts...)...)
}

func parseIntEnv(name string, def int64) int64 {
	value := os.Getenv(name)
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}
