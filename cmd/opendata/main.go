// Command opendata streams, checks and caches text objects by URI.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	opendata "github.com/dig-bio/opendata"
	"github.com/dig-bio/opendata/cache"
)

var version = "dev"

type cli struct {
	LogLevel string `help:"Log level (debug, info, warn, error)." enum:"debug,info,warn,error" default:"info" env:"OPENDATA_LOG_LEVEL"`

	Cat    catCmd     `cmd:"" help:"Stream an object's decoded text content to stdout."`
	Exists existsCmd  `cmd:"" help:"Check whether an object exists."`
	Head   headCmd    `cmd:"" help:"Print an object's metadata."`
	Cache  cacheCmd   `cmd:"" help:"Manage the on-disk cache."`
	Ver    versionCmd `cmd:"" name:"version" help:"Print the version."`
}

type catCmd struct {
	URI      string `arg:"" help:"Object URI (path, file://, s3:// or registry://)."`
	Retries  int    `help:"Retry budget for mid-read failures." default:"3"`
	Download bool   `help:"Stream to a temporary file before reading."`
	Refresh  bool   `help:"Force re-download even if the cached copy is valid."`
}

func (c *catCmd) Run(ctx context.Context, client *opendata.Client) error {
	opts := []opendata.OpenOption{opendata.WithRetries(c.Retries)}
	if c.Download {
		opts = append(opts, opendata.WithDownload())
	}
	if c.Refresh {
		opts = append(opts, opendata.WithRefresh())
	}

	h, err := client.Open(ctx, c.URI, opts...)
	if err != nil {
		return err
	}
	defer func() { _ = h.Close() }()

	_, err = io.Copy(os.Stdout, h)
	return err
}

type existsCmd struct {
	URI string `arg:"" help:"Object URI."`
}

func (c *existsCmd) Run(ctx context.Context, client *opendata.Client) error {
	ok, err := client.Exists(ctx, c.URI)
	if err != nil {
		return err
	}
	fmt.Println(ok)
	if !ok {
		os.Exit(1)
	}
	return nil
}

type headCmd struct {
	URI string `arg:"" help:"Object URI."`
}

func (c *headCmd) Run(ctx context.Context, client *opendata.Client) error {
	meta, err := client.Head(ctx, c.URI)
	if err != nil {
		return err
	}
	if meta.ETag != "" {
		fmt.Printf("etag: %s\n", meta.ETag)
	}
	if meta.LastModified != "" {
		fmt.Printf("last-modified: %s\n", meta.LastModified)
	}
	if meta.ContentLength > 0 {
		fmt.Printf("content-length: %d\n", meta.ContentLength)
	}
	return nil
}

type cacheCmd struct {
	Purge cachePurgeCmd `cmd:"" help:"Remove every cached object."`
}

type cachePurgeCmd struct{}

func (c *cachePurgeCmd) Run(logger *slog.Logger) error {
	cfg := opendata.CacheConfigFromEnv()
	if cfg == nil {
		return fmt.Errorf("%s is not set", opendata.EnvCacheDir)
	}
	store, err := cache.New(*cfg, cache.WithLogger(logger))
	if err != nil {
		return err
	}
	removed, err := store.Purge()
	if err != nil {
		return err
	}
	logger.Info("cache purged", "entries_removed", removed)
	return nil
}

type versionCmd struct{}

func (c *versionCmd) Run() error {
	fmt.Println(version)
	return nil
}

func main() {
	var flags cli
	k := kong.Parse(&flags,
		kong.Name("opendata"),
		kong.Description("Resilient read access to remote and local text objects."),
		kong.UsageOnError(),
	)

	var level slog.Level
	switch flags.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))
	slog.SetDefault(logger)

	client := opendata.NewFromEnv(opendata.WithLogger(logger))

	k.BindTo(context.Background(), (*context.Context)(nil))
	k.Bind(client)
	k.Bind(logger)
	if err := k.Run(); err != nil {
		logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}
