package backend

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Local serves file:// and schemeless URIs from the local filesystem.
type Local struct{}

// NewLocal creates a filesystem backend.
func NewLocal() *Local {
	return &Local{}
}

// Schemes returns the URI schemes handled by the local backend.
func (l *Local) Schemes() []string {
	return []string{"", "file"}
}

// OpenBinary opens the file behind the URI.
func (l *Local) OpenBinary(ctx context.Context, uri string) (io.ReadCloser, error) {
	path := uriToPath(uri)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return f, nil
}

// Exists checks the file with a direct stat.
func (l *Local) Exists(ctx context.Context, uri string) (bool, error) {
	_, err := os.Stat(uriToPath(uri))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking file: %w", err)
}

// HeadMetadata returns file size and modification time as a weak
// substitute for an ETag. A missing file yields empty metadata.
func (l *Local) HeadMetadata(ctx context.Context, uri string) (Metadata, error) {
	info, err := os.Stat(uriToPath(uri))
	if err != nil {
		return Metadata{}, nil
	}
	return Metadata{
		ContentLength: info.Size(),
		LastModified:  strconv.FormatInt(info.ModTime().Unix(), 10),
	}, nil
}

// ResolveURI maps the URI to its filesystem path.
func (l *Local) ResolveURI(uri string) string {
	return uriToPath(uri)
}

// uriToPath converts a file:// or schemeless URI to a filesystem path,
// percent-decoded and with ~ expanded.
func uriToPath(uri string) string {
	path := uri
	if u, err := url.Parse(uri); err == nil && u.Scheme == "file" {
		path = u.Path
	}
	if decoded, err := url.PathUnescape(path); err == nil {
		path = decoded
	}
	return expandHome(path)
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
		}
	}
	return path
}

// Compile-time interface check
var _ Backend = (*Local)(nil)
