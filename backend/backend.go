// Package backend provides pluggable URI-scheme backends for object access.
package backend

import (
	"context"
	"errors"
	"io"
	"net/url"
	"sync"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("object not found")

// ErrUnregisteredScheme is returned when no backend handles a URI's scheme.
var ErrUnregisteredScheme = errors.New("no backend registered for scheme")

// Metadata carries lightweight object metadata from a HEAD-style query.
// All fields are independently optional; zero values mean "unknown".
// It is used for cache validity comparison only, never for transfer
// correctness.
type Metadata struct {
	ETag          string
	LastModified  string
	ContentLength int64
}

// IsZero reports whether no metadata field is populated.
func (m Metadata) IsZero() bool {
	return m == Metadata{}
}

// Backend turns a URI into a byte stream or existence check.
// Implementations must be safe for concurrent use.
type Backend interface {
	// OpenBinary opens the object's raw byte stream.
	// Returns ErrNotFound if the object does not exist.
	// The caller must close the returned ReadCloser.
	OpenBinary(ctx context.Context, uri string) (io.ReadCloser, error)

	// Exists checks whether the object exists. A missing object is
	// (false, nil); an error indicates the request itself failed.
	Exists(ctx context.Context, uri string) (bool, error)

	// HeadMetadata fetches best-effort object metadata. Backends that
	// cannot supply metadata return a zero Metadata with no error.
	HeadMetadata(ctx context.Context, uri string) (Metadata, error)

	// ResolveURI returns the canonical form of a URI for this backend.
	// Resolution is pure and idempotent.
	ResolveURI(uri string) string

	// Schemes returns the URI schemes this backend handles.
	Schemes() []string
}

// ResolveURI rewrites a URI to its canonical form: the registry alias
// becomes the remote scheme, file URIs become plain paths, and everything
// else passes through unchanged. Resolving an already-resolved URI yields
// itself.
func ResolveURI(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return uri
	}
	switch u.Scheme {
	case "registry":
		return "s3://" + u.Host + u.Path
	case "file":
		return u.Path
	}
	return uri
}

// Scheme extracts the scheme of a URI; plain paths have scheme "".
func Scheme(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	return u.Scheme
}

// IsRemote reports whether a resolved URI refers to a non-local object.
func IsRemote(uri string) bool {
	s := Scheme(uri)
	return s != "" && s != "file"
}

// Registry maps URI schemes to backends. It replaces ad hoc process-global
// registration: each orchestrator owns its registry, and callers may add
// or override backends (for example, test doubles) at any time before use.
// The last registration for a scheme wins.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Register adds a backend for every scheme it reports, overriding any
// previous registration for those schemes.
func (r *Registry) Register(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, scheme := range b.Schemes() {
		r.backends[scheme] = b
	}
}

// Lookup selects the backend for a URI by scheme.
// The returned error matches ErrUnregisteredScheme if no backend handles it.
func (r *Registry) Lookup(uri string) (Backend, error) {
	scheme := Scheme(uri)

	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[scheme]
	if !ok {
		return nil, &SchemeError{Scheme: scheme, URI: uri}
	}
	return b, nil
}

// SchemeError reports a URI whose scheme has no registered backend.
type SchemeError struct {
	Scheme string
	URI    string
}

func (e *SchemeError) Error() string {
	return "no backend registered for scheme \"" + e.Scheme + "\" in URI: " + e.URI
}

// Unwrap makes SchemeError match ErrUnregisteredScheme with errors.Is.
func (e *SchemeError) Unwrap() error {
	return ErrUnregisteredScheme
}
