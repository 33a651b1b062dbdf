package backend

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/dig-bio/opendata/telemetry"
)

// Instrumented wraps a Backend with metrics recording.
type Instrumented struct {
	backend Backend
	name    string
}

// NewInstrumented creates a new instrumented backend wrapper.
func NewInstrumented(b Backend, name string) *Instrumented {
	return &Instrumented{backend: b, name: name}
}

// OpenBinary records the open and delegates.
func (ib *Instrumented) OpenBinary(ctx context.Context, uri string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := ib.backend.OpenBinary(ctx, uri)
	telemetry.RecordBackendOp(ctx, ib.name, "open", outcomeFromError(err), time.Since(start))
	if err != nil {
		return nil, err
	}
	return rc, nil
}

// Exists records the existence check and delegates.
func (ib *Instrumented) Exists(ctx context.Context, uri string) (bool, error) {
	start := time.Now()
	exists, err := ib.backend.Exists(ctx, uri)
	telemetry.RecordBackendOp(ctx, ib.name, "exists", outcomeFromError(err), time.Since(start))
	return exists, err
}

// HeadMetadata records the metadata fetch and delegates.
func (ib *Instrumented) HeadMetadata(ctx context.Context, uri string) (Metadata, error) {
	start := time.Now()
	meta, err := ib.backend.HeadMetadata(ctx, uri)
	telemetry.RecordBackendOp(ctx, ib.name, "head", outcomeFromError(err), time.Since(start))
	return meta, err
}

// ResolveURI delegates to the wrapped backend.
func (ib *Instrumented) ResolveURI(uri string) string {
	return ib.backend.ResolveURI(uri)
}

// Schemes delegates to the wrapped backend.
func (ib *Instrumented) Schemes() []string {
	return ib.backend.Schemes()
}

func outcomeFromError(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

// Compile-time interface check
var _ Backend = (*Instrumented)(nil)
