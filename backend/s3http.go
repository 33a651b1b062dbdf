package backend

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// userAgent identifies this client to the remote store.
	userAgent = "opendata/0.1"

	// DefaultRetries is the per-endpoint retry count for the remote backend.
	DefaultRetries = 2

	// DefaultBackoff is the initial retry backoff; each retry doubles it.
	DefaultBackoff = 500 * time.Millisecond

	// transferHeaderTimeout bounds how long a GET may wait for response
	// headers. The body transfer itself is not wall-clock bounded.
	transferHeaderTimeout = 60 * time.Second

	// headTimeout bounds existence and metadata checks end to end.
	headTimeout = 30 * time.Second
)

// S3HTTP fetches objects from S3-style buckets over unauthenticated HTTPS.
//
// A bucket URI expands into an ordered list of candidate endpoint URLs
// (virtual-hosted-style first, then path-style and region-qualified
// fallbacks) because a single endpoint can intermittently fail for DNS or
// region reasons while another succeeds for the same object. Requests fan
// out over candidate URL x retry attempt with exponential backoff; a 404
// short-circuits everything as ErrNotFound.
type S3HTTP struct {
	retries int
	backoff time.Duration
	client  *http.Client
	head    *http.Client
	logger  *slog.Logger

	urlsFor func(uri string) ([]string, error)
	sleep   func(time.Duration)
}

// S3Option configures an S3HTTP backend.
type S3Option func(*S3HTTP)

// WithRetries sets the per-endpoint retry count.
func WithRetries(retries int) S3Option {
	return func(s *S3HTTP) {
		s.retries = max(0, retries)
	}
}

// WithBackoff sets the initial retry backoff.
func WithBackoff(backoff time.Duration) S3Option {
	return func(s *S3HTTP) {
		s.backoff = max(0, backoff)
	}
}

// WithHTTPClient sets a custom HTTP client for transfers.
func WithHTTPClient(client *http.Client) S3Option {
	return func(s *S3HTTP) {
		s.client = client
	}
}

// WithLogger sets the logger used for per-attempt failure reporting.
func WithLogger(logger *slog.Logger) S3Option {
	return func(s *S3HTTP) {
		s.logger = logger
	}
}

// NewS3HTTP creates a remote backend for s3:// URIs.
func NewS3HTTP(opts ...S3Option) *S3HTTP {
	s := &S3HTTP{
		retries: DefaultRetries,
		backoff: DefaultBackoff,
		client: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: transferHeaderTimeout,
			},
		},
		head: &http.Client{
			Timeout: headTimeout,
		},
		logger:  slog.Default(),
		urlsFor: CandidateURLs,
		sleep:   time.Sleep,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schemes returns the URI schemes handled by the remote backend.
func (s *S3HTTP) Schemes() []string {
	return []string{"s3"}
}

// ResolveURI returns the URI unchanged; s3 URIs are already canonical.
func (s *S3HTTP) ResolveURI(uri string) string {
	return uri
}

// OpenBinary opens the object body, iterating candidate URLs in order and
// retrying each with exponential backoff on retryable conditions. A 404
// from any candidate immediately classifies the object as not found.
func (s *S3HTTP) OpenBinary(ctx context.Context, uri string) (io.ReadCloser, error) {
	urls, err := s.urlsFor(uri)
	if err != nil {
		return nil, err
	}

	var lastErr error
	var lastStatus int
	for _, u := range urls {
		for attempt := 0; attempt <= s.retries; attempt++ {
			if attempt > 0 {
				s.sleep(s.backoff << (attempt - 1))
			}

			resp, err := s.do(ctx, s.client, http.MethodGet, u)
			if err != nil {
				lastErr = err
				s.logger.Debug("s3 request failed", "uri", uri, "url", u, "attempt", attempt, "error", err)
				continue
			}

			switch {
			case resp.StatusCode == http.StatusOK:
				return resp.Body, nil
			case resp.StatusCode == http.StatusNotFound:
				_ = resp.Body.Close()
				return nil, fmt.Errorf("%w: %s (resolved %s)", ErrNotFound, uri, u)
			default:
				_ = resp.Body.Close()
				lastStatus = resp.StatusCode
				lastErr = fmt.Errorf("unexpected status %d from %s", resp.StatusCode, u)
				s.logger.Debug("s3 request failed", "uri", uri, "url", u, "attempt", attempt, "status", resp.StatusCode)
				if !retryableStatus(resp.StatusCode) {
					attempt = s.retries // next candidate URL
				}
			}
		}
	}

	if lastStatus != 0 {
		return nil, fmt.Errorf("s3 request failed: %s status=%d: %w", uri, lastStatus, lastErr)
	}
	return nil, fmt.Errorf("s3 request failed: %s: %w", uri, lastErr)
}

// Exists checks the object with one HEAD per candidate URL. A 404 is a
// definitive "absent"; only exhausting every candidate is an error.
func (s *S3HTTP) Exists(ctx context.Context, uri string) (bool, error) {
	urls, err := s.urlsFor(uri)
	if err != nil {
		return false, err
	}

	var lastErr error
	for _, u := range urls {
		resp, err := s.do(ctx, s.head, http.MethodHead, u)
		if err != nil {
			lastErr = err
			s.logger.Debug("s3 existence check failed", "uri", uri, "url", u, "error", err)
			continue
		}
		_ = resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK:
			return true, nil
		case http.StatusNotFound:
			return false, nil
		default:
			lastErr = fmt.Errorf("unexpected status %d from %s", resp.StatusCode, u)
			s.logger.Debug("s3 existence check failed", "uri", uri, "url", u, "status", resp.StatusCode)
		}
	}
	return false, fmt.Errorf("s3 request failed: %s: %w", uri, lastErr)
}

// HeadMetadata fetches object metadata with one HEAD per candidate URL.
func (s *S3HTTP) HeadMetadata(ctx context.Context, uri string) (Metadata, error) {
	urls, err := s.urlsFor(uri)
	if err != nil {
		return Metadata{}, err
	}

	var lastErr error
	for _, u := range urls {
		resp, err := s.do(ctx, s.head, http.MethodHead, u)
		if err != nil {
			lastErr = err
			continue
		}
		_ = resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("unexpected status %d from %s", resp.StatusCode, u)
			continue
		}
		return headersToMetadata(resp), nil
	}
	if lastErr != nil {
		return Metadata{}, fmt.Errorf("s3 metadata request failed: %s: %w", uri, lastErr)
	}
	return Metadata{}, nil
}

func (s *S3HTTP) do(ctx context.Context, client *http.Client, method, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Encoding", "identity")
	return client.Do(req)
}

// retryableStatus reports whether a response status is worth retrying on
// the same endpoint.
func retryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// CandidateURLs converts a bucket-style s3:// URI into the ordered list of
// equivalent HTTPS endpoint URLs that should reach the same object.
func CandidateURLs(uri string) ([]string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parsing URI %q: %w", uri, err)
	}
	if u.Scheme != "s3" {
		return nil, fmt.Errorf("expected s3:// URI, got: %s", uri)
	}

	bucket := u.Host
	key := strings.TrimPrefix(u.Path, "/")
	quoted := (&url.URL{Path: key}).EscapedPath()

	if quoted != "" {
		return []string{
			fmt.Sprintf("https://%s.s3.amazonaws.com/%s", bucket, quoted),
			fmt.Sprintf("https://s3.amazonaws.com/%s/%s", bucket, quoted),
			fmt.Sprintf("https://%s.s3.us-east-1.amazonaws.com/%s", bucket, quoted),
			fmt.Sprintf("https://s3.us-east-1.amazonaws.com/%s/%s", bucket, quoted),
		}, nil
	}
	return []string{
		fmt.Sprintf("https://%s.s3.amazonaws.com/", bucket),
		fmt.Sprintf("https://s3.amazonaws.com/%s/", bucket),
		fmt.Sprintf("https://%s.s3.us-east-1.amazonaws.com/", bucket),
		fmt.Sprintf("https://s3.us-east-1.amazonaws.com/%s/", bucket),
	}, nil
}

// headersToMetadata extracts validation metadata from response headers.
func headersToMetadata(resp *http.Response) Metadata {
	meta := Metadata{
		ETag:         strings.Trim(resp.Header.Get("ETag"), `"`),
		LastModified: resp.Header.Get("Last-Modified"),
	}
	if resp.ContentLength > 0 {
		meta.ContentLength = resp.ContentLength
	}
	return meta
}

// Compile-time interface check
var _ Backend = (*S3HTTP)(nil)
