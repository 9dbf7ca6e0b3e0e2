package xmltv

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzip"
)

const (
	// DefaultTimeout is the default timeout for upstream requests.
	DefaultTimeout = 20 * time.Second

	// DefaultMaxSize caps the decompressed document size to guard against
	// compression bombs and runaway upstreams on memory-constrained hosts.
	DefaultMaxSize = 64 * 1024 * 1024 // 64MB
)

// ErrNotFound is returned when the upstream guide URL does not exist.
var ErrNotFound = errors.New("not found")

// ErrTooLarge is returned when the guide document exceeds the size cap.
var ErrTooLarge = errors.New("guide document exceeds maximum size")

// Upstream fetches XMLTV guide documents from a published URL.
type Upstream struct {
	sourceURL string
	maxSize   int64
	client    *http.Client
}

// UpstreamOption configures an Upstream.
type UpstreamOption func(*Upstream)

// WithSourceURL sets the guide document URL.
func WithSourceURL(url string) UpstreamOption {
	return func(u *Upstream) {
		u.sourceURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) UpstreamOption {
	return func(u *Upstream) {
		u.client = client
	}
}

// WithTimeout sets the request timeout on the default client.
func WithTimeout(timeout time.Duration) UpstreamOption {
	return func(u *Upstream) {
		u.client.Timeout = timeout
	}
}

// WithMaxSize sets the decompressed size cap.
func WithMaxSize(maxSize int64) UpstreamOption {
	return func(u *Upstream) {
		u.maxSize = maxSize
	}
}

// NewUpstream creates a new upstream guide client.
func NewUpstream(opts ...UpstreamOption) *Upstream {
	u := &Upstream{
		maxSize: DefaultMaxSize,
		client: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// SourceURL returns the configured guide document URL.
func (u *Upstream) SourceURL() string {
	return u.sourceURL
}

// Fetch downloads the guide document and returns raw XMLTV bytes.
// Gzipped payloads (guide.xml.gz) are detected by magic bytes and
// decompressed transparently, so plain XML sources work as well.
func (u *Upstream) Fetch(ctx context.Context) ([]byte, error) {
	if u.sourceURL == "" {
		return nil, errors.New("no source URL configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.sourceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("upstream returned %d: %s", resp.StatusCode, string(body))
	}

	br := bufio.NewReader(resp.Body)

	var r io.Reader = br
	if magic, err := br.Peek(2); err == nil && bytes.Equal(magic, []byte{0x1f, 0x8b}) {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("opening gzip stream: %w", err)
		}
		defer func() { _ = gz.Close() }()
		r = gz
	}

	// Read one byte past the cap so an at-limit document is distinguishable
	// from an over-limit one.
	data, err := io.ReadAll(io.LimitReader(r, u.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading guide document: %w", err)
	}
	if int64(len(data)) > u.maxSize {
		return nil, ErrTooLarge
	}

	return data, nil
}
