package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/velopack/velopack-sub005/internal/httputil"
)

// HTTPBackend reads objects relative to a base URL. Absolute references are
// allowed only on the base URL's host so credentials are never sent
// elsewhere.
type HTTPBackend struct {
	base    *url.URL
	client  *http.Client
	headers map[string]string
}

// NewHTTPBackend returns a backend rooted at baseURL. headers are sent on
// every request (e.g. Authorization).
func NewHTTPBackend(baseURL string, client *http.Client, headers map[string]string) (*HTTPBackend, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid feed URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid feed URL scheme %q", u.Scheme)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Minute}
	}
	return &HTTPBackend{base: u, client: client, headers: headers}, nil
}

func (b *HTTPBackend) String() string { return b.base.String() }

func (b *HTTPBackend) resolve(ref string) (string, error) {
	rel, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid reference %q: %w", ref, err)
	}
	target := b.base.ResolveReference(rel)
	if target.Host != b.base.Host {
		return "", fmt.Errorf("reference host %q does not match feed host %q", target.Host, b.base.Host)
	}
	return target.String(), nil
}

// Open issues a GET for ref.
func (b *HTTPBackend) Open(ctx context.Context, ref string, opts FetchOptions) (io.ReadCloser, int64, error) {
	target, err := b.resolve(ref)
	if err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, 0, err
	}
	for k, v := range b.headers {
		req.Header.Set(k, v)
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	if opts.Accept != "" {
		req.Header.Set("Accept", opts.Accept)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		return resp.Body, resp.ContentLength, nil
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, target)
	case httputil.IsRetryableStatus(resp.StatusCode):
		resp.Body.Close()
		return nil, 0, &httputil.RetryableStatusError{
			StatusCode: resp.StatusCode,
			URL:        target,
			RetryAfter: httputil.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	default:
		resp.Body.Close()
		return nil, 0, &HTTPError{StatusCode: resp.StatusCode, URL: target}
	}
}
