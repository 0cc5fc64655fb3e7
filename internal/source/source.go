// Package source fetches feed documents and release packages from wherever
// they are published. Errors are returned as-is; retry policy belongs to the
// caller.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/velopack/velopack-sub005/internal/httputil"
	"github.com/velopack/velopack-sub005/internal/logging"
)

// ErrNotFound means the referenced object does not exist at the source.
var ErrNotFound = errors.New("source: object not found")

// FetchOptions carries per-request settings.
type FetchOptions struct {
	Headers map[string]string
	Accept  string
	Timeout time.Duration
}

// ProgressFunc receives bytes written so far and the expected total, which
// is -1 when unknown.
type ProgressFunc func(done, total int64)

// Source is the download boundary used by the updater.
type Source interface {
	FetchBytes(ctx context.Context, ref string, opts FetchOptions) ([]byte, error)
	FetchToFile(ctx context.Context, ref, dest string, onProgress ProgressFunc, opts FetchOptions) error
	FetchText(ctx context.Context, ref string, opts FetchOptions) (string, error)
}

// Backend opens one object for reading. Size is -1 when unknown.
type Backend interface {
	Open(ctx context.Context, ref string, opts FetchOptions) (io.ReadCloser, int64, error)
	String() string
}

// fileDownloader is implemented by backends with a faster path to disk than
// a single sequential stream.
type fileDownloader interface {
	DownloadTo(ctx context.Context, ref string, w io.WriterAt, onProgress ProgressFunc) (int64, error)
}

// Fetcher adapts a Backend to Source.
type Fetcher struct {
	backend Backend
	log     *slog.Logger
}

// NewFetcher wraps b. A nil logger uses the package default.
func NewFetcher(b Backend, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = logging.L("source")
	}
	return &Fetcher{backend: b, log: logger}
}

func (f *Fetcher) String() string { return f.backend.String() }

func withTimeout(ctx context.Context, opts FetchOptions) (context.Context, context.CancelFunc) {
	if opts.Timeout > 0 {
		return context.WithTimeout(ctx, opts.Timeout)
	}
	return context.WithCancel(ctx)
}

// FetchBytes reads the whole object into memory.
func (f *Fetcher) FetchBytes(ctx context.Context, ref string, opts FetchOptions) ([]byte, error) {
	ctx, cancel := withTimeout(ctx, opts)
	defer cancel()
	rc, _, err := f.backend.Open(ctx, ref, opts)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ref, err)
	}
	return data, nil
}

// FetchText reads the object as a string.
func (f *Fetcher) FetchText(ctx context.Context, ref string, opts FetchOptions) (string, error) {
	data, err := f.FetchBytes(ctx, ref, opts)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// FetchToFile streams the object into dest. Data goes to a ".partial" file
// that is renamed into place only when complete, so an interrupted fetch
// never leaves a file at dest.
func (f *Fetcher) FetchToFile(ctx context.Context, ref, dest string, onProgress ProgressFunc, opts FetchOptions) error {
	ctx, cancel := withTimeout(ctx, opts)
	defer cancel()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create download directory: %w", err)
	}
	partial := dest + ".partial"
	out, err := os.Create(partial)
	if err != nil {
		return fmt.Errorf("create %s: %w", partial, err)
	}
	ok := false
	defer func() {
		if !ok {
			out.Close()
			os.Remove(partial)
		}
	}()

	start := time.Now()
	var n int64
	if fd, fast := f.backend.(fileDownloader); fast {
		n, err = fd.DownloadTo(ctx, ref, out, onProgress)
		if err != nil {
			return err
		}
	} else {
		rc, size, err := f.backend.Open(ctx, ref, opts)
		if err != nil {
			return err
		}
		defer rc.Close()
		n, err = io.Copy(out, &progressReader{r: rc, total: size, onProgress: onProgress})
		if err != nil {
			return fmt.Errorf("download %s: %w", ref, err)
		}
		if size >= 0 && n != size {
			return fmt.Errorf("download %s: %w (got %d of %d bytes)", ref, io.ErrUnexpectedEOF, n, size)
		}
	}

	if err := out.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", partial, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", partial, err)
	}
	if err := os.Rename(partial, dest); err != nil {
		return fmt.Errorf("finalize %s: %w", dest, err)
	}
	ok = true
	f.log.Debug("fetched", "ref", ref, "source", f.backend.String(), "bytes", n, "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

type progressReader struct {
	r          io.Reader
	done       int64
	total      int64
	onProgress ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.done += int64(n)
		if p.onProgress != nil {
			p.onProgress(p.done, p.total)
		}
	}
	return n, err
}

// progressWriterAt reports progress for backends that write out of order.
type progressWriterAt struct {
	w          io.WriterAt
	total      int64
	onProgress ProgressFunc

	mu   sync.Mutex
	done int64
}

func (p *progressWriterAt) WriteAt(b []byte, off int64) (int, error) {
	n, err := p.w.WriteAt(b, off)
	p.mu.Lock()
	p.done += int64(n)
	done := p.done
	p.mu.Unlock()
	if p.onProgress != nil {
		p.onProgress(done, p.total)
	}
	return n, err
}

// HTTPError is a non-success HTTP response.
type HTTPError struct {
	StatusCode int
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("GET %s: status %d", e.URL, e.StatusCode)
}

// IsRetryable reports whether err looks transient: connection failures,
// timeouts, truncated bodies and retryable HTTP statuses. Missing objects,
// cancellation and local errors are not.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httputil.IsRetryableStatus(httpErr.StatusCode)
	}
	var statusErr *httputil.RetryableStatusError
	if errors.As(err, &statusErr) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
