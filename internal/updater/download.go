package updater

import (
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/velopack/velopack-sub005/internal/catalog"
	"github.com/velopack/velopack-sub005/internal/fsutil"
	"github.com/velopack/velopack-sub005/internal/httputil"
	"github.com/velopack/velopack-sub005/internal/logging"
	"github.com/velopack/velopack-sub005/internal/resolver"
	"github.com/velopack/velopack-sub005/internal/source"
)

// download fetches every plan step concurrently into the package cache and
// returns the local paths in step order. The first failure cancels the
// remaining downloads.
func (u *Updater) download(ctx context.Context, r *run, plan *resolver.UpdatePlan) ([]string, error) {
	paths := make([]string, len(plan.Steps))
	tracker := &downloadTracker{done: make([]int64, len(plan.Steps)), total: plan.Cost, prog: r.prog}

	batch := u.pool.NewBatch(ctx)
	for i, step := range plan.Steps {
		batch.Go(func(ctx context.Context) error {
			path, err := u.fetchStep(ctx, r, step, tracker.step(i))
			if err != nil {
				return err
			}
			paths[i] = path
			return nil
		})
	}
	if err := batch.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, classify(ctx.Err(), KindCancelled)
		}
		return nil, classify(err, KindNetwork)
	}
	r.prog.report(progressDownloaded)
	return paths, nil
}

// fetchStep downloads one asset and verifies it. A file that fails
// verification is fetched exactly once more; a second failure is
// KindCorruptPackage. Transient network errors are retried with backoff
// independently of that.
func (u *Updater) fetchStep(ctx context.Context, r *run, a catalog.Asset, onProgress source.ProgressFunc) (string, error) {
	if a.SHA256 == "" && a.SHA1 == "" {
		return "", &Error{Kind: KindCorruptPackage, Err: fmt.Errorf("%s: %w", a.FileName, ErrNoHash)}
	}
	dest, err := fsutil.ContainedPath(u.store.PackagesDir(), a.FileName)
	if err != nil {
		return "", &Error{Kind: KindCorruptPackage, Err: fmt.Errorf("asset file name %q: %w", a.FileName, err)}
	}

	if fsutil.Exists(dest) {
		if err := verifyAsset(dest, a); err == nil {
			r.log.Debug("using cached package", "file", a.FileName)
			onProgress(a.Size, a.Size)
			return dest, nil
		}
		os.Remove(dest)
	}

	opts := source.FetchOptions{Headers: u.opts.Headers, Timeout: u.opts.FetchTimeout}
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		err := httputil.Retry(ctx, u.opts.Retry, "download "+a.FileName, func(ctx context.Context) error {
			return u.src.FetchToFile(ctx, a.FileName, dest, onProgress, opts)
		}, source.IsRetryable)
		if err != nil {
			return "", classify(fmt.Errorf("download %s: %w", a.FileName, err), KindNetwork)
		}

		verr := verifyAsset(dest, a)
		if verr == nil {
			r.log.Info("package downloaded", "file", a.FileName, "bytes", a.Size, "attempt", attempt)
			return dest, nil
		}
		os.Remove(dest)
		if attempt >= 2 {
			return "", &Error{Kind: KindCorruptPackage, Err: fmt.Errorf("%s: %w", a.FileName, verr)}
		}
		r.log.Warn("package failed verification, downloading again", "file", a.FileName, logging.KeyError, verr)
	}
}

// verifyAsset checks size and the strongest declared hash.
func verifyAsset(path string, a catalog.Asset) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	h256, h1 := sha256.New(), sha1.New()
	n, err := io.Copy(io.MultiWriter(h256, h1), f)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if a.Size > 0 && n != a.Size {
		return fmt.Errorf("%w: size %d, want %d", ErrHashMismatch, n, a.Size)
	}
	switch {
	case a.SHA256 != "":
		if got := hex.EncodeToString(h256.Sum(nil)); !strings.EqualFold(got, a.SHA256) {
			return fmt.Errorf("%w: sha256 %s, want %s", ErrHashMismatch, got, a.SHA256)
		}
	case a.SHA1 != "":
		if got := hex.EncodeToString(h1.Sum(nil)); !strings.EqualFold(got, a.SHA1) {
			return fmt.Errorf("%w: sha1 %s, want %s", ErrHashMismatch, got, a.SHA1)
		}
	default:
		return ErrNoHash
	}
	return nil
}

// downloadTracker sums progress across concurrent downloads.
type downloadTracker struct {
	mu    sync.Mutex
	done  []int64
	total int64
	prog  *progress
}

func (t *downloadTracker) step(i int) source.ProgressFunc {
	return func(done, _ int64) {
		t.mu.Lock()
		t.done[i] = done
		var sum int64
		for _, d := range t.done {
			sum += d
		}
		t.mu.Unlock()
		t.prog.span(progressChecked, progressDownloaded, sum, t.total)
	}
}
