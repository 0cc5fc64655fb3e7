package httputil

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/velopack/velopack-sub005/internal/logging"
)

var log = logging.L("httputil")

// RetryConfig controls the retry behavior for network operations.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterFrac    float64 // ±fraction of delay to randomize (e.g. 0.3 = ±30%)
}

// DefaultRetryConfig returns the defaults used for feed and package fetches.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		InitialDelay:  1 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		JitterFrac:    0.3,
	}
}

// IsRetryableStatus returns true for HTTP status codes that are safe to retry.
func IsRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusRequestTimeout ||
		code == http.StatusInternalServerError ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable ||
		code == http.StatusGatewayTimeout
}

// Retry runs fn until it succeeds, returns an error shouldRetry rejects, or
// the attempts run out. Delays grow exponentially with jitter. The last
// error is returned unchanged so callers can still match it.
func Retry(ctx context.Context, cfg RetryConfig, name string, fn func(ctx context.Context) error, shouldRetry func(error) bool) error {
	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			jittered := applyJitter(delay, cfg.JitterFrac)
			if after := retryAfter(lastErr); after > jittered {
				jittered = min(after, cfg.MaxDelay)
			}
			log.Debug("retrying operation",
				"op", name,
				"attempt", attempt,
				"delay", jittered,
				"error", lastErr,
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(jittered):
			}

			delay = time.Duration(float64(delay) * cfg.BackoffFactor)
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil || errors.Is(err, context.Canceled) || (shouldRetry != nil && !shouldRetry(err)) {
			return err
		}
	}

	log.Warn("all retries exhausted",
		"op", name,
		"attempts", cfg.MaxRetries+1,
		"error", lastErr,
	)
	return lastErr
}

// RetryableStatusError indicates the server returned a retryable HTTP status.
// RetryAfter carries the server's Retry-After hint, if any.
type RetryableStatusError struct {
	StatusCode int
	URL        string
	RetryAfter time.Duration
}

func (e *RetryableStatusError) Error() string {
	return "request to " + e.URL + " failed with status " + http.StatusText(e.StatusCode)
}

// ParseRetryAfter reads a Retry-After header value given either as seconds
// or as an HTTP date. It returns 0 when the value is absent or unusable.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

func retryAfter(err error) time.Duration {
	var statusErr *RetryableStatusError
	if errors.As(err, &statusErr) {
		return statusErr.RetryAfter
	}
	return 0
}

// applyJitter adds ±frac random jitter to a duration.
func applyJitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	jitter := float64(d) * frac * (2*rand.Float64() - 1)
	result := time.Duration(float64(d) + jitter)
	if result < 0 {
		return 0
	}
	return result
}
