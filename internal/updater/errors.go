package updater

import (
	"context"
	"errors"
	"fmt"

	"github.com/velopack/velopack-sub005/internal/archive"
	"github.com/velopack/velopack-sub005/internal/bytediff"
	"github.com/velopack/velopack-sub005/internal/delta"
	"github.com/velopack/velopack-sub005/internal/resolver"
	"github.com/velopack/velopack-sub005/internal/store"
)

// ErrorKind classifies why an operation failed so callers can decide what
// to tell the user and whether to try again later.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindNetwork
	KindCorruptPackage
	KindPatchApply
	KindBaseMismatch
	KindLockContention
	KindUnsupportedPlatform
	KindCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "Network"
	case KindCorruptPackage:
		return "CorruptPackage"
	case KindPatchApply:
		return "PatchApply"
	case KindBaseMismatch:
		return "BaseMismatch"
	case KindLockContention:
		return "LockContention"
	case KindUnsupportedPlatform:
		return "UnsupportedPlatform"
	case KindCancelled:
		return "Cancelled"
	default:
		return "Internal"
	}
}

var (
	// ErrHashMismatch means a downloaded file does not match the hash or
	// size its asset declares.
	ErrHashMismatch = errors.New("content hash mismatch")
	// ErrNoHash means an asset declares no content hash to verify against.
	ErrNoHash = errors.New("asset declares no content hash")
	// ErrTreeMismatch means a reconstructed tree does not hash to the
	// target's declared tree hash.
	ErrTreeMismatch = errors.New("reconstructed tree hash mismatch")
)

// Error is a failure with its kind attached.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of err, or KindInternal when err carries none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindInternal
}

// fallbackEligible reports whether a delta plan that failed with err should
// be retried once with the target's full package.
func fallbackEligible(err error) bool {
	switch KindOf(err) {
	case KindCorruptPackage, KindPatchApply, KindBaseMismatch:
		return true
	}
	return false
}

// classify attaches a kind to errors coming out of the lower layers.
// fallback is used when nothing more specific matches.
func classify(err error, fallback ErrorKind) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled):
		return &Error{Kind: KindCancelled, Err: err}
	case errors.Is(err, store.ErrLockContention):
		return &Error{Kind: KindLockContention, Err: err}
	case errors.Is(err, resolver.ErrUnsupportedPlatform):
		return &Error{Kind: KindUnsupportedPlatform, Err: err}
	case errors.Is(err, delta.ErrBaseMismatch):
		return &Error{Kind: KindBaseMismatch, Err: err}
	case errors.Is(err, delta.ErrPatchFailed), errors.Is(err, delta.ErrFormat),
		errors.Is(err, delta.ErrUnknownCodec), errors.Is(err, bytediff.ErrMalformedPatch),
		errors.Is(err, ErrTreeMismatch):
		return &Error{Kind: KindPatchApply, Err: err}
	case errors.Is(err, ErrHashMismatch), errors.Is(err, ErrNoHash), errors.Is(err, archive.ErrTooLarge):
		return &Error{Kind: KindCorruptPackage, Err: err}
	}
	return &Error{Kind: fallback, Err: err}
}
