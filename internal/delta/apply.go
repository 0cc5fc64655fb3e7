package delta

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/velopack/velopack-sub005/internal/fsutil"
	"github.com/velopack/velopack-sub005/internal/logging"
)

var log = logging.L("delta")

// Apply reconstructs the target tree from the base tree at baseDir into
// outDir, which must not exist yet. The base is checked against the package
// before anything is written. Work happens in a scratch directory beside
// outDir that is renamed into place only after the result verifies; on any
// failure outDir is left absent and baseDir is untouched.
func Apply(ctx context.Context, pkg *Package, baseDir, outDir string) error {
	codec, err := CodecByName(pkg.Codec)
	if err != nil {
		return err
	}

	baseManifest, err := Scan(os.DirFS(baseDir))
	if err != nil {
		return fmt.Errorf("scan base tree: %w", err)
	}
	if got := baseManifest.TreeHash(); got != pkg.BaseHash {
		return fmt.Errorf("%w: %s is %s, package expects %s", ErrBaseMismatch, baseDir, short(got), short(pkg.BaseHash))
	}
	if fsutil.Exists(outDir) {
		return fmt.Errorf("output directory %s already exists", outDir)
	}

	parent := filepath.Dir(outDir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("create output parent: %w", err)
	}
	scratch, err := os.MkdirTemp(parent, ".delta-apply-*")
	if err != nil {
		return fmt.Errorf("create scratch directory: %w", err)
	}
	promoted := false
	defer func() {
		if !promoted {
			os.RemoveAll(scratch)
		}
	}()

	if err := fsutil.CopyTree(baseDir, scratch); err != nil {
		return fmt.Errorf("copy base tree: %w", err)
	}

	for i := range pkg.Entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := applyEntry(codec, scratch, &pkg.Entries[i]); err != nil {
			return err
		}
	}

	result, err := Scan(os.DirFS(scratch))
	if err != nil {
		return fmt.Errorf("scan result tree: %w", err)
	}
	if got := result.TreeHash(); got != pkg.TargetHash {
		return fmt.Errorf("%w: result tree is %s, package expects %s", ErrPatchFailed, short(got), short(pkg.TargetHash))
	}

	if err := os.Rename(scratch, outDir); err != nil {
		return fmt.Errorf("promote scratch directory: %w", err)
	}
	promoted = true
	log.Debug("delta package applied", "from", pkg.FromVersion, "to", pkg.ToVersion, "entries", len(pkg.Entries))
	return nil
}

func applyEntry(codec Codec, root string, e *Entry) error {
	dest, err := fsutil.ContainedPath(root, e.Path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPatchFailed, err)
	}

	switch e.Op {
	case OpDelete:
		if err := os.Remove(dest); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("%w: %s missing", ErrBaseMismatch, e.Path)
			}
			return fmt.Errorf("delete %s: %w", e.Path, err)
		}
		fsutil.CleanupEmptyDirs(root, filepath.Dir(dest))
		return nil

	case OpAdd, OpReplace:
		return writeVerified(dest, e, e.Data)

	case OpDiff:
		old, err := os.ReadFile(dest)
		if err != nil {
			return fmt.Errorf("%w: read %s: %v", ErrBaseMismatch, e.Path, err)
		}
		if fsutil.HashBytes(old) != e.OldHash {
			return fmt.Errorf("%w: %s differs from base", ErrBaseMismatch, e.Path)
		}
		out, err := codec.Patch(old, e.Data)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrPatchFailed, e.Path, err)
		}
		return writeVerified(dest, e, out)

	default:
		return fmt.Errorf("%w: %s has unknown op %d", ErrFormat, e.Path, e.Op)
	}
}

func writeVerified(dest string, e *Entry, data []byte) error {
	if got := fsutil.HashBytes(data); got != e.NewHash {
		return fmt.Errorf("%w: %s hashed to %s, expected %s", ErrPatchFailed, e.Path, short(got), short(e.NewHash))
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", e.Path, err)
	}
	mode := e.Mode.Perm()
	if mode == 0 {
		mode = 0o644
	}
	if err := os.WriteFile(dest, data, mode); err != nil {
		return fmt.Errorf("write %s: %w", e.Path, err)
	}
	// WriteFile keeps the old mode when the file exists.
	return os.Chmod(dest, mode)
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
