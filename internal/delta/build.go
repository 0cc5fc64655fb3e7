package delta

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/velopack/velopack-sub005/internal/logging"
)

const (
	// DefaultSmallFileThreshold is the size below which changed files are
	// stored literally instead of diffed.
	DefaultSmallFileThreshold = 1024
	// DefaultConcurrency bounds parallel per-file diffs.
	DefaultConcurrency = 8
)

// BuildOptions configures Build.
type BuildOptions struct {
	Codec              Codec
	FromVersion        string
	ToVersion          string
	SmallFileThreshold int64
	Concurrency        int
	Logger             *slog.Logger
}

// Stats summarizes a build.
type Stats struct {
	New       int
	Same      int
	Changed   int
	Removed   int
	Processed int
	// Literal counts changed files stored whole because they were small or
	// the codec patch was not smaller than the file.
	Literal int
}

// Build diffs base against target. Entries are ordered by path so the same
// inputs always produce the same package.
func Build(ctx context.Context, base, target fs.FS, opts BuildOptions) (*Package, Stats, error) {
	var stats Stats
	if opts.Codec == nil {
		opts.Codec = DefaultCodec()
	}
	if opts.SmallFileThreshold <= 0 {
		opts.SmallFileThreshold = DefaultSmallFileThreshold
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	log := opts.Logger
	if log == nil {
		log = logging.L("delta")
	}
	start := time.Now()

	baseManifest, err := Scan(base)
	if err != nil {
		return nil, stats, fmt.Errorf("scan base tree: %w", err)
	}
	targetManifest, err := Scan(target)
	if err != nil {
		return nil, stats, fmt.Errorf("scan target tree: %w", err)
	}

	pkg := &Package{
		Codec:       opts.Codec.Name(),
		FromVersion: opts.FromVersion,
		ToVersion:   opts.ToVersion,
		BaseHash:    baseManifest.TreeHash(),
		TargetHash:  targetManifest.TreeHash(),
	}

	targetPaths := targetManifest.Paths()
	entries := make([]*Entry, len(targetPaths))
	literal := make([]bool, len(targetPaths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for i, path := range targetPaths {
		newFile := targetManifest.Files[path]
		oldFile, inBase := baseManifest.Files[path]
		switch {
		case !inBase:
			stats.New++
		case oldFile.SHA256 == newFile.SHA256 && oldFile.Mode == newFile.Mode:
			stats.Same++
			continue
		default:
			stats.Changed++
		}

		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			newData, err := fs.ReadFile(target, path)
			if err != nil {
				return fmt.Errorf("read target %s: %w", path, err)
			}
			if !inBase {
				entries[i] = &Entry{Op: OpAdd, Path: path, Mode: newFile.Mode, NewHash: newFile.SHA256, Data: newData}
				return nil
			}
			replace := &Entry{Op: OpReplace, Path: path, Mode: newFile.Mode, NewHash: newFile.SHA256, Data: newData}
			if newFile.Size < opts.SmallFileThreshold || oldFile.Size == 0 || oldFile.SHA256 == newFile.SHA256 {
				entries[i], literal[i] = replace, true
				return nil
			}
			oldData, err := fs.ReadFile(base, path)
			if err != nil {
				return fmt.Errorf("read base %s: %w", path, err)
			}
			patch, err := opts.Codec.Diff(oldData, newData)
			if err != nil {
				return fmt.Errorf("diff %s: %w", path, err)
			}
			if len(patch) >= len(newData) {
				entries[i], literal[i] = replace, true
				return nil
			}
			entries[i] = &Entry{
				Op:      OpDiff,
				Path:    path,
				Mode:    newFile.Mode,
				OldHash: oldFile.SHA256,
				NewHash: newFile.SHA256,
				Data:    patch,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, stats, err
	}

	// Deletes go first so a removed file can make way for a directory of
	// the same name.
	for _, path := range baseManifest.Paths() {
		if _, ok := targetManifest.Files[path]; !ok {
			stats.Removed++
			pkg.Entries = append(pkg.Entries, Entry{Op: OpDelete, Path: path})
		}
	}
	for i, e := range entries {
		if e == nil {
			continue
		}
		if literal[i] {
			stats.Literal++
		}
		pkg.Entries = append(pkg.Entries, *e)
	}
	stats.Processed = len(targetPaths)

	log.Info("delta package built",
		"from", opts.FromVersion,
		"to", opts.ToVersion,
		"codec", pkg.Codec,
		"new", stats.New,
		"same", stats.Same,
		"changed", stats.Changed,
		"removed", stats.Removed,
		"literal", stats.Literal,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return pkg, stats, nil
}
