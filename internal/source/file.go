package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/velopack/velopack-sub005/internal/fsutil"
)

// FileBackend reads a feed published to a local or mounted directory.
type FileBackend struct {
	BasePath string
}

// NewFileBackend creates a FileBackend rooted at basePath.
func NewFileBackend(basePath string) *FileBackend {
	return &FileBackend{BasePath: filepath.Clean(basePath)}
}

func (b *FileBackend) String() string { return "file://" + filepath.ToSlash(b.BasePath) }

// Open opens ref beneath BasePath.
func (b *FileBackend) Open(ctx context.Context, ref string, _ FetchOptions) (io.ReadCloser, int64, error) {
	if b.BasePath == "" {
		return nil, 0, errors.New("file source base path is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	path, err := fsutil.ContainedPath(b.BasePath, ref)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, 0, fmt.Errorf("failed to open %s: %w", ref, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("failed to stat %s: %w", ref, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, 0, fmt.Errorf("%s is a directory", ref)
	}
	return f, info.Size(), nil
}

// Publish copies localPath into the feed directory at ref.
func (b *FileBackend) Publish(localPath, ref string) error {
	dest, err := fsutil.ContainedPath(b.BasePath, ref)
	if err != nil {
		return err
	}
	return fsutil.CopyFile(localPath, dest)
}
