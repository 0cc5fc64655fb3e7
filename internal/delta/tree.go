package delta

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"sort"
)

// FileDigest describes one regular file in a package tree.
type FileDigest struct {
	Path   string
	Size   int64
	Mode   fs.FileMode
	SHA256 string
}

// Manifest is the set of files in a tree keyed by slash path.
type Manifest struct {
	Files map[string]FileDigest
}

// Scan hashes every regular file under fsys. Directories contribute nothing
// on their own, so empty directories do not change the tree hash.
func Scan(fsys fs.FS) (*Manifest, error) {
	m := &Manifest{Files: make(map[string]FileDigest)}
	err := fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return fmt.Errorf("unsupported file type at %s", path)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		sum, err := hashFS(fsys, path)
		if err != nil {
			return fmt.Errorf("hash %s: %w", path, err)
		}
		m.Files[path] = FileDigest{Path: path, Size: info.Size(), Mode: info.Mode().Perm(), SHA256: sum}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Paths returns the file paths in canonical order.
func (m *Manifest) Paths() []string {
	paths := make([]string, 0, len(m.Files))
	for p := range m.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// TreeHash is SHA-256 over "path\x00sha256\n" for each file in path order.
func (m *Manifest) TreeHash() string {
	h := sha256.New()
	for _, p := range m.Paths() {
		io.WriteString(h, p)
		h.Write([]byte{0})
		io.WriteString(h, m.Files[p].SHA256)
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ModeTreeHash extends TreeHash with each file's permission bits. Use it
// only where both hashes are taken on the same machine: modes do not
// survive archives or other platforms.
func (m *Manifest) ModeTreeHash() string {
	h := sha256.New()
	for _, p := range m.Paths() {
		f := m.Files[p]
		fmt.Fprintf(h, "%s\x00%s\x00%o\n", p, f.SHA256, uint32(f.Mode.Perm()))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// TotalSize is the sum of all file sizes.
func (m *Manifest) TotalSize() int64 {
	var n int64
	for _, f := range m.Files {
		n += f.Size
	}
	return n
}

// TreeHash scans fsys and returns its tree hash.
func TreeHash(fsys fs.FS) (string, error) {
	m, err := Scan(fsys)
	if err != nil {
		return "", err
	}
	return m.TreeHash(), nil
}

// ModeTreeHash scans fsys and returns its mode-sensitive tree hash.
func ModeTreeHash(fsys fs.FS) (string, error) {
	m, err := Scan(fsys)
	if err != nil {
		return "", err
	}
	return m.ModeTreeHash(), nil
}

func hashFS(fsys fs.FS, path string) (string, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
