package fsutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestContainedPath(t *testing.T) {
	base := t.TempDir()
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"app-1.0.0-full.nupkg", false},
		{"sub/dir/file.bin", false},
		{".", false},
		{"../escape.bin", true},
		{"sub/../../escape.bin", true},
	}
	for _, tt := range tests {
		got, err := ContainedPath(base, tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ContainedPath(%q) = %q, want error", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ContainedPath(%q): %v", tt.in, err)
			continue
		}
		if rel, _ := filepath.Rel(base, got); rel == ".." || filepath.IsAbs(rel) {
			t.Errorf("ContainedPath(%q) = %q escapes %q", tt.in, got, base)
		}
	}
}

func TestWriteFileAtomicReplacesContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	if err := WriteFileAtomic(path, []byte(`{"current":"1.0.0"}`), 0o644); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}
	if err := WriteFileAtomic(path, []byte(`{"current":"2.0.0"}`), 0o644); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"current":"2.0.0"}` {
		t.Fatalf("content = %s", data)
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %v", entries)
	}
}

func TestCopyTreePreservesContentAndModTime(t *testing.T) {
	src, dst := t.TempDir(), filepath.Join(t.TempDir(), "copy")
	if err := os.MkdirAll(filepath.Join(src, "lib"), 0o755); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{"app.bin": "binary", "lib/helper.so": "shared"}
	mtime := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for name, body := range files {
		p := filepath.Join(src, filepath.FromSlash(name))
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := os.Chtimes(p, mtime, mtime); err != nil {
			t.Fatal(err)
		}
	}

	if err := CopyTree(src, dst); err != nil {
		t.Fatalf("CopyTree: %v", err)
	}
	for name, body := range files {
		p := filepath.Join(dst, filepath.FromSlash(name))
		data, err := os.ReadFile(p)
		if err != nil || string(data) != body {
			t.Fatalf("%s = %q, %v; want %q", name, data, err, body)
		}
		info, _ := os.Stat(p)
		if !info.ModTime().Equal(mtime) {
			t.Fatalf("%s mtime = %v, want %v", name, info.ModTime(), mtime)
		}
	}
}

func TestHashFileMatchesHashBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(path, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	if got != HashBytes([]byte("payload")) {
		t.Fatalf("HashFile = %s, want %s", got, HashBytes([]byte("payload")))
	}
}

func TestCleanupEmptyDirsStopsAtBase(t *testing.T) {
	base := t.TempDir()
	deep := filepath.Join(base, "staging", "2.0.0-abc", "lib")
	if err := os.MkdirAll(deep, 0o755); err != nil {
		t.Fatal(err)
	}
	keep := filepath.Join(base, "staging", "keep.txt")
	if err := os.WriteFile(keep, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	CleanupEmptyDirs(base, deep)

	if Exists(filepath.Join(base, "staging", "2.0.0-abc")) {
		t.Fatal("empty staging dir not removed")
	}
	if !Exists(keep) || !Exists(base) {
		t.Fatal("non-empty parent or base removed")
	}
}
