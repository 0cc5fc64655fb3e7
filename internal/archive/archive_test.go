package archive

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
)

func TestPackExtractRoundTrip(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	files := map[string]string{
		"app.exe":       "binary",
		"lib/a.dll":     "library a",
		"lib/sub/b.dll": "library b",
	}
	for name, content := range files {
		p := filepath.Join(src, filepath.FromSlash(name))
		os.MkdirAll(filepath.Dir(p), 0o755)
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	zipPath := filepath.Join(root, "full.zip")
	if err := Pack(context.Background(), src, zipPath); err != nil {
		t.Fatalf("Pack: %v", err)
	}
	dest := filepath.Join(root, "dest")
	if err := Extract(context.Background(), zipPath, dest); err != nil {
		t.Fatalf("Extract: %v", err)
	}
	for name, content := range files {
		got, err := os.ReadFile(filepath.Join(dest, filepath.FromSlash(name)))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if string(got) != content {
			t.Fatalf("%s = %q, want %q", name, got, content)
		}
	}
}

func TestPackIsDeterministic(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	os.MkdirAll(src, 0o755)
	os.WriteFile(filepath.Join(src, "a"), []byte("alpha"), 0o644)
	os.WriteFile(filepath.Join(src, "b"), []byte("beta"), 0o644)

	first := filepath.Join(root, "1.zip")
	second := filepath.Join(root, "2.zip")
	if err := Pack(context.Background(), src, first); err != nil {
		t.Fatal(err)
	}
	if err := Pack(context.Background(), src, second); err != nil {
		t.Fatal(err)
	}
	a, _ := os.ReadFile(first)
	b, _ := os.ReadFile(second)
	if !bytes.Equal(a, b) {
		t.Fatal("packing the same tree twice should produce identical archives")
	}
}

func TestExtractRejectsTraversal(t *testing.T) {
	root := t.TempDir()
	zipPath := filepath.Join(root, "evil.zip")
	f, err := os.Create(zipPath)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	w, err := zw.Create("../escape.txt")
	if err != nil {
		t.Fatal(err)
	}
	w.Write([]byte("nope"))
	zw.Close()
	f.Close()

	if err := Extract(context.Background(), zipPath, filepath.Join(root, "dest")); err == nil {
		t.Fatal("expected traversal entry to be rejected")
	}
	if _, err := os.Stat(filepath.Join(root, "escape.txt")); !os.IsNotExist(err) {
		t.Fatal("file escaped the destination")
	}
}
