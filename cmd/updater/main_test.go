package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/velopack/velopack-sub005/internal/archive"
	"github.com/velopack/velopack-sub005/internal/catalog"
	"github.com/velopack/velopack-sub005/internal/config"
	"github.com/velopack/velopack-sub005/internal/delta"
	"github.com/velopack/velopack-sub005/internal/health"
	"github.com/velopack/velopack-sub005/internal/store"
	"github.com/velopack/velopack-sub005/internal/svcquery"
	"github.com/velopack/velopack-sub005/internal/updater"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&updater.Error{Kind: updater.KindLockContention, Err: store.ErrLockContention}, 75},
		{&updater.Error{Kind: updater.KindCancelled, Err: context.Canceled}, 130},
		{&updater.Error{Kind: updater.KindNetwork, Err: errors.New("refused")}, 1},
		{errors.New("plain"), 1},
	}
	for _, tt := range tests {
		if got := exitCode(tt.err); got != tt.want {
			t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestCodecFor(t *testing.T) {
	cfg = config.Default()
	cfg.ZstdLevel = 2

	c, err := codecFor("zstd")
	if err != nil {
		t.Fatal(err)
	}
	if z, ok := c.(delta.ZstdCodec); !ok || z.Level != 2 {
		t.Fatalf("codecFor(zstd) = %#v", c)
	}
	if c, err := codecFor(""); err != nil || c.Name() != delta.CodecNative {
		t.Fatalf("default codec = %v, %v", c, err)
	}
	if _, err := codecFor("lzma"); !errors.Is(err, delta.ErrUnknownCodec) {
		t.Fatalf("unknown codec: got %v", err)
	}
}

func TestDescribePackage(t *testing.T) {
	cfg = config.Default()
	cfg.PackageID = "App"
	flagVersion, flagPackageID = "", ""
	t.Cleanup(func() { flagVersion = "" })

	dir := t.TempDir()
	base, target := filepath.Join(dir, "base"), filepath.Join(dir, "target")
	for path, data := range map[string]string{
		filepath.Join(base, "app.txt"):   "one",
		filepath.Join(target, "app.txt"): "two",
	} {
		os.MkdirAll(filepath.Dir(path), 0o755)
		if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())

	pkg, _, err := delta.Build(context.Background(), os.DirFS(base), os.DirFS(target), delta.BuildOptions{FromVersion: "1.0.0", ToVersion: "1.0.1"})
	if err != nil {
		t.Fatal(err)
	}
	deltaFile := filepath.Join(dir, "App-1.0.1-delta.nupkg")
	if err := pkg.WriteFile(deltaFile); err != nil {
		t.Fatal(err)
	}
	a, err := describePackage(cmd, deltaFile)
	if err != nil {
		t.Fatalf("describePackage(delta): %v", err)
	}
	if a.Type != catalog.Delta || a.Version != "1.0.1" || a.BaseVersion != "1.0.0" || a.PackageID != "App" {
		t.Fatalf("delta asset = %+v", a)
	}
	if a.SHA256 == "" || a.SHA1 == "" || a.Size == 0 || a.TreeHash != pkg.TargetHash {
		t.Fatalf("delta asset identity incomplete: %+v", a)
	}

	fullFile := filepath.Join(dir, "App-1.0.1-full.nupkg")
	if err := archive.Pack(context.Background(), target, fullFile); err != nil {
		t.Fatal(err)
	}
	if _, err := describePackage(cmd, fullFile); err == nil {
		t.Fatal("full package without --version should fail")
	}
	flagVersion = "1.0.1"
	a, err = describePackage(cmd, fullFile)
	if err != nil {
		t.Fatalf("describePackage(full): %v", err)
	}
	want, _ := delta.TreeHash(os.DirFS(target))
	if a.Type != catalog.Full || a.TreeHash != want {
		t.Fatalf("full asset = %+v, want tree %s", a, want)
	}
}

func TestServiceHealth(t *testing.T) {
	root := filepath.Join(t.TempDir(), "widget")
	tests := []struct {
		name string
		info svcquery.ServiceInfo
		want health.Status
	}{
		{"running inside root", svcquery.ServiceInfo{Name: "widget", Status: svcquery.StatusRunning, BinaryPath: filepath.Join(root, "current", "widgetd")}, health.Healthy},
		{"running elsewhere", svcquery.ServiceInfo{Name: "widget", Status: svcquery.StatusRunning, BinaryPath: filepath.Join(t.TempDir(), "widgetd")}, health.Degraded},
		{"stopped", svcquery.ServiceInfo{Name: "widget", Status: svcquery.StatusStopped}, health.Degraded},
		{"disabled", svcquery.ServiceInfo{Name: "widget", Status: svcquery.StatusDisabled}, health.Degraded},
		{"unknown", svcquery.ServiceInfo{Name: "widget", Status: svcquery.StatusUnknown}, health.Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got, msg := serviceHealth(tt.info, root); got != tt.want {
				t.Fatalf("serviceHealth = %s (%s), want %s", got, msg, tt.want)
			}
		})
	}
}

func TestRenderNotesPlainWhenNotTerminal(t *testing.T) {
	notes := "## Fixes\n\n- faster startup"
	if got := renderNotes(notes); got != notes {
		t.Fatalf("renderNotes = %q, want notes unchanged", got)
	}
	if got := renderNotes(""); got != "" {
		t.Fatalf("renderNotes(\"\") = %q", got)
	}
}

func TestRenderStatusKeepsText(t *testing.T) {
	for _, s := range []health.Status{health.Healthy, health.Degraded, health.Unhealthy, health.Unknown} {
		if got := renderStatus(s); !strings.Contains(got, string(s)) {
			t.Fatalf("renderStatus(%s) = %q", s, got)
		}
	}
}
