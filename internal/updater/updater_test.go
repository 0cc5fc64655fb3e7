package updater

import (
	"bytes"
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/velopack/velopack-sub005/internal/archive"
	"github.com/velopack/velopack-sub005/internal/audit"
	"github.com/velopack/velopack-sub005/internal/catalog"
	"github.com/velopack/velopack-sub005/internal/delta"
	"github.com/velopack/velopack-sub005/internal/fsutil"
	"github.com/velopack/velopack-sub005/internal/httputil"
	"github.com/velopack/velopack-sub005/internal/journal"
	"github.com/velopack/velopack-sub005/internal/source"
	"github.com/velopack/velopack-sub005/internal/store"
)

const (
	testPlatform = "linux-x64"
	fullV1       = "App-1.0.0-full.nupkg"
	fullV2       = "App-1.1.0-full.nupkg"
	deltaV2      = "App-1.1.0-delta.nupkg"
)

type fixture struct {
	feedDir string
	root    string
	store   *store.Store
	full1   catalog.Asset
	full2   catalog.Asset
	delta2  catalog.Asset
	v2Hash  string
	treeV1  string
	treeV2  string
}

func randomBytes(seed int64, n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

func writeTree(t *testing.T, dir string, files map[string][]byte) {
	t.Helper()
	for name, data := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func describe(t *testing.T, path string, a catalog.Asset) catalog.Asset {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	sum := sha256.Sum256(data)
	a.PackageID = "App"
	a.Platform = testPlatform
	a.FileName = filepath.Base(path)
	a.SHA256 = hex.EncodeToString(sum[:])
	a.Size = int64(len(data))
	return a
}

func writeFeed(t *testing.T, dir, channel string, assets ...catalog.Asset) {
	t.Helper()
	c := &catalog.Catalog{Channel: channel}
	for _, a := range assets {
		if err := c.Add(a); err != nil {
			t.Fatalf("Add %s: %v", a, err)
		}
	}
	data, err := c.Marshal(catalog.FormatJSON)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, catalog.FeedFileName(channel, catalog.FormatJSON)), data, 0o644); err != nil {
		t.Fatal(err)
	}
}

// newFixture publishes 1.0.0 and 1.1.0 (full and delta) to a feed directory
// and installs 1.0.0 into a fresh install root.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	tmp := t.TempDir()
	f := &fixture{
		feedDir: filepath.Join(tmp, "feed"),
		root:    filepath.Join(tmp, "root"),
		treeV1:  filepath.Join(tmp, "v1"),
		treeV2:  filepath.Join(tmp, "v2"),
	}
	if err := os.MkdirAll(f.feedDir, 0o755); err != nil {
		t.Fatal(err)
	}

	main := randomBytes(1, 200*1024)
	patched := append([]byte(nil), main...)
	copy(patched[1000:], []byte("version 1.1.0 changes"))
	patched = append(patched, randomBytes(2, 64)...)

	writeTree(t, f.treeV1, map[string][]byte{
		"app/main.bin":    main,
		"app/config.json": []byte(`{"version":"1.0.0"}`),
		"readme.txt":      []byte("read me"),
		"lib/old.dat":     []byte("going away"),
	})
	writeTree(t, f.treeV2, map[string][]byte{
		"app/main.bin":    patched,
		"app/config.json": []byte(`{"version":"1.1.0"}`),
		"readme.txt":      []byte("read me"),
		"lib/new.dat":     []byte("brand new"),
	})

	if err := archive.Pack(ctx, f.treeV1, filepath.Join(f.feedDir, fullV1)); err != nil {
		t.Fatalf("Pack v1: %v", err)
	}
	if err := archive.Pack(ctx, f.treeV2, filepath.Join(f.feedDir, fullV2)); err != nil {
		t.Fatalf("Pack v2: %v", err)
	}
	pkg, _, err := delta.Build(ctx, os.DirFS(f.treeV1), os.DirFS(f.treeV2), delta.BuildOptions{FromVersion: "1.0.0", ToVersion: "1.1.0"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := pkg.WriteFile(filepath.Join(f.feedDir, deltaV2)); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	v1Hash, err := delta.TreeHash(os.DirFS(f.treeV1))
	if err != nil {
		t.Fatal(err)
	}
	if f.v2Hash, err = delta.TreeHash(os.DirFS(f.treeV2)); err != nil {
		t.Fatal(err)
	}
	f.full1 = describe(t, filepath.Join(f.feedDir, fullV1), catalog.Asset{Version: "1.0.0", Type: catalog.Full, TreeHash: v1Hash})
	f.full2 = describe(t, filepath.Join(f.feedDir, fullV2), catalog.Asset{Version: "1.1.0", Type: catalog.Full, TreeHash: f.v2Hash, NotesMarkdown: "# 1.1.0"})
	f.delta2 = describe(t, filepath.Join(f.feedDir, deltaV2), catalog.Asset{Version: "1.1.0", Type: catalog.Delta, BaseVersion: "1.0.0", TreeHash: f.v2Hash})
	if f.delta2.Size >= f.full2.Size {
		t.Fatalf("fixture delta (%d bytes) is not smaller than the full package (%d bytes)", f.delta2.Size, f.full2.Size)
	}
	f.publish(t, "stable")

	f.store, err = store.Open(f.root, store.Options{})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	lock, err := f.store.Lock()
	if err != nil {
		t.Fatal(err)
	}
	defer lock.Release()
	src := filepath.Join(tmp, "install-src")
	if err := fsutil.CopyTree(f.treeV1, src); err != nil {
		t.Fatal(err)
	}
	if err := f.store.Install(lock, "1.0.0", "stable", src); err != nil {
		t.Fatalf("Install: %v", err)
	}
	return f
}

func (f *fixture) publish(t *testing.T, channel string) {
	writeFeed(t, f.feedDir, channel, f.full1, f.full2, f.delta2)
}

func (f *fixture) fileSource() source.Source {
	return source.NewFetcher(source.NewFileBackend(f.feedDir), nil)
}

// serve exposes the feed directory over HTTP. Files named in corrupt are
// served with flipped bytes. Requests are counted by file name.
type feedServer struct {
	*httptest.Server
	mu      sync.Mutex
	hits    map[string]int
	corrupt map[string]bool
	hook    func(name string)
}

func (f *fixture) serve(t *testing.T, corrupt ...string) *feedServer {
	t.Helper()
	fs := &feedServer{hits: map[string]int{}, corrupt: map[string]bool{}}
	for _, name := range corrupt {
		fs.corrupt[name] = true
	}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/")
		fs.mu.Lock()
		fs.hits[name]++
		bad := fs.corrupt[name]
		hook := fs.hook
		fs.mu.Unlock()
		if hook != nil {
			hook(name)
		}
		data, err := os.ReadFile(filepath.Join(f.feedDir, filepath.FromSlash(name)))
		if err != nil {
			http.NotFound(w, r)
			return
		}
		if bad {
			data = bytes.Clone(data)
			for i := 0; i < len(data); i += 97 {
				data[i] ^= 0xff
			}
		}
		w.Write(data)
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *feedServer) count(name string) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.hits[name]
}

func (fs *feedServer) source(t *testing.T) source.Source {
	t.Helper()
	b, err := source.NewHTTPBackend(fs.URL, fs.Client(), nil)
	if err != nil {
		t.Fatalf("NewHTTPBackend: %v", err)
	}
	return source.NewFetcher(b, nil)
}

func newUpdater(t *testing.T, st *store.Store, src source.Source, opts Options) *Updater {
	t.Helper()
	if opts.Platform == "" {
		opts.Platform = testPlatform
	}
	opts.Retry = httputil.RetryConfig{MaxRetries: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 1}
	u := New(st, src, opts)
	t.Cleanup(u.Close)
	return u
}

func assertInstalledTree(t *testing.T, st *store.Store, version, treeHash string) {
	t.Helper()
	state, err := st.State()
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state.Current != version {
		t.Fatalf("current = %q, want %q", state.Current, version)
	}
	dir, err := st.CurrentDir()
	if err != nil {
		t.Fatalf("CurrentDir: %v", err)
	}
	got, err := delta.TreeHash(os.DirFS(dir))
	if err != nil {
		t.Fatal(err)
	}
	if got != treeHash {
		t.Fatalf("installed tree hash = %s, want %s", got, treeHash)
	}
}

func TestUpdateAppliesDelta(t *testing.T) {
	f := newFixture(t)
	var (
		mu     sync.Mutex
		states []State
		pcts   []int
	)
	u := newUpdater(t, f.store, f.fileSource(), Options{
		OnState: func(tr Transition) {
			mu.Lock()
			states = append(states, tr.To)
			mu.Unlock()
		},
		OnProgress: func(p int) {
			mu.Lock()
			pcts = append(pcts, p)
			mu.Unlock()
		},
	})

	res, err := u.Update(context.Background(), ModeApplyNow)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if res.State != StateApplied || !res.Plan.IsDelta() || res.FellBack {
		t.Fatalf("result = %+v, plan %s", res, res.Plan)
	}
	if res.Check.Notes != "# 1.1.0" {
		t.Fatalf("notes = %q", res.Check.Notes)
	}
	assertInstalledTree(t, f.store, "1.1.0", f.v2Hash)
	if st, _ := f.store.State(); st.Previous != "1.0.0" {
		t.Fatalf("previous = %q, want 1.0.0", st.Previous)
	}

	want := []State{StateChecking, StateUpdateAvailable, StateDownloading, StateVerifying, StateStaged, StateApplying, StateApplied}
	mu.Lock()
	defer mu.Unlock()
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states = %v, want %v", states, want)
		}
	}

	if len(pcts) == 0 || pcts[len(pcts)-1] != 100 {
		t.Fatalf("progress = %v, want to end at 100", pcts)
	}
	for i, p := range pcts {
		if p < 0 || p > 100 || (i > 0 && p <= pcts[i-1]) {
			t.Fatalf("progress not strictly increasing within 0-100: %v", pcts)
		}
	}
}

func TestCorruptDeltaRetriedOnceThenFallsBackToFull(t *testing.T) {
	f := newFixture(t)
	srv := f.serve(t, deltaV2)
	u := newUpdater(t, f.store, srv.source(t), Options{})

	res, err := u.Update(context.Background(), ModeApplyNow)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !res.FellBack || res.Plan.IsDelta() || !res.Check.Plan.IsDelta() {
		t.Fatalf("expected fallback from delta to full, got %+v", res)
	}
	if got := srv.count(deltaV2); got != 2 {
		t.Fatalf("delta fetched %d times, want exactly 2", got)
	}
	if got := srv.count(fullV2); got != 1 {
		t.Fatalf("full package fetched %d times, want 1", got)
	}
	assertInstalledTree(t, f.store, "1.1.0", f.full2.TreeHash)
}

func TestCorruptFullPackageFails(t *testing.T) {
	f := newFixture(t)
	srv := f.serve(t, deltaV2, fullV2)
	var last Transition
	u := newUpdater(t, f.store, srv.source(t), Options{OnState: func(tr Transition) { last = tr }})

	_, err := u.Update(context.Background(), ModeApplyNow)
	if KindOf(err) != KindCorruptPackage || !errors.Is(err, ErrHashMismatch) {
		t.Fatalf("got %v, want CorruptPackage hash mismatch", err)
	}
	if last.To != StateFailed || last.Kind != KindCorruptPackage {
		t.Fatalf("last transition = %+v", last)
	}
	if got := srv.count(fullV2); got != 2 {
		t.Fatalf("full package fetched %d times, want 2", got)
	}
	assertInstalledTree(t, f.store, "1.0.0", f.full1.TreeHash)
	if u.State() != StateFailed {
		t.Fatalf("State() = %s", u.State())
	}
}

func TestBaseMismatchFallsBackToFull(t *testing.T) {
	f := newFixture(t)
	dir, _ := f.store.CurrentDir()
	if err := os.WriteFile(filepath.Join(dir, "stray.txt"), []byte("local edit"), 0o644); err != nil {
		t.Fatal(err)
	}
	u := newUpdater(t, f.store, f.fileSource(), Options{})

	res, err := u.Update(context.Background(), ModeApplyNow)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !res.FellBack {
		t.Fatal("expected fallback to the full package")
	}
	assertInstalledTree(t, f.store, "1.1.0", f.v2Hash)
}

func TestSecondOperationGetsLockContentionImmediately(t *testing.T) {
	f := newFixture(t)
	srv := f.serve(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	var enterOnce, releaseOnce sync.Once
	t.Cleanup(func() { releaseOnce.Do(func() { close(release) }) })
	srv.mu.Lock()
	srv.hook = func(name string) {
		if name == deltaV2 {
			enterOnce.Do(func() { close(entered) })
			<-release
		}
	}
	srv.mu.Unlock()

	first := newUpdater(t, f.store, srv.source(t), Options{})
	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := first.Update(context.Background(), ModeApplyNow)
		done <- outcome{res, err}
	}()

	select {
	case <-entered:
	case <-time.After(10 * time.Second):
		t.Fatal("first update never started downloading")
	}

	other, err := store.Open(f.root, store.Options{})
	if err != nil {
		t.Fatal(err)
	}
	second := newUpdater(t, other, srv.source(t), Options{})
	start := time.Now()
	_, err = second.Update(context.Background(), ModeApplyNow)
	if KindOf(err) != KindLockContention || !errors.Is(err, store.ErrLockContention) {
		t.Fatalf("second update: got %v, want LockContention", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("second update blocked for %v", elapsed)
	}

	releaseOnce.Do(func() { close(release) })
	out := <-done
	if out.err != nil {
		t.Fatalf("first update: %v", out.err)
	}
	assertInstalledTree(t, f.store, "1.1.0", f.v2Hash)
}

func TestDeferredUpdateAppliedOnNextLaunch(t *testing.T) {
	f := newFixture(t)
	u := newUpdater(t, f.store, f.fileSource(), Options{})

	res, err := u.Update(context.Background(), ModeOnRestart)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if res.State != StateRestartPending || res.Installed.Pending != "1.1.0" {
		t.Fatalf("result = %+v", res)
	}
	assertInstalledTree(t, f.store, "1.0.0", f.full1.TreeHash)

	pending, err := u.ApplyPending(context.Background())
	if err != nil {
		t.Fatalf("ApplyPending: %v", err)
	}
	if pending.Action != store.RecoverPromoted {
		t.Fatalf("action = %s, want promoted", pending.Action)
	}
	assertInstalledTree(t, f.store, "1.1.0", f.v2Hash)

	pending, err = u.ApplyPending(context.Background())
	if err != nil || pending.Action != store.RecoverNone {
		t.Fatalf("second ApplyPending = %+v, %v", pending, err)
	}
}

func TestRollbackAfterUpdate(t *testing.T) {
	f := newFixture(t)
	u := newUpdater(t, f.store, f.fileSource(), Options{})
	if _, err := u.Update(context.Background(), ModeApplyNow); err != nil {
		t.Fatalf("Update: %v", err)
	}
	st, err := u.Rollback(context.Background())
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if st.Current != "1.0.0" || st.Previous != "1.1.0" {
		t.Fatalf("state after rollback = %+v", st)
	}
	assertInstalledTree(t, f.store, "1.0.0", f.full1.TreeHash)
}

func TestChannelSwitchForcesFullPackage(t *testing.T) {
	f := newFixture(t)
	f.publish(t, "beta")
	u := newUpdater(t, f.store, f.fileSource(), Options{Channel: "beta"})

	res, err := u.Update(context.Background(), ModeApplyNow)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !res.Check.ChannelSwitch || res.Plan.IsDelta() {
		t.Fatalf("expected a full-package channel switch, got %+v", res.Check)
	}
	st, _ := f.store.State()
	if st.Channel != "beta" {
		t.Fatalf("channel = %q, want beta", st.Channel)
	}
	assertInstalledTree(t, f.store, "1.1.0", f.v2Hash)
}

func TestUpToDate(t *testing.T) {
	f := newFixture(t)
	writeFeed(t, f.feedDir, "stable", f.full1)
	u := newUpdater(t, f.store, f.fileSource(), Options{})

	res, err := u.Update(context.Background(), ModeApplyNow)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if res.State != StateUpToDate || res.Check.Plan != nil {
		t.Fatalf("result = %+v", res)
	}
}

func TestEmptyFeedIsNotAnError(t *testing.T) {
	f := newFixture(t)
	if err := os.WriteFile(filepath.Join(f.feedDir, "releases.stable.json"), []byte(`{"Assets":null}`), 0o644); err != nil {
		t.Fatal(err)
	}
	u := newUpdater(t, f.store, f.fileSource(), Options{})
	res, err := u.Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !res.RemoteIsEmpty || res.State != StateUpToDate {
		t.Fatalf("result = %+v", res)
	}
}

func TestFreshInstallUsesFullPackage(t *testing.T) {
	f := newFixture(t)
	st, err := store.Open(filepath.Join(t.TempDir(), "fresh"), store.Options{})
	if err != nil {
		t.Fatal(err)
	}
	u := newUpdater(t, st, f.fileSource(), Options{})

	res, err := u.Update(context.Background(), ModeApplyNow)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if res.State != StateApplied || res.Plan.IsDelta() {
		t.Fatalf("result = %+v", res)
	}
	assertInstalledTree(t, st, "1.1.0", f.v2Hash)
	if got, _ := st.State(); got.Channel != "stable" {
		t.Fatalf("channel = %q", got.Channel)
	}
}

func TestErrorKinds(t *testing.T) {
	t.Run("unsupported platform", func(t *testing.T) {
		f := newFixture(t)
		u := newUpdater(t, f.store, f.fileSource(), Options{Platform: "win-arm64"})
		if _, err := u.Check(context.Background()); KindOf(err) != KindUnsupportedPlatform {
			t.Fatalf("got %v, want UnsupportedPlatform", err)
		}
	})
	t.Run("missing feed", func(t *testing.T) {
		f := newFixture(t)
		u := newUpdater(t, f.store, f.fileSource(), Options{Channel: "nightly"})
		_, err := u.Check(context.Background())
		if KindOf(err) != KindNetwork || !errors.Is(err, source.ErrNotFound) {
			t.Fatalf("got %v, want Network not found", err)
		}
	})
	t.Run("cancelled", func(t *testing.T) {
		f := newFixture(t)
		u := newUpdater(t, f.store, f.fileSource(), Options{})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := u.Update(ctx, ModeApplyNow); KindOf(err) != KindCancelled {
			t.Fatalf("got %v, want Cancelled", err)
		}
		assertInstalledTree(t, f.store, "1.0.0", f.full1.TreeHash)
	})
	t.Run("held lock", func(t *testing.T) {
		f := newFixture(t)
		lock, err := f.store.Lock()
		if err != nil {
			t.Fatal(err)
		}
		defer lock.Release()
		u := newUpdater(t, f.store, f.fileSource(), Options{})
		if _, err := u.Rollback(context.Background()); KindOf(err) != KindLockContention {
			t.Fatalf("got %v, want LockContention", err)
		}
	})
}

func TestDownloadPopulatesCacheReusedByUpdate(t *testing.T) {
	f := newFixture(t)
	srv := f.serve(t)
	u := newUpdater(t, f.store, srv.source(t), Options{})

	check, err := u.Check(context.Background())
	if err != nil || check.Plan == nil {
		t.Fatalf("Check = %+v, %v", check, err)
	}
	paths, err := u.Download(context.Background(), check.Plan)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if len(paths) != 1 || !fsutil.Exists(paths[0]) {
		t.Fatalf("paths = %v", paths)
	}

	if _, err := u.Update(context.Background(), ModeApplyNow); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := srv.count(deltaV2); got != 1 {
		t.Fatalf("delta fetched %d times, want 1", got)
	}
	assertInstalledTree(t, f.store, "1.1.0", f.v2Hash)
}

func TestRunsAreJournaledAndAudited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j, err := journal.Open(ctx, filepath.Join(f.root, "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()
	auditPath := filepath.Join(f.root, "logs", "audit.jsonl")
	al, err := audit.NewLogger(auditPath, 1, 2)
	if err != nil {
		t.Fatal(err)
	}

	u := newUpdater(t, f.store, f.fileSource(), Options{Journal: j, Audit: al})
	res, err := u.Update(ctx, ModeApplyNow)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	al.Close()

	runs, err := j.Runs(ctx, 10)
	if err != nil || len(runs) != 1 {
		t.Fatalf("Runs = %+v, %v", runs, err)
	}
	r := runs[0]
	if r.ID != res.RunID || r.State != string(StateApplied) || r.ToVersion != "1.1.0" || !r.Delta {
		t.Fatalf("run = %+v", r)
	}
	events, _ := j.Events(ctx, r.ID)
	if len(events) == 0 || events[len(events)-1].State != string(StateApplied) {
		t.Fatalf("events = %+v", events)
	}

	if n, err := audit.VerifyFile(auditPath); err != nil || n != 2 {
		t.Fatalf("audit VerifyFile = %d, %v", n, err)
	}
}

// failingPlanJournal rejects plan records for full packages.
type failingPlanJournal struct {
	Journal
	mu    sync.Mutex
	plans []bool
}

func (j *failingPlanJournal) Plan(ctx context.Context, runID, toVersion string, isDelta bool, n int64) error {
	j.mu.Lock()
	j.plans = append(j.plans, isDelta)
	j.mu.Unlock()
	if !isDelta {
		return errors.New("database is locked")
	}
	return j.Journal.Plan(ctx, runID, toVersion, isDelta, n)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestFallbackPlanJournalFailureIsLogged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j, err := journal.Open(ctx, filepath.Join(f.root, "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()
	fj := &failingPlanJournal{Journal: j}
	var logs syncBuffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	srv := f.serve(t, deltaV2)
	u := newUpdater(t, f.store, srv.source(t), Options{Journal: fj, Logger: logger})
	res, err := u.Update(ctx, ModeApplyNow)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !res.FellBack {
		t.Fatal("expected fallback to the full package")
	}
	fj.mu.Lock()
	plans := append([]bool(nil), fj.plans...)
	fj.mu.Unlock()
	if len(plans) != 2 || !plans[0] || plans[1] {
		t.Fatalf("journal plans = %v, want [delta full]", plans)
	}
	out := logs.String()
	if !strings.Contains(out, "journal plan failed") || !strings.Contains(out, "database is locked") {
		t.Fatalf("fallback journal error not logged:\n%s", out)
	}
}

func TestVerifyAsset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pkg")
	data := []byte("package bytes")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	s1 := sha1.Sum(data)
	s256 := sha256.Sum256(data)

	tests := []struct {
		name  string
		asset catalog.Asset
		want  error
	}{
		{"sha256", catalog.Asset{SHA256: hex.EncodeToString(s256[:]), Size: int64(len(data))}, nil},
		{"sha256 upper case", catalog.Asset{SHA256: strings.ToUpper(hex.EncodeToString(s256[:]))}, nil},
		{"sha1 only", catalog.Asset{SHA1: hex.EncodeToString(s1[:])}, nil},
		{"wrong hash", catalog.Asset{SHA256: strings.Repeat("0", 64)}, ErrHashMismatch},
		{"wrong size", catalog.Asset{SHA256: hex.EncodeToString(s256[:]), Size: 3}, ErrHashMismatch},
		{"no hash", catalog.Asset{}, ErrNoHash},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := verifyAsset(path, tt.asset)
			if !errors.Is(err, tt.want) || (tt.want == nil && err != nil) {
				t.Fatalf("verifyAsset = %v, want %v", err, tt.want)
			}
		})
	}
}
