// Package store owns an installation's on-disk state: the pointer file that
// names the active version, the staging area, installed version trees and
// the install lock.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/velopack/velopack-sub005/internal/delta"
	"github.com/velopack/velopack-sub005/internal/fsutil"
	"github.com/velopack/velopack-sub005/internal/logging"
)

var (
	// ErrNotInstalled means the pointer file does not exist yet.
	ErrNotInstalled = errors.New("no version installed")
	// ErrNothingStaged means there is no pending update to promote.
	ErrNothingStaged = errors.New("no staged update")
	// ErrStagedCorrupt means the staged tree no longer matches the hash
	// recorded when it was staged. It has been discarded.
	ErrStagedCorrupt = errors.New("staged update failed verification")
	// ErrEntryPointMissing means the promoted version has no entry
	// executable. The pointer has been restored to the previous version.
	ErrEntryPointMissing = errors.New("entry point not found in promoted version")
	// ErrNoPrevious means there is no earlier version to roll back to.
	ErrNoPrevious = errors.New("no previous version to roll back to")
)

const (
	stateFile     = "state.json"
	installIDFile = ".installid"
	lockFile      = ".lock"
	versionsDir   = "versions"
	stagingDir    = "staging"
	packagesDir   = "packages"

	replacedSuffix = ".replaced"
)

// State is the persisted pointer record.
type State struct {
	Current     string    `json:"current"`
	Previous    string    `json:"previous,omitempty"`
	Pending     string    `json:"pending,omitempty"`
	PendingDir  string    `json:"pendingDir,omitempty"`
	PendingHash string    `json:"pendingHash,omitempty"`
	Channel     string    `json:"channel"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// HasPending reports whether an update is staged.
func (s State) HasPending() bool { return s.Pending != "" }

// AuditLog records install-root mutations. *audit.Logger satisfies it.
type AuditLog interface {
	Log(eventType, runID string, details map[string]any)
}

// Options configures a Store.
type Options struct {
	// EntryPoint is the main executable's path relative to a version
	// directory. Empty skips the reachability check.
	EntryPoint string
	// StaleLockAfter breaks locks older than this regardless of owner
	// liveness. Zero disables the age check.
	StaleLockAfter time.Duration
	Logger         *slog.Logger
	Audit          AuditLog
}

// Store manages one install root. Mutating methods require a held Lock.
type Store struct {
	root string
	opts Options
	log  *slog.Logger
}

// Open prepares the directory layout under root.
func Open(root string, opts Options) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve install root: %w", err)
	}
	for _, dir := range []string{abs, filepath.Join(abs, versionsDir), filepath.Join(abs, stagingDir), filepath.Join(abs, packagesDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	log := opts.Logger
	if log == nil {
		log = logging.L("store")
	}
	return &Store{root: abs, opts: opts, log: log}, nil
}

func (s *Store) Root() string        { return s.root }
func (s *Store) PackagesDir() string { return filepath.Join(s.root, packagesDir) }
func (s *Store) lockPath() string    { return filepath.Join(s.root, lockFile) }
func (s *Store) statePath() string   { return filepath.Join(s.root, stateFile) }

// VersionDir is where version v is installed.
func (s *Store) VersionDir(v string) string {
	return filepath.Join(s.root, versionsDir, "app-"+v)
}

// StagingPath returns a fresh, not yet created directory in the staging area.
func (s *Store) StagingPath(version string) string {
	return filepath.Join(s.root, stagingDir, version+"-"+uuid.NewString()[:8])
}

// State reads the pointer file. It is the only thing readers such as the
// running application need to touch.
func (s *Store) State() (State, error) {
	var st State
	data, err := os.ReadFile(s.statePath())
	if errors.Is(err, os.ErrNotExist) {
		return st, ErrNotInstalled
	}
	if err != nil {
		return st, fmt.Errorf("read state: %w", err)
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("parse state: %w", err)
	}
	return st, nil
}

// CurrentDir returns the active version's directory.
func (s *Store) CurrentDir() (string, error) {
	st, err := s.State()
	if err != nil {
		return "", err
	}
	if st.Current == "" {
		return "", ErrNotInstalled
	}
	return s.VersionDir(st.Current), nil
}

func (s *Store) writeState(st State) error {
	st.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(s.statePath(), data, 0o644)
}

// InstallID returns the stable per-install identifier, creating it on first
// use.
func (s *Store) InstallID() (string, error) {
	path := filepath.Join(s.root, installIDFile)
	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}
	id := uuid.NewString()
	err := createExclusive(path, []byte(id+"\n"))
	if errors.Is(err, os.ErrExist) {
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return "", readErr
		}
		return strings.TrimSpace(string(data)), nil
	}
	if err != nil {
		return "", fmt.Errorf("write install id: %w", err)
	}
	return id, nil
}

// Install records srcDir as the first installed version. srcDir is moved
// into the versions area.
func (s *Store) Install(lock *Lock, version, channel, srcDir string) error {
	if err := lock.valid(s); err != nil {
		return err
	}
	if _, err := s.State(); err == nil {
		return fmt.Errorf("install root %s already has a version", s.root)
	}
	dest := s.VersionDir(version)
	if err := os.Rename(srcDir, dest); err != nil {
		return fmt.Errorf("move %s into place: %w", version, err)
	}
	if err := s.writeState(State{Current: version, Channel: channel}); err != nil {
		return err
	}
	s.audit("install", map[string]any{"version": version, "channel": channel})
	return nil
}

// SetChannel changes the channel recorded in the pointer file.
func (s *Store) SetChannel(lock *Lock, channel string) error {
	if err := lock.valid(s); err != nil {
		return err
	}
	st, err := s.State()
	if err != nil {
		return err
	}
	if st.Channel == channel {
		return nil
	}
	s.audit("channel_changed", map[string]any{"from": st.Channel, "to": channel})
	st.Channel = channel
	return s.writeState(st)
}

// Stage records dir, which must live in the staging area, as the pending
// update for version. The tree hash is captured so promotion can detect
// later tampering or partial writes.
func (s *Store) Stage(lock *Lock, version, dir string) error {
	if err := lock.valid(s); err != nil {
		return err
	}
	rel, err := filepath.Rel(filepath.Join(s.root, stagingDir), dir)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || strings.ContainsRune(rel, filepath.Separator) {
		return fmt.Errorf("staged directory %s is not in the staging area", dir)
	}
	st, err := s.State()
	if err != nil {
		return err
	}
	if st.Current == version {
		return fmt.Errorf("version %s is already current", version)
	}
	hash, err := delta.ModeTreeHash(os.DirFS(dir))
	if err != nil {
		return fmt.Errorf("hash staged tree: %w", err)
	}
	if st.HasPending() && st.PendingDir != rel {
		os.RemoveAll(filepath.Join(s.root, stagingDir, st.PendingDir))
	}
	st.Pending, st.PendingDir, st.PendingHash = version, rel, hash
	if err := s.writeState(st); err != nil {
		return err
	}
	s.log.Info("update staged", "version", version, "dir", rel)
	s.audit("staged", map[string]any{"version": version, "treeHash": hash})
	return nil
}

// Promote makes the staged version current. The staged tree is verified,
// renamed into the versions area and the pointer file rewritten. If the
// entry point is then not reachable the pointer goes back to the old
// version. Older versions beyond the previous one are pruned only after
// success.
func (s *Store) Promote(lock *Lock) (State, error) {
	if err := lock.valid(s); err != nil {
		return State{}, err
	}
	st, err := s.State()
	if err != nil {
		return st, err
	}
	if !st.HasPending() {
		return st, ErrNothingStaged
	}

	staged := filepath.Join(s.root, stagingDir, st.PendingDir)
	dest := s.VersionDir(st.Pending)
	aside := dest + replacedSuffix
	switch {
	case fsutil.Exists(staged):
		if hash, err := delta.ModeTreeHash(os.DirFS(staged)); err != nil || hash != st.PendingHash {
			s.log.Warn("staged update failed verification, discarding", "version", st.Pending, "error", err)
			return s.discard(st, ErrStagedCorrupt)
		}
		if fsutil.Exists(dest) {
			// An installed copy of the same version, usually the previous
			// one on a downgrade. It is kept aside until the new tree is live.
			os.RemoveAll(aside)
			if err := os.Rename(dest, aside); err != nil {
				return st, fmt.Errorf("set aside %s: %w", dest, err)
			}
		}
		if err := os.Rename(staged, dest); err != nil {
			s.restoreAside(dest, aside)
			return st, fmt.Errorf("promote %s: %w", st.Pending, err)
		}
	case fsutil.Exists(dest):
		// Interrupted after the rename but before the pointer was written.
		if hash, err := delta.ModeTreeHash(os.DirFS(dest)); err != nil || hash != st.PendingHash {
			return s.discard(st, ErrStagedCorrupt)
		}
	default:
		return s.discard(st, ErrStagedCorrupt)
	}

	old := st
	next := State{Current: st.Pending, Previous: st.Current, Channel: st.Channel}
	if err := s.writeState(next); err != nil {
		return old, fmt.Errorf("write pointer: %w", err)
	}

	if err := s.checkEntryPoint(next.Current); err != nil {
		restored := State{Current: old.Current, Previous: old.Previous, Channel: old.Channel}
		if werr := s.writeState(restored); werr != nil {
			return next, fmt.Errorf("%w; restoring pointer also failed: %v", err, werr)
		}
		s.restoreAside(dest, aside)
		s.audit("promote_reverted", map[string]any{"version": next.Current, "error": err.Error()})
		return restored, err
	}

	os.RemoveAll(aside)
	s.log.Info("update promoted", "version", next.Current, "previous", next.Previous)
	s.audit("promoted", map[string]any{"version": next.Current, "previous": next.Previous})
	s.prune(next)
	return next, nil
}

// restoreAside drops a promoted tree that did not take effect and puts back
// the copy it replaced, if there was one.
func (s *Store) restoreAside(dest, aside string) {
	os.RemoveAll(dest)
	if !fsutil.Exists(aside) {
		return
	}
	if err := os.Rename(aside, dest); err != nil {
		s.log.Error("failed to restore replaced version", "dir", dest, "error", err)
	}
}

func (s *Store) checkEntryPoint(version string) error {
	if s.opts.EntryPoint == "" {
		return nil
	}
	path, err := fsutil.ContainedPath(s.VersionDir(version), s.opts.EntryPoint)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEntryPointMissing, err)
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s", ErrEntryPointMissing, s.opts.EntryPoint)
	}
	return nil
}

// Discard drops the staged update, if any.
func (s *Store) Discard(lock *Lock) error {
	if err := lock.valid(s); err != nil {
		return err
	}
	st, err := s.State()
	if err != nil {
		return err
	}
	if !st.HasPending() {
		return nil
	}
	_, err = s.discard(st, nil)
	return err
}

func (s *Store) discard(st State, cause error) (State, error) {
	if st.PendingDir != "" {
		os.RemoveAll(filepath.Join(s.root, stagingDir, st.PendingDir))
	}
	s.audit("staged_discarded", map[string]any{"version": st.Pending})
	st.Pending, st.PendingDir, st.PendingHash = "", "", ""
	if err := s.writeState(st); err != nil {
		return st, err
	}
	return st, cause
}

// RecoverResult says what Recover did.
type RecoverResult int

const (
	RecoverNone RecoverResult = iota
	RecoverPromoted
	RecoverDiscarded
)

func (r RecoverResult) String() string {
	switch r {
	case RecoverPromoted:
		return "promoted"
	case RecoverDiscarded:
		return "discarded"
	default:
		return "none"
	}
}

// Recover runs at startup. A pending update whose staged tree still verifies
// is promoted; otherwise it is discarded. Staging directories not named by
// the pointer file are removed.
func (s *Store) Recover(lock *Lock) (RecoverResult, State, error) {
	if err := lock.valid(s); err != nil {
		return RecoverNone, State{}, err
	}
	st, err := s.State()
	if err != nil {
		return RecoverNone, st, err
	}
	s.cleanStaging(st.PendingDir)
	if !st.HasPending() {
		return RecoverNone, st, nil
	}

	next, err := s.Promote(lock)
	switch {
	case err == nil:
		return RecoverPromoted, next, nil
	case errors.Is(err, ErrStagedCorrupt):
		return RecoverDiscarded, next, nil
	default:
		return RecoverNone, next, err
	}
}

// Rollback re-points the installation at the previous version.
func (s *Store) Rollback(lock *Lock) (State, error) {
	if err := lock.valid(s); err != nil {
		return State{}, err
	}
	st, err := s.State()
	if err != nil {
		return st, err
	}
	if st.Previous == "" || !fsutil.Exists(s.VersionDir(st.Previous)) {
		return st, ErrNoPrevious
	}
	if st.HasPending() {
		if st, err = s.discard(st, nil); err != nil {
			return st, err
		}
	}
	next := State{Current: st.Previous, Previous: st.Current, Channel: st.Channel}
	if err := s.checkEntryPoint(next.Current); err != nil {
		return st, err
	}
	if err := s.writeState(next); err != nil {
		return st, err
	}
	s.log.Info("rolled back", "version", next.Current, "from", next.Previous)
	s.audit("rolled_back", map[string]any{"version": next.Current, "from": next.Previous})
	return next, nil
}

// prune removes installed versions other than current and previous, and
// cached packages.
func (s *Store) prune(st State) {
	keep := map[string]bool{
		filepath.Base(s.VersionDir(st.Current)): true,
	}
	if st.Previous != "" {
		keep[filepath.Base(s.VersionDir(st.Previous))] = true
	}
	entries, err := os.ReadDir(filepath.Join(s.root, versionsDir))
	if err == nil {
		for _, e := range entries {
			if !keep[e.Name()] {
				if err := os.RemoveAll(filepath.Join(s.root, versionsDir, e.Name())); err != nil {
					s.log.Warn("failed to prune old version", "dir", e.Name(), "error", err)
				}
			}
		}
	}
	s.clearDir(s.PackagesDir())
	s.cleanStaging("")
}

func (s *Store) cleanStaging(keep string) {
	entries, err := os.ReadDir(filepath.Join(s.root, stagingDir))
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.Name() == keep {
			continue
		}
		s.log.Debug("removing orphaned staging entry", "name", e.Name())
		os.RemoveAll(filepath.Join(s.root, stagingDir, e.Name()))
	}
}

func (s *Store) clearDir(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		os.RemoveAll(filepath.Join(dir, e.Name()))
	}
}

func (s *Store) audit(event string, details map[string]any) {
	if s.opts.Audit != nil {
		s.opts.Audit.Log(event, "", details)
	}
}
