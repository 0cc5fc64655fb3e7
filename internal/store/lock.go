package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"
)

// ErrLockContention is returned when a live process holds the install lock.
var ErrLockContention = errors.New("installation is locked by another operation")

// ErrLockNotHeld is returned when a mutating call is made without a valid lock.
var ErrLockNotHeld = errors.New("install lock not held")

// unreadableLockGrace is how long a lock file that cannot be parsed is
// assumed to be mid-write by its owner.
const unreadableLockGrace = 10 * time.Second

type lockRecord struct {
	PID       int       `json:"pid"`
	Host      string    `json:"host"`
	StartedAt time.Time `json:"startedAt"`
	Token     string    `json:"token"`
}

// Lock is an exclusive hold on an install root.
type Lock struct {
	store *Store
	token string

	mu       sync.Mutex
	released bool
}

// Lock acquires the install lock without waiting. If the lock file belongs
// to a dead process, or to a PID that has since been reused, it is broken
// and acquisition is retried once.
func (s *Store) Lock() (*Lock, error) {
	host, _ := os.Hostname()
	rec := lockRecord{
		PID:       os.Getpid(),
		Host:      host,
		StartedAt: time.Now().UTC(),
		Token:     uuid.NewString(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}

	err = createExclusive(s.lockPath(), data)
	if errors.Is(err, os.ErrExist) {
		if breakErr := s.breakStaleLock(); breakErr != nil {
			return nil, breakErr
		}
		err = createExclusive(s.lockPath(), data)
		if errors.Is(err, os.ErrExist) {
			return nil, ErrLockContention
		}
	}
	if err != nil {
		return nil, fmt.Errorf("create lock file: %w", err)
	}

	s.log.Debug("install lock acquired", "pid", rec.PID, "token", rec.Token)
	return &Lock{store: s, token: rec.Token}, nil
}

// Release removes the lock file if it still carries this lock's token. It is
// safe to call more than once.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}
	l.released = true

	rec, err := readLock(l.store.lockPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read lock file: %w", err)
	}
	if rec.Token != l.token {
		l.store.log.Warn("install lock was taken over before release", "owner", rec.PID)
		return nil
	}
	if err := os.Remove(l.store.lockPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}

func (l *Lock) valid(s *Store) error {
	if l == nil || l.store != s {
		return ErrLockNotHeld
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return ErrLockNotHeld
	}
	return nil
}

// breakStaleLock inspects the current lock file. A live owner yields
// ErrLockContention. A stale one is renamed aside, which only one contender
// can do, then checked again so a lock re-taken in between is put back.
func (s *Store) breakStaleLock() error {
	path := s.lockPath()
	rec, readErr := readLock(path)
	if errors.Is(readErr, os.ErrNotExist) {
		return nil
	}
	if readErr != nil {
		info, err := os.Stat(path)
		if err == nil && time.Since(info.ModTime()) < unreadableLockGrace {
			return ErrLockContention
		}
	} else if !s.isStale(rec) {
		return ErrLockContention
	}

	aside := fmt.Sprintf("%s.stale-%s", path, uuid.NewString())
	if err := os.Rename(path, aside); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("break stale lock: %w", err)
	}
	moved, err := readLock(aside)
	if readErr == nil && err == nil && moved.Token != rec.Token {
		// Someone broke and re-took the lock between our read and rename.
		if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
			os.Rename(aside, path)
		} else {
			os.Remove(aside)
		}
		return ErrLockContention
	}
	os.Remove(aside)

	s.log.Warn("broke stale install lock", "pid", rec.PID, "startedAt", rec.StartedAt)
	s.audit("lock_broken", map[string]any{"pid": rec.PID, "startedAt": rec.StartedAt})
	return nil
}

func (s *Store) isStale(rec lockRecord) bool {
	if rec.PID <= 0 {
		return true
	}
	if s.opts.StaleLockAfter > 0 && time.Since(rec.StartedAt) > s.opts.StaleLockAfter {
		return true
	}
	if host, _ := os.Hostname(); rec.Host != "" && rec.Host != host {
		// Cannot probe a PID on another machine; only age applies.
		return false
	}
	alive, err := process.PidExists(int32(rec.PID))
	if err != nil {
		return false
	}
	if !alive {
		return true
	}
	p, err := process.NewProcess(int32(rec.PID))
	if err != nil {
		return false
	}
	created, err := p.CreateTime()
	if err != nil {
		return false
	}
	// A process that started after the lock was written reused the PID.
	return time.UnixMilli(created).After(rec.StartedAt.Add(time.Second))
}

func readLock(path string) (lockRecord, error) {
	var rec lockRecord
	data, err := os.ReadFile(path)
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("parse lock file: %w", err)
	}
	return rec, nil
}

func createExclusive(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	_, err = f.Write(data)
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
	}
	return err
}
