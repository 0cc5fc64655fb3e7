package updater

import (
	"sync"
	"time"
)

// State is a step of an update run.
type State string

const (
	StateIdle            State = "Idle"
	StateChecking        State = "Checking"
	StateUpToDate        State = "UpToDate"
	StateUpdateAvailable State = "UpdateAvailable"
	StateDownloading     State = "Downloading"
	StateVerifying       State = "Verifying"
	StateStaged          State = "Staged"
	StateApplying        State = "Applying"
	StateApplied         State = "Applied"
	StateRestartPending  State = "RestartPending"
	StateFailed          State = "Failed"
)

// Terminal reports whether a run ends in s.
func (s State) Terminal() bool {
	switch s {
	case StateUpToDate, StateApplied, StateRestartPending, StateFailed:
		return true
	}
	return false
}

// Mode selects when a downloaded update takes effect.
type Mode int

const (
	// ModeApplyNow promotes the update before Update returns.
	ModeApplyNow Mode = iota
	// ModeOnRestart stages the update; it is promoted by ApplyPending on
	// the next launch.
	ModeOnRestart
)

// Transition is published to Options.OnState for every state change.
type Transition struct {
	RunID string
	From  State
	To    State
	// Kind is set when To is StateFailed.
	Kind ErrorKind
	Err  error
	At   time.Time
}

// progress forwards 0-100 values to a callback, dropping anything that
// would move backwards.
type progress struct {
	mu   sync.Mutex
	last int
	fn   func(int)
}

func newProgress(fn func(int)) *progress {
	return &progress{last: -1, fn: fn}
}

func (p *progress) report(pct int) {
	if p == nil || p.fn == nil {
		return
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if pct <= p.last {
		return
	}
	p.last = pct
	p.fn(pct)
}

// span maps a fraction of one phase onto the overall 0-100 scale.
func (p *progress) span(lo, hi int, done, total int64) {
	if total <= 0 {
		return
	}
	if done > total {
		done = total
	}
	p.report(lo + int(int64(hi-lo)*done/total))
}

const (
	progressChecked    = 5
	progressDownloaded = 80
	progressVerified   = 95
)
