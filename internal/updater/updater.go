// Package updater drives an update run: check the feed, plan, download,
// reconstruct, verify, stage and promote, under the install lock.
package updater

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/velopack/velopack-sub005/internal/audit"
	"github.com/velopack/velopack-sub005/internal/catalog"
	"github.com/velopack/velopack-sub005/internal/httputil"
	"github.com/velopack/velopack-sub005/internal/logging"
	"github.com/velopack/velopack-sub005/internal/resolver"
	"github.com/velopack/velopack-sub005/internal/source"
	"github.com/velopack/velopack-sub005/internal/store"
	"github.com/velopack/velopack-sub005/internal/workerpool"
)

const defaultChannel = "stable"

// Journal records runs and their transitions. *journal.Journal satisfies it.
type Journal interface {
	Begin(ctx context.Context, operation, channel, fromVersion string) (string, error)
	Plan(ctx context.Context, runID, toVersion string, delta bool, bytes int64) error
	Transition(ctx context.Context, runID, state, detail string) error
	Finish(ctx context.Context, runID, state, errKind, errMsg string) error
}

// Options configures an Updater.
type Options struct {
	PackageID string
	// Channel overrides the installed channel. Switching channel forces a
	// full package.
	Channel  string
	Platform string
	// TargetVersion pins the version to move to. Empty means latest.
	TargetVersion          string
	AllowDowngrade         bool
	MaxDeltaChain          int
	MaxConcurrentDownloads int
	Retry                  httputil.RetryConfig
	FetchTimeout           time.Duration
	Headers                map[string]string

	Logger  *slog.Logger
	Journal Journal
	Audit   store.AuditLog
	// OnState observes every transition. It must not block.
	OnState func(Transition)
	// OnProgress receives 0-100 and never affects control flow.
	OnProgress func(int)
}

// Updater runs update operations against one install root.
type Updater struct {
	store *store.Store
	src   source.Source
	pool  *workerpool.Pool
	opts  Options
	log   *slog.Logger

	mu    sync.Mutex
	state State
}

// New creates an Updater. Close releases its download workers.
func New(st *store.Store, src source.Source, opts Options) *Updater {
	if opts.MaxConcurrentDownloads <= 0 {
		opts.MaxConcurrentDownloads = 4
	}
	if opts.MaxDeltaChain <= 0 {
		opts.MaxDeltaChain = resolver.DefaultMaxDeltaChain
	}
	if opts.Retry.MaxRetries == 0 && opts.Retry.InitialDelay == 0 {
		opts.Retry = httputil.DefaultRetryConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.L("updater")
	}
	return &Updater{
		store: st,
		src:   src,
		pool:  workerpool.New(opts.MaxConcurrentDownloads, opts.MaxConcurrentDownloads*4),
		opts:  opts,
		log:   logger,
		state: StateIdle,
	}
}

// Close stops the download workers.
func (u *Updater) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	u.pool.Shutdown(ctx)
}

// State returns the state of the most recent run.
func (u *Updater) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// CheckResult is the outcome of checking the feed.
type CheckResult struct {
	State   State
	Current string
	Channel string
	// ChannelSwitch is set when Channel differs from the installed channel.
	ChannelSwitch bool
	// RemoteIsEmpty means the feed lists no releases visible to this install.
	RemoteIsEmpty bool
	IsDowngrade   bool
	Plan          *resolver.UpdatePlan
	Notes         string
	Warnings      []string

	installed bool
	catalog   *catalog.Catalog
}

// Result is the outcome of Update.
type Result struct {
	RunID string
	State State
	Check *CheckResult
	// Plan is the plan that was carried out, which differs from Check.Plan
	// after a fallback to the full package.
	Plan      *resolver.UpdatePlan
	FellBack  bool
	Installed store.State
}

// run carries per-operation bookkeeping.
type run struct {
	id    string
	op    string
	log   *slog.Logger
	state State
	prog  *progress
}

// recordPlan stores the chosen plan on the run's journal entry.
func (u *Updater) recordPlan(ctx context.Context, r *run, plan *resolver.UpdatePlan) {
	if u.opts.Journal == nil {
		return
	}
	if err := u.opts.Journal.Plan(ctx, r.id, plan.Target, plan.IsDelta(), plan.Cost); err != nil {
		r.log.Warn("journal plan failed", "target", plan.Target, "error", err)
	}
}

func (u *Updater) begin(ctx context.Context, op string) *run {
	var channel, from string
	if st, err := u.store.State(); err == nil {
		channel, from = st.Channel, st.Current
	}
	if u.opts.Channel != "" {
		channel = u.opts.Channel
	}

	r := &run{op: op, state: StateIdle, prog: newProgress(u.opts.OnProgress)}
	if u.opts.Journal != nil {
		id, err := u.opts.Journal.Begin(ctx, op, channel, from)
		if err != nil {
			u.log.Warn("journal begin failed", "error", err)
		}
		r.id = id
	}
	if r.id == "" {
		r.id = uuid.NewString()
	}
	r.log = logging.WithRun(u.log, r.id, op)
	u.setState(StateIdle)
	return r
}

func (u *Updater) setState(s State) {
	u.mu.Lock()
	u.state = s
	u.mu.Unlock()
}

func (u *Updater) transition(ctx context.Context, r *run, to State, detail string) {
	from := r.state
	r.state = to
	u.setState(to)
	r.log.Debug("state", "from", string(from), "to", string(to), "detail", detail)
	if u.opts.Journal != nil {
		if err := u.opts.Journal.Transition(context.WithoutCancel(ctx), r.id, string(to), detail); err != nil {
			r.log.Warn("journal transition failed", "error", err)
		}
	}
	if u.opts.OnState != nil {
		u.opts.OnState(Transition{RunID: r.id, From: from, To: to, At: time.Now()})
	}
}

// finish records the run's end state. A non-nil err moves it to Failed.
func (u *Updater) finish(ctx context.Context, r *run, err error) {
	ctx = context.WithoutCancel(ctx)
	kind, msg := "", ""
	if err != nil {
		k := KindOf(err)
		kind, msg = k.String(), err.Error()
		from := r.state
		r.state = StateFailed
		u.setState(StateFailed)
		r.log.Error("update run failed", "from", string(from), "kind", kind, logging.KeyError, err)
		if u.opts.Journal != nil {
			if jerr := u.opts.Journal.Transition(ctx, r.id, string(StateFailed), msg); jerr != nil {
				r.log.Warn("journal transition failed", "error", jerr)
			}
		}
		if u.opts.OnState != nil {
			u.opts.OnState(Transition{RunID: r.id, From: from, To: StateFailed, Kind: k, Err: err, At: time.Now()})
		}
	}
	if u.opts.Journal != nil {
		if jerr := u.opts.Journal.Finish(ctx, r.id, string(r.state), kind, msg); jerr != nil {
			r.log.Warn("journal finish failed", "error", jerr)
		}
	}
	if r.op != "check" {
		u.auditEvent(audit.EventUpdateFinished, r.id, map[string]any{"op": r.op, "state": string(r.state), "errorKind": kind})
	}
}

func (u *Updater) auditEvent(event, runID string, details map[string]any) {
	if u.opts.Audit != nil {
		u.opts.Audit.Log(event, runID, details)
	}
}

// Check fetches the feed and resolves a plan without touching the install
// root, so it does not take the lock.
func (u *Updater) Check(ctx context.Context) (*CheckResult, error) {
	r := u.begin(ctx, "check")
	res, err := u.check(ctx, r)
	u.finish(ctx, r, err)
	return res, err
}

func (u *Updater) check(ctx context.Context, r *run) (*CheckResult, error) {
	u.transition(ctx, r, StateChecking, "")

	res := &CheckResult{Channel: u.opts.Channel}
	st, err := u.store.State()
	switch {
	case err == nil:
		res.installed = true
		res.Current = st.Current
		if res.Channel == "" {
			res.Channel = st.Channel
		}
		res.ChannelSwitch = st.Channel != "" && res.Channel != st.Channel
	case errors.Is(err, store.ErrNotInstalled):
	default:
		return nil, classify(err, KindInternal)
	}
	if res.Channel == "" {
		res.Channel = defaultChannel
	}

	installID, err := u.store.InstallID()
	if err != nil {
		return nil, classify(err, KindInternal)
	}

	feed := source.NewFeed(u.src, res.Channel)
	var cat *catalog.Catalog
	err = httputil.Retry(ctx, u.opts.Retry, "fetch feed", func(ctx context.Context) error {
		c, err := feed.Catalog(ctx)
		if err != nil {
			return err
		}
		cat = c
		return nil
	}, source.IsRetryable)
	if err != nil {
		return nil, classify(fmt.Errorf("fetch %s feed: %w", res.Channel, err), KindNetwork)
	}
	if u.opts.PackageID != "" {
		cat = cat.Filter(func(a catalog.Asset) bool {
			return a.PackageID == "" || strings.EqualFold(a.PackageID, u.opts.PackageID)
		})
	}
	cat = cat.Visible(installID)
	res.catalog = cat
	res.Warnings = cat.Warnings
	for _, w := range cat.Warnings {
		r.log.Warn("release feed entry skipped", "warning", w)
	}
	r.prog.report(progressChecked)

	if cat.IsEmpty() {
		res.RemoteIsEmpty = true
		res.State = StateUpToDate
		u.transition(ctx, r, StateUpToDate, "feed has no releases")
		return res, nil
	}

	plan, err := resolver.Plan(res.Current, u.opts.TargetVersion, cat, resolver.Options{
		Platform:       u.opts.Platform,
		AllowDowngrade: u.opts.AllowDowngrade,
		MaxDeltaChain:  u.opts.MaxDeltaChain,
		FullOnly:       res.ChannelSwitch,
	})
	if errors.Is(err, resolver.ErrNoUpdateAvailable) {
		res.State = StateUpToDate
		u.transition(ctx, r, StateUpToDate, res.Current)
		return res, nil
	}
	if err != nil {
		return nil, classify(err, KindInternal)
	}

	res.Plan = plan
	res.IsDowngrade = plan.IsDowngrade
	res.State = StateUpdateAvailable
	if plan.Full != nil {
		res.Notes = plan.Full.NotesMarkdown
	} else {
		res.Notes = plan.Steps[len(plan.Steps)-1].NotesMarkdown
	}
	r.log.Info("update available", "plan", plan.String(), "channel", res.Channel, "downgrade", plan.IsDowngrade)
	u.transition(ctx, r, StateUpdateAvailable, plan.String())
	return res, nil
}

// Update checks for an update and, if there is one, installs it. The lock
// is held for the whole run; if another operation holds it Update fails at
// once with KindLockContention. A nothing-installed root gets a fresh
// install from the full package.
func (u *Updater) Update(ctx context.Context, mode Mode) (*Result, error) {
	lock, err := u.store.Lock()
	if err != nil {
		u.log.Warn("update not started", logging.KeyError, err)
		return nil, classify(err, KindInternal)
	}
	defer lock.Release()

	r := u.begin(ctx, "update")
	u.auditEvent(audit.EventUpdateStarted, r.id, map[string]any{"mode": int(mode)})
	res, err := u.update(ctx, r, lock, mode)
	u.finish(ctx, r, err)
	if res != nil {
		res.RunID = r.id
		res.State = r.state
	}
	if err == nil {
		r.prog.report(100)
	}
	return res, err
}

func (u *Updater) update(ctx context.Context, r *run, lock *store.Lock, mode Mode) (*Result, error) {
	check, err := u.check(ctx, r)
	if err != nil {
		return nil, err
	}
	res := &Result{Check: check}
	if check.State == StateUpToDate {
		return res, nil
	}

	plan := check.Plan
	u.recordPlan(ctx, r, plan)

	dir, err := u.obtain(ctx, r, plan)
	if err != nil && plan.IsDelta() && fallbackEligible(err) {
		r.log.Warn("delta update failed, falling back to full package", "kind", KindOf(err).String(), logging.KeyError, err)
		full, perr := resolver.PlanFull(plan.Current, plan.Target, check.catalog, resolver.Options{
			Platform:       u.opts.Platform,
			AllowDowngrade: u.opts.AllowDowngrade,
		})
		if perr != nil {
			return res, err
		}
		plan, res.FellBack = full, true
		u.recordPlan(ctx, r, plan)
		dir, err = u.obtain(ctx, r, plan)
	}
	res.Plan = plan
	if err != nil {
		return res, err
	}

	if !check.installed {
		u.transition(ctx, r, StateApplying, "fresh install")
		if err := u.store.Install(lock, plan.Target, check.Channel, dir); err != nil {
			return res, classify(err, KindInternal)
		}
		res.Installed, _ = u.store.State()
		u.transition(ctx, r, StateApplied, plan.Target)
		return res, nil
	}

	if err := u.store.Stage(lock, plan.Target, dir); err != nil {
		return res, classify(err, KindInternal)
	}
	if check.ChannelSwitch {
		if err := u.store.SetChannel(lock, check.Channel); err != nil {
			return res, classify(err, KindInternal)
		}
	}
	u.transition(ctx, r, StateStaged, plan.Target)

	if mode == ModeOnRestart {
		res.Installed, _ = u.store.State()
		u.transition(ctx, r, StateRestartPending, plan.Target)
		return res, nil
	}

	u.transition(ctx, r, StateApplying, plan.Target)
	installed, err := u.store.Promote(lock)
	res.Installed = installed
	if err != nil {
		return res, classify(err, KindInternal)
	}
	u.transition(ctx, r, StateApplied, plan.Target)
	return res, nil
}

// obtain downloads the plan's assets and rebuilds the target tree in a new
// staging directory.
func (u *Updater) obtain(ctx context.Context, r *run, plan *resolver.UpdatePlan) (string, error) {
	u.transition(ctx, r, StateDownloading, plan.String())
	paths, err := u.download(ctx, r, plan)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", classify(err, KindCancelled)
	}
	u.transition(ctx, r, StateVerifying, "")
	return u.reconstruct(ctx, r, plan, paths)
}

// Download fetches a plan's assets into the package cache without staging
// them. A later Update reuses files that still verify.
func (u *Updater) Download(ctx context.Context, plan *resolver.UpdatePlan) ([]string, error) {
	lock, err := u.store.Lock()
	if err != nil {
		return nil, classify(err, KindInternal)
	}
	defer lock.Release()

	r := u.begin(ctx, "download")
	u.recordPlan(ctx, r, plan)
	u.transition(ctx, r, StateDownloading, plan.String())
	paths, err := u.download(ctx, r, plan)
	u.finish(ctx, r, err)
	return paths, err
}

// PendingResult is the outcome of ApplyPending.
type PendingResult struct {
	Action    store.RecoverResult
	Installed store.State
}

// ApplyPending runs at launch. A staged update that still verifies is
// promoted; one that does not is discarded. Leftover staging directories
// are removed.
func (u *Updater) ApplyPending(ctx context.Context) (*PendingResult, error) {
	lock, err := u.store.Lock()
	if err != nil {
		return nil, classify(err, KindInternal)
	}
	defer lock.Release()

	r := u.begin(ctx, "apply")
	u.transition(ctx, r, StateApplying, "")
	action, st, err := u.store.Recover(lock)
	if err != nil {
		err = classify(err, KindInternal)
	} else {
		u.transition(ctx, r, StateApplied, action.String())
		r.log.Info("pending update handled", "action", action.String(), "current", st.Current)
	}
	u.finish(ctx, r, err)
	return &PendingResult{Action: action, Installed: st}, err
}

// Rollback re-points the install at the previous version.
func (u *Updater) Rollback(ctx context.Context) (store.State, error) {
	lock, err := u.store.Lock()
	if err != nil {
		return store.State{}, classify(err, KindInternal)
	}
	defer lock.Release()

	r := u.begin(ctx, "rollback")
	u.transition(ctx, r, StateApplying, "rollback")
	st, err := u.store.Rollback(lock)
	if err != nil {
		err = classify(err, KindInternal)
	} else {
		u.transition(ctx, r, StateApplied, st.Current)
	}
	u.finish(ctx, r, err)
	return st, err
}
