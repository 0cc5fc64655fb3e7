package main

import (
	"context"
	"fmt"
	"time"

	"github.com/velopack/velopack-sub005/internal/audit"
	"github.com/velopack/velopack-sub005/internal/httputil"
	"github.com/velopack/velopack-sub005/internal/journal"
	"github.com/velopack/velopack-sub005/internal/logging"
	"github.com/velopack/velopack-sub005/internal/source"
	"github.com/velopack/velopack-sub005/internal/store"
	"github.com/velopack/velopack-sub005/internal/updater"
)

// env holds everything an install-root command works with.
type env struct {
	store   *store.Store
	journal *journal.Journal
	audit   *audit.Logger
	updater *updater.Updater
}

type envOptions struct {
	channel        string
	target         string
	allowDowngrade bool
	onState        func(updater.Transition)
	onProgress     func(int)
}

func openEnv(ctx context.Context, o envOptions) (*env, error) {
	e := &env{}
	var err error

	e.audit, err = audit.NewLogger(cfg.AuditFile(), cfg.AuditMaxSizeMB, cfg.AuditMaxBackups)
	if err != nil {
		log.Warn("audit log unavailable", logging.KeyError, err)
		e.audit = nil
	}

	e.store, err = store.Open(cfg.InstallRoot, store.Options{
		EntryPoint:     cfg.EntryPoint,
		StaleLockAfter: cfg.LockStaleAfter(),
		Logger:         logging.L("store"),
		Audit:          auditLog(e.audit),
	})
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("open install root: %w", err)
	}

	e.journal, err = journal.Open(ctx, cfg.JournalFile())
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("open update history: %w", err)
	}

	src, err := source.Open(ctx, cfg.Source, logging.L("source"))
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("open release source: %w", err)
	}

	channel := o.channel
	if channel == "" {
		if st, err := e.store.State(); err == nil && st.Channel != "" {
			channel = st.Channel
		} else {
			channel = cfg.Channel
		}
	}
	initial, maxDelay := cfg.RetryDelays()
	retry := httputil.DefaultRetryConfig()
	retry.MaxRetries = cfg.RetryMaxAttempts
	retry.InitialDelay = initial
	retry.MaxDelay = maxDelay

	e.updater = updater.New(e.store, src, updater.Options{
		PackageID:              cfg.PackageID,
		Channel:                channel,
		Platform:               cfg.Platform,
		TargetVersion:          o.target,
		AllowDowngrade:         cfg.AllowDowngrade || o.allowDowngrade,
		MaxDeltaChain:          cfg.MaxDeltaChain,
		MaxConcurrentDownloads: cfg.MaxConcurrentDownloads,
		Retry:                  retry,
		FetchTimeout:           time.Duration(cfg.Source.TimeoutSeconds) * time.Second,
		Headers:                cfg.Source.Headers,
		Logger:                 logging.L("updater"),
		Journal:                e.journal,
		Audit:                  auditLog(e.audit),
		OnState:                o.onState,
		OnProgress:             o.onProgress,
	})
	return e, nil
}

// auditLog keeps a nil *audit.Logger from becoming a non-nil interface.
func auditLog(l *audit.Logger) store.AuditLog {
	if l == nil {
		return nil
	}
	return l
}

func (e *env) Close() {
	if e.updater != nil {
		e.updater.Close()
	}
	if e.journal != nil {
		e.journal.Close()
	}
	if e.audit != nil {
		e.audit.Close()
	}
}
