package updater

import (
	"context"
	"errors"
	"fmt"

	"github.com/velopack/velopack-sub005/internal/health"
	"github.com/velopack/velopack-sub005/internal/source"
	"github.com/velopack/velopack-sub005/internal/store"
)

// Probes returns the install, feed and lock checks used by the status
// command.
func (u *Updater) Probes() []health.Probe {
	return []health.Probe{
		{Name: "install", Check: u.probeInstall},
		{Name: "feed", Check: u.probeFeed},
		{Name: "lock", Check: u.probeLock},
	}
}

func (u *Updater) probeInstall(context.Context) (health.Status, string) {
	st, err := u.store.State()
	if errors.Is(err, store.ErrNotInstalled) {
		return health.Degraded, "nothing installed"
	}
	if err != nil {
		return health.Unhealthy, err.Error()
	}
	if _, err := u.store.CurrentDir(); err != nil {
		return health.Unhealthy, err.Error()
	}
	if st.HasPending() {
		return health.Healthy, fmt.Sprintf("%s, %s pending restart", st.Current, st.Pending)
	}
	return health.Healthy, st.Current
}

func (u *Updater) probeFeed(ctx context.Context) (health.Status, string) {
	channel := u.opts.Channel
	if channel == "" {
		if st, err := u.store.State(); err == nil {
			channel = st.Channel
		}
	}
	if channel == "" {
		channel = defaultChannel
	}
	c, err := source.NewFeed(u.src, channel).Catalog(ctx)
	if err != nil {
		return health.Unhealthy, err.Error()
	}
	if len(c.Warnings) > 0 {
		return health.Degraded, fmt.Sprintf("%d releases, %d skipped entries", len(c.Assets), len(c.Warnings))
	}
	return health.Healthy, fmt.Sprintf("%d releases", len(c.Assets))
}

func (u *Updater) probeLock(context.Context) (health.Status, string) {
	lock, err := u.store.Lock()
	if errors.Is(err, store.ErrLockContention) {
		return health.Degraded, "an update is in progress"
	}
	if err != nil {
		return health.Unhealthy, err.Error()
	}
	if err := lock.Release(); err != nil {
		return health.Degraded, err.Error()
	}
	return health.Healthy, "free"
}
