package updater

import (
	"fmt"

	"github.com/velopack/velopack-sub005/internal/fsutil"
	"github.com/velopack/velopack-sub005/internal/store"
)

// RestartOptions says how to bring the application back up after an update.
type RestartOptions struct {
	// ServiceName is the systemd unit, launchd label or Windows service
	// that runs the application. Empty skips service managers.
	ServiceName string
	// EntryPoint is the executable relative to the version directory, used
	// when no service manager applies.
	EntryPoint string
	Args       []string
}

// entryPath resolves the entry point inside the current version.
func entryPath(st *store.Store, entryPoint string) (string, error) {
	if entryPoint == "" {
		return "", fmt.Errorf("no entry point configured")
	}
	dir, err := st.CurrentDir()
	if err != nil {
		return "", err
	}
	return fsutil.ContainedPath(dir, entryPoint)
}

// Restart restarts the application so it runs the current version.
func (u *Updater) Restart(opts RestartOptions) error {
	u.log.Info("restarting application", "service", opts.ServiceName, "entryPoint", opts.EntryPoint)
	return restart(u.store, opts)
}
