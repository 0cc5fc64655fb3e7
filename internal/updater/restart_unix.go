//go:build !windows

package updater

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/velopack/velopack-sub005/internal/store"
)

func restart(st *store.Store, opts RestartOptions) error {
	if opts.ServiceName != "" {
		if runtime.GOOS == "darwin" {
			if err := restartLaunchd(opts.ServiceName); err == nil {
				return nil
			}
		} else if err := restartSystemd(opts.ServiceName); err == nil {
			return nil
		}
	}
	return restartExec(st, opts)
}

func restartSystemd(unit string) error {
	return exec.Command("systemctl", "restart", unit).Run()
}

func restartLaunchd(label string) error {
	return exec.Command("launchctl", "kickstart", "-k", "system/"+label).Run()
}

// restartExec replaces the current process with the new version's entry
// point. It only returns on failure.
func restartExec(st *store.Store, opts RestartOptions) error {
	binary, err := entryPath(st, opts.EntryPoint)
	if err != nil {
		return fmt.Errorf("resolve entry point: %w", err)
	}
	if _, err := os.Stat(binary); err != nil {
		return fmt.Errorf("entry point: %w", err)
	}
	args := append([]string{binary}, opts.Args...)
	return unix.Exec(binary, args, os.Environ())
}
