//go:build windows

package updater

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"

	"github.com/velopack/velopack-sub005/internal/store"
)

func restart(st *store.Store, opts RestartOptions) error {
	if opts.ServiceName != "" {
		return restartService(opts.ServiceName)
	}
	binary, err := entryPath(st, opts.EntryPoint)
	if err != nil {
		return fmt.Errorf("resolve entry point: %w", err)
	}
	cmd := exec.Command(binary, opts.Args...)
	cmd.Env = os.Environ()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", binary, err)
	}
	return cmd.Process.Release()
}

// restartService stops and starts a Windows service, waiting for each.
func restartService(name string) error {
	m, err := mgr.Connect()
	if err != nil {
		return fmt.Errorf("failed to connect to SCM: %w", err)
	}
	defer m.Disconnect()

	s, err := m.OpenService(name)
	if err != nil {
		return fmt.Errorf("failed to open service %s: %w", name, err)
	}
	defer s.Close()

	status, err := s.Query()
	if err != nil {
		return fmt.Errorf("failed to query service: %w", err)
	}
	if status.State != svc.Stopped {
		if _, err := s.Control(svc.Stop); err != nil {
			return fmt.Errorf("failed to stop service: %w", err)
		}
	}
	if err := waitForState(s, svc.Stopped); err != nil {
		return err
	}

	if err := s.Start(); err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}
	return waitForState(s, svc.Running)
}

func waitForState(s *mgr.Service, want svc.State) error {
	deadline := time.Now().Add(30 * time.Second)
	for {
		status, err := s.Query()
		if err != nil {
			return fmt.Errorf("failed to query service: %w", err)
		}
		if status.State == want {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for service state %d", want)
		}
		time.Sleep(300 * time.Millisecond)
	}
}
