//go:build linux

package svcquery

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// GetStatus queries a systemd unit by name.
func GetStatus(name string) (ServiceInfo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	unit := name
	if !strings.Contains(unit, ".") {
		unit += ".service"
	}
	out, err := exec.CommandContext(ctx, "systemctl", "show", unit, "--no-pager",
		"--property=LoadState,ActiveState,UnitFileState,Description,MainPID,ExecStart").Output()
	if err != nil {
		return ServiceInfo{Name: name, Status: StatusUnknown}, fmt.Errorf("svcquery: systemctl show %s: %w", unit, err)
	}
	return parseSystemctlShow(name, string(out))
}
