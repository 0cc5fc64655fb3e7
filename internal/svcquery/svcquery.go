// Package svcquery reports the state of the service manager entry that runs
// the installed application.
package svcquery

import (
	"bufio"
	"errors"
	"strconv"
	"strings"
)

// ServiceStatus is a normalized service state.
type ServiceStatus string

const (
	StatusRunning  ServiceStatus = "running"
	StatusStopped  ServiceStatus = "stopped"
	StatusDisabled ServiceStatus = "disabled"
	StatusUnknown  ServiceStatus = "unknown"
)

// ErrNotFound is returned when the service manager has no such service.
var ErrNotFound = errors.New("svcquery: service not found")

// ServiceInfo describes a system service.
type ServiceInfo struct {
	Name        string        `json:"name"`
	DisplayName string        `json:"displayName,omitempty"`
	Status      ServiceStatus `json:"status"`
	StartType   string        `json:"startType,omitempty"`
	BinaryPath  string        `json:"binaryPath,omitempty"`
	PID         int           `json:"pid,omitempty"`
}

// IsActive returns true if the service is currently running.
func (s ServiceInfo) IsActive() bool {
	return s.Status == StatusRunning
}

// parseSystemctlShow reads `systemctl show` key=value output.
func parseSystemctlShow(name, out string) (ServiceInfo, error) {
	props := make(map[string]string)
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		k, v, ok := strings.Cut(sc.Text(), "=")
		if ok {
			props[k] = v
		}
	}
	if props["LoadState"] == "not-found" {
		return ServiceInfo{Name: name, Status: StatusUnknown}, ErrNotFound
	}

	info := ServiceInfo{
		Name:        name,
		DisplayName: props["Description"],
		StartType:   props["UnitFileState"],
		Status:      StatusUnknown,
	}
	if v := props["ExecStart"]; v != "" {
		info.BinaryPath = execStartPath(v)
	}
	switch props["ActiveState"] {
	case "active", "activating", "reloading":
		info.Status = StatusRunning
	case "inactive", "failed", "deactivating":
		info.Status = StatusStopped
	}
	if info.Status == StatusStopped && info.StartType == "disabled" {
		info.Status = StatusDisabled
	}
	if pid := props["MainPID"]; pid != "" && pid != "0" {
		info.PID, _ = strconv.Atoi(pid)
	}
	return info, nil
}

// execStartPath extracts the binary from systemd's ExecStart property, which
// looks like "{ path=/opt/app/run ; argv[]=/opt/app/run --flag ; ... }".
func execStartPath(v string) string {
	_, rest, ok := strings.Cut(v, "path=")
	if !ok {
		return ""
	}
	path, _, _ := strings.Cut(rest, " ;")
	return strings.TrimSpace(path)
}

// parseLaunchctlList finds label in `launchctl list` output. Labels match
// exactly or by their last dotted component.
func parseLaunchctlList(name, out string) (ServiceInfo, bool) {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 || fields[0] == "PID" {
			continue
		}
		label := fields[2]
		if label != name && !strings.HasSuffix(label, "."+name) {
			continue
		}
		info := ServiceInfo{Name: label, Status: StatusStopped}
		if fields[0] != "-" {
			info.Status = StatusRunning
			info.PID, _ = strconv.Atoi(fields[0])
		}
		return info, true
	}
	return ServiceInfo{}, false
}
