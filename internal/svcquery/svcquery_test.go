package svcquery

import (
	"errors"
	"testing"
)

func TestServiceInfoIsActive(t *testing.T) {
	active := ServiceInfo{Name: "test", Status: StatusRunning}
	if !active.IsActive() {
		t.Error("running service should be active")
	}
	stopped := ServiceInfo{Name: "test", Status: StatusStopped}
	if stopped.IsActive() {
		t.Error("stopped service should not be active")
	}
}

func TestParseSystemctlShow(t *testing.T) {
	out := `LoadState=loaded
ActiveState=active
UnitFileState=enabled
Description=Widget daemon
MainPID=4242
ExecStart={ path=/opt/widget/current/widgetd ; argv[]=/opt/widget/current/widgetd --serve ; ignore_errors=no }
`
	info, err := parseSystemctlShow("widget", out)
	if err != nil {
		t.Fatalf("parseSystemctlShow: %v", err)
	}
	if info.Status != StatusRunning || info.PID != 4242 || info.StartType != "enabled" {
		t.Fatalf("info = %+v", info)
	}
	if info.BinaryPath != "/opt/widget/current/widgetd" {
		t.Fatalf("BinaryPath = %q", info.BinaryPath)
	}
	if info.DisplayName != "Widget daemon" {
		t.Fatalf("DisplayName = %q", info.DisplayName)
	}
}

func TestParseSystemctlShowStates(t *testing.T) {
	tests := []struct {
		name string
		out  string
		want ServiceStatus
	}{
		{"failed", "LoadState=loaded\nActiveState=failed\nUnitFileState=enabled\n", StatusStopped},
		{"disabled", "LoadState=loaded\nActiveState=inactive\nUnitFileState=disabled\n", StatusDisabled},
		{"activating", "LoadState=loaded\nActiveState=activating\n", StatusRunning},
		{"odd", "LoadState=loaded\nActiveState=maintenance\n", StatusUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := parseSystemctlShow("widget", tt.out)
			if err != nil {
				t.Fatalf("parseSystemctlShow: %v", err)
			}
			if info.Status != tt.want {
				t.Fatalf("Status = %s, want %s", info.Status, tt.want)
			}
		})
	}
}

func TestParseSystemctlShowNotFound(t *testing.T) {
	_, err := parseSystemctlShow("ghost", "LoadState=not-found\nActiveState=inactive\n")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestParseLaunchctlList(t *testing.T) {
	out := `PID	Status	Label
-	0	com.apple.something
812	0	com.example.widget
-	78	com.example.helper
`
	info, ok := parseLaunchctlList("widget", out)
	if !ok || info.Status != StatusRunning || info.PID != 812 || info.Name != "com.example.widget" {
		t.Fatalf("widget = %+v, %v", info, ok)
	}
	info, ok = parseLaunchctlList("com.example.helper", out)
	if !ok || info.Status != StatusStopped {
		t.Fatalf("helper = %+v, %v", info, ok)
	}
	if _, ok := parseLaunchctlList("missing", out); ok {
		t.Fatal("missing label should not match")
	}
}
