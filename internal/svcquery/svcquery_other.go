//go:build !windows && !darwin && !linux

package svcquery

import "fmt"

// GetStatus is not supported on this platform.
func GetStatus(name string) (ServiceInfo, error) {
	return ServiceInfo{Name: name, Status: StatusUnknown}, fmt.Errorf("svcquery: not implemented on this platform")
}
