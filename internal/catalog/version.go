package catalog

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

// ErrInvalidVersion indicates a version string is not valid semver.
var ErrInvalidVersion = errors.New("invalid semantic version")

// NormalizeVersion adds the "v" prefix expected by the semver package and
// validates the result.
func NormalizeVersion(v string) (string, error) {
	norm := strings.TrimSpace(v)
	if !strings.HasPrefix(norm, "v") {
		norm = "v" + norm
	}
	if !semver.IsValid(norm) {
		return "", fmt.Errorf("%w: %q", ErrInvalidVersion, v)
	}
	return norm, nil
}

// CompareVersions orders two version strings with or without a "v" prefix.
// Invalid versions sort before every valid one.
func CompareVersions(a, b string) int {
	na, _ := NormalizeVersion(a)
	nb, _ := NormalizeVersion(b)
	return semver.Compare(na, nb)
}

// SameVersion reports whether a and b name the same release.
func SameVersion(a, b string) bool {
	na, errA := NormalizeVersion(a)
	nb, errB := NormalizeVersion(b)
	if errA != nil || errB != nil {
		return strings.TrimSpace(a) == strings.TrimSpace(b)
	}
	return semver.Compare(na, nb) == 0
}
