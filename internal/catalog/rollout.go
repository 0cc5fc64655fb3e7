package catalog

import (
	"crypto/sha256"
	"encoding/binary"
)

const rolloutBuckets = 10000

// InRollout reports whether the release a belongs to is visible to the
// install identified by installID. The bucket depends only on the install id,
// package id and version, so full and delta assets of one release agree and
// repeated calls give the same answer. A nil percentage means 100.
func InRollout(installID string, a Asset) bool {
	if a.RolloutPercentage == nil {
		return true
	}
	pct := *a.RolloutPercentage
	if pct <= 0 {
		return false
	}
	if pct >= 100 {
		return true
	}
	return rolloutBucket(installID, a.PackageID, a.Version) < uint64(pct)*rolloutBuckets/100
}

func rolloutBucket(installID, packageID, version string) uint64 {
	if norm, err := NormalizeVersion(version); err == nil {
		version = norm
	}
	sum := sha256.Sum256([]byte(installID + "|" + packageID + "@" + version))
	return binary.BigEndian.Uint64(sum[:8]) % rolloutBuckets
}

// Visible returns the releases this install may see.
func (c *Catalog) Visible(installID string) *Catalog {
	return c.Filter(func(a Asset) bool { return InRollout(installID, a) })
}
