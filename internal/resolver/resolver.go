// Package resolver picks the cheapest sequence of release assets that takes
// an installation from its current version to a target version.
package resolver

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/velopack/velopack-sub005/internal/catalog"
)

var (
	// ErrNoUpdateAvailable means the catalog has nothing newer than the
	// current version (or downgrades are not allowed). It is a normal outcome.
	ErrNoUpdateAvailable = errors.New("no update available")
	// ErrUnsupportedPlatform means the catalog has releases but none for
	// this platform.
	ErrUnsupportedPlatform = errors.New("no release for this platform")
	// ErrTargetNotFound means the requested version is not in the catalog
	// or cannot be reached from the current version.
	ErrTargetNotFound = errors.New("target version not available")
)

// DefaultMaxDeltaChain caps how many deltas a plan may chain.
const DefaultMaxDeltaChain = 10

// Options tunes planning.
type Options struct {
	Platform       string
	AllowDowngrade bool
	MaxDeltaChain  int
	// FullOnly skips delta paths, e.g. after a failed delta apply or when
	// switching channels.
	FullOnly bool
}

// UpdatePlan is the ordered list of assets to download and apply.
type UpdatePlan struct {
	Current     string
	Target      string
	Steps       []catalog.Asset
	Cost        int64
	IsDowngrade bool
	// Full is the target's full asset when the catalog has one, kept for
	// fallback even when Steps are deltas.
	Full     *catalog.Asset
	Warnings []string
}

// IsDelta reports whether the plan applies deltas.
func (p *UpdatePlan) IsDelta() bool {
	return len(p.Steps) > 0 && p.Steps[0].IsDelta()
}

func (p *UpdatePlan) String() string {
	kind := "full"
	if p.IsDelta() {
		kind = fmt.Sprintf("%d delta(s)", len(p.Steps))
	}
	return fmt.Sprintf("%s -> %s via %s, %d bytes", p.Current, p.Target, kind, p.Cost)
}

// Plan resolves the path from current to target. An empty target means the
// latest release for the platform; an empty current means nothing is
// installed and only a full package can be used.
func Plan(current, target string, c *catalog.Catalog, opts Options) (*UpdatePlan, error) {
	if c.IsEmpty() {
		return nil, ErrNoUpdateAvailable
	}
	assets := c.ForPlatform(opts.Platform)
	if len(assets) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedPlatform, opts.Platform)
	}
	if opts.MaxDeltaChain <= 0 {
		opts.MaxDeltaChain = DefaultMaxDeltaChain
	}

	if target == "" {
		latest, ok := c.Latest(opts.Platform)
		if !ok {
			return nil, ErrNoUpdateAvailable
		}
		target = latest.Version
	} else if _, err := catalog.NormalizeVersion(target); err != nil {
		return nil, err
	}
	if current != "" {
		if _, err := catalog.NormalizeVersion(current); err != nil {
			return nil, err
		}
	}

	plan := &UpdatePlan{Current: current, Target: target, Warnings: c.Warnings}
	if current != "" {
		switch cmp := catalog.CompareVersions(target, current); {
		case cmp == 0:
			return nil, ErrNoUpdateAvailable
		case cmp < 0 && !opts.AllowDowngrade:
			return nil, ErrNoUpdateAvailable
		case cmp < 0:
			plan.IsDowngrade = true
		}
	}

	if full, ok := fullFor(assets, target); ok {
		plan.Full = &full
	}

	var chain []catalog.Asset
	chainCost := int64(math.MaxInt64)
	if current != "" && !plan.IsDowngrade && !opts.FullOnly {
		chain, chainCost = cheapestChain(assets, current, target, opts.MaxDeltaChain)
	}

	switch {
	case plan.Full != nil && (chain == nil || plan.Full.Size <= chainCost):
		plan.Steps = []catalog.Asset{*plan.Full}
		plan.Cost = plan.Full.Size
	case chain != nil:
		plan.Steps = chain
		plan.Cost = chainCost
	default:
		return nil, fmt.Errorf("%w: %s", ErrTargetNotFound, target)
	}
	return plan, nil
}

// PlanFull returns a single-step plan using the target's full asset.
func PlanFull(current, target string, c *catalog.Catalog, opts Options) (*UpdatePlan, error) {
	opts.FullOnly = true
	return Plan(current, target, c, opts)
}

func fullFor(assets []catalog.Asset, version string) (catalog.Asset, bool) {
	for _, a := range assets {
		if a.Type == catalog.Full && catalog.SameVersion(a.Version, version) {
			return a, true
		}
	}
	return catalog.Asset{}, false
}

// cheapestChain finds the delta path with the lowest total size, breaking
// ties by hop count, using at most maxHops edges. layer[k] holds the best
// cost of reaching each version in exactly k hops.
func cheapestChain(assets []catalog.Asset, current, target string, maxHops int) ([]catalog.Asset, int64) {
	var edges []catalog.Asset
	for _, a := range assets {
		if a.IsDelta() {
			edges = append(edges, a)
		}
	}
	if len(edges) == 0 {
		return nil, 0
	}
	sort.SliceStable(edges, func(i, j int) bool {
		if cmp := catalog.CompareVersions(edges[i].Version, edges[j].Version); cmp != 0 {
			return cmp < 0
		}
		return catalog.CompareVersions(edges[i].BaseVersion, edges[j].BaseVersion) < 0
	})

	type hop struct {
		cost int64
		edge int
		prev *hop
	}
	key := func(v string) string {
		if n, err := catalog.NormalizeVersion(v); err == nil {
			return n
		}
		return v
	}
	start, goal := key(current), key(target)

	layer := map[string]*hop{start: {edge: -1}}
	var best *hop
	for k := 1; k <= maxHops && len(layer) > 0; k++ {
		next := make(map[string]*hop)
		for i, e := range edges {
			from, ok := layer[key(e.BaseVersion)]
			if !ok {
				continue
			}
			to := key(e.Version)
			cost := from.cost + e.Size
			if cur, ok := next[to]; !ok || cost < cur.cost {
				next[to] = &hop{cost: cost, edge: i, prev: from}
			}
		}
		if h, ok := next[goal]; ok && (best == nil || h.cost < best.cost) {
			best = h
		}
		layer = next
	}
	if best == nil {
		return nil, 0
	}

	var chain []catalog.Asset
	for h := best; h.edge >= 0; h = h.prev {
		chain = append(chain, edges[h.edge])
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, best.cost
}
