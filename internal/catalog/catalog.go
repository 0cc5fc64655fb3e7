// Package catalog models the releases published on one update channel and
// reads and writes the feed documents that list them.
package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// AssetType distinguishes full packages from deltas.
type AssetType string

const (
	Full  AssetType = "Full"
	Delta AssetType = "Delta"
)

// Asset is one downloadable release artifact. Assets are never mutated after
// publication.
type Asset struct {
	PackageID         string    `json:"PackageId" yaml:"packageId"`
	Version           string    `json:"Version" yaml:"version"`
	Channel           string    `json:"Channel,omitempty" yaml:"channel,omitempty"`
	Platform          string    `json:"Platform,omitempty" yaml:"platform,omitempty"`
	Type              AssetType `json:"Type" yaml:"type"`
	BaseVersion       string    `json:"BaseVersion,omitempty" yaml:"baseVersion,omitempty"`
	FileName          string    `json:"FileName" yaml:"fileName"`
	SHA1              string    `json:"SHA1,omitempty" yaml:"sha1,omitempty"`
	SHA256            string    `json:"SHA256" yaml:"sha256"`
	Size              int64     `json:"Size" yaml:"size"`
	TreeHash          string    `json:"TreeHash,omitempty" yaml:"treeHash,omitempty"`
	RolloutPercentage *int      `json:"RolloutPercentage,omitempty" yaml:"rolloutPercentage,omitempty"`
	NotesMarkdown     string    `json:"NotesMarkdown,omitempty" yaml:"notesMarkdown,omitempty"`
}

// IsDelta reports whether the asset patches from BaseVersion.
func (a Asset) IsDelta() bool { return a.Type == Delta }

func (a Asset) String() string {
	if a.IsDelta() {
		return fmt.Sprintf("%s %s->%s (delta)", a.PackageID, a.BaseVersion, a.Version)
	}
	return fmt.Sprintf("%s %s (full)", a.PackageID, a.Version)
}

// Format identifies a feed encoding.
type Format int

const (
	FormatJSON Format = iota
	FormatYAML
)

func (f Format) Ext() string {
	if f == FormatYAML {
		return "yaml"
	}
	return "json"
}

// FeedFileName is the feed document name for a channel.
func FeedFileName(channel string, f Format) string {
	return fmt.Sprintf("releases.%s.%s", channel, f.Ext())
}

// ErrDuplicateAsset is returned by Add when the catalog already holds an
// asset of the same type for the same version and base.
var ErrDuplicateAsset = errors.New("catalog: duplicate asset")

// Catalog is an immutable snapshot of one channel's releases. Warnings lists
// entries that were skipped while parsing.
type Catalog struct {
	Channel  string
	Assets   []Asset
	Warnings []string
}

type feed struct {
	Assets []*Asset `json:"Assets" yaml:"assets"`
}

// Parse decodes a feed document, detecting JSON or YAML from its first
// non-space byte. Empty documents and null asset lists yield an empty
// catalog. Malformed entries are dropped and reported in Warnings.
func Parse(data []byte, channel string) (*Catalog, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return ParseFormat(data, FormatJSON, channel)
	}
	return ParseFormat(data, FormatYAML, channel)
}

// ParseFormat decodes a feed document in the given format.
func ParseFormat(data []byte, format Format, channel string) (*Catalog, error) {
	var f feed
	if len(bytes.TrimSpace(data)) > 0 {
		var err error
		switch format {
		case FormatYAML:
			err = yaml.Unmarshal(data, &f)
		default:
			err = json.Unmarshal(data, &f)
		}
		if err != nil {
			return nil, fmt.Errorf("parse release feed: %w", err)
		}
	}

	c := &Catalog{Channel: channel}
	for i, a := range f.Assets {
		if a == nil {
			c.warnf("asset %d is null", i)
			continue
		}
		if err := c.Add(*a); err != nil {
			c.warnf("asset %d (%s): %v", i, a.FileName, err)
		}
	}
	return c, nil
}

func (c *Catalog) warnf(format string, args ...any) {
	c.Warnings = append(c.Warnings, fmt.Sprintf(format, args...))
}

// Add appends an asset after validating it against the catalog invariants.
func (c *Catalog) Add(a Asset) error {
	if _, err := NormalizeVersion(a.Version); err != nil {
		return err
	}
	switch a.Type {
	case Full:
		a.BaseVersion = ""
	case Delta:
		if a.BaseVersion == "" {
			return errors.New("delta asset has no base version")
		}
		if _, err := NormalizeVersion(a.BaseVersion); err != nil {
			return fmt.Errorf("base version: %w", err)
		}
		if CompareVersions(a.BaseVersion, a.Version) == 0 {
			return errors.New("delta asset patches a version onto itself")
		}
	default:
		return fmt.Errorf("unknown asset type %q", a.Type)
	}
	if a.Size < 0 {
		return fmt.Errorf("negative size %d", a.Size)
	}
	if a.Channel != "" && c.Channel != "" && a.Channel != c.Channel {
		return fmt.Errorf("asset belongs to channel %q", a.Channel)
	}
	if a.Channel == "" {
		a.Channel = c.Channel
	}
	for _, existing := range c.Assets {
		if existing.Type == a.Type && existing.Platform == a.Platform &&
			SameVersion(existing.Version, a.Version) &&
			(a.Type == Full || SameVersion(existing.BaseVersion, a.BaseVersion)) {
			return fmt.Errorf("%w: %s", ErrDuplicateAsset, a)
		}
	}
	c.Assets = append(c.Assets, a)
	return nil
}

// Marshal encodes the catalog as a feed document. Assets are written in
// version order, full before delta.
func (c *Catalog) Marshal(format Format) ([]byte, error) {
	assets := make([]*Asset, len(c.Assets))
	for i := range c.Assets {
		assets[i] = &c.Assets[i]
	}
	sort.SliceStable(assets, func(i, j int) bool {
		if cmp := CompareVersions(assets[i].Version, assets[j].Version); cmp != 0 {
			return cmp < 0
		}
		return assets[i].Type == Full && assets[j].Type == Delta
	})
	f := feed{Assets: assets}
	if format == FormatYAML {
		return yaml.Marshal(&f)
	}
	return json.MarshalIndent(&f, "", "  ")
}

// IsEmpty reports whether the catalog lists no releases.
func (c *Catalog) IsEmpty() bool { return c == nil || len(c.Assets) == 0 }

// ForPlatform returns the assets usable on platform. Assets without a
// platform tag match every platform.
func (c *Catalog) ForPlatform(platform string) []Asset {
	var out []Asset
	for _, a := range c.Assets {
		if platform == "" || a.Platform == "" || a.Platform == platform {
			out = append(out, a)
		}
	}
	return out
}

// FullFor returns the full asset for version on platform.
func (c *Catalog) FullFor(version, platform string) (Asset, bool) {
	for _, a := range c.ForPlatform(platform) {
		if a.Type == Full && SameVersion(a.Version, version) {
			return a, true
		}
	}
	return Asset{}, false
}

// Latest returns the highest version with a full asset on platform.
func (c *Catalog) Latest(platform string) (Asset, bool) {
	var best Asset
	found := false
	for _, a := range c.ForPlatform(platform) {
		if a.Type != Full {
			continue
		}
		if !found || CompareVersions(a.Version, best.Version) > 0 {
			best, found = a, true
		}
	}
	return best, found
}

// Filter returns a new catalog holding the assets keep accepts.
func (c *Catalog) Filter(keep func(Asset) bool) *Catalog {
	out := &Catalog{Channel: c.Channel, Warnings: c.Warnings}
	for _, a := range c.Assets {
		if keep(a) {
			out.Assets = append(out.Assets, a)
		}
	}
	return out
}
