package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/velopack/velopack-sub005/internal/catalog"
)

// Feed reads the release catalog for one channel.
type Feed struct {
	src     Source
	channel string
}

func NewFeed(src Source, channel string) *Feed {
	return &Feed{src: src, channel: channel}
}

func (f *Feed) Channel() string { return f.channel }

// Catalog fetches releases.<channel>.json, falling back to the YAML feed when
// no JSON feed is published. A feed that exists on neither path is reported
// as ErrNotFound.
func (f *Feed) Catalog(ctx context.Context) (*catalog.Catalog, error) {
	var lastErr error
	for _, format := range []catalog.Format{catalog.FormatJSON, catalog.FormatYAML} {
		name := catalog.FeedFileName(f.channel, format)
		accept := "application/json"
		if format == catalog.FormatYAML {
			accept = "application/yaml"
		}
		data, err := f.src.FetchBytes(ctx, name, FetchOptions{Accept: accept})
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				lastErr = err
				continue
			}
			return nil, fmt.Errorf("fetch feed %s: %w", name, err)
		}
		c, err := catalog.ParseFormat(data, format, f.channel)
		if err != nil {
			return nil, fmt.Errorf("parse feed %s: %w", name, err)
		}
		return c, nil
	}
	return nil, lastErr
}
