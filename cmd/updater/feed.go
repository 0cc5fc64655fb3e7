package main

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/velopack/velopack-sub005/internal/archive"
	"github.com/velopack/velopack-sub005/internal/catalog"
	"github.com/velopack/velopack-sub005/internal/delta"
	"github.com/velopack/velopack-sub005/internal/fsutil"
	"github.com/velopack/velopack-sub005/internal/source"
)

var (
	flagFeedDir   string
	flagVersion   string
	flagPlatform  string
	flagNotes     string
	flagRollout   int
	flagYAML      bool
	flagPackageID string
)

var feedCmd = &cobra.Command{
	Use:   "feed",
	Short: "Publish packages to a feed directory",
}

var feedPackCmd = &cobra.Command{
	Use:   "pack <dir>",
	Short: "Pack a release tree into a full package",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := archive.Pack(cmd.Context(), args[0], flagOutput); err != nil {
			return err
		}
		hash, err := delta.TreeHash(os.DirFS(args[0]))
		if err != nil {
			return err
		}
		fmt.Printf("Wrote %s (tree %s)\n", flagOutput, hash)
		return nil
	},
}

var feedAddCmd = &cobra.Command{
	Use:   "add <package>",
	Short: "Append a full or delta package to a channel feed",
	Long: `add copies the package into the feed directory and records it in
releases.<channel>.json. Delta packages are recognised by their header and
take their versions from it unless --version is given.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		file := args[0]
		channel := flagChannel
		if channel == "" {
			channel = cfg.Channel
		}
		a, err := describePackage(cmd, file)
		if err != nil {
			return err
		}
		a.Channel = channel
		if flagPlatform != "" {
			a.Platform = flagPlatform
		}
		if flagRollout >= 0 && flagRollout < 100 {
			pct := flagRollout
			a.RolloutPercentage = &pct
		}
		if flagNotes != "" {
			notes, err := os.ReadFile(flagNotes)
			if err != nil {
				return err
			}
			a.NotesMarkdown = string(notes)
		}

		format := catalog.FormatJSON
		if flagYAML {
			format = catalog.FormatYAML
		}
		feedPath := filepath.Join(flagFeedDir, catalog.FeedFileName(channel, format))
		c := &catalog.Catalog{Channel: channel}
		if data, err := os.ReadFile(feedPath); err == nil {
			if c, err = catalog.ParseFormat(data, format, channel); err != nil {
				return err
			}
			for _, w := range c.Warnings {
				fmt.Fprintf(os.Stderr, "existing feed entry dropped: %s\n", w)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		if err := c.Add(a); err != nil {
			return err
		}

		backend := source.NewFileBackend(flagFeedDir)
		if abs, _ := filepath.Abs(file); filepath.Dir(abs) != mustAbs(flagFeedDir) {
			if err := backend.Publish(file, a.FileName); err != nil {
				return fmt.Errorf("publish %s: %w", file, err)
			}
		}
		data, err := c.Marshal(format)
		if err != nil {
			return err
		}
		if err := fsutil.WriteFileAtomic(feedPath, data, 0o644); err != nil {
			return err
		}
		fmt.Printf("Added %s to %s\n", a, feedPath)
		return nil
	},
}

// describePackage fills in identity, hashes and size for file.
func describePackage(cmd *cobra.Command, file string) (catalog.Asset, error) {
	a := catalog.Asset{
		PackageID: flagPackageID,
		Version:   flagVersion,
		Platform:  cfg.Platform,
		FileName:  filepath.Base(file),
	}
	if a.PackageID == "" {
		a.PackageID = cfg.PackageID
	}

	if pkg, err := delta.ReadFile(file); err == nil {
		a.Type = catalog.Delta
		a.BaseVersion = pkg.FromVersion
		if a.Version == "" {
			a.Version = pkg.ToVersion
		}
		a.TreeHash = pkg.TargetHash
	} else if errors.Is(err, delta.ErrFormat) {
		a.Type = catalog.Full
		tmp, err := os.MkdirTemp("", "feed-add-*")
		if err != nil {
			return a, err
		}
		defer os.RemoveAll(tmp)
		out := filepath.Join(tmp, "tree")
		if err := archive.Extract(cmd.Context(), file, out); err != nil {
			return a, fmt.Errorf("%s is neither a delta nor a full package: %w", file, err)
		}
		if a.TreeHash, err = delta.TreeHash(os.DirFS(out)); err != nil {
			return a, err
		}
	} else {
		return a, err
	}
	if a.Version == "" {
		return a, fmt.Errorf("--version is required for full packages")
	}

	var err error
	if a.SHA256, err = fsutil.HashFile(file); err != nil {
		return a, err
	}
	f, err := os.Open(file)
	if err != nil {
		return a, err
	}
	defer f.Close()
	h := sha1.New()
	if a.Size, err = io.Copy(h, f); err != nil {
		return a, err
	}
	a.SHA1 = hex.EncodeToString(h.Sum(nil))
	return a, nil
}

func mustAbs(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	return abs
}

func init() {
	feedPackCmd.Flags().StringVarP(&flagOutput, "output", "o", "", "package file to write")
	feedPackCmd.MarkFlagRequired("output")

	feedAddCmd.Flags().StringVar(&flagFeedDir, "feed-dir", ".", "feed directory")
	feedAddCmd.Flags().StringVar(&flagChannel, "channel", "", "release channel (default from config)")
	feedAddCmd.Flags().StringVar(&flagVersion, "version", "", "release version (delta packages default to their header)")
	feedAddCmd.Flags().StringVar(&flagPlatform, "platform", "", "platform tag (default from config)")
	feedAddCmd.Flags().StringVar(&flagPackageID, "package-id", "", "package id (default from config)")
	feedAddCmd.Flags().StringVar(&flagNotes, "notes", "", "markdown release notes file")
	feedAddCmd.Flags().IntVar(&flagRollout, "rollout", 100, "percentage of installs that see this release")
	feedAddCmd.Flags().BoolVar(&flagYAML, "yaml", false, "write the YAML feed instead of JSON")

	feedCmd.AddCommand(feedPackCmd)
	feedCmd.AddCommand(feedAddCmd)
}
