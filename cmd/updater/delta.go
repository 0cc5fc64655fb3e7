package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/velopack/velopack-sub005/internal/delta"
	"github.com/velopack/velopack-sub005/internal/logging"
)

var (
	flagFromDir     string
	flagToDir       string
	flagFromVersion string
	flagToVersion   string
	flagOutput      string
	flagCodec       string
	flagBaseDir     string
)

var deltaCmd = &cobra.Command{
	Use:   "delta",
	Short: "Build and apply delta packages",
}

var deltaBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Diff two release trees into a delta package",
	RunE: func(cmd *cobra.Command, args []string) error {
		codec, err := codecFor(flagCodec)
		if err != nil {
			return err
		}
		pkg, stats, err := delta.Build(cmd.Context(), os.DirFS(flagFromDir), os.DirFS(flagToDir), delta.BuildOptions{
			Codec:              codec,
			FromVersion:        flagFromVersion,
			ToVersion:          flagToVersion,
			SmallFileThreshold: int64(cfg.SmallFileThreshold),
			Logger:             logging.L("delta"),
		})
		if err != nil {
			return err
		}
		if err := pkg.WriteFile(flagOutput); err != nil {
			return err
		}
		info, err := os.Stat(flagOutput)
		if err != nil {
			return err
		}
		fmt.Printf("Wrote %s (%d bytes, codec %s)\n", flagOutput, info.Size(), pkg.Codec)
		fmt.Printf("Processed %d files: %d new, %d changed (%d literal), %d same, %d removed\n",
			stats.Processed, stats.New, stats.Changed, stats.Literal, stats.Same, stats.Removed)
		return nil
	},
}

var deltaApplyCmd = &cobra.Command{
	Use:   "apply <package>",
	Short: "Apply a delta package to a base tree",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pkg, err := delta.ReadFile(args[0])
		if err != nil {
			return err
		}
		if err := delta.Apply(cmd.Context(), pkg, flagBaseDir, flagOutput); err != nil {
			return err
		}
		fmt.Printf("Reconstructed %s (%s -> %s) in %s\n", args[0], pkg.FromVersion, pkg.ToVersion, flagOutput)
		return nil
	},
}

// codecFor picks the named codec, or the configured one when name is empty.
func codecFor(name string) (delta.Codec, error) {
	if name == "" {
		name = cfg.DeltaCodec
	}
	if name == delta.CodecZstd {
		return delta.ZstdCodec{Level: cfg.ZstdLevel}, nil
	}
	return delta.CodecByName(name)
}

func init() {
	deltaBuildCmd.Flags().StringVar(&flagFromDir, "from", "", "base release tree")
	deltaBuildCmd.Flags().StringVar(&flagToDir, "to", "", "target release tree")
	deltaBuildCmd.Flags().StringVar(&flagFromVersion, "from-version", "", "base version")
	deltaBuildCmd.Flags().StringVar(&flagToVersion, "to-version", "", "target version")
	deltaBuildCmd.Flags().StringVarP(&flagOutput, "output", "o", "", "package file to write")
	deltaBuildCmd.Flags().StringVar(&flagCodec, "codec", "", "native, zstd or bsdiff (default from config)")
	for _, f := range []string{"from", "to", "output"} {
		deltaBuildCmd.MarkFlagRequired(f)
	}

	deltaApplyCmd.Flags().StringVar(&flagBaseDir, "base", "", "base release tree")
	deltaApplyCmd.Flags().StringVarP(&flagOutput, "output", "o", "", "directory to create")
	deltaApplyCmd.MarkFlagRequired("base")
	deltaApplyCmd.MarkFlagRequired("output")

	deltaCmd.AddCommand(deltaBuildCmd)
	deltaCmd.AddCommand(deltaApplyCmd)
}
