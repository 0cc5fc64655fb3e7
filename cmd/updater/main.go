package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/velopack/velopack-sub005/internal/config"
	"github.com/velopack/velopack-sub005/internal/logging"
	"github.com/velopack/velopack-sub005/internal/updater"
)

var (
	version   = "0.1.0"
	cfgFile   string
	logLevel  string
	logFormat string

	cfg       *config.Config
	logCloser io.Closer
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:           "updater",
	Short:         "Delta-aware application updater",
	Long:          `updater checks a release feed, downloads full or delta packages and swaps versions atomically under an install root.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		if logFormat != "" {
			cfg.LogFormat = logFormat
		}
		result := cfg.ValidateTiered()
		for _, w := range result.Warnings {
			fmt.Fprintf(os.Stderr, "config warning: %v\n", w)
		}
		if result.HasFatals() {
			return fmt.Errorf("invalid config: %w", errors.Join(result.Fatals...))
		}
		logCloser, err = logging.Setup(cfg.LogFormat, cfg.LogLevel, cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
		if err != nil {
			return fmt.Errorf("failed to set up logging: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			logCloser.Close()
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("updater v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is updater.yaml in the platform config dir)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: text or json")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(deltaCmd)
	rootCmd.AddCommand(feedCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

// exitCode lets scripts tell "try again later" apart from real failures.
func exitCode(err error) int {
	switch updater.KindOf(err) {
	case updater.KindLockContention:
		return 75
	case updater.KindCancelled:
		return 130
	default:
		return 1
	}
}
