package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/velopack/velopack-sub005/internal/store"
	"github.com/velopack/velopack-sub005/internal/updater"
)

var (
	flagChannel        string
	flagTarget         string
	flagAllowDowngrade bool
	flagDefer          bool
	flagRestart        bool
	flagQuiet          bool
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check the feed for an update",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd.Context(), updateEnvOptions())
		if err != nil {
			return err
		}
		defer e.Close()

		res, err := e.updater.Check(cmd.Context())
		if err != nil {
			return err
		}
		printCheck(res)
		return nil
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download the packages for an update without installing it",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd.Context(), updateEnvOptions())
		if err != nil {
			return err
		}
		defer e.Close()

		res, err := e.updater.Check(cmd.Context())
		if err != nil {
			return err
		}
		printCheck(res)
		if res.Plan == nil {
			return nil
		}
		paths, err := e.updater.Download(cmd.Context(), res.Plan)
		if err != nil {
			return err
		}
		for _, p := range paths {
			fmt.Printf("Downloaded: %s\n", p)
		}
		return nil
	},
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Download and install the latest update",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := updateEnvOptions()
		opts.onState = func(t updater.Transition) {
			if !flagQuiet {
				fmt.Fprintf(os.Stderr, "%s -> %s\n", t.From, t.To)
			}
		}
		opts.onProgress = func(p int) {
			if !flagQuiet {
				fmt.Fprintf(os.Stderr, "\rprogress: %3d%%", p)
				if p == 100 {
					fmt.Fprintln(os.Stderr)
				}
			}
		}
		e, err := openEnv(cmd.Context(), opts)
		if err != nil {
			return err
		}
		defer e.Close()

		mode := updater.ModeApplyNow
		if flagDefer {
			mode = updater.ModeOnRestart
		}
		res, err := e.updater.Update(cmd.Context(), mode)
		if err != nil {
			return err
		}
		switch res.State {
		case updater.StateUpToDate:
			printCheck(res.Check)
			return nil
		case updater.StateRestartPending:
			fmt.Printf("Update %s staged; it will be applied on next launch.\n", res.Plan.Target)
			return nil
		}
		fmt.Printf("Updated to %s", res.Installed.Current)
		if res.FellBack {
			fmt.Print(" (delta failed, full package used)")
		}
		fmt.Println()
		if flagRestart {
			return e.updater.Restart(restartOptions())
		}
		return nil
	},
}

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a staged update and clean up interrupted ones",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd.Context(), envOptions{})
		if err != nil {
			return err
		}
		defer e.Close()

		res, err := e.updater.ApplyPending(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Pending update: %s\n", res.Action)
		fmt.Printf("Current version: %s\n", res.Installed.Current)
		if flagRestart && res.Action == store.RecoverPromoted {
			return e.updater.Restart(restartOptions())
		}
		return nil
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Switch back to the previously installed version",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd.Context(), envOptions{})
		if err != nil {
			return err
		}
		defer e.Close()

		st, err := e.updater.Rollback(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Rolled back to %s (from %s)\n", st.Current, st.Previous)
		if flagRestart {
			return e.updater.Restart(restartOptions())
		}
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{checkCmd, downloadCmd, updateCmd} {
		c.Flags().StringVar(&flagChannel, "channel", "", "release channel (switching channel forces a full package)")
		c.Flags().StringVar(&flagTarget, "version", "", "target version (default latest)")
		c.Flags().BoolVar(&flagAllowDowngrade, "allow-downgrade", false, "allow moving to an older version")
	}
	updateCmd.Flags().BoolVar(&flagDefer, "defer", false, "stage the update and apply it on next launch")
	updateCmd.Flags().BoolVarP(&flagQuiet, "quiet", "q", false, "do not print progress")
	for _, c := range []*cobra.Command{updateCmd, applyCmd, rollbackCmd} {
		c.Flags().BoolVar(&flagRestart, "restart", false, "restart the application afterwards")
	}
}

func updateEnvOptions() envOptions {
	return envOptions{channel: flagChannel, target: flagTarget, allowDowngrade: flagAllowDowngrade}
}

func restartOptions() updater.RestartOptions {
	return updater.RestartOptions{ServiceName: cfg.ServiceName, EntryPoint: cfg.EntryPoint}
}

func printCheck(res *updater.CheckResult) {
	switch {
	case res.RemoteIsEmpty:
		fmt.Printf("No releases published on channel %s\n", res.Channel)
	case res.Plan == nil:
		fmt.Printf("Up to date: %s (%s)\n", res.Current, res.Channel)
	default:
		fmt.Printf("Update available: %s\n", res.Plan)
		if res.IsDowngrade {
			fmt.Println("This is a downgrade.")
		}
		if res.ChannelSwitch {
			fmt.Printf("Switching to channel %s.\n", res.Channel)
		}
		if res.Notes != "" {
			fmt.Printf("\n%s\n", renderNotes(res.Notes))
		}
	}
	for _, w := range res.Warnings {
		fmt.Fprintf(os.Stderr, "feed warning: %s\n", w)
	}
}
