package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/velopack/velopack-sub005/internal/audit"
	"github.com/velopack/velopack-sub005/internal/health"
	"github.com/velopack/velopack-sub005/internal/store"
	"github.com/velopack/velopack-sub005/internal/svcquery"
)

var (
	flagJSON  bool
	flagLimit int
	flagRunID string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the installed version and component health",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd.Context(), envOptions{})
		if err != nil {
			return err
		}
		defer e.Close()

		mon := health.NewMonitor()
		probes := append(e.updater.Probes(),
			health.Probe{Name: "journal", Check: func(ctx context.Context) (health.Status, string) {
				if err := e.journal.Ping(ctx); err != nil {
					return health.Unhealthy, err.Error()
				}
				return health.Healthy, cfg.JournalFile()
			}},
			health.Probe{Name: "audit", Check: func(ctx context.Context) (health.Status, string) {
				n, err := audit.VerifyFile(cfg.AuditFile())
				if errors.Is(err, os.ErrNotExist) {
					return health.Healthy, "no entries"
				}
				if err != nil {
					return health.Unhealthy, err.Error()
				}
				if dropped := e.audit.DroppedCount(); dropped > 0 {
					return health.Degraded, fmt.Sprintf("%d entries, %d dropped", n, dropped)
				}
				return health.Healthy, fmt.Sprintf("%d entries", n)
			}},
		)
		if cfg.ServiceName != "" {
			probes = append(probes, serviceProbe(cfg.ServiceName, e.store.Root()))
		}
		mon.Run(cmd.Context(), 15*time.Second, probes...)

		st, stErr := e.store.State()
		installID, _ := e.store.InstallID()

		if flagJSON {
			out := mon.Summary()
			out["installId"] = installID
			if stErr == nil {
				out["state"] = st
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		}

		fmt.Printf("Install root: %s\n", e.store.Root())
		fmt.Printf("Install ID:   %s\n", installID)
		switch {
		case errors.Is(stErr, store.ErrNotInstalled):
			fmt.Println("Status:       not installed")
		case stErr != nil:
			return stErr
		default:
			fmt.Printf("Current:      %s\n", st.Current)
			fmt.Printf("Channel:      %s\n", st.Channel)
			if st.Previous != "" {
				fmt.Printf("Previous:     %s\n", st.Previous)
			}
			if st.HasPending() {
				fmt.Printf("Pending:      %s (applied on next launch)\n", st.Pending)
			}
		}
		fmt.Printf("Health:       %s\n", statusStyle(mon.Overall()).Render(string(mon.Overall())))
		tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		for _, c := range mon.All() {
			fmt.Fprintf(tw, "  %s\t%s\t%s\n", c.Name, renderStatus(c.Status), c.Message)
		}
		return tw.Flush()
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent update runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd.Context(), envOptions{})
		if err != nil {
			return err
		}
		defer e.Close()

		if flagRunID != "" {
			events, err := e.journal.Events(cmd.Context(), flagRunID)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tSTATE\tDETAIL")
			for _, ev := range events {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", ev.At.Local().Format(time.DateTime), ev.State, ev.Detail)
			}
			return tw.Flush()
		}

		runs, err := e.journal.Runs(cmd.Context(), flagLimit)
		if err != nil {
			return err
		}
		if flagJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(runs)
		}
		tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "STARTED\tOP\tFROM\tTO\tKIND\tSTATE\tERROR\tID")
		for _, r := range runs {
			kind := "full"
			if r.Delta {
				kind = "delta"
			}
			if r.ToVersion == "" {
				kind = "-"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				r.StartedAt.Local().Format(time.DateTime), r.Operation, r.FromVersion, r.ToVersion, kind, r.State, r.Error, r.ID)
		}
		return tw.Flush()
	},
}

func init() {
	statusCmd.Flags().BoolVar(&flagJSON, "json", false, "print JSON")
	historyCmd.Flags().BoolVar(&flagJSON, "json", false, "print JSON")
	historyCmd.Flags().IntVarP(&flagLimit, "limit", "n", 20, "number of runs to show (0 for all)")
	historyCmd.Flags().StringVar(&flagRunID, "run", "", "show the state transitions of one run")
}

// serviceProbe reports the service that runs the installed application. A
// service whose binary lives outside the install root is Degraded.
func serviceProbe(name, root string) health.Probe {
	return health.Probe{Name: "service", Check: func(ctx context.Context) (health.Status, string) {
		info, err := svcquery.GetStatus(name)
		if errors.Is(err, svcquery.ErrNotFound) {
			return health.Unhealthy, fmt.Sprintf("service %s is not installed", name)
		}
		if err != nil {
			return health.Unknown, err.Error()
		}
		return serviceHealth(info, root)
	}}
}

func serviceHealth(info svcquery.ServiceInfo, root string) (health.Status, string) {
	if info.BinaryPath != "" && root != "" {
		bin := strings.Trim(info.BinaryPath, `"`)
		if rel, err := filepath.Rel(root, bin); err != nil || strings.HasPrefix(rel, "..") {
			return health.Degraded, fmt.Sprintf("%s runs %s, outside %s", info.Name, bin, root)
		}
	}
	if info.IsActive() {
		return health.Healthy, fmt.Sprintf("%s running (pid %d)", info.Name, info.PID)
	}
	switch info.Status {
	case svcquery.StatusStopped, svcquery.StatusDisabled:
		return health.Degraded, fmt.Sprintf("%s %s", info.Name, info.Status)
	default:
		return health.Unknown, fmt.Sprintf("%s state unknown", info.Name)
	}
}
