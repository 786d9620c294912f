package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/geosync/internal/geo"
)

// SweepResult counts the jobs a sweep failed, per resource type.
type SweepResult struct {
	Resources []SweepCount `json:"resources"`
}

// SweepCount is the outcome of a sweep for one resource type.
type SweepCount struct {
	ResourceType         geo.ResourceType `json:"resource_type"`
	SyncTimeouts         int              `json:"sync_timeouts"`
	VerificationTimeouts int              `json:"verification_timeouts"`
}

func (r SweepResult) renderText(w io.Writer) {
	total := 0
	for _, c := range r.Resources {
		fmt.Fprintf(w, "  %-24s syncs: %d, verifications: %d\n", c.ResourceType, c.SyncTimeouts, c.VerificationTimeouts)
		total += c.SyncTimeouts + c.VerificationTimeouts
	}
	fmt.Fprintf(w, "Sweep complete: %d stuck job(s) failed\n", total)
}

// NewSweepCommand creates the sweep command.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Fail syncs and verifications that exceeded their timeouts",
		Long: `Fail every sync started longer than reconcile.sync_timeout ago and every
verification started longer than reconcile.verification_timeout ago. Failed
jobs are retried with backoff by the daemon.

The daemon sweeps on its own every reconcile.sweep_interval; this command is
for secondaries that run with the sweep disabled or after a crash.

Example:
  geosync sweep --config geosync.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(rootOpts, cmd)
		},
	}
	return cmd
}

func runSweep(opts *RootOptions, cmd *cobra.Command) error {
	cfg, _, err := loadConfig(opts)
	if err != nil {
		return err
	}
	closer, err := setupLogging(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer closer.Close()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore(st)

	ctx := commandContext(cmd)
	sched := cfg.Scheduler()
	result := SweepResult{Resources: make([]SweepCount, 0, len(cfg.Resources))}
	for _, r := range cfg.Resources {
		t := geo.ResourceType(r.Name)
		syncs, err := st.FailSyncTimeouts(ctx, t, cfg.Reconcile.SyncTimeout, sched)
		if err != nil {
			return WrapExitError(ExitFailure, "sync timeout sweep failed", err)
		}
		verifications, err := st.FailVerificationTimeouts(ctx, t, cfg.Reconcile.VerificationTimeout, sched)
		if err != nil {
			return WrapExitError(ExitFailure, "verification timeout sweep failed", err)
		}
		slog.Debug("swept", "resource_type", t, "syncs", syncs, "verifications", verifications)
		result.Resources = append(result.Resources, SweepCount{
			ResourceType:         t,
			SyncTimeouts:         syncs,
			VerificationTimeouts: verifications,
		})
	}
	return newFormatter(opts, cmd).Success(result)
}
