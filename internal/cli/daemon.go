package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/geosync/internal/config"
	"github.com/roach88/geosync/internal/engine"
	"github.com/roach88/geosync/internal/geo"
	"github.com/roach88/geosync/internal/metrics"
	"github.com/roach88/geosync/internal/replicator"
	"github.com/roach88/geosync/internal/store"
	"github.com/roach88/geosync/internal/transport"
)

// DaemonOptions holds flags for the daemon command.
type DaemonOptions struct {
	*RootOptions

	// Once runs a single reconciliation pass and exits.
	Once bool

	// Source, Blobs and Repos override the primary clients built from the
	// config (for testing). When Source is set primary.url is not required.
	Source engine.EventSource
	Blobs  replicator.BlobDownloader
	Repos  replicator.RepositoryFetcher

	// Clock and Leases override the engine defaults (for testing). Clock
	// also stamps the store's timestamps and sweep cutoffs.
	Clock  engine.Clock
	Leases replicator.LeaseGenerator
}

// NewDaemonCommand creates the daemon command.
func NewDaemonCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DaemonOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the reconciliation loop",
		Long: `Run the secondary's reconciliation loop.

The daemon follows the primary's event log for every configured resource
type, schedules syncs and verifications, and fails jobs that exceed their
timeouts. Edits to selective_sync in the config file apply without a
restart.

Example:
  geosync daemon --config /etc/geosync/geosync.yaml
  geosync daemon --db ./geosync.db --once --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Once, "once", false, "run one reconciliation pass and exit")

	return cmd
}

func runDaemon(opts *DaemonOptions, cmd *cobra.Command) error {
	cfg, loader, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	closer, err := setupLogging(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer closer.Close()

	if err := resolveClients(opts, cfg); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Storage.Root, 0o755); err != nil {
		return WrapExitError(ExitCommandError, "failed to create storage root", err)
	}

	slog.Info("opening database", "path", cfg.Database.Path)
	var storeOpts []store.Option
	if opts.Clock != nil {
		storeOpts = append(storeOpts, store.WithNow(opts.Clock.Now))
	}
	st, err := openStore(cfg, storeOpts...)
	if err != nil {
		return err
	}
	defer closeStore(st)

	m := metrics.New()
	eng, err := buildEngine(opts, cfg, st, m)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create engine", err)
	}

	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	if opts.Once {
		return runOnce(ctx, opts, cfg, st, eng, cmd)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	loader.Watch(func(next *config.Config) {
		pruned, err := eng.SetScope(ctx, next.SelectiveSync)
		if err != nil {
			slog.Error("selective sync update failed", "scope", next.SelectiveSync.String(), "error", err)
			return
		}
		slog.Info("selective sync updated", "scope", next.SelectiveSync.String(), "pruned", pruned)
	})

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Addr != "" {
		g.Go(func() error { return m.Serve(gctx, cfg.Metrics.Addr) })
	}
	g.Go(func() error { return eng.Run(gctx) })

	slog.Info("daemon starting",
		"db", cfg.Database.Path,
		"primary", cfg.Primary.URL,
		"resources", len(cfg.Resources),
		"scope", cfg.SelectiveSync.String(),
	)
	fmt.Fprintln(cmd.OutOrStdout(), "Daemon started. Press Ctrl-C to stop.")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "daemon error", err)
	}

	slog.Info("daemon stopped gracefully")
	return nil
}

// resolveClients builds the primary API, blob and git clients unless the
// caller supplied them.
func resolveClients(opts *DaemonOptions, cfg *config.Config) error {
	if opts.Source != nil {
		return nil
	}
	if cfg.Primary.URL == "" {
		return NewExitError(ExitCommandError, "primary.url is required")
	}
	client, err := transport.NewClient(transport.ClientOptions{
		URL:     cfg.Primary.URL,
		Token:   cfg.Primary.Token,
		Timeout: cfg.Primary.Timeout,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create primary client", err)
	}
	opts.Source = client
	if opts.Blobs == nil {
		opts.Blobs = transport.NewBlobDownloader(client, cfg.Transfer.MaxBytesPerSecond)
	}
	if opts.Repos == nil {
		opts.Repos = &transport.GitFetcher{BaseURL: cfg.GitURL(), Token: cfg.Primary.Token}
	}
	return nil
}

func buildEngine(opts *DaemonOptions, cfg *config.Config, st *store.Store, m *metrics.Metrics) (*engine.Engine, error) {
	deps := replicator.Deps{StorageRoot: cfg.Storage.Root, Blobs: opts.Blobs, Repos: opts.Repos}
	specs := make([]engine.ResourceSpec, 0, len(cfg.Resources))
	for _, r := range cfg.Resources {
		strategy, err := replicator.NewStrategy(r.Strategy, deps)
		if err != nil {
			return nil, fmt.Errorf("resource %s: %w", r.Name, err)
		}
		specs = append(specs, engine.ResourceSpec{Type: geo.ResourceType(r.Name), Strategy: strategy})
	}

	return engine.New(engine.Options{
		Store:                  st,
		Source:                 opts.Source,
		Resources:              specs,
		Scope:                  cfg.SelectiveSync,
		Clock:                  opts.Clock,
		Leases:                 opts.Leases,
		Scheduler:              cfg.Scheduler(),
		Metrics:                m,
		VerificationEnabled:    cfg.Verification.Enabled,
		Workers:                cfg.Reconcile.Workers,
		MaxCapacity:            cfg.Reconcile.MaxCapacity,
		BatchSize:              cfg.Reconcile.BatchSize,
		PollInterval:           cfg.Reconcile.PollInterval,
		ScheduleInterval:       cfg.Reconcile.ScheduleInterval,
		SweepInterval:          cfg.Reconcile.SweepInterval,
		SyncTimeout:            cfg.Reconcile.SyncTimeout,
		VerificationTimeout:    cfg.Reconcile.VerificationTimeout,
		ReverificationInterval: cfg.Reconcile.ReverificationInterval,
	})
}

// runOnce performs one reconciliation pass and reports the resulting status.
func runOnce(ctx context.Context, opts *DaemonOptions, cfg *config.Config, st *store.Store, eng *engine.Engine, cmd *cobra.Command) error {
	if err := eng.RunOnce(ctx); err != nil {
		return WrapExitError(ExitFailure, "reconciliation failed", err)
	}
	status, err := collectStatus(ctx, cfg, st)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read status", err)
	}
	return newFormatter(opts.RootOptions, cmd).Success(status)
}
