package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/geosync/internal/config"
	"github.com/roach88/geosync/internal/geo"
	"github.com/roach88/geosync/internal/store"
)

// StatusResult summarizes the replication state of a secondary.
type StatusResult struct {
	Node       string           `json:"node"`
	Scope      string           `json:"scope"`
	Resources  []ResourceStatus `json:"resources"`
	Registries []store.Count    `json:"registries"`
}

// ResourceStatus is the event cursor of one configured resource type.
type ResourceStatus struct {
	ResourceType geo.ResourceType `json:"resource_type"`
	Strategy     string           `json:"strategy"`
	Cursor       int64            `json:"cursor"`
}

func (s StatusResult) renderText(w io.Writer) {
	fmt.Fprintf(w, "Node: %s\n", s.Node)
	fmt.Fprintf(w, "Selective sync: %s\n", s.Scope)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Cursors ===")
	for _, r := range s.Resources {
		fmt.Fprintf(w, "  %-24s %-10s %d\n", r.ResourceType, r.Strategy, r.Cursor)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Registries ===")
	if len(s.Registries) == 0 {
		fmt.Fprintln(w, "  (no registries)")
		return
	}
	for _, c := range s.Registries {
		fmt.Fprintf(w, "  %-24s %-8s %-10s %d\n", c.ResourceType, c.State, c.VerificationState, c.Registries)
	}
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show cursors and registry counts",
		Long: `Show the event cursor of every configured resource type and the number
of registries per replication and verification state.

Example:
  geosync status --db ./geosync.db
  geosync status --config geosync.yaml --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(rootOpts, cmd)
		},
	}
	return cmd
}

func runStatus(opts *RootOptions, cmd *cobra.Command) error {
	cfg, _, err := loadConfig(opts)
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore(st)

	status, err := collectStatus(commandContext(cmd), cfg, st)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read status", err)
	}
	return newFormatter(opts, cmd).Success(status)
}

func collectStatus(ctx context.Context, cfg *config.Config, st *store.Store) (StatusResult, error) {
	status := StatusResult{
		Node:      cfg.Node.Name,
		Scope:     cfg.SelectiveSync.String(),
		Resources: make([]ResourceStatus, 0, len(cfg.Resources)),
	}
	for _, r := range cfg.Resources {
		cursor, err := st.Cursor(ctx, geo.ResourceType(r.Name))
		if err != nil {
			return StatusResult{}, err
		}
		status.Resources = append(status.Resources, ResourceStatus{
			ResourceType: geo.ResourceType(r.Name),
			Strategy:     r.Strategy,
			Cursor:       cursor,
		})
	}

	counts, err := st.Counts(ctx)
	if err != nil {
		return StatusResult{}, err
	}
	status.Registries = counts
	return status, nil
}
