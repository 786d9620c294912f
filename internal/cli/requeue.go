package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/geosync/internal/config"
	"github.com/roach88/geosync/internal/geo"
	"github.com/roach88/geosync/internal/store"
)

// RequeueResult reports a registry after a manual resync or reverify.
type RequeueResult struct {
	Action            string                `json:"action"`
	Resource          string                `json:"resource"`
	State             geo.State             `json:"state"`
	VerificationState geo.VerificationState `json:"verification_state"`
}

func (r RequeueResult) renderText(w io.Writer) {
	fmt.Fprintf(w, "✓ %s requested for %s (state: %s, verification: %s)\n",
		r.Action, r.Resource, r.State, r.VerificationState)
}

// NewResyncCommand creates the resync command.
func NewResyncCommand(rootOpts *RootOptions) *cobra.Command {
	return newRequeueCommand(rootOpts, "resync", geo.Registry.Resync, &cobra.Command{
		Short: "Mark a synced or failed resource for another sync",
		Long: `Put a synced or failed registry back to pending so the next scheduling
pass transfers it again. Retry counters and verification data are reset.

Example:
  geosync resync upload/7
  geosync resync project_repository/42 --format json`,
	})
}

// NewReverifyCommand creates the reverify command.
func NewReverifyCommand(rootOpts *RootOptions) *cobra.Command {
	return newRequeueCommand(rootOpts, "reverify", geo.Registry.Reverify, &cobra.Command{
		Short: "Mark a verified resource for another checksum",
		Long: `Put a succeeded or failed verification back to pending so the next
scheduling pass checksums the local copy again.

Example:
  geosync reverify upload/7`,
	})
}

func newRequeueCommand(rootOpts *RootOptions, action string, transition func(geo.Registry) (geo.Registry, error), cmd *cobra.Command) *cobra.Command {
	cmd.Use = action + " <type/id>"
	cmd.Args = cobra.ExactArgs(1)
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return runRequeue(rootOpts, action, transition, args[0], cmd)
	}
	return cmd
}

func runRequeue(opts *RootOptions, action string, transition func(geo.Registry) (geo.Registry, error), key string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	t, id, err := geo.ParseResourceKey(key)
	if err != nil {
		return formatter.Fail(ExitCommandError, CodeInvalidArg, "invalid resource", err, nil)
	}

	cfg, _, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if !configured(cfg, t) {
		msg := fmt.Sprintf("resource type %q is not configured", t)
		return formatter.Fail(ExitCommandError, CodeInvalidArg, msg, nil, nil)
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore(st)
	formatter.VerboseLog("database: %s", cfg.Database.Path)

	reg, err := st.Update(commandContext(cmd), t, id, transition)
	if err != nil {
		var transitionErr *geo.TransitionError
		switch {
		case errors.Is(err, store.ErrNotFound):
			return formatter.Fail(ExitCommandError, CodeNotFound, "registry not found", fmt.Errorf("no registry for %s: %w", key, err), nil)
		case errors.As(err, &transitionErr):
			return formatter.Fail(ExitCommandError, CodeInvalidArg, action+" rejected", err, map[string]string{
				"resource": key,
				"from":     transitionErr.From,
			})
		}
		return WrapExitError(ExitFailure, action+" failed", err)
	}

	return formatter.Success(RequeueResult{
		Action:            action,
		Resource:          key,
		State:             reg.State,
		VerificationState: reg.VerificationState,
	})
}

func configured(cfg *config.Config, t geo.ResourceType) bool {
	for _, r := range cfg.Resources {
		if geo.ResourceType(r.Name) == t {
			return true
		}
	}
	return false
}
