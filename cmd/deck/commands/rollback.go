package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/opendeck/deck/pkg/stores"
)

func newRollbackCommand() *cobra.Command {
	var (
		upto    int
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "rollback <run-id>",
		Short: "Revert the applied steps of a recorded run",
		Long: `Walk a run's completed steps in reverse and revert each one using the
state observed before it was applied.

Rollback is never automatic. Deck only reverts what this command names, and
--upto can stop the reversal partway: steps before the given index stay
applied.`,
		Example: `  # Revert everything a run applied
  deck rollback 2f1c9a1e-...

  # Revert only the steps from index 2 onward
  deck rollback 2f1c9a1e-... --upto 2`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			runID := args[0]

			a, err := newApp(ctx, cmd.Root().Version)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			run, err := a.store.GetRun(ctx, runID)
			if errors.Is(err, stores.ErrNotFound) {
				return fmt.Errorf("run %q not found in journal", runID)
			}
			if err != nil {
				return err
			}
			plan, err := a.store.GetPlan(ctx, run.PlanID)
			if errors.Is(err, stores.ErrNotFound) {
				return fmt.Errorf("plan %q for run %q not found in journal", run.PlanID, runID)
			}
			if err != nil {
				return err
			}

			rollback, err := a.executor(timeout).Rollback(ctx, plan, run, upto)
			if err != nil {
				return err
			}
			a.event(ctx, "rollback", plan.Service, plan.Target, rollback.ID,
				fmt.Sprintf("of run %s: %s", runID, rollback.Status))

			if err := printRun(rollback); err != nil {
				return err
			}
			return statusErr(rollback.Status)
		},
	}

	cmd.Flags().IntVar(&upto, "upto", 0, "stop reverting at this step index (inclusive)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "per-step provider timeout (default 2m)")

	return cmd
}
