package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/opendeck/deck/pkg/config"
	"github.com/opendeck/deck/pkg/engine"
	"github.com/opendeck/deck/pkg/stores"
)

func newDeployCommand() *cobra.Command {
	var (
		targetName string
		apply      bool
		resume     bool
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "deploy <service>",
		Short: "Plan and optionally apply a service deployment",
		Long: `Compute the minimal step sequence that brings the service on its target
from the observed state to the desired state, show it, and apply it when
--apply is given.

A plan against an unreachable target is produced as unverified; applying it
re-checks live state before each step. A desired state already deployed
yields an empty plan and exits 0.`,
		Example: `  # Show what would change
  deck deploy web

  # Apply the plan
  deck deploy web --apply

  # Deploy to a target other than the descriptor default
  deck deploy web --target staging-host --apply

  # Resume the last partially failed plan instead of replanning
  deck deploy web --resume --apply`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			service := args[0]

			a, err := newApp(ctx, cmd.Root().Version)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			ctx, span := a.tracer.StartCommandSpan(ctx, "deploy")
			defer span.End()

			svc, err := config.LoadService(a.settings.ServicesDir, service)
			if err != nil {
				return err
			}
			if targetName == "" {
				targetName = svc.Spec.Target
			}
			target, err := a.targets.Resolve(targetName)
			if err != nil {
				return err
			}

			var plan *engine.Plan
			if resume {
				plan, err = a.store.LatestPlan(ctx, service, target.Name)
				if errors.Is(err, stores.ErrNotFound) {
					return fmt.Errorf("no stored plan for service %q on target %q to resume", service, target.Name)
				}
				if err != nil {
					return err
				}
				log.Info().Str("plan_id", plan.ID).Msg("resuming stored plan")
			} else {
				plan, err = a.planner.Plan(ctx, target, service, svc.DesiredState())
				if err != nil {
					return err
				}
			}

			if err := printPlan(ctx, a, plan); err != nil {
				return err
			}

			if !apply {
				a.event(ctx, "plan", service, target.Name, "", fmt.Sprintf("%d steps", len(plan.Steps)))
				return nil
			}
			if plan.Empty() {
				a.event(ctx, "deploy", service, target.Name, "", "nothing to apply")
				return nil
			}

			run, err := a.executor(timeout).Run(ctx, plan)
			if err != nil {
				return err
			}
			a.event(ctx, "deploy", service, target.Name, run.ID, string(run.Status))
			if err := printRun(run); err != nil {
				return err
			}
			return statusErr(run.Status)
		},
	}

	cmd.Flags().StringVarP(&targetName, "target", "t", "", "deploy to this target instead of the descriptor default")
	cmd.Flags().BoolVar(&apply, "apply", false, "execute the plan instead of only printing it")
	cmd.Flags().BoolVar(&resume, "resume", false, "re-run the latest stored plan, skipping applied steps")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "per-step provider timeout (default 2m)")

	return cmd
}

// printPlan renders each step through the target's provider.
func printPlan(ctx context.Context, a *app, plan *engine.Plan) error {
	if jsonOutput {
		return printJSON(plan)
	}

	if plan.Empty() {
		fmt.Printf("Plan %s: service %s on %s is already converged, nothing to do.\n",
			plan.ID, plan.Service, plan.Target)
		return nil
	}

	fmt.Printf("Plan %s: %s for service %s on target %s", plan.ID, plural(len(plan.Steps), "step"), plan.Service, plan.Target)
	if plan.Unverified {
		fmt.Print(" (unverified: target was unreachable at plan time)")
	}
	fmt.Println()

	target, err := a.targets.Resolve(plan.Target)
	if err != nil {
		return err
	}
	provider, err := a.providers.ForTarget(target)
	if err != nil {
		return err
	}

	for i, step := range plan.Steps {
		desc, err := provider.Render(ctx, target, step)
		if err != nil {
			desc = string(step.Op)
		}
		marker := " "
		if step.Disruptive {
			marker = "!"
		}
		fmt.Printf("  %d. [%s] %s\n", i+1, marker+string(step.Op), desc)
	}
	return nil
}

// printRun reports a completed run and the recommended follow-up.
func printRun(run *engine.Run) error {
	if jsonOutput {
		return printJSON(run)
	}

	s := run.Summary()
	fmt.Printf("Run %s: %s (%d succeeded, %d failed, %d skipped)\n",
		run.ID, run.Status, s.Succeeded, s.Failed, s.Skipped)
	for _, r := range run.Results {
		line := fmt.Sprintf("  %s: %s", r.StepID, r.Outcome)
		if r.Error != nil {
			line += fmt.Sprintf(" (%s: %s)", r.Error.Kind, r.Error.Message)
		}
		fmt.Println(line)
	}
	if next := engine.NextAction(run); next != "" {
		fmt.Printf("Next: %s\n", next)
	}
	return nil
}
