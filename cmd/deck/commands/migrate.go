package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/opendeck/deck/pkg/config"
	"github.com/opendeck/deck/pkg/engine"
)

func newMigrateCommand() *cobra.Command {
	var (
		toTarget       string
		fromTarget     string
		apply          bool
		teardownSource bool
		timeout        time.Duration
	)

	cmd := &cobra.Command{
		Use:   "migrate <service>",
		Short: "Move a service between targets",
		Long: `Compose a migration of the service from its current target to another:
export on the source, transfer the artifact, apply on the destination.

The source is never touched beyond the export. Removing the service from the
source requires --teardown-source, and even then only happens after a live
probe confirms the service is up on the destination.`,
		Example: `  # Show the migration phases
  deck migrate web --to k8s-prod

  # Execute the migration, leaving the source intact
  deck migrate web --to k8s-prod --apply

  # Execute and remove the source copy once the destination is confirmed
  deck migrate web --to k8s-prod --apply --teardown-source`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			service := args[0]

			a, err := newApp(ctx, cmd.Root().Version)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			ctx, span := a.tracer.StartCommandSpan(ctx, "migrate")
			defer span.End()

			svc, err := config.LoadService(a.settings.ServicesDir, service)
			if err != nil {
				return err
			}
			if fromTarget == "" {
				fromTarget = svc.Spec.Target
			}
			source, err := a.targets.Resolve(fromTarget)
			if err != nil {
				return err
			}
			dest, err := a.targets.Resolve(toTarget)
			if err != nil {
				return err
			}

			executor := a.executor(timeout)
			coord := engine.NewCoordinator(a.planner, executor, a.providers, a.targets)

			mp, err := coord.PlanMigration(ctx, source, dest, service, svc.DesiredState(), svc.MigrationOptions())
			if err != nil {
				return err
			}

			if err := printMigrationPlan(ctx, a, mp, source.Name, dest.Name); err != nil {
				return err
			}

			if !apply {
				a.event(ctx, "migrate-plan", service, dest.Name, "",
					fmt.Sprintf("from %s, %d destination steps", source.Name, len(mp.Destination.Steps)))
				return nil
			}

			result, err := coord.Execute(ctx, mp)
			if err != nil {
				return err
			}
			a.metrics.RecordMigration(result.Status)
			runID := ""
			if result.Destination != nil {
				runID = result.Destination.ID
			}
			a.event(ctx, "migrate", service, dest.Name, runID,
				fmt.Sprintf("from %s: %s", source.Name, result.Status))

			if err := printMigrationResult(result); err != nil {
				return err
			}
			if result.Status != engine.RunStatusSucceeded {
				return statusErr(result.Status)
			}

			if teardownSource {
				run, err := coord.Teardown(ctx, mp)
				if err != nil {
					return err
				}
				a.event(ctx, "teardown", service, source.Name, run.ID, string(run.Status))
				if !jsonOutput {
					fmt.Printf("Teardown on %s: %s\n", source.Name, run.Status)
				}
				return statusErr(run.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&toTarget, "to", "", "destination target name")
	cmd.Flags().StringVar(&fromTarget, "from", "", "source target name (default: the service's descriptor target)")
	cmd.Flags().BoolVar(&apply, "apply", false, "execute the migration instead of only printing it")
	cmd.Flags().BoolVar(&teardownSource, "teardown-source", false, "remove the service from the source after the destination is confirmed")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "per-step provider timeout (default 2m)")
	cmd.MarkFlagRequired("to")

	return cmd
}

func printMigrationPlan(ctx context.Context, a *app, mp *engine.MigrationPlan, source, dest string) error {
	if jsonOutput {
		return printJSON(mp)
	}

	fmt.Printf("Migration %s: service %s from %s to %s\n", mp.ID, mp.Service, source, dest)
	fmt.Printf("  1. export on %s (artifact %s)\n", source, artifactRef(mp))
	fmt.Printf("  2. transfer artifact to %s\n", dest)
	if mp.Destination.Empty() {
		fmt.Printf("  3. destination already converged\n")
	} else {
		fmt.Printf("  3. apply %s on %s:\n", plural(len(mp.Destination.Steps), "step"), dest)
		target, err := a.targets.Resolve(dest)
		if err != nil {
			return err
		}
		provider, err := a.providers.ForTarget(target)
		if err != nil {
			return err
		}
		for i, step := range mp.Destination.Steps {
			desc, err := provider.Render(ctx, target, step)
			if err != nil {
				desc = string(step.Op)
			}
			fmt.Printf("     %d. %s\n", i+1, desc)
		}
	}
	fmt.Println("Source service is left intact; teardown is a separate explicit request.")
	return nil
}

func artifactRef(mp *engine.MigrationPlan) string {
	var payload engine.ExportPayload
	if len(mp.Source.Steps) > 0 {
		if err := json.Unmarshal(mp.Source.Steps[0].Payload, &payload); err == nil {
			return payload.ArtifactRef
		}
	}
	return "-"
}

func printMigrationResult(result *engine.MigrationResult) error {
	if jsonOutput {
		return printJSON(result)
	}

	fmt.Printf("Migration %s: %s\n", result.MigrationID, result.Status)
	phases := []struct {
		name string
		run  *engine.Run
	}{
		{"source export", result.Source},
		{"transfer", result.Transfer},
		{"destination apply", result.Destination},
	}
	for _, p := range phases {
		if p.run == nil {
			fmt.Printf("  %s: not started\n", p.name)
			continue
		}
		s := p.run.Summary()
		fmt.Printf("  %s: %s (%d succeeded, %d failed, %d skipped)\n",
			p.name, p.run.Status, s.Succeeded, s.Failed, s.Skipped)
		for _, r := range p.run.Results {
			if r.Error != nil {
				fmt.Printf("    %s: %s: %s\n", r.StepID, r.Error.Kind, r.Error.Message)
			}
		}
	}
	return nil
}
