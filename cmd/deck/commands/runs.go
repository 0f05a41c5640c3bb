package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/opendeck/deck/pkg/engine"
	"github.com/opendeck/deck/pkg/stores"
)

func newRunsCommand() *cobra.Command {
	var (
		limit  int
		offset int
		events bool
	)

	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "Show the execution audit trail",
		Long: `Without arguments, list recorded runs newest-first. With a run ID, show
the run's full step-by-step result sequence. With --events, show the CLI
event journal instead.`,
		Example: `  # Recent runs
  deck runs

  # One run's audit trail
  deck runs 2f1c9a1e-...

  # The invocation event journal
  deck runs --events`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cmd.Root().Version)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			if events {
				return listEvents(cmd, a, limit, offset)
			}
			if len(args) == 1 {
				run, err := a.store.GetRun(ctx, args[0])
				if errors.Is(err, stores.ErrNotFound) {
					return fmt.Errorf("run %q not found in journal", args[0])
				}
				if err != nil {
					return err
				}
				return printRunDetail(run)
			}

			runs, err := a.store.ListRuns(ctx, limit, offset)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(runs)
			}
			if len(runs) == 0 {
				fmt.Println("No recorded runs.")
				return nil
			}
			w := newTable()
			fmt.Fprintln(w, "RUN\tPLAN\tSTATUS\tSTARTED\tDURATION")
			for _, r := range runs {
				duration := "-"
				if r.CompletedAt != nil {
					duration = r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					r.ID, r.PlanID, r.Status, r.StartedAt.Format(time.RFC3339), duration)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of entries to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of entries to skip")
	cmd.Flags().BoolVar(&events, "events", false, "list the CLI event journal instead of runs")

	return cmd
}

func printRunDetail(run *engine.Run) error {
	if jsonOutput {
		return printJSON(run)
	}

	fmt.Printf("Run %s (plan %s): %s\n", run.ID, run.PlanID, run.Status)
	fmt.Printf("Started %s", run.StartedAt.Format(time.RFC3339))
	if run.CompletedAt != nil {
		fmt.Printf(", completed %s", run.CompletedAt.Format(time.RFC3339))
	}
	fmt.Println()

	w := newTable()
	fmt.Fprintln(w, "STEP\tOUTCOME\tDURATION\tDETAIL")
	for _, r := range run.Results {
		detail := ""
		if r.Error != nil {
			detail = fmt.Sprintf("%s: %s", r.Error.Kind, r.Error.Message)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			r.StepID, r.Outcome, r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond), dash(detail))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if next := engine.NextAction(run); next != "" {
		fmt.Printf("Next: %s\n", next)
	}
	return nil
}

func listEvents(cmd *cobra.Command, a *app, limit, offset int) error {
	events, err := a.store.ListEvents(cmd.Context(), limit, offset)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(events)
	}
	if len(events) == 0 {
		fmt.Println("No recorded events.")
		return nil
	}
	w := newTable()
	fmt.Fprintln(w, "TIME\tCOMMAND\tSERVICE\tTARGET\tRUN\tDETAIL")
	for _, e := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Format(time.RFC3339), e.Command, dash(e.Service), dash(e.Target), dash(e.RunID), dash(e.Detail))
	}
	return w.Flush()
}
