package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/opendeck/deck/pkg/config"
	"github.com/opendeck/deck/pkg/inventory"
)

func newTargetsCommand() *cobra.Command {
	var (
		check bool
		watch bool
	)

	cmd := &cobra.Command{
		Use:   "targets",
		Short: "List and probe deployment targets",
		Long: `List the targets declared in the inventory.

With --check, every target is probed concurrently; an unreachable target is
reported as unreachable, it never aborts the listing. With --watch, deck
keeps running and re-probes whenever the inventory file changes.`,
		Example: `  # List the inventory
  deck targets

  # Probe all targets and report reachability
  deck targets --check

  # Keep probing as the inventory file is edited
  deck targets --check --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cmd.Root().Version)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			if err := printTargets(ctx, a, check); err != nil {
				return err
			}
			if !watch {
				return nil
			}

			log.Info().Str("inventory", a.settings.Inventory).Msg("watching inventory for changes")
			err = config.Watch(ctx, a.settings.Inventory, "", func(path string) {
				reloaded, err := inventory.Load(a.settings.Inventory)
				if err != nil {
					log.Error().Err(err).Msg("inventory reload failed, keeping previous targets")
				} else {
					a.targets = reloaded
				}
				if err := printTargets(ctx, a, check); err != nil {
					log.Error().Err(err).Msg("target listing failed")
				}
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&check, "check", false, "probe each target's reachability")
	cmd.Flags().BoolVar(&watch, "watch", false, "re-probe when the inventory file changes")

	return cmd
}

// targetRow is the JSON shape of one listed target.
type targetRow struct {
	Name         string                  `json:"name"`
	Kind         inventory.TargetKind    `json:"kind"`
	Endpoint     string                  `json:"endpoint"`
	Capabilities inventory.CapabilitySet `json:"capabilities"`
	Probe        *inventory.ProbeResult  `json:"probe,omitempty"`
}

func printTargets(ctx context.Context, a *app, check bool) error {
	targets := a.targets.List()

	var probes []inventory.ProbeResult
	if check {
		probes = a.targets.ProbeAll(ctx, a.providers)
		for _, p := range probes {
			a.metrics.RecordProbe(p.Target, p.Reachable, p.Latency)
		}
	}

	rows := make([]targetRow, 0, len(targets))
	for i, t := range targets {
		row := targetRow{
			Name:         t.Name,
			Kind:         t.Kind,
			Endpoint:     t.Endpoint(),
			Capabilities: a.providers.CapabilitiesFor(t),
		}
		if check {
			row.Probe = &probes[i]
		}
		rows = append(rows, row)
	}

	if jsonOutput {
		return printJSON(rows)
	}

	if len(rows) == 0 {
		fmt.Println("No targets in inventory.")
		return nil
	}

	w := newTable()
	if check {
		fmt.Fprintln(w, "NAME\tKIND\tENDPOINT\tREACHABLE\tLATENCY\tDETAIL")
		for _, r := range rows {
			reachable := "no"
			latency := "-"
			if r.Probe.Reachable {
				reachable = "yes"
				latency = r.Probe.Latency.Round(time.Millisecond).String()
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				r.Name, r.Kind, r.Endpoint, reachable, latency, dash(r.Probe.Detail))
		}
	} else {
		fmt.Fprintln(w, "NAME\tKIND\tENDPOINT\tCAPABILITIES")
		for _, r := range rows {
			caps := make([]string, 0, len(r.Capabilities))
			for _, c := range r.Capabilities.List() {
				caps = append(caps, string(c))
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Name, r.Kind, r.Endpoint, strings.Join(caps, ","))
		}
	}
	return w.Flush()
}
