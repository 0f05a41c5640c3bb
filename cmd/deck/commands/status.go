package commands

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opendeck/deck/pkg/config"
	"github.com/opendeck/deck/pkg/engine"
)

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [service]",
		Short: "Show desired versus observed service state",
		Long: `Without arguments, list every service in the workspace with its default
target. With a service name, inspect the target live and show the desired
state next to what is actually deployed.`,
		Example: `  # List all services
  deck status

  # Compare desired and observed state for one service
  deck status web

  # Structured output
  deck status web --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cmd.Root().Version)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			if len(args) == 0 {
				return listServiceStatus(a)
			}
			return showServiceStatus(cmd, a, args[0])
		},
	}
	return cmd
}

func listServiceStatus(a *app) error {
	names, err := config.ListServices(a.settings.ServicesDir)
	if err != nil {
		return err
	}

	type row struct {
		Name     string `json:"name"`
		Target   string `json:"target"`
		Image    string `json:"image"`
		Replicas int    `json:"replicas"`
	}
	rows := make([]row, 0, len(names))
	for _, name := range names {
		svc, err := config.LoadService(a.settings.ServicesDir, name)
		if err != nil {
			return err
		}
		rows = append(rows, row{
			Name:     name,
			Target:   svc.Spec.Target,
			Image:    svc.Spec.State.Image,
			Replicas: svc.Spec.State.Replicas,
		})
	}

	if jsonOutput {
		return printJSON(rows)
	}
	if len(rows) == 0 {
		fmt.Println("No services in workspace.")
		return nil
	}
	w := newTable()
	fmt.Fprintln(w, "SERVICE\tTARGET\tIMAGE\tREPLICAS")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", r.Name, r.Target, r.Image, r.Replicas)
	}
	return w.Flush()
}

// serviceStatus is the JSON shape of a single-service status report.
type serviceStatus struct {
	Service  string               `json:"service"`
	Target   string               `json:"target"`
	Desired  engine.ServiceState  `json:"desired"`
	Observed *engine.ServiceState `json:"observed,omitempty"`
	InSync   bool                 `json:"in_sync"`
	Detail   string               `json:"detail,omitempty"`
}

func showServiceStatus(cmd *cobra.Command, a *app, name string) error {
	ctx := cmd.Context()
	svc, err := config.LoadService(a.settings.ServicesDir, name)
	if err != nil {
		return err
	}
	target, err := a.targets.Resolve(svc.Spec.Target)
	if err != nil {
		return err
	}
	provider, err := a.providers.ForTarget(target)
	if err != nil {
		return err
	}

	st := serviceStatus{
		Service: name,
		Target:  target.Name,
		Desired: svc.DesiredState(),
	}

	observed, err := provider.Inspect(ctx, target, name)
	switch {
	case err == nil:
		st.Observed = observed
		st.InSync = st.Desired.Equal(observed)
	case errors.Is(err, engine.ErrServiceNotFound):
		st.Detail = "service not deployed on target"
	default:
		st.Detail = fmt.Sprintf("target state unavailable: %v", err)
	}

	if jsonOutput {
		return printJSON(st)
	}

	fmt.Printf("Service %s on target %s\n", st.Service, st.Target)
	if st.Detail != "" {
		fmt.Printf("  %s\n", st.Detail)
	}
	w := newTable()
	fmt.Fprintln(w, "\tDESIRED\tOBSERVED")
	fmt.Fprintf(w, "image\t%s\t%s\n", st.Desired.Image, observedField(st.Observed, func(s *engine.ServiceState) string { return s.Image }))
	fmt.Fprintf(w, "replicas\t%d\t%s\n", st.Desired.Replicas, observedField(st.Observed, func(s *engine.ServiceState) string { return fmt.Sprintf("%d", s.Replicas) }))
	fmt.Fprintf(w, "env\t%s\t%s\n", envSummary(st.Desired.Env), observedField(st.Observed, func(s *engine.ServiceState) string { return envSummary(s.Env) }))
	fmt.Fprintf(w, "ports\t%s\t%s\n", portsSummary(st.Desired.Ports), observedField(st.Observed, func(s *engine.ServiceState) string { return portsSummary(s.Ports) }))
	fmt.Fprintf(w, "resources\t%s\t%s\n", resourcesSummary(st.Desired.Resources), observedField(st.Observed, func(s *engine.ServiceState) string { return resourcesSummary(s.Resources) }))
	if err := w.Flush(); err != nil {
		return err
	}

	if st.Observed != nil {
		if st.InSync {
			fmt.Println("State: in sync")
		} else {
			fmt.Println("State: drifted, run deck deploy to reconcile")
		}
	}
	return nil
}

func observedField(s *engine.ServiceState, f func(*engine.ServiceState) string) string {
	if s == nil {
		return "-"
	}
	return f(s)
}

func envSummary(env map[string]string) string {
	if len(env) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

func portsSummary(ports []engine.PortMapping) string {
	if len(ports) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(ports))
	for _, p := range ports {
		if p.HostPort > 0 {
			parts = append(parts, fmt.Sprintf("%d:%d", p.HostPort, p.ContainerPort))
		} else {
			parts = append(parts, fmt.Sprintf("%d", p.ContainerPort))
		}
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func resourcesSummary(r engine.ResourceLimits) string {
	if r.CPUMillis == 0 && r.MemoryMB == 0 {
		return "-"
	}
	return fmt.Sprintf("%dm/%dMi", r.CPUMillis, r.MemoryMB)
}
