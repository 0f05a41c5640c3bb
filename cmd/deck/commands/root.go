package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/opendeck/deck/pkg/config"
	"github.com/opendeck/deck/pkg/engine"
	"github.com/opendeck/deck/pkg/inventory"
	"github.com/opendeck/deck/pkg/providers/docker"
	"github.com/opendeck/deck/pkg/providers/kube"
	"github.com/opendeck/deck/pkg/providers/shell"
	"github.com/opendeck/deck/pkg/stores"
	"github.com/opendeck/deck/pkg/telemetry"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Exit codes. Plan-only invocations exit 0; run outcomes map to distinct
// codes so scripts can tell a total failure from a resumable partial one.
const (
	exitOK              = 0
	exitUsage           = 1
	exitFailed          = 2
	exitPartiallyFailed = 3
)

// Execute runs the root command and returns the process exit code.
func Execute(ctx context.Context, version, commit, buildDate string) int {
	rootCmd := newRootCommand(version, commit, buildDate)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		var re *runFailedError
		if errors.As(err, &re) {
			return re.exitCode()
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitUsage
	}
	return exitOK
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "deck",
		Short: "Deck - service deployment across heterogeneous targets",
		Long: `Deck deploys and migrates services across heterogeneous deployment targets:
container runtimes, cluster orchestrators and plain hosts over SSH.

Every change goes through the same cycle: inspect the target, plan the
minimal step sequence, show it, and only then apply. Runs are journaled and
resumable; rollback is always an explicit request.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "workspace settings file (default deck.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newTargetsCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newDeployCommand())
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newRollbackCommand())
	rootCmd.AddCommand(newRunsCommand())

	return rootCmd
}

// runFailedError carries a terminal run status out of a command so Execute
// can map it to an exit code without re-printing provider detail.
type runFailedError struct {
	status engine.RunStatus
}

func (e *runFailedError) Error() string {
	return fmt.Sprintf("run %s", e.status)
}

func (e *runFailedError) exitCode() int {
	if e.status == engine.RunStatusFailed {
		return exitFailed
	}
	return exitPartiallyFailed
}

// statusErr converts a terminal run status into the command's return value.
func statusErr(status engine.RunStatus) error {
	if status == engine.RunStatusSucceeded {
		return nil
	}
	return &runFailedError{status: status}
}

// app holds the wired subsystems behind every command: settings, journal
// store, target inventory, providers and the execution engine.
type app struct {
	settings  *config.Settings
	store     *stores.SQLiteStore
	targets   *inventory.Registry
	providers *engine.ProviderRegistry
	planner   *engine.Planner
	metrics   *telemetry.Metrics
	tracer    *telemetry.Tracer
}

// newApp wires the workspace. The settings file, inventory and journal are
// all optional: an empty workspace still answers targets and runs.
func newApp(ctx context.Context, version string) (*app, error) {
	settings, err := config.LoadSettings(configPath)
	if err != nil {
		return nil, err
	}

	tcfg := settings.Telemetry(version)
	if verbose {
		tcfg.Logging.Level = "debug"
	}
	logger, err := telemetry.NewLogger(tcfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("configure logging: %w", err)
	}
	logger.SetGlobal()

	metrics, err := telemetry.NewMetrics(tcfg.Metrics)
	if err != nil {
		return nil, fmt.Errorf("configure metrics: %w", err)
	}
	if err := metrics.StartMetricsServer(); err != nil {
		return nil, err
	}

	tracer, err := telemetry.NewTracer(tcfg.Tracing, tcfg.ServiceName, tcfg.ServiceVersion, tcfg.Environment)
	if err != nil {
		return nil, fmt.Errorf("configure tracing: %w", err)
	}

	targets, err := inventory.Load(settings.Inventory)
	if err != nil {
		return nil, err
	}

	providers := engine.NewProviderRegistry()
	providers.Register(docker.NewProvider())
	providers.Register(kube.NewProvider())
	providers.Register(shell.NewProvider(targets))

	if err := os.MkdirAll(filepath.Dir(settings.StatePath), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	store, err := stores.NewSQLiteStore(stores.Config{Path: settings.StatePath})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}

	return &app{
		settings:  settings,
		store:     store,
		targets:   targets,
		providers: providers,
		planner:   engine.NewPlanner(providers),
		metrics:   metrics,
		tracer:    tracer,
	}, nil
}

// executor builds an executor journaled into the store. A zero timeout keeps
// the engine default.
func (a *app) executor(stepTimeout time.Duration) *engine.Executor {
	opts := []engine.ExecutorOption{
		engine.WithJournal(a.store),
		engine.WithObserver(a.metrics),
	}
	if stepTimeout > 0 {
		opts = append(opts, engine.WithStepTimeout(stepTimeout))
	}
	return engine.NewExecutor(a.providers, a.targets, opts...)
}

// event appends to the CLI event journal. Event loss is logged, never fatal:
// the invocation's real outcome must not depend on the audit row.
func (a *app) event(ctx context.Context, command, service, target, runID, detail string) {
	err := a.store.AppendEvent(ctx, &stores.Event{
		Command: command,
		Service: service,
		Target:  target,
		RunID:   runID,
		Detail:  detail,
	})
	if err != nil {
		log.Warn().Err(err).Str("command", command).Msg("failed to append event journal entry")
	}
}

// Close releases the store and flushes the tracer.
func (a *app) Close(ctx context.Context) {
	if a.tracer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := a.tracer.Shutdown(shutdownCtx); err != nil {
			log.Debug().Err(err).Msg("tracer shutdown")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Debug().Err(err).Msg("store close")
		}
	}
}
