package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/opendeck/deck/pkg/inventory"
)

// MigrationOptions tune how a migration plan is composed.
type MigrationOptions struct {
	// Repository is the backup repository the source export writes to.
	Repository string

	// Includes and Excludes scope the exported paths for remote-shell sources.
	Includes []string
	Excludes []string
}

// MigrationResult records the outcome of executing a migration plan. The
// source, transfer and destination phases each carry their own run.
type MigrationResult struct {
	// MigrationID references the executed migration plan.
	MigrationID string `json:"migration_id"`

	// Status is the overall outcome across all executed phases.
	Status RunStatus `json:"status"`

	// Source is the run of the source export plan.
	Source *Run `json:"source,omitempty"`

	// Transfer is the run of the transfer step.
	Transfer *Run `json:"transfer,omitempty"`

	// Destination is the run of the destination apply plan.
	Destination *Run `json:"destination,omitempty"`
}

// Coordinator composes and executes migrations of a service between two
// targets. It owns the inner plans exclusively: source export, artifact
// transfer, destination apply, and an optional explicit teardown.
type Coordinator struct {
	planner   *Planner
	executor  *Executor
	providers *ProviderRegistry
	targets   *inventory.Registry
}

// NewCoordinator creates a migration coordinator.
func NewCoordinator(planner *Planner, executor *Executor, providers *ProviderRegistry, targets *inventory.Registry) *Coordinator {
	return &Coordinator{
		planner:   planner,
		executor:  executor,
		providers: providers,
		targets:   targets,
	}
}

// PlanMigration composes a migration plan for the service from source to
// destination. Capability mismatches (a source that cannot export or
// transfer, a destination that cannot apply) surface here, before any side
// effect.
//
// The composed plan never contains a teardown step: removing the service from
// the source is a separate explicit request, see Teardown.
func (c *Coordinator) PlanMigration(ctx context.Context, source, dest *inventory.Target, service string, desired ServiceState, opts MigrationOptions) (*MigrationPlan, error) {
	if source.Name == dest.Name {
		return nil, NewValidationError("source and destination target are the same", nil)
	}

	sourceCaps := c.providers.CapabilitiesFor(source)
	if !sourceCaps.Has(inventory.CapabilityExport) {
		return nil, NewUnsupportedOperationError(source.Name, OpExport)
	}
	if !sourceCaps.Has(inventory.CapabilityTransfer) {
		return nil, NewUnsupportedOperationError(source.Name, OpTransfer)
	}

	// The artifact reference is deterministic from (source, service) so a
	// re-composed migration resumes instead of exporting twice.
	artifactRef := fmt.Sprintf("deck/%s/%s", source.Name, service)

	exportStep, err := NewStep(OpExport, source.Name, service, ExportPayload{
		Repository:  opts.Repository,
		ArtifactRef: artifactRef,
		Includes:    opts.Includes,
		Excludes:    opts.Excludes,
	})
	if err != nil {
		return nil, err
	}

	migrationID := uuid.New().String()
	now := time.Now().UTC()

	sourcePlan := Plan{
		ID:        migrationID + "/source",
		Service:   service,
		Target:    source.Name,
		Steps:     []Step{exportStep},
		CreatedAt: now,
	}

	transferStep, err := NewStep(OpTransfer, dest.Name, service, TransferPayload{
		ArtifactRef:  artifactRef,
		SourceTarget: source.Name,
	})
	if err != nil {
		return nil, err
	}

	// The destination converges on the transferred artifact, not the original
	// image reference: the source may have drifted from what the registry
	// holds, and the export captured the source as it actually runs.
	destDesired := desired
	destDesired.Image = artifactRef
	destPlan, err := c.planner.Plan(ctx, dest, service, destDesired)
	if err != nil {
		return nil, err
	}
	destPlan.ID = migrationID + "/destination"

	mp := &MigrationPlan{
		ID:          migrationID,
		Service:     service,
		Source:      sourcePlan,
		Transfer:    transferStep,
		Destination: *destPlan,
		CreatedAt:   now,
	}

	log.Debug().
		Str("migration_id", mp.ID).
		Str("service", service).
		Str("source", source.Name).
		Str("destination", dest.Name).
		Int("destination_steps", len(mp.Destination.Steps)).
		Msg("migration plan composed")

	return mp, nil
}

// Execute runs the migration's phases in strict order: source export, then
// transfer, then destination apply.
//
// The transfer cannot start until every source step reports succeeded or
// skipped-already-applied; a source failure halts the migration with the
// destination untouched. Re-executing a halted migration resumes: completed
// phases are skipped through their idempotency keys.
func (c *Coordinator) Execute(ctx context.Context, mp *MigrationPlan) (*MigrationResult, error) {
	result := &MigrationResult{MigrationID: mp.ID, Status: RunStatusRunning}
	logger := log.With().Str("migration_id", mp.ID).Str("service", mp.Service).Logger()

	sourceRun, err := c.executor.Run(ctx, &mp.Source)
	if err != nil {
		return nil, err
	}
	result.Source = sourceRun
	if sourceRun.Status != RunStatusSucceeded {
		result.Status = haltStatus(sourceRun)
		logger.Error().
			Str("source_status", string(sourceRun.Status)).
			Msg("source export failed, destination untouched")
		return result, nil
	}

	transferPlan := &Plan{
		ID:        mp.ID + "/transfer",
		Service:   mp.Service,
		Target:    mp.Transfer.Target,
		Steps:     []Step{mp.Transfer},
		CreatedAt: mp.CreatedAt,
	}
	transferRun, err := c.executor.Run(ctx, transferPlan)
	if err != nil {
		return nil, err
	}
	result.Transfer = transferRun
	if transferRun.Status != RunStatusSucceeded {
		result.Status = RunStatusPartiallyFailed
		logger.Error().Msg("artifact transfer failed, destination untouched")
		return result, nil
	}

	destRun, err := c.executor.Run(ctx, &mp.Destination)
	if err != nil {
		return nil, err
	}
	result.Destination = destRun
	if destRun.Status != RunStatusSucceeded {
		result.Status = RunStatusPartiallyFailed
		logger.Error().
			Str("destination_status", string(destRun.Status)).
			Msg("destination apply failed, source left intact")
		return result, nil
	}

	result.Status = RunStatusSucceeded
	logger.Info().Msg("migration completed, source service left intact")
	return result, nil
}

// Teardown removes the migrated service from the source target. It is never
// part of Execute: the caller requests it explicitly, and it refuses to run
// unless a live probe confirms the destination is reachable and the service
// is present there.
func (c *Coordinator) Teardown(ctx context.Context, mp *MigrationPlan) (*Run, error) {
	dest, err := c.targets.Resolve(mp.Destination.Target)
	if err != nil {
		return nil, NewTargetNotFoundError(mp.Destination.Target)
	}
	provider, err := c.providers.ForTarget(dest)
	if err != nil {
		return nil, err
	}

	probe := provider.Probe(ctx, dest)
	if !probe.Reachable {
		return nil, NewPreconditionFailedError(
			fmt.Sprintf("destination %q unreachable, refusing source teardown: %s", dest.Name, probe.Detail), nil)
	}
	if _, err := provider.Inspect(ctx, dest, mp.Service); err != nil {
		return nil, NewPreconditionFailedError(
			fmt.Sprintf("service %q not confirmed on destination %q, refusing source teardown", mp.Service, dest.Name), err)
	}

	teardownStep, err := NewStep(OpTeardown, mp.Source.Target, mp.Service, TeardownPayload{Confirmed: true})
	if err != nil {
		return nil, err
	}
	mp.Teardown = &teardownStep

	teardownPlan := &Plan{
		ID:        mp.ID + "/teardown",
		Service:   mp.Service,
		Target:    mp.Source.Target,
		Steps:     []Step{teardownStep},
		CreatedAt: time.Now().UTC(),
	}

	log.Warn().
		Str("migration_id", mp.ID).
		Str("service", mp.Service).
		Str("source", mp.Source.Target).
		Msg("tearing down service on source target")

	return c.executor.Run(ctx, teardownPlan)
}

// haltStatus maps a failed phase run to the overall migration status: a
// first-phase total failure stays Failed, anything applied is partial.
func haltStatus(run *Run) RunStatus {
	if run.Status == RunStatusFailed {
		return RunStatusFailed
	}
	return RunStatusPartiallyFailed
}
