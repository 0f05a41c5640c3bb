package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opendeck/deck/pkg/inventory"
)

// tracerName identifies engine spans under the global tracer provider.
const tracerName = "github.com/opendeck/deck/pkg/engine"

// DefaultStepTimeout bounds each provider apply/rollback call. A timeout is a
// failed outcome with provider-timeout detail, never an indefinite hang.
const DefaultStepTimeout = 2 * time.Minute

// Journal persists plans, runs and step results, and answers which
// idempotency keys have already been applied for a plan. The executor works
// against this interface; the SQLite store implements it.
type Journal interface {
	// SavePlan persists a plan before its first run.
	SavePlan(ctx context.Context, plan *Plan) error

	// SaveRun persists a run's current state. Called at start, on every
	// appended result and at completion.
	SaveRun(ctx context.Context, run *Run) error

	// AppendResult persists one step result for a run.
	AppendResult(ctx context.Context, runID string, result StepResult) error

	// AppliedKeys returns the idempotency keys that reached an OK outcome in
	// any prior run of the plan.
	AppliedKeys(ctx context.Context, planID string) (map[string]struct{}, error)
}

// NoopJournal discards everything. Used when no store is configured and in
// tests that exercise pure execution semantics.
type NoopJournal struct{}

func (NoopJournal) SavePlan(context.Context, *Plan) error               { return nil }
func (NoopJournal) SaveRun(context.Context, *Run) error                 { return nil }
func (NoopJournal) AppendResult(context.Context, string, StepResult) error { return nil }
func (NoopJournal) AppliedKeys(context.Context, string) (map[string]struct{}, error) {
	return nil, nil
}

// Observer receives execution signals for metrics. Implemented by the
// telemetry metrics collector; a nil observer is valid.
type Observer interface {
	RunStarted(target string)
	RunCompleted(status RunStatus, duration time.Duration)
	StepApplied(op StepOp, outcome Outcome, duration time.Duration)
}

// Executor walks a plan, executing steps strictly in order against the
// provider capability interface and recording a result per step.
//
// Each run owns its result sequence exclusively; independent plans may
// execute concurrently without shared mutable state.
type Executor struct {
	providers   *ProviderRegistry
	targets     *inventory.Registry
	journal     Journal
	observer    Observer
	stepTimeout time.Duration
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithStepTimeout sets the per-step provider call timeout.
func WithStepTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.stepTimeout = d
		}
	}
}

// WithJournal sets the persistence journal.
func WithJournal(j Journal) ExecutorOption {
	return func(e *Executor) {
		if j != nil {
			e.journal = j
		}
	}
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) ExecutorOption {
	return func(e *Executor) {
		e.observer = o
	}
}

// NewExecutor creates an executor.
func NewExecutor(providers *ProviderRegistry, targets *inventory.Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		providers:   providers,
		targets:     targets,
		journal:     NoopJournal{},
		stepTimeout: DefaultStepTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes the plan. The run transitions Pending -> Running -> one of
// {Succeeded, PartiallyFailed, Failed}.
//
// Re-invoking Run on the same plan after a partial failure resumes from the
// first non-succeeded step: already-applied idempotency keys are detected via
// the journal and the provider, and reported as skipped-already-applied.
//
// Cancellation is honored between steps only, never mid-step; a cancelled run
// is resumable exactly as a failed one is.
func (e *Executor) Run(ctx context.Context, plan *Plan) (*Run, error) {
	run := &Run{
		ID:        uuid.New().String(),
		PlanID:    plan.ID,
		Status:    RunStatusPending,
		StartedAt: time.Now().UTC(),
	}

	if err := e.journal.SavePlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("persist plan: %w", err)
	}
	if err := e.journal.SaveRun(ctx, run); err != nil {
		return nil, fmt.Errorf("persist run: %w", err)
	}

	applied, err := e.journal.AppliedKeys(ctx, plan.ID)
	if err != nil {
		return nil, fmt.Errorf("load applied keys: %w", err)
	}

	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "run.execute", trace.WithAttributes(
		attribute.String("run.id", run.ID),
		attribute.String("plan.id", plan.ID),
		attribute.String("service", plan.Service),
		attribute.String("target", plan.Target),
	))
	defer span.End()

	run.Status = RunStatusRunning
	if e.observer != nil {
		e.observer.RunStarted(plan.Target)
	}
	logger := log.With().Str("run_id", run.ID).Str("plan_id", plan.ID).Logger()
	logger.Info().Int("steps", len(plan.Steps)).Msg("run started")

	halted := false
	for i := range plan.Steps {
		step := plan.Steps[i]

		// Cancellation is only honored between steps.
		select {
		case <-ctx.Done():
			logger.Warn().Int("completed", i).Msg("run cancelled between steps")
			halted = true
		default:
		}
		if halted {
			break
		}

		result := e.executeStep(ctx, tracer, plan, i, applied)
		run.Results = append(run.Results, result)
		if err := e.journal.AppendResult(ctx, run.ID, result); err != nil {
			return nil, fmt.Errorf("persist step result: %w", err)
		}
		if e.observer != nil {
			e.observer.StepApplied(step.Op, result.Outcome, result.CompletedAt.Sub(result.StartedAt))
		}

		if result.Outcome == OutcomeFailed {
			// Halt remaining steps. Rollback is never automatic; it is a
			// separate, explicitly invoked operation.
			halted = true
		}
	}

	run.Status = finalStatus(plan, run, halted)
	completed := time.Now().UTC()
	run.CompletedAt = &completed

	if err := e.journal.SaveRun(ctx, run); err != nil {
		return nil, fmt.Errorf("persist run completion: %w", err)
	}
	if e.observer != nil {
		e.observer.RunCompleted(run.Status, completed.Sub(run.StartedAt))
	}

	span.SetAttributes(attribute.String("run.status", string(run.Status)))
	if run.Status == RunStatusSucceeded {
		span.SetStatus(codes.Ok, "")
		logger.Info().Str("status", string(run.Status)).Msg("run completed")
	} else {
		span.SetStatus(codes.Error, string(run.Status))
		logger.Error().Str("status", string(run.Status)).Msg("run halted")
	}

	return run, nil
}

// executeStep applies one step, producing its immutable result.
func (e *Executor) executeStep(ctx context.Context, tracer trace.Tracer, plan *Plan, index int, applied map[string]struct{}) StepResult {
	step := plan.Steps[index]
	result := StepResult{
		StepID:         step.ID,
		IdempotencyKey: step.IdempotencyKey,
		StartedAt:      time.Now().UTC(),
	}
	finish := func() StepResult {
		result.CompletedAt = time.Now().UTC()
		return result
	}

	ctx, span := tracer.Start(ctx, "step.apply", trace.WithAttributes(
		attribute.String("step.id", step.ID),
		attribute.String("step.op", string(step.Op)),
		attribute.String("target", step.Target),
	))
	defer span.End()

	if _, ok := applied[step.IdempotencyKey]; ok {
		result.Outcome = OutcomeSkippedAlreadyApplied
		return finish()
	}

	target, err := e.targets.Resolve(step.Target)
	if err != nil {
		result.Outcome = OutcomeFailed
		result.Error = NewTargetNotFoundError(step.Target).WithStep(step.ID)
		span.SetStatus(codes.Error, result.Error.Message)
		return finish()
	}
	provider, err := e.providers.ForTarget(target)
	if err != nil {
		result.Outcome = OutcomeFailed
		result.Error = classify(err).WithStep(step.ID)
		span.SetStatus(codes.Error, result.Error.Message)
		return finish()
	}

	// The precondition is re-evaluated against live state when the plan is
	// unverified or the prior step was disruptive; otherwise the plan-time
	// observation still stands.
	if step.Precondition != nil && (plan.Unverified || (index > 0 && plan.Steps[index-1].Disruptive)) {
		if err := e.checkPrecondition(ctx, provider, target, step); err != nil {
			result.Outcome = OutcomeFailed
			result.Error = classify(err).WithStep(step.ID).WithTarget(step.Target)
			span.SetStatus(codes.Error, result.Error.Message)
			return finish()
		}
	}

	applyCtx, cancel := context.WithTimeout(ctx, e.stepTimeout)
	defer cancel()

	applyResult, err := provider.ApplyStep(applyCtx, target, step)
	if err != nil {
		result.Outcome = OutcomeFailed
		result.Error = classify(err).WithStep(step.ID).WithTarget(step.Target)
		span.SetStatus(codes.Error, result.Error.Message)
		return finish()
	}

	result.Outcome = applyResult.Outcome
	result.ObservedState = applyResult.Observed
	span.SetStatus(codes.Ok, "")
	return finish()
}

// checkPrecondition re-inspects live target state and evaluates the step's
// precondition against it.
func (e *Executor) checkPrecondition(ctx context.Context, provider Provider, target *inventory.Target, step Step) error {
	inspectCtx, cancel := context.WithTimeout(ctx, e.stepTimeout)
	defer cancel()

	observed, err := provider.Inspect(inspectCtx, target, step.Service)
	if err != nil && !errors.Is(err, ErrServiceNotFound) {
		return classify(err)
	}
	return step.Precondition.Evaluate(observed)
}

// Rollback walks completed results in reverse from the last completed down to
// uptoIndex (inclusive), invoking each step's rollback operation. It is only
// ever invoked explicitly: a partially applied disruptive change can make
// automatic rollback itself destructive.
func (e *Executor) Rollback(ctx context.Context, plan *Plan, run *Run, uptoIndex int) (*Run, error) {
	if uptoIndex < 0 {
		uptoIndex = 0
	}
	if run.Status.IsActive() {
		return nil, NewValidationError("cannot roll back an active run", nil)
	}

	rollback := &Run{
		ID:        uuid.New().String(),
		PlanID:    plan.ID,
		Status:    RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := e.journal.SaveRun(ctx, rollback); err != nil {
		return nil, fmt.Errorf("persist rollback run: %w", err)
	}

	stepByID := make(map[string]Step, len(plan.Steps))
	for _, s := range plan.Steps {
		stepByID[s.ID] = s
	}

	failed := false
	for i := len(run.Results) - 1; i >= uptoIndex; i-- {
		completed := run.Results[i]
		if !completed.Outcome.OK() {
			continue
		}
		step, ok := stepByID[completed.StepID]
		if !ok {
			return nil, NewValidationError(fmt.Sprintf("run result references unknown step %q", completed.StepID), nil)
		}

		target, err := e.targets.Resolve(step.Target)
		if err != nil {
			return nil, NewTargetNotFoundError(step.Target)
		}
		provider, err := e.providers.ForTarget(target)
		if err != nil {
			return nil, err
		}

		// The state observed before this step is the observation recorded by
		// the step preceding it, if any.
		var before *ServiceState
		if i > 0 {
			before = run.Results[i-1].ObservedState
		}

		result := StepResult{
			StepID:         step.ID,
			IdempotencyKey: step.IdempotencyKey,
			StartedAt:      time.Now().UTC(),
		}

		rbCtx, cancel := context.WithTimeout(ctx, e.stepTimeout)
		applyResult, err := provider.RollbackStep(rbCtx, target, step, before)
		cancel()

		if err != nil {
			result.Outcome = OutcomeFailed
			result.Error = classify(err).WithStep(step.ID).WithTarget(step.Target)
			failed = true
		} else {
			result.Outcome = applyResult.Outcome
			result.ObservedState = applyResult.Observed
		}
		result.CompletedAt = time.Now().UTC()
		rollback.Results = append(rollback.Results, result)
		if err := e.journal.AppendResult(ctx, rollback.ID, result); err != nil {
			return nil, fmt.Errorf("persist rollback result: %w", err)
		}
		if failed {
			break
		}
	}

	if failed {
		rollback.Status = RunStatusPartiallyFailed
	} else {
		rollback.Status = RunStatusSucceeded
	}
	completedAt := time.Now().UTC()
	rollback.CompletedAt = &completedAt
	if err := e.journal.SaveRun(ctx, rollback); err != nil {
		return nil, fmt.Errorf("persist rollback completion: %w", err)
	}
	return rollback, nil
}

// finalStatus derives the terminal run status from the result sequence.
//
// All outcomes OK (or an empty plan) is Succeeded. A failure on the very
// first step with nothing applied is Failed; any later halt, including
// cancellation after completed steps, is PartiallyFailed and resumable.
func finalStatus(plan *Plan, run *Run, halted bool) RunStatus {
	if !halted && len(run.Results) == len(plan.Steps) {
		allOK := true
		for _, r := range run.Results {
			if !r.Outcome.OK() {
				allOK = false
				break
			}
		}
		if allOK {
			return RunStatusSucceeded
		}
	}

	anyOK := false
	for _, r := range run.Results {
		if r.Outcome.OK() {
			anyOK = true
			break
		}
	}
	if !anyOK && len(run.Results) > 0 && run.Results[0].Outcome == OutcomeFailed && len(run.Results) == 1 {
		return RunStatusFailed
	}
	return RunStatusPartiallyFailed
}

// classify converts an arbitrary error into a classified engine error.
// Context deadline errors become provider timeouts; backend errors become
// provider faults with the backend detail preserved verbatim.
func classify(err error) *Error {
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewProviderTimeoutError("timeout", err)
	}
	return NewProviderFaultError("provider call failed", err)
}

// NextAction recommends the user-facing follow-up after a run: resume for
// retry-eligible failures, rollback otherwise. Succeeded runs need nothing.
func NextAction(run *Run) string {
	switch run.Status {
	case RunStatusSucceeded:
		return ""
	case RunStatusFailed, RunStatusPartiallyFailed:
		for _, r := range run.Results {
			if r.Outcome == OutcomeFailed && r.Error != nil && !IsRetryable(r.Error) {
				return "rollback"
			}
		}
		return "resume"
	default:
		return ""
	}
}
