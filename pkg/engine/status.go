package engine

import (
	"encoding/json"
	"fmt"

	"github.com/opendeck/deck/pkg/inventory"
)

// RunStatus represents the overall status of a plan execution run.
type RunStatus string

const (
	// RunStatusPending indicates the run is created but not yet started.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every step succeeded or was already applied.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusPartiallyFailed indicates the run halted after at least one step
	// completed. The run is resumable from the first non-succeeded step.
	RunStatusPartiallyFailed RunStatus = "partially-failed"

	// RunStatusFailed indicates the first step failed and nothing was applied.
	RunStatusFailed RunStatus = "failed"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusPartiallyFailed || s == RunStatusFailed
}

// IsActive returns true if the run is pending or running.
func (s RunStatus) IsActive() bool {
	return s == RunStatusPending || s == RunStatusRunning
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded,
		RunStatusPartiallyFailed, RunStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}

// StepOp represents the provider operation a step will invoke.
type StepOp string

const (
	// OpEnsureEnv reconciles the service environment variables.
	OpEnsureEnv StepOp = "ensure-env"

	// OpEnsureResources reconciles CPU and memory limits.
	OpEnsureResources StepOp = "ensure-resources"

	// OpEnsurePorts reconciles exposed ports. Changing ports requires a
	// restart of the workload and is therefore disruptive.
	OpEnsurePorts StepOp = "ensure-ports"

	// OpEnsureImage swaps the running image/version reference.
	OpEnsureImage StepOp = "ensure-image"

	// OpEnsureReplicas reconciles the replica count.
	OpEnsureReplicas StepOp = "ensure-replicas"

	// OpExport produces a backup artifact of the service on the source target.
	OpExport StepOp = "export"

	// OpTransfer moves an opaque artifact reference between targets.
	OpTransfer StepOp = "transfer"

	// OpTeardown removes the service from a target. Never emitted implicitly.
	OpTeardown StepOp = "teardown"

	// OpExec runs an opaque command payload on the target.
	OpExec StepOp = "exec"
)

// Validate checks if the step operation is valid.
func (o StepOp) Validate() error {
	switch o {
	case OpEnsureEnv, OpEnsureResources, OpEnsurePorts, OpEnsureImage,
		OpEnsureReplicas, OpExport, OpTransfer, OpTeardown, OpExec:
		return nil
	default:
		return fmt.Errorf("invalid step operation: %s", o)
	}
}

// Outcome represents the result of applying a single step.
type Outcome string

const (
	// OutcomeSucceeded indicates the step was applied.
	OutcomeSucceeded Outcome = "succeeded"

	// OutcomeFailed indicates the step failed.
	OutcomeFailed Outcome = "failed"

	// OutcomeSkippedAlreadyApplied indicates the provider or journal detected
	// the step's idempotency key as already applied.
	OutcomeSkippedAlreadyApplied Outcome = "skipped-already-applied"
)

// OK returns true for outcomes that count as applied.
func (o Outcome) OK() bool {
	return o == OutcomeSucceeded || o == OutcomeSkippedAlreadyApplied
}

// Validate checks if the outcome is valid.
func (o Outcome) Validate() error {
	switch o {
	case OutcomeSucceeded, OutcomeFailed, OutcomeSkippedAlreadyApplied:
		return nil
	default:
		return fmt.Errorf("invalid outcome: %s", o)
	}
}

// RequiredCapability maps a step operation to the capability a target must
// advertise for the planner to emit it.
func RequiredCapability(op StepOp) inventory.Capability {
	switch op {
	case OpEnsureReplicas:
		return inventory.CapabilityScale
	case OpExport:
		return inventory.CapabilityExport
	case OpTransfer:
		return inventory.CapabilityTransfer
	default:
		return inventory.CapabilityApply
	}
}
