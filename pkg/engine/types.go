package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// ServiceState describes the deployed (or desired) shape of a service on a
// target. It is the unit the planner diffs: each differing attribute group
// becomes one step.
type ServiceState struct {
	// Image is the image or version reference the service runs.
	Image string `json:"image"`

	// Replicas is the desired or observed replica count.
	Replicas int `json:"replicas"`

	// Env is the environment of the service.
	Env map[string]string `json:"env,omitempty"`

	// Ports are the exposed ports.
	Ports []PortMapping `json:"ports,omitempty"`

	// Resources are the CPU/memory limits.
	Resources ResourceLimits `json:"resources"`
}

// PortMapping describes one exposed port.
type PortMapping struct {
	// ContainerPort is the port the service listens on.
	ContainerPort int `json:"container_port"`

	// HostPort is the port published on the target, 0 for unpublished.
	HostPort int `json:"host_port,omitempty"`

	// Protocol is "tcp" or "udp"; empty means tcp.
	Protocol string `json:"protocol,omitempty"`
}

// ResourceLimits describes CPU and memory limits for a service.
type ResourceLimits struct {
	// CPUMillis is the CPU limit in millicores, 0 for unlimited.
	CPUMillis int `json:"cpu_millis,omitempty"`

	// MemoryMB is the memory limit in MiB, 0 for unlimited.
	MemoryMB int `json:"memory_mb,omitempty"`
}

// Equal reports whether two states are identical per attribute group.
func (s *ServiceState) Equal(other *ServiceState) bool {
	if s == nil || other == nil {
		return s == other
	}
	return s.Image == other.Image &&
		s.Replicas == other.Replicas &&
		envEqual(s.Env, other.Env) &&
		portsEqual(s.Ports, other.Ports) &&
		s.Resources == other.Resources
}

func envEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

func portsEqual(a, b []PortMapping) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[PortMapping]int, len(a))
	for _, p := range a {
		seen[p.normalized()]++
	}
	for _, p := range b {
		seen[p.normalized()]--
	}
	for _, n := range seen {
		if n != 0 {
			return false
		}
	}
	return true
}

func (p PortMapping) normalized() PortMapping {
	if p.Protocol == "" {
		p.Protocol = "tcp"
	}
	return p
}

// Precondition is a predicate over observed target state, re-evaluated by the
// executor before disruptive steps and for unverified plans.
type Precondition struct {
	// Description is a human-readable statement of what must hold.
	Description string `json:"description"`

	// Field selects the observed attribute: "exists", "image" or "replicas".
	Field string `json:"field"`

	// Equals is the expected value, rendered as a string.
	Equals string `json:"equals,omitempty"`
}

// Evaluate checks the precondition against an observed state. A nil state
// satisfies only the "exists=false" predicate.
func (p *Precondition) Evaluate(observed *ServiceState) error {
	if p == nil {
		return nil
	}
	switch p.Field {
	case "exists":
		want := p.Equals == "true"
		got := observed != nil
		if want != got {
			return NewPreconditionFailedError(
				fmt.Sprintf("expected service exists=%v, observed exists=%v", want, got), nil)
		}
	case "image":
		if observed == nil {
			return NewPreconditionFailedError("service no longer present on target", nil)
		}
		if observed.Image != p.Equals {
			return NewPreconditionFailedError(
				fmt.Sprintf("expected image %q, observed %q", p.Equals, observed.Image), nil)
		}
	case "replicas":
		if observed == nil {
			return NewPreconditionFailedError("service no longer present on target", nil)
		}
		if fmt.Sprintf("%d", observed.Replicas) != p.Equals {
			return NewPreconditionFailedError(
				fmt.Sprintf("expected replicas %s, observed %d", p.Equals, observed.Replicas), nil)
		}
	default:
		return NewValidationError(fmt.Sprintf("unknown precondition field %q", p.Field), nil)
	}
	return nil
}

// Step is one atomic provider operation within a plan. Steps are immutable
// once the plan is produced.
type Step struct {
	// ID is the unique identifier of the step within its plan.
	ID string `json:"id"`

	// Op is the provider operation this step invokes.
	Op StepOp `json:"op"`

	// Target is the name of the target the step applies to.
	Target string `json:"target"`

	// Service is the service the step operates on.
	Service string `json:"service"`

	// Payload is the operation-specific payload.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Precondition must hold immediately before the step is applied.
	Precondition *Precondition `json:"precondition,omitempty"`

	// IdempotencyKey is deterministic from (op, target, service, payload) so an
	// unchanged plan re-applied after partial failure produces identical keys.
	IdempotencyKey string `json:"idempotency_key"`

	// Disruptive marks steps that degrade availability while applying (image
	// swap, scale-down, port changes). The executor re-verifies preconditions
	// after a disruptive step.
	Disruptive bool `json:"disruptive"`
}

// IdempotencyKey computes the deterministic key for a step's identifying
// fields. Payload marshaling is deterministic (JSON object keys are sorted),
// so equal steps always hash equal.
func IdempotencyKey(op StepOp, target, service string, payload []byte) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|", op, target, service)
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// NewStep builds a step with its idempotency key derived from the payload.
// The payload must be JSON-marshalable.
func NewStep(op StepOp, target, service string, payload interface{}) (Step, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Step{}, NewValidationError("marshal step payload", err)
		}
		raw = b
	}
	key := IdempotencyKey(op, target, service, raw)
	return Step{
		ID:             fmt.Sprintf("%s/%s/%s", target, service, op),
		Op:             op,
		Target:         target,
		Service:        service,
		Payload:        raw,
		IdempotencyKey: key,
	}, nil
}

// Plan is an immutable ordered sequence of steps transforming a service's
// current state toward its desired state on one target.
type Plan struct {
	// ID is the unique identifier for this plan.
	ID string `json:"id"`

	// Service is the service the plan deploys.
	Service string `json:"service"`

	// Target is the target the plan applies to.
	Target string `json:"target"`

	// Steps are executed strictly in order.
	Steps []Step `json:"steps"`

	// CreatedAt is when the plan was produced.
	CreatedAt time.Time `json:"created_at"`

	// Unverified is set when the target was unreachable at plan time. The
	// executor must then re-check every precondition immediately before each
	// apply.
	Unverified bool `json:"unverified"`

	// Desired is the desired state the plan converges toward.
	Desired ServiceState `json:"desired"`
}

// Empty reports whether the plan has no steps (planning is idempotent: desired
// state equal to observed state yields an empty plan, not an error).
func (p *Plan) Empty() bool {
	return len(p.Steps) == 0
}

// StepResult records the outcome of applying one step. Results are appended
// during a run and never mutated afterwards; the result sequence is the audit
// trail.
type StepResult struct {
	// StepID references the step this result belongs to.
	StepID string `json:"step_id"`

	// IdempotencyKey mirrors the step's key for resume detection.
	IdempotencyKey string `json:"idempotency_key"`

	// Outcome is succeeded, failed or skipped-already-applied.
	Outcome Outcome `json:"outcome"`

	// ObservedState is the state observed after the step, if available.
	ObservedState *ServiceState `json:"observed_state,omitempty"`

	// Error is the error detail if the outcome is failed.
	Error *Error `json:"error,omitempty"`

	// StartedAt is when the step started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the step completed.
	CompletedAt time.Time `json:"completed_at"`
}

// Run is one execution of a plan with its append-only result sequence.
type Run struct {
	// ID is the unique identifier for this run.
	ID string `json:"id"`

	// PlanID references the executed plan.
	PlanID string `json:"plan_id"`

	// Status is the run's state machine position.
	Status RunStatus `json:"status"`

	// Results holds one entry per attempted step, in plan order.
	Results []StepResult `json:"results"`

	// StartedAt is when the run started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run reached a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Summary counts run results by outcome.
func (r *Run) Summary() RunSummary {
	s := RunSummary{Total: len(r.Results)}
	for _, res := range r.Results {
		switch res.Outcome {
		case OutcomeSucceeded:
			s.Succeeded++
		case OutcomeFailed:
			s.Failed++
		case OutcomeSkippedAlreadyApplied:
			s.Skipped++
		}
	}
	return s
}

// RunSummary provides statistics about a run.
type RunSummary struct {
	// Total is the number of attempted steps.
	Total int `json:"total"`

	// Succeeded is the number of applied steps.
	Succeeded int `json:"succeeded"`

	// Failed is the number of failed steps.
	Failed int `json:"failed"`

	// Skipped is the number of steps detected as already applied.
	Skipped int `json:"skipped"`
}

// MigrationPlan composes a source export plan, a transfer step and a
// destination apply plan. The coordinator exclusively owns the inner plans.
type MigrationPlan struct {
	// ID is the unique identifier for this migration.
	ID string `json:"id"`

	// Service is the migrated service.
	Service string `json:"service"`

	// Source exports/backs up the service on the source target.
	Source Plan `json:"source"`

	// Transfer moves the artifact reference from source to destination. It
	// cannot execute until every source step reports succeeded or
	// skipped-already-applied.
	Transfer Step `json:"transfer"`

	// Destination applies the service on the destination target using the
	// transferred artifact as the new image/version reference.
	Destination Plan `json:"destination"`

	// Teardown optionally removes the service from the source target. It is
	// never implicit: it runs only after an explicit request and a confirming
	// destination probe.
	Teardown *Step `json:"teardown,omitempty"`

	// CreatedAt is when the migration plan was composed.
	CreatedAt time.Time `json:"created_at"`
}

// Payload types for the step operations.

// EnvPayload is the payload for ensure-env steps. Desired carries the full
// desired state for providers that must recreate the workload to change its
// environment.
type EnvPayload struct {
	Env map[string]string `json:"env"`

	Desired ServiceState `json:"desired"`
}

// ResourcesPayload is the payload for ensure-resources steps.
type ResourcesPayload struct {
	Resources ResourceLimits `json:"resources"`
}

// PortsPayload is the payload for ensure-ports steps.
type PortsPayload struct {
	Ports []PortMapping `json:"ports"`

	Desired ServiceState `json:"desired"`
}

// ImagePayload is the payload for ensure-image steps.
type ImagePayload struct {
	Image string `json:"image"`

	// PreviousImage is the image observed at plan time, used by rollback.
	PreviousImage string `json:"previous_image,omitempty"`

	Desired ServiceState `json:"desired"`
}

// ReplicasPayload is the payload for ensure-replicas steps.
type ReplicasPayload struct {
	Replicas int `json:"replicas"`

	// PreviousReplicas is the count observed at plan time, used by rollback.
	PreviousReplicas int `json:"previous_replicas,omitempty"`

	Desired ServiceState `json:"desired"`
}

// ExportPayload is the payload for export steps. The artifact reference is
// opaque to the engine.
type ExportPayload struct {
	// Repository is the backup repository the artifact is written to.
	Repository string `json:"repository,omitempty"`

	// ArtifactRef is the deterministic reference the export produces.
	ArtifactRef string `json:"artifact_ref"`

	// Includes and Excludes scope the exported paths for shell targets.
	Includes []string `json:"includes,omitempty"`
	Excludes []string `json:"excludes,omitempty"`
}

// TransferPayload is the payload for transfer steps.
type TransferPayload struct {
	// ArtifactRef is the opaque artifact reference produced by the export.
	ArtifactRef string `json:"artifact_ref"`

	// SourceTarget is the target holding the artifact.
	SourceTarget string `json:"source_target"`
}

// TeardownPayload is the payload for teardown steps.
type TeardownPayload struct {
	// Confirmed records that destination health was probed before teardown.
	Confirmed bool `json:"confirmed"`
}

// ExecPayload is the payload for exec steps on remote-shell targets. The
// command is opaque to the engine.
type ExecPayload struct {
	Command string `json:"command"`
}
