package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/opendeck/deck/pkg/inventory"
)

// Provider is the capability interface every backend kind implements. It is
// the engine's only boundary to the outside world.
//
// ApplyStep is the only operation with side effects on the remote target. It
// must be safe to invoke twice with the same idempotency key: either the
// operation is naturally idempotent ("ensure replica count = N") or the
// provider tracks applied keys and returns skipped-already-applied.
type Provider interface {
	// Kind returns the target kind this provider serves.
	Kind() inventory.TargetKind

	// Capabilities returns the default capability set for targets of this
	// kind. A target may advertise a reduced set in the inventory.
	Capabilities() inventory.CapabilitySet

	// Probe checks reachability of the target. It never returns an error:
	// unreachability is reported in the result.
	Probe(ctx context.Context, t *inventory.Target) inventory.ProbeResult

	// Inspect returns the currently deployed state of the service on the
	// target, or ErrServiceNotFound if the service does not exist there.
	Inspect(ctx context.Context, t *inventory.Target, service string) (*ServiceState, error)

	// Render returns a human-readable description of what applying the step
	// would do, for plan output.
	Render(ctx context.Context, t *inventory.Target, step Step) (string, error)

	// ApplyStep applies one step. Idempotent by the step's idempotency key.
	ApplyStep(ctx context.Context, t *inventory.Target, step Step) (*ApplyResult, error)

	// RollbackStep reverts one previously applied step using the state
	// observed before it ran.
	RollbackStep(ctx context.Context, t *inventory.Target, step Step, before *ServiceState) (*ApplyResult, error)
}

// DesiredStateValidator is an optional provider extension. When a provider
// implements it, the planner consults it before composing a plan, so a
// desired state the backend can never satisfy fails at plan time instead of
// mid-apply.
type DesiredStateValidator interface {
	ValidateDesired(t *inventory.Target, desired ServiceState) error
}

// ApplyResult is the provider-level outcome of an apply or rollback call.
type ApplyResult struct {
	// Outcome is succeeded or skipped-already-applied; failures are returned
	// as errors and classified by the executor.
	Outcome Outcome `json:"outcome"`

	// Observed is the service state after the operation, when available.
	Observed *ServiceState `json:"observed,omitempty"`

	// Detail is backend-reported detail about what was done.
	Detail string `json:"detail,omitempty"`
}

// ProviderRegistry resolves a target to the provider for its kind. Dispatch
// is bound at registration time, not per-call.
type ProviderRegistry struct {
	mu        sync.RWMutex
	providers map[inventory.TargetKind]Provider
}

// NewProviderRegistry creates an empty provider registry.
func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		providers: make(map[inventory.TargetKind]Provider),
	}
}

// Register binds a provider to its target kind, replacing any previous one.
func (r *ProviderRegistry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Kind()] = p
}

// ForTarget returns the provider serving the target's kind.
func (r *ProviderRegistry) ForTarget(t *inventory.Target) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[t.Kind]
	if !ok {
		return nil, NewValidationError(
			fmt.Sprintf("no provider registered for target kind %q", t.Kind), nil).
			WithTarget(t.Name)
	}
	return p, nil
}

// CapabilitiesFor returns the effective capability set for a target: the
// inventory override when present, otherwise the provider default.
func (r *ProviderRegistry) CapabilitiesFor(t *inventory.Target) inventory.CapabilitySet {
	if len(t.Capabilities) > 0 {
		return t.Capabilities
	}
	p, err := r.ForTarget(t)
	if err != nil {
		return inventory.NewCapabilitySet()
	}
	return p.Capabilities()
}

// ProbeTarget implements inventory.Prober by dispatching on target kind.
// An unregistered kind reports unreachable, never an error.
func (r *ProviderRegistry) ProbeTarget(ctx context.Context, t *inventory.Target) inventory.ProbeResult {
	p, err := r.ForTarget(t)
	if err != nil {
		return inventory.ProbeResult{
			Target:    t.Name,
			Reachable: false,
			Detail:    err.Error(),
		}
	}
	return p.Probe(ctx, t)
}
