package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/opendeck/deck/pkg/inventory"
)

// Planner computes the minimal ordered step sequence transforming a service's
// observed state into its desired state on one target.
//
// Ordering invariant: non-disruptive changes (environment, resource limits)
// precede disruptive changes (port changes, image swap, replica scale-down) to
// minimize the window of degraded availability.
type Planner struct {
	providers *ProviderRegistry
}

// NewPlanner creates a planner backed by the provider registry.
func NewPlanner(providers *ProviderRegistry) *Planner {
	return &Planner{providers: providers}
}

// Plan inspects the target and produces an immutable plan for the service.
//
// If the target is unreachable at plan time the plan is still produced, under
// the Unverified flag: the executor must then re-check live state immediately
// before each apply. Desired state equal to observed state yields an empty
// plan, not an error.
func (p *Planner) Plan(ctx context.Context, t *inventory.Target, service string, desired ServiceState) (*Plan, error) {
	if err := validateDesired(&desired); err != nil {
		return nil, err
	}

	provider, err := p.providers.ForTarget(t)
	if err != nil {
		return nil, err
	}

	// Backend-specific limits fail here, before any step exists to apply.
	if v, ok := provider.(DesiredStateValidator); ok {
		if err := v.ValidateDesired(t, desired); err != nil {
			return nil, err
		}
	}

	observed, unverified, err := p.observe(ctx, provider, t, service)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		ID:         uuid.New().String(),
		Service:    service,
		Target:     t.Name,
		CreatedAt:  time.Now().UTC(),
		Unverified: unverified,
		Desired:    desired,
	}

	steps, err := diffSteps(t.Name, service, desired, observed, unverified)
	if err != nil {
		return nil, err
	}

	// Capability check happens at plan time so a capability mismatch can
	// never cause side effects at apply time.
	caps := p.providers.CapabilitiesFor(t)
	for _, s := range steps {
		if !caps.Has(RequiredCapability(s.Op)) {
			return nil, NewUnsupportedOperationError(t.Name, s.Op).WithStep(s.ID)
		}
	}
	plan.Steps = steps

	log.Debug().
		Str("plan_id", plan.ID).
		Str("service", service).
		Str("target", t.Name).
		Int("steps", len(plan.Steps)).
		Bool("unverified", plan.Unverified).
		Msg("plan produced")

	return plan, nil
}

// observe inspects current state, classifying the three outcomes: state
// known, service absent (nil state) and target unavailable (unverified).
func (p *Planner) observe(ctx context.Context, provider Provider, t *inventory.Target, service string) (*ServiceState, bool, error) {
	observed, err := provider.Inspect(ctx, t, service)
	if err == nil {
		return observed, false, nil
	}
	if errors.Is(err, ErrServiceNotFound) {
		return nil, false, nil
	}

	log.Warn().
		Str("target", t.Name).
		Str("service", service).
		Err(err).
		Msg("target state unavailable at plan time, producing unverified plan")
	return nil, true, nil
}

// diffSteps emits one step per differing attribute group, in the fixed
// non-disruptive-first order.
func diffSteps(target, service string, desired ServiceState, observed *ServiceState, unverified bool) ([]Step, error) {
	if !unverified && desired.Equal(observed) {
		return nil, nil
	}

	var steps []Step
	add := func(op StepOp, payload interface{}, pre *Precondition, disruptive bool) error {
		step, err := NewStep(op, target, service, payload)
		if err != nil {
			return err
		}
		if unverified {
			// Preconditions computed against stale or absent state would be
			// meaningless; the ensure semantics of each operation carry the
			// convergence instead.
			pre = nil
		}
		step.Precondition = pre
		step.Disruptive = disruptive
		steps = append(steps, step)
		return nil
	}

	exists := observed != nil
	creating := !exists && !unverified

	if unverified || !exists || !envEqual(desired.Env, observed.Env) {
		pre := &Precondition{Description: "service exists on target", Field: "exists", Equals: "true"}
		if creating {
			pre = &Precondition{Description: "service absent on target", Field: "exists", Equals: "false"}
		}
		if err := add(OpEnsureEnv, EnvPayload{Env: desired.Env, Desired: desired}, pre, false); err != nil {
			return nil, err
		}
	}

	if unverified || !exists || desired.Resources != observed.Resources {
		if err := add(OpEnsureResources, ResourcesPayload{Resources: desired.Resources}, nil, false); err != nil {
			return nil, err
		}
	}

	if unverified || !exists || !portsEqual(desired.Ports, observed.Ports) {
		if err := add(OpEnsurePorts, PortsPayload{Ports: desired.Ports, Desired: desired}, nil, true); err != nil {
			return nil, err
		}
	}

	if unverified || !exists || desired.Image != observed.Image {
		payload := ImagePayload{Image: desired.Image, Desired: desired}
		var pre *Precondition
		if exists {
			payload.PreviousImage = observed.Image
			pre = &Precondition{
				Description: fmt.Sprintf("image is still %q", observed.Image),
				Field:       "image",
				Equals:      observed.Image,
			}
		}
		if err := add(OpEnsureImage, payload, pre, true); err != nil {
			return nil, err
		}
	}

	if unverified || !exists || desired.Replicas != observed.Replicas {
		payload := ReplicasPayload{Replicas: desired.Replicas, Desired: desired}
		var pre *Precondition
		scaleDown := false
		if exists {
			payload.PreviousReplicas = observed.Replicas
			scaleDown = desired.Replicas < observed.Replicas
			pre = &Precondition{
				Description: fmt.Sprintf("replica count is still %d", observed.Replicas),
				Field:       "replicas",
				Equals:      fmt.Sprintf("%d", observed.Replicas),
			}
		}
		if err := add(OpEnsureReplicas, payload, pre, scaleDown); err != nil {
			return nil, err
		}
	}

	return steps, nil
}

func validateDesired(s *ServiceState) error {
	if s.Image == "" {
		return NewValidationError("desired state requires an image reference", nil)
	}
	if s.Replicas < 0 {
		return NewValidationError(fmt.Sprintf("desired replica count must be >= 0, got %d", s.Replicas), nil)
	}
	for _, pm := range s.Ports {
		if pm.ContainerPort <= 0 || pm.ContainerPort > 65535 {
			return NewValidationError(fmt.Sprintf("invalid container port %d", pm.ContainerPort), nil)
		}
	}
	return nil
}
