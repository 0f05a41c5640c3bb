package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/opendeck/deck/pkg/inventory"
)

// Fake provider for testing. State is held per target and service and
// mutated granularly per step operation.
type fakeProvider struct {
	mu          sync.Mutex
	kind        inventory.TargetKind
	caps        inventory.CapabilitySet
	states      map[string]map[string]*ServiceState
	unreachable map[string]bool
	inspectErr  error
	failOps     map[StepOp]error
	applyDelay  time.Duration
	onApply     func(step Step)
	applied     []string
}

func newFakeProvider(kind inventory.TargetKind) *fakeProvider {
	return &fakeProvider{
		kind: kind,
		caps: inventory.NewCapabilitySet(
			inventory.CapabilityProbe, inventory.CapabilityInspect,
			inventory.CapabilityRender, inventory.CapabilityApply,
			inventory.CapabilityRollback, inventory.CapabilityExport,
			inventory.CapabilityTransfer, inventory.CapabilityScale,
		),
		states:      make(map[string]map[string]*ServiceState),
		unreachable: make(map[string]bool),
		failOps:     make(map[StepOp]error),
	}
}

func (f *fakeProvider) setState(target, service string, state *ServiceState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.states[target] == nil {
		f.states[target] = make(map[string]*ServiceState)
	}
	f.states[target][service] = state
}

func (f *fakeProvider) getState(target, service string) *ServiceState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[target][service]
}

func (f *fakeProvider) appliedOps() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.applied...)
}

func (f *fakeProvider) Kind() inventory.TargetKind { return f.kind }

func (f *fakeProvider) Capabilities() inventory.CapabilitySet { return f.caps }

func (f *fakeProvider) Probe(ctx context.Context, t *inventory.Target) inventory.ProbeResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unreachable[t.Name] {
		return inventory.ProbeResult{Target: t.Name, Reachable: false, Detail: "connection refused"}
	}
	return inventory.ProbeResult{Target: t.Name, Reachable: true, Capabilities: f.caps}
}

func (f *fakeProvider) Inspect(ctx context.Context, t *inventory.Target, service string) (*ServiceState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inspectErr != nil {
		return nil, f.inspectErr
	}
	if f.unreachable[t.Name] {
		return nil, fmt.Errorf("dial %s: connection refused", t.Name)
	}
	st := f.states[t.Name][service]
	if st == nil {
		return nil, ErrServiceNotFound
	}
	copied := *st
	return &copied, nil
}

func (f *fakeProvider) Render(ctx context.Context, t *inventory.Target, step Step) (string, error) {
	return fmt.Sprintf("%s %s on %s", step.Op, step.Service, t.Name), nil
}

func (f *fakeProvider) ApplyStep(ctx context.Context, t *inventory.Target, step Step) (*ApplyResult, error) {
	if f.applyDelay > 0 {
		select {
		case <-time.After(f.applyDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	f.applied = append(f.applied, step.ID)
	failErr := f.failOps[step.Op]
	f.mu.Unlock()

	if failErr != nil {
		return nil, failErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.states[t.Name] == nil {
		f.states[t.Name] = make(map[string]*ServiceState)
	}
	st := f.states[t.Name][step.Service]
	if st == nil && step.Op != OpTeardown {
		st = &ServiceState{}
		f.states[t.Name][step.Service] = st
	}

	switch step.Op {
	case OpEnsureEnv:
		var p EnvPayload
		if err := json.Unmarshal(step.Payload, &p); err != nil {
			return nil, err
		}
		st.Env = p.Env
	case OpEnsureResources:
		var p ResourcesPayload
		if err := json.Unmarshal(step.Payload, &p); err != nil {
			return nil, err
		}
		st.Resources = p.Resources
	case OpEnsurePorts:
		var p PortsPayload
		if err := json.Unmarshal(step.Payload, &p); err != nil {
			return nil, err
		}
		st.Ports = p.Ports
	case OpEnsureImage:
		var p ImagePayload
		if err := json.Unmarshal(step.Payload, &p); err != nil {
			return nil, err
		}
		st.Image = p.Image
	case OpEnsureReplicas:
		var p ReplicasPayload
		if err := json.Unmarshal(step.Payload, &p); err != nil {
			return nil, err
		}
		st.Replicas = p.Replicas
	case OpExport, OpTransfer, OpExec:
		// No state change.
	case OpTeardown:
		delete(f.states[t.Name], step.Service)
		st = nil
	}

	if f.onApply != nil {
		f.onApply(step)
	}

	var observed *ServiceState
	if st != nil {
		copied := *st
		observed = &copied
	}
	return &ApplyResult{Outcome: OutcomeSucceeded, Observed: observed}, nil
}

func (f *fakeProvider) RollbackStep(ctx context.Context, t *inventory.Target, step Step, before *ServiceState) (*ApplyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, "rollback:"+step.ID)
	if f.states[t.Name] == nil {
		f.states[t.Name] = make(map[string]*ServiceState)
	}
	if before == nil {
		delete(f.states[t.Name], step.Service)
		return &ApplyResult{Outcome: OutcomeSucceeded}, nil
	}
	copied := *before
	f.states[t.Name][step.Service] = &copied
	observed := copied
	return &ApplyResult{Outcome: OutcomeSucceeded, Observed: &observed}, nil
}

func testTarget(name string, kind inventory.TargetKind) inventory.Target {
	return inventory.Target{Name: name, Kind: kind}
}

func testDesired() ServiceState {
	return ServiceState{
		Image:    "registry.example.com/web:1.4.0",
		Replicas: 2,
		Env:      map[string]string{"LOG_LEVEL": "info"},
		Ports:    []PortMapping{{ContainerPort: 8080, HostPort: 80}},
		Resources: ResourceLimits{
			CPUMillis: 500,
			MemoryMB:  256,
		},
	}
}

func newTestPlanner(provider Provider) (*Planner, *ProviderRegistry) {
	registry := NewProviderRegistry()
	registry.Register(provider)
	return NewPlanner(registry), registry
}

// validatingProvider is a fakeProvider with a backend-specific desired-state
// limit, the way the remote-shell provider caps replicas.
type validatingProvider struct {
	*fakeProvider
	rejection error
}

func (v *validatingProvider) ValidateDesired(t *inventory.Target, desired ServiceState) error {
	if desired.Replicas > 1 {
		return v.rejection
	}
	return nil
}

func TestPlanRejectedByProviderValidation(t *testing.T) {
	inner := newFakeProvider(inventory.KindRemoteShell)
	provider := &validatingProvider{
		fakeProvider: inner,
		rejection:    NewValidationError("remote-shell targets run at most one replica", nil),
	}
	planner, _ := newTestPlanner(provider)
	target := testTarget("legacy-host", inventory.KindRemoteShell)

	_, err := planner.Plan(context.Background(), &target, "web", testDesired())
	var engineErr *Error
	if !errors.As(err, &engineErr) || engineErr.Kind != ErrorKindValidation {
		t.Fatalf("Expected validation error at plan time, got %v", err)
	}
	if len(inner.appliedOps()) != 0 {
		t.Errorf("Plan-time rejection caused side effects: %v", inner.appliedOps())
	}

	desired := testDesired()
	desired.Replicas = 1
	plan, err := planner.Plan(context.Background(), &target, "web", desired)
	if err != nil {
		t.Fatalf("Plan failed for satisfiable state: %v", err)
	}
	if len(plan.Steps) == 0 {
		t.Error("Expected steps for absent service")
	}
}

func TestPlanEmptyWhenStateMatches(t *testing.T) {
	provider := newFakeProvider(inventory.KindContainerRuntime)
	desired := testDesired()
	observed := desired
	provider.setState("docker-01", "web", &observed)

	planner, _ := newTestPlanner(provider)
	target := testTarget("docker-01", inventory.KindContainerRuntime)

	plan, err := planner.Plan(context.Background(), &target, "web", desired)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if !plan.Empty() {
		t.Errorf("Expected empty plan, got %d steps", len(plan.Steps))
	}

	// Planning is idempotent: a second call yields an empty plan again.
	plan2, err := planner.Plan(context.Background(), &target, "web", desired)
	if err != nil {
		t.Fatalf("Second Plan failed: %v", err)
	}
	if !plan2.Empty() {
		t.Errorf("Expected second plan to be empty, got %d steps", len(plan2.Steps))
	}
}

func TestPlanCreateEmitsAllGroupsInOrder(t *testing.T) {
	provider := newFakeProvider(inventory.KindContainerRuntime)
	planner, _ := newTestPlanner(provider)
	target := testTarget("docker-01", inventory.KindContainerRuntime)

	plan, err := planner.Plan(context.Background(), &target, "web", testDesired())
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	wantOps := []StepOp{OpEnsureEnv, OpEnsureResources, OpEnsurePorts, OpEnsureImage, OpEnsureReplicas}
	if len(plan.Steps) != len(wantOps) {
		t.Fatalf("Expected %d steps, got %d", len(wantOps), len(plan.Steps))
	}
	for i, op := range wantOps {
		if plan.Steps[i].Op != op {
			t.Errorf("Step %d: expected op %s, got %s", i, op, plan.Steps[i].Op)
		}
	}

	// Creating a service: the first step asserts it is still absent.
	pre := plan.Steps[0].Precondition
	if pre == nil || pre.Field != "exists" || pre.Equals != "false" {
		t.Errorf("Expected exists=false precondition on first step, got %+v", pre)
	}

	// Non-disruptive steps precede disruptive ones.
	seenDisruptive := false
	for i, s := range plan.Steps {
		if s.Disruptive {
			seenDisruptive = true
		} else if seenDisruptive {
			t.Errorf("Non-disruptive step %d (%s) follows a disruptive step", i, s.Op)
		}
	}
}

func TestPlanReplicaScaleOnly(t *testing.T) {
	provider := newFakeProvider(inventory.KindClusterOrchestrator)
	desired := testDesired()
	desired.Replicas = 3
	observed := testDesired()
	observed.Replicas = 1
	provider.setState("k8s-prod", "web", &observed)

	planner, _ := newTestPlanner(provider)
	target := testTarget("k8s-prod", inventory.KindClusterOrchestrator)

	plan, err := planner.Plan(context.Background(), &target, "web", desired)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(plan.Steps) != 1 {
		t.Fatalf("Expected exactly 1 step, got %d", len(plan.Steps))
	}
	step := plan.Steps[0]
	if step.Op != OpEnsureReplicas {
		t.Errorf("Expected ensure-replicas, got %s", step.Op)
	}
	if step.Disruptive {
		t.Error("Scale-up should not be disruptive")
	}
	if step.Precondition == nil || step.Precondition.Field != "replicas" || step.Precondition.Equals != "1" {
		t.Errorf("Expected replicas=1 precondition, got %+v", step.Precondition)
	}
}

func TestPlanScaleDownIsDisruptive(t *testing.T) {
	provider := newFakeProvider(inventory.KindClusterOrchestrator)
	desired := testDesired()
	desired.Replicas = 1
	observed := testDesired()
	observed.Replicas = 3
	provider.setState("k8s-prod", "web", &observed)

	planner, _ := newTestPlanner(provider)
	target := testTarget("k8s-prod", inventory.KindClusterOrchestrator)

	plan, err := planner.Plan(context.Background(), &target, "web", desired)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(plan.Steps) != 1 || !plan.Steps[0].Disruptive {
		t.Errorf("Expected a single disruptive scale-down step, got %+v", plan.Steps)
	}
}

func TestPlanUnverifiedWhenTargetUnreachable(t *testing.T) {
	provider := newFakeProvider(inventory.KindContainerRuntime)
	provider.inspectErr = errors.New("dial tcp 10.0.0.2:2376: connect: connection refused")

	planner, _ := newTestPlanner(provider)
	target := testTarget("node-docker-02", inventory.KindContainerRuntime)

	plan, err := planner.Plan(context.Background(), &target, "web", testDesired())
	if err != nil {
		t.Fatalf("Expected unverified plan, got error: %v", err)
	}
	if !plan.Unverified {
		t.Error("Expected plan to be marked unverified")
	}
	if len(plan.Steps) != 5 {
		t.Errorf("Expected all 5 attribute groups in unverified plan, got %d", len(plan.Steps))
	}
	for _, s := range plan.Steps {
		if s.Precondition != nil {
			t.Errorf("Unverified plan step %s carries a plan-time precondition", s.ID)
		}
	}
}

func TestPlanCapabilityMismatchBeforeSideEffects(t *testing.T) {
	provider := newFakeProvider(inventory.KindRemoteShell)
	observed := testDesired()
	observed.Replicas = 1
	provider.setState("legacy-host", "web", &observed)

	planner, _ := newTestPlanner(provider)
	target := testTarget("legacy-host", inventory.KindRemoteShell)
	target.Capabilities = inventory.NewCapabilitySet(
		inventory.CapabilityProbe, inventory.CapabilityInspect, inventory.CapabilityApply,
	)

	desired := testDesired()
	desired.Replicas = 3

	_, err := planner.Plan(context.Background(), &target, "web", desired)
	if !IsUnsupportedOperation(err) {
		t.Fatalf("Expected unsupported-operation error, got %v", err)
	}
	if len(provider.appliedOps()) != 0 {
		t.Errorf("Capability mismatch caused side effects: %v", provider.appliedOps())
	}
}

func TestPlanIdempotencyKeysDeterministic(t *testing.T) {
	provider := newFakeProvider(inventory.KindContainerRuntime)
	planner, _ := newTestPlanner(provider)
	target := testTarget("docker-01", inventory.KindContainerRuntime)

	plan1, err := planner.Plan(context.Background(), &target, "web", testDesired())
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	plan2, err := planner.Plan(context.Background(), &target, "web", testDesired())
	if err != nil {
		t.Fatalf("Second Plan failed: %v", err)
	}

	if plan1.ID == plan2.ID {
		t.Error("Expected distinct plan IDs")
	}
	if len(plan1.Steps) != len(plan2.Steps) {
		t.Fatalf("Expected identical step counts, got %d vs %d", len(plan1.Steps), len(plan2.Steps))
	}
	for i := range plan1.Steps {
		if plan1.Steps[i].IdempotencyKey != plan2.Steps[i].IdempotencyKey {
			t.Errorf("Step %d: idempotency keys differ across identical plans", i)
		}
	}
}

func TestPlanValidatesDesiredState(t *testing.T) {
	provider := newFakeProvider(inventory.KindContainerRuntime)
	planner, _ := newTestPlanner(provider)
	target := testTarget("docker-01", inventory.KindContainerRuntime)

	cases := []struct {
		name    string
		mutate  func(*ServiceState)
	}{
		{"missing image", func(s *ServiceState) { s.Image = "" }},
		{"negative replicas", func(s *ServiceState) { s.Replicas = -1 }},
		{"invalid port", func(s *ServiceState) { s.Ports = []PortMapping{{ContainerPort: 70000}} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			desired := testDesired()
			tc.mutate(&desired)
			_, err := planner.Plan(context.Background(), &target, "web", desired)
			var engineErr *Error
			if !errors.As(err, &engineErr) || engineErr.Kind != ErrorKindValidation {
				t.Errorf("Expected validation error, got %v", err)
			}
		})
	}
}
