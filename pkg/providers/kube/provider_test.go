package kube

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/opendeck/deck/pkg/engine"
	"github.com/opendeck/deck/pkg/inventory"
)

// fakeRunner scripts kubectl responses by matching a substring of the joined
// argument list.
type fakeRunner struct {
	mu        sync.Mutex
	responses map[string]fakeResponse
	calls     []string
	stdins    []string
}

type fakeResponse struct {
	stdout string
	stderr string
	err    error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{responses: map[string]fakeResponse{}}
}

func (f *fakeRunner) respond(match, stdout, stderr string, err error) {
	f.responses[match] = fakeResponse{stdout, stderr, err}
}

func (f *fakeRunner) Run(ctx context.Context, stdin string, args ...string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	joined := strings.Join(args, " ")
	f.calls = append(f.calls, joined)
	f.stdins = append(f.stdins, stdin)
	for match, resp := range f.responses {
		if strings.Contains(joined, match) {
			return resp.stdout, resp.stderr, resp.err
		}
	}
	return "", "", nil
}

func (f *fakeRunner) calledWith(match string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, call := range f.calls {
		if strings.Contains(call, match) {
			return true
		}
	}
	return false
}

func kubeTarget() *inventory.Target {
	return &inventory.Target{
		Name: "k8s-prod",
		Kind: inventory.KindClusterOrchestrator,
		Connection: map[string]string{
			"kubeconfig": "/etc/deck/kubeconfig",
			"context":    "prod",
			"namespace":  "apps",
		},
	}
}

const deploymentJSON = `{
  "spec": {
    "replicas": 2,
    "template": {
      "spec": {
        "containers": [
          {
            "image": "registry.example.com/web:1.4.0",
            "env": [{"name": "LOG_LEVEL", "value": "info"}],
            "ports": [{"containerPort": 8080, "protocol": "TCP"}],
            "resources": {"limits": {"cpu": "500m", "memory": "256Mi"}}
          }
        ]
      }
    }
  }
}`

func mustStep(t *testing.T, op engine.StepOp, payload interface{}) engine.Step {
	t.Helper()
	step, err := engine.NewStep(op, "k8s-prod", "web", payload)
	if err != nil {
		t.Fatalf("NewStep failed: %v", err)
	}
	return step
}

func TestProbeParsesServerVersion(t *testing.T) {
	runner := newFakeRunner()
	runner.respond("version", `{"serverVersion":{"gitVersion":"v1.31.2"}}`, "", nil)
	provider := &Provider{runner: runner}

	result := provider.Probe(context.Background(), kubeTarget())
	if !result.Reachable {
		t.Fatalf("Expected reachable, got %+v", result)
	}
	if result.Detail != "v1.31.2" {
		t.Errorf("Unexpected detail %q", result.Detail)
	}
	if !runner.calledWith("--kubeconfig /etc/deck/kubeconfig --context prod --namespace apps version") {
		t.Errorf("Cluster flags missing from call: %v", runner.calls)
	}
}

func TestProbeUnreachableIsData(t *testing.T) {
	runner := newFakeRunner()
	runner.respond("version", "", "Unable to connect to the server", errors.New("exit status 1"))
	provider := &Provider{runner: runner}

	result := provider.Probe(context.Background(), kubeTarget())
	if result.Reachable {
		t.Fatal("Expected unreachable")
	}
	if result.Detail != "Unable to connect to the server" {
		t.Errorf("Unexpected detail %q", result.Detail)
	}
}

func TestInspectMapsDeployment(t *testing.T) {
	runner := newFakeRunner()
	runner.respond("get deployment web", deploymentJSON, "", nil)
	provider := &Provider{runner: runner}

	state, err := provider.Inspect(context.Background(), kubeTarget(), "web")
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if state.Image != "registry.example.com/web:1.4.0" || state.Replicas != 2 {
		t.Errorf("Unexpected state %+v", state)
	}
	if state.Env["LOG_LEVEL"] != "info" {
		t.Errorf("Env not mapped: %+v", state.Env)
	}
	if len(state.Ports) != 1 || state.Ports[0].ContainerPort != 8080 || state.Ports[0].Protocol != "" {
		t.Errorf("Ports not mapped: %+v", state.Ports)
	}
	if state.Resources.CPUMillis != 500 || state.Resources.MemoryMB != 256 {
		t.Errorf("Resources not mapped: %+v", state.Resources)
	}
}

func TestInspectMissingDeployment(t *testing.T) {
	runner := newFakeRunner()
	runner.respond("get deployment web", "", `Error from server (NotFound): deployments.apps "web" not found`, errors.New("exit status 1"))
	provider := &Provider{runner: runner}

	_, err := provider.Inspect(context.Background(), kubeTarget(), "web")
	if !errors.Is(err, engine.ErrServiceNotFound) {
		t.Fatalf("Expected ErrServiceNotFound, got %v", err)
	}
}

func TestApplyImageUsesSetImage(t *testing.T) {
	runner := newFakeRunner()
	runner.respond("get deployment web", deploymentJSON, "", nil)
	runner.respond("set image", "deployment.apps/web image updated", "", nil)
	provider := &Provider{runner: runner}

	step := mustStep(t, engine.OpEnsureImage, engine.ImagePayload{
		Image:   "registry.example.com/web:1.5.0",
		Desired: engine.ServiceState{Image: "registry.example.com/web:1.5.0", Replicas: 2},
	})
	result, err := provider.ApplyStep(context.Background(), kubeTarget(), step)
	if err != nil {
		t.Fatalf("ApplyStep failed: %v", err)
	}
	if result.Outcome != engine.OutcomeSucceeded {
		t.Errorf("Expected succeeded, got %s", result.Outcome)
	}
	if !runner.calledWith("set image deployment/web web=registry.example.com/web:1.5.0") {
		t.Errorf("Expected set image call, got %v", runner.calls)
	}
}

func TestApplyImageCreatesWhenMissing(t *testing.T) {
	runner := newFakeRunner()
	runner.respond("get deployment web", "", `Error from server (NotFound): deployments.apps "web" not found`, errors.New("exit status 1"))
	runner.respond("apply -f -", "deployment.apps/web created", "", nil)
	provider := &Provider{runner: runner}

	step := mustStep(t, engine.OpEnsureImage, engine.ImagePayload{
		Image: "registry.example.com/web:1.5.0",
		Desired: engine.ServiceState{
			Image:    "registry.example.com/web:1.5.0",
			Replicas: 2,
			Env:      map[string]string{"LOG_LEVEL": "info"},
			Ports:    []engine.PortMapping{{ContainerPort: 8080}},
		},
	})
	result, err := provider.ApplyStep(context.Background(), kubeTarget(), step)
	if err != nil {
		t.Fatalf("ApplyStep failed: %v", err)
	}
	if result.Detail != "deployment.apps/web created" {
		t.Errorf("Unexpected detail %q", result.Detail)
	}

	manifest := ""
	for _, stdin := range runner.stdins {
		if stdin != "" {
			manifest = stdin
		}
	}
	for _, want := range []string{
		"kind: Deployment",
		"name: web",
		"image: registry.example.com/web:1.5.0",
		"replicas: 2",
		"containerPort: 8080",
	} {
		if !strings.Contains(manifest, want) {
			t.Errorf("Manifest missing %q:\n%s", want, manifest)
		}
	}
}

func TestApplyReplicasUsesScale(t *testing.T) {
	runner := newFakeRunner()
	runner.respond("get deployment web", deploymentJSON, "", nil)
	runner.respond("scale", "deployment.apps/web scaled", "", nil)
	provider := &Provider{runner: runner}

	step := mustStep(t, engine.OpEnsureReplicas, engine.ReplicasPayload{Replicas: 5})
	if _, err := provider.ApplyStep(context.Background(), kubeTarget(), step); err != nil {
		t.Fatalf("ApplyStep failed: %v", err)
	}
	if !runner.calledWith("scale deployment/web --replicas=5") {
		t.Errorf("Expected scale call, got %v", runner.calls)
	}
}

func TestApplyEnvSortsArguments(t *testing.T) {
	runner := newFakeRunner()
	runner.respond("get deployment web", deploymentJSON, "", nil)
	runner.respond("set env", "deployment.apps/web env updated", "", nil)
	provider := &Provider{runner: runner}

	step := mustStep(t, engine.OpEnsureEnv, engine.EnvPayload{
		Env: map[string]string{"ZED": "z", "ALPHA": "a"},
	})
	if _, err := provider.ApplyStep(context.Background(), kubeTarget(), step); err != nil {
		t.Fatalf("ApplyStep failed: %v", err)
	}
	if !runner.calledWith("set env deployment/web ALPHA=a ZED=z") {
		t.Errorf("Expected sorted env args, got %v", runner.calls)
	}
}

func TestApplyFailureIsProviderFault(t *testing.T) {
	runner := newFakeRunner()
	runner.respond("get deployment web", deploymentJSON, "", nil)
	runner.respond("scale", "", "error: unable to scale", errors.New("exit status 1"))
	provider := &Provider{runner: runner}

	step := mustStep(t, engine.OpEnsureReplicas, engine.ReplicasPayload{Replicas: 5})
	_, err := provider.ApplyStep(context.Background(), kubeTarget(), step)
	if !engine.IsProviderFault(err) {
		t.Fatalf("Expected provider fault, got %v", err)
	}
	if !strings.Contains(err.Error(), "unable to scale") {
		t.Errorf("Backend detail not preserved: %v", err)
	}
}

func TestTeardownDeletesDeployment(t *testing.T) {
	runner := newFakeRunner()
	runner.respond("delete deployment web", "deployment.apps \"web\" deleted", "", nil)
	provider := &Provider{runner: runner}

	step := mustStep(t, engine.OpTeardown, engine.TeardownPayload{Confirmed: true})
	result, err := provider.ApplyStep(context.Background(), kubeTarget(), step)
	if err != nil {
		t.Fatalf("ApplyStep failed: %v", err)
	}
	if result.Outcome != engine.OutcomeSucceeded {
		t.Errorf("Expected succeeded, got %s", result.Outcome)
	}
	if !runner.calledWith("delete deployment web --ignore-not-found") {
		t.Errorf("Expected delete call, got %v", runner.calls)
	}
}

func TestRollbackToNilDeletes(t *testing.T) {
	runner := newFakeRunner()
	provider := &Provider{runner: runner}

	step := mustStep(t, engine.OpEnsureImage, engine.ImagePayload{Image: "x"})
	if _, err := provider.RollbackStep(context.Background(), kubeTarget(), step, nil); err != nil {
		t.Fatalf("RollbackStep failed: %v", err)
	}
	if !runner.calledWith("delete deployment web") {
		t.Errorf("Expected delete call, got %v", runner.calls)
	}
}

func TestRollbackReappliesBeforeState(t *testing.T) {
	runner := newFakeRunner()
	runner.respond("get deployment web", deploymentJSON, "", nil)
	runner.respond("apply -f -", "deployment.apps/web configured", "", nil)
	provider := &Provider{runner: runner}

	before := &engine.ServiceState{Image: "registry.example.com/web:1.3.9", Replicas: 1}
	step := mustStep(t, engine.OpEnsureImage, engine.ImagePayload{Image: "registry.example.com/web:1.4.0"})
	if _, err := provider.RollbackStep(context.Background(), kubeTarget(), step, before); err != nil {
		t.Fatalf("RollbackStep failed: %v", err)
	}

	found := false
	for _, stdin := range runner.stdins {
		if strings.Contains(stdin, "image: registry.example.com/web:1.3.9") {
			found = true
		}
	}
	if !found {
		t.Error("Expected manifest with before-state image")
	}
}

func TestExportUnsupported(t *testing.T) {
	provider := &Provider{runner: newFakeRunner()}

	step := mustStep(t, engine.OpExport, engine.ExportPayload{ArtifactRef: "deck/k8s-prod/web"})
	_, err := provider.ApplyStep(context.Background(), kubeTarget(), step)
	if !engine.IsUnsupportedOperation(err) {
		t.Fatalf("Expected unsupported-operation, got %v", err)
	}
	if fmt.Sprintf("%v", err) == "" {
		t.Error("Expected error message")
	}
}
