package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/opendeck/deck/pkg/engine"
	"github.com/opendeck/deck/pkg/inventory"
)

type fakeContainer struct {
	id      string
	name    string
	image   string
	env     []string
	labels  map[string]string
	ports   nat.PortMap
	exposed nat.PortSet
	res     container.Resources
	running bool
}

type fakeAPIClient struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer
	nextID     int

	pulled    []string
	committed []string

	pingErr error
	pullErr error
	listErr error
}

func newFakeAPIClient() *fakeAPIClient {
	return &fakeAPIClient{containers: make(map[string]*fakeContainer)}
}

func (f *fakeAPIClient) Ping(ctx context.Context) (types.Ping, error) {
	if f.pingErr != nil {
		return types.Ping{}, f.pingErr
	}
	return types.Ping{APIVersion: "1.47"}, nil
}

func (f *fakeAPIClient) ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	wantService := ""
	for _, label := range options.Filters.Get("label") {
		if strings.HasPrefix(label, serviceLabel+"=") {
			wantService = strings.TrimPrefix(label, serviceLabel+"=")
		}
	}
	var out []types.Container
	for _, c := range f.containers {
		if wantService != "" && c.labels[serviceLabel] != wantService {
			continue
		}
		out = append(out, types.Container{
			ID:     c.id,
			Names:  []string{"/" + c.name},
			Image:  c.image,
			Labels: c.labels,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Names[0] < out[j].Names[0] })
	return out, nil
}

func (f *fakeAPIClient) ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return types.ContainerJSON{}, fmt.Errorf("no such container: %s", containerID)
	}
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			ID:   c.id,
			Name: "/" + c.name,
			HostConfig: &container.HostConfig{
				PortBindings: c.ports,
				Resources:    c.res,
			},
		},
		Config: &container.Config{
			Image:        c.image,
			Env:          c.env,
			Labels:       c.labels,
			ExposedPorts: c.exposed,
		},
	}, nil
}

func (f *fakeAPIClient) ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	f.pulled = append(f.pulled, refStr)
	return io.NopCloser(strings.NewReader("{}")), nil
}

func (f *fakeAPIClient) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("c%03d", f.nextID)
	fc := &fakeContainer{
		id:      id,
		name:    containerName,
		image:   config.Image,
		env:     config.Env,
		labels:  config.Labels,
		exposed: config.ExposedPorts,
	}
	if hostConfig != nil {
		fc.ports = hostConfig.PortBindings
		fc.res = hostConfig.Resources
	}
	f.containers[id] = fc
	return container.CreateResponse{ID: id}, nil
}

func (f *fakeAPIClient) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return fmt.Errorf("no such container: %s", containerID)
	}
	c.running = true
	return nil
}

func (f *fakeAPIClient) ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[containerID]; ok {
		c.running = false
	}
	return nil
}

func (f *fakeAPIClient) ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, containerID)
	return nil
}

func (f *fakeAPIClient) ContainerUpdate(ctx context.Context, containerID string, updateConfig container.UpdateConfig) (container.ContainerUpdateOKBody, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return container.ContainerUpdateOKBody{}, fmt.Errorf("no such container: %s", containerID)
	}
	c.res = updateConfig.Resources
	return container.ContainerUpdateOKBody{}, nil
}

func (f *fakeAPIClient) ContainerCommit(ctx context.Context, containerID string, options container.CommitOptions) (types.IDResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[containerID]; !ok {
		return types.IDResponse{}, fmt.Errorf("no such container: %s", containerID)
	}
	f.committed = append(f.committed, options.Reference)
	return types.IDResponse{ID: "sha256:deadbeef"}, nil
}

func (f *fakeAPIClient) serviceCount(service string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.containers {
		if c.labels[serviceLabel] == service {
			n++
		}
	}
	return n
}

func newTestProvider(fake *fakeAPIClient) *Provider {
	return &Provider{
		clients:   make(map[string]apiClient),
		newClient: func(t *inventory.Target) (apiClient, error) { return fake, nil },
	}
}

func dockerTarget() *inventory.Target {
	return &inventory.Target{
		Name:       "docker-01",
		Kind:       inventory.KindContainerRuntime,
		Connection: map[string]string{"dockerHost": "tcp://10.0.0.5:2376"},
	}
}

func desiredState() engine.ServiceState {
	return engine.ServiceState{
		Image:    "registry.example.com/web:1.4.0",
		Replicas: 2,
		Env:      map[string]string{"LOG_LEVEL": "info"},
		Ports:    []engine.PortMapping{{ContainerPort: 8080, HostPort: 80}},
		Resources: engine.ResourceLimits{
			CPUMillis: 500,
			MemoryMB:  256,
		},
	}
}

func mustStep(t *testing.T, op engine.StepOp, payload interface{}) engine.Step {
	t.Helper()
	step, err := engine.NewStep(op, "docker-01", "web", payload)
	if err != nil {
		t.Fatalf("NewStep failed: %v", err)
	}
	return step
}

func TestProbeReportsAPIVersion(t *testing.T) {
	fake := newFakeAPIClient()
	provider := newTestProvider(fake)

	result := provider.Probe(context.Background(), dockerTarget())
	if !result.Reachable {
		t.Fatalf("Expected reachable, got %+v", result)
	}
	if result.Detail != "api 1.47" {
		t.Errorf("Unexpected detail %q", result.Detail)
	}
}

func TestProbeUnreachableIsData(t *testing.T) {
	fake := newFakeAPIClient()
	fake.pingErr = errors.New("connection refused")
	provider := newTestProvider(fake)

	result := provider.Probe(context.Background(), dockerTarget())
	if result.Reachable {
		t.Fatal("Expected unreachable")
	}
	if result.Detail != "connection refused" {
		t.Errorf("Unexpected detail %q", result.Detail)
	}
}

func TestInspectMissingService(t *testing.T) {
	provider := newTestProvider(newFakeAPIClient())

	_, err := provider.Inspect(context.Background(), dockerTarget(), "web")
	if !errors.Is(err, engine.ErrServiceNotFound) {
		t.Fatalf("Expected ErrServiceNotFound, got %v", err)
	}
}

func TestApplyImageRecreatesContainers(t *testing.T) {
	fake := newFakeAPIClient()
	provider := newTestProvider(fake)
	target := dockerTarget()
	desired := desiredState()

	step := mustStep(t, engine.OpEnsureImage, engine.ImagePayload{
		Image:   desired.Image,
		Desired: desired,
	})
	result, err := provider.ApplyStep(context.Background(), target, step)
	if err != nil {
		t.Fatalf("ApplyStep failed: %v", err)
	}
	if result.Outcome != engine.OutcomeSucceeded {
		t.Errorf("Expected succeeded, got %s", result.Outcome)
	}
	if len(fake.pulled) != 1 || fake.pulled[0] != desired.Image {
		t.Errorf("Expected image pull, got %v", fake.pulled)
	}
	if fake.serviceCount("web") != 2 {
		t.Errorf("Expected 2 containers, got %d", fake.serviceCount("web"))
	}

	observed, err := provider.Inspect(context.Background(), target, "web")
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if observed.Image != desired.Image || observed.Replicas != 2 {
		t.Errorf("Unexpected observed state %+v", observed)
	}
	if observed.Env["LOG_LEVEL"] != "info" {
		t.Errorf("Env did not round-trip: %+v", observed.Env)
	}
	if len(observed.Ports) != 1 || observed.Ports[0].ContainerPort != 8080 || observed.Ports[0].HostPort != 80 {
		t.Errorf("Ports did not round-trip: %+v", observed.Ports)
	}
	if observed.Resources.CPUMillis != 500 || observed.Resources.MemoryMB != 256 {
		t.Errorf("Resources did not round-trip: %+v", observed.Resources)
	}
}

func TestInspectReportsUnpublishedPorts(t *testing.T) {
	fake := newFakeAPIClient()
	provider := newTestProvider(fake)
	target := dockerTarget()
	desired := desiredState()
	desired.Ports = []engine.PortMapping{
		{ContainerPort: 8080, HostPort: 80},
		{ContainerPort: 9090},
	}

	createStep := mustStep(t, engine.OpEnsureEnv, engine.EnvPayload{Env: desired.Env, Desired: desired})
	if _, err := provider.ApplyStep(context.Background(), target, createStep); err != nil {
		t.Fatalf("ApplyStep failed: %v", err)
	}

	observed, err := provider.Inspect(context.Background(), target, "web")
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if len(observed.Ports) != 2 {
		t.Fatalf("Expected 2 ports observed, got %+v", observed.Ports)
	}
	if observed.Ports[1].ContainerPort != 9090 || observed.Ports[1].HostPort != 0 {
		t.Errorf("Unpublished port did not round-trip: %+v", observed.Ports)
	}
	// A converged service must observe back equal to desired or it would
	// replan on every inspect.
	if !observed.Equal(&desired) {
		t.Errorf("Observed state diverged from desired: %+v", observed)
	}
}

func TestApplyReplicasScalesDown(t *testing.T) {
	fake := newFakeAPIClient()
	provider := newTestProvider(fake)
	target := dockerTarget()
	desired := desiredState()
	desired.Replicas = 3

	createStep := mustStep(t, engine.OpEnsureEnv, engine.EnvPayload{Env: desired.Env, Desired: desired})
	if _, err := provider.ApplyStep(context.Background(), target, createStep); err != nil {
		t.Fatalf("ApplyStep failed: %v", err)
	}
	if fake.serviceCount("web") != 3 {
		t.Fatalf("Expected 3 containers, got %d", fake.serviceCount("web"))
	}

	scaleStep := mustStep(t, engine.OpEnsureReplicas, engine.ReplicasPayload{
		Replicas:         1,
		PreviousReplicas: 3,
		Desired:          desired,
	})
	result, err := provider.ApplyStep(context.Background(), target, scaleStep)
	if err != nil {
		t.Fatalf("ApplyStep failed: %v", err)
	}
	if result.Observed == nil || result.Observed.Replicas != 1 {
		t.Errorf("Expected 1 replica observed, got %+v", result.Observed)
	}
	// The surviving container is the lowest-indexed one, which holds the
	// published host ports.
	if fake.serviceCount("web") != 1 {
		t.Errorf("Expected 1 container, got %d", fake.serviceCount("web"))
	}
}

func TestApplyResourcesUpdatesInPlace(t *testing.T) {
	fake := newFakeAPIClient()
	provider := newTestProvider(fake)
	target := dockerTarget()
	desired := desiredState()

	createStep := mustStep(t, engine.OpEnsureEnv, engine.EnvPayload{Env: desired.Env, Desired: desired})
	if _, err := provider.ApplyStep(context.Background(), target, createStep); err != nil {
		t.Fatalf("ApplyStep failed: %v", err)
	}

	resStep := mustStep(t, engine.OpEnsureResources, engine.ResourcesPayload{
		Resources: engine.ResourceLimits{CPUMillis: 1000, MemoryMB: 512},
	})
	result, err := provider.ApplyStep(context.Background(), target, resStep)
	if err != nil {
		t.Fatalf("ApplyStep failed: %v", err)
	}
	if result.Observed == nil || result.Observed.Resources.CPUMillis != 1000 {
		t.Errorf("Expected updated resources, got %+v", result.Observed)
	}
	// No recreation: same container count, same image.
	if fake.serviceCount("web") != 2 {
		t.Errorf("Expected 2 containers, got %d", fake.serviceCount("web"))
	}
}

func TestExportCommitsArtifact(t *testing.T) {
	fake := newFakeAPIClient()
	provider := newTestProvider(fake)
	target := dockerTarget()
	desired := desiredState()

	createStep := mustStep(t, engine.OpEnsureEnv, engine.EnvPayload{Env: desired.Env, Desired: desired})
	if _, err := provider.ApplyStep(context.Background(), target, createStep); err != nil {
		t.Fatalf("ApplyStep failed: %v", err)
	}

	exportStep := mustStep(t, engine.OpExport, engine.ExportPayload{ArtifactRef: "deck/docker-01/web"})
	result, err := provider.ApplyStep(context.Background(), target, exportStep)
	if err != nil {
		t.Fatalf("ApplyStep failed: %v", err)
	}
	if result.Outcome != engine.OutcomeSucceeded {
		t.Errorf("Expected succeeded, got %s", result.Outcome)
	}
	if len(fake.committed) != 1 || fake.committed[0] != "deck/docker-01/web" {
		t.Errorf("Expected commit of artifact ref, got %v", fake.committed)
	}
}

func TestExportWithoutContainersFailsPrecondition(t *testing.T) {
	provider := newTestProvider(newFakeAPIClient())

	exportStep := mustStep(t, engine.OpExport, engine.ExportPayload{ArtifactRef: "deck/docker-01/web"})
	_, err := provider.ApplyStep(context.Background(), dockerTarget(), exportStep)
	if !engine.IsPreconditionFailed(err) {
		t.Fatalf("Expected precondition failure, got %v", err)
	}
}

func TestTransferPullsArtifact(t *testing.T) {
	fake := newFakeAPIClient()
	provider := newTestProvider(fake)

	transferStep := mustStep(t, engine.OpTransfer, engine.TransferPayload{
		ArtifactRef:  "deck/docker-01/web",
		SourceTarget: "docker-01",
	})
	result, err := provider.ApplyStep(context.Background(), dockerTarget(), transferStep)
	if err != nil {
		t.Fatalf("ApplyStep failed: %v", err)
	}
	if result.Outcome != engine.OutcomeSucceeded {
		t.Errorf("Expected succeeded, got %s", result.Outcome)
	}
	if len(fake.pulled) != 1 || fake.pulled[0] != "deck/docker-01/web" {
		t.Errorf("Expected artifact pull, got %v", fake.pulled)
	}
}

func TestTeardownRemovesAllContainers(t *testing.T) {
	fake := newFakeAPIClient()
	provider := newTestProvider(fake)
	target := dockerTarget()
	desired := desiredState()

	createStep := mustStep(t, engine.OpEnsureEnv, engine.EnvPayload{Env: desired.Env, Desired: desired})
	if _, err := provider.ApplyStep(context.Background(), target, createStep); err != nil {
		t.Fatalf("ApplyStep failed: %v", err)
	}

	teardownStep := mustStep(t, engine.OpTeardown, engine.TeardownPayload{Confirmed: true})
	if _, err := provider.ApplyStep(context.Background(), target, teardownStep); err != nil {
		t.Fatalf("ApplyStep failed: %v", err)
	}
	if fake.serviceCount("web") != 0 {
		t.Errorf("Expected no containers, got %d", fake.serviceCount("web"))
	}
	if _, err := provider.Inspect(context.Background(), target, "web"); !errors.Is(err, engine.ErrServiceNotFound) {
		t.Errorf("Expected ErrServiceNotFound after teardown, got %v", err)
	}
}

func TestRollbackToNilRemovesService(t *testing.T) {
	fake := newFakeAPIClient()
	provider := newTestProvider(fake)
	target := dockerTarget()
	desired := desiredState()

	createStep := mustStep(t, engine.OpEnsureEnv, engine.EnvPayload{Env: desired.Env, Desired: desired})
	if _, err := provider.ApplyStep(context.Background(), target, createStep); err != nil {
		t.Fatalf("ApplyStep failed: %v", err)
	}

	if _, err := provider.RollbackStep(context.Background(), target, createStep, nil); err != nil {
		t.Fatalf("RollbackStep failed: %v", err)
	}
	if fake.serviceCount("web") != 0 {
		t.Errorf("Expected no containers after rollback, got %d", fake.serviceCount("web"))
	}
}

func TestRollbackRestoresPreviousState(t *testing.T) {
	fake := newFakeAPIClient()
	provider := newTestProvider(fake)
	target := dockerTarget()
	desired := desiredState()

	createStep := mustStep(t, engine.OpEnsureEnv, engine.EnvPayload{Env: desired.Env, Desired: desired})
	if _, err := provider.ApplyStep(context.Background(), target, createStep); err != nil {
		t.Fatalf("ApplyStep failed: %v", err)
	}

	before := desired
	before.Image = "registry.example.com/web:1.3.9"
	before.Replicas = 1
	imageStep := mustStep(t, engine.OpEnsureImage, engine.ImagePayload{Image: desired.Image, Desired: desired})

	result, err := provider.RollbackStep(context.Background(), target, imageStep, &before)
	if err != nil {
		t.Fatalf("RollbackStep failed: %v", err)
	}
	if result.Observed == nil || result.Observed.Image != before.Image || result.Observed.Replicas != 1 {
		t.Errorf("Expected rolled-back state, got %+v", result.Observed)
	}
}

func TestApplyRejectsExecOp(t *testing.T) {
	provider := newTestProvider(newFakeAPIClient())

	execStep := mustStep(t, engine.OpExec, map[string]string{"command": "uptime"})
	_, err := provider.ApplyStep(context.Background(), dockerTarget(), execStep)
	if !engine.IsUnsupportedOperation(err) {
		t.Fatalf("Expected unsupported-operation, got %v", err)
	}
}
