// Package docker implements the provider for container-runtime targets using
// the Docker Engine API. A service maps to a set of containers labeled
// deck.service=<name>; the replica count is the number of those containers.
package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog/log"

	"github.com/opendeck/deck/pkg/engine"
	"github.com/opendeck/deck/pkg/inventory"
)

const (
	// serviceLabel marks containers managed by deck and names their service.
	serviceLabel = "deck.service"
	managedLabel = "deck.managed"

	stopTimeoutSeconds = 10
)

// apiClient is the slice of the Docker SDK the provider uses. Narrowed for
// testability.
type apiClient interface {
	Ping(ctx context.Context) (types.Ping, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerUpdate(ctx context.Context, containerID string, updateConfig container.UpdateConfig) (container.ContainerUpdateOKBody, error)
	ContainerCommit(ctx context.Context, containerID string, options container.CommitOptions) (types.IDResponse, error)
}

// Provider drives container-runtime targets. Clients are created per target
// from its dockerHost connection parameter and cached for the process
// lifetime.
type Provider struct {
	mu      sync.Mutex
	clients map[string]apiClient

	newClient func(t *inventory.Target) (apiClient, error)
}

var _ engine.Provider = (*Provider)(nil)

// NewProvider creates the container-runtime provider.
func NewProvider() *Provider {
	return &Provider{
		clients:   make(map[string]apiClient),
		newClient: defaultNewClient,
	}
}

func defaultNewClient(t *inventory.Target) (apiClient, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if host := t.Connection["dockerHost"]; host != "" {
		opts = append(opts, client.WithHost(host))
	} else {
		opts = append(opts, client.FromEnv)
	}
	return client.NewClientWithOpts(opts...)
}

func (p *Provider) clientFor(t *inventory.Target) (apiClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[t.Name]; ok {
		return c, nil
	}
	c, err := p.newClient(t)
	if err != nil {
		return nil, engine.NewProviderFaultError("create docker client", err).WithTarget(t.Name)
	}
	p.clients[t.Name] = c
	return c, nil
}

// Kind returns the target kind this provider serves.
func (p *Provider) Kind() inventory.TargetKind {
	return inventory.KindContainerRuntime
}

// Capabilities returns the default capability set for container runtimes.
func (p *Provider) Capabilities() inventory.CapabilitySet {
	return inventory.NewCapabilitySet(
		inventory.CapabilityProbe,
		inventory.CapabilityInspect,
		inventory.CapabilityRender,
		inventory.CapabilityApply,
		inventory.CapabilityRollback,
		inventory.CapabilityScale,
		inventory.CapabilityExport,
		inventory.CapabilityTransfer,
	)
}

// Probe pings the Docker daemon. Unreachability is data, never an error.
func (p *Provider) Probe(ctx context.Context, t *inventory.Target) inventory.ProbeResult {
	result := inventory.ProbeResult{Target: t.Name, Capabilities: p.Capabilities()}

	cli, err := p.clientFor(t)
	if err != nil {
		result.Detail = err.Error()
		return result
	}
	start := time.Now()
	ping, err := cli.Ping(ctx)
	if err != nil {
		result.Detail = err.Error()
		return result
	}
	result.Reachable = true
	result.Latency = time.Since(start)
	result.Detail = fmt.Sprintf("api %s", ping.APIVersion)
	return result
}

// Inspect derives the deployed service state from its labeled containers.
func (p *Provider) Inspect(ctx context.Context, t *inventory.Target, service string) (*engine.ServiceState, error) {
	cli, err := p.clientFor(t)
	if err != nil {
		return nil, err
	}
	containers, err := p.serviceContainers(ctx, cli, service)
	if err != nil {
		return nil, engine.NewProviderFaultError("list containers", err).WithTarget(t.Name)
	}
	if len(containers) == 0 {
		return nil, engine.ErrServiceNotFound
	}

	// Attribute groups come from the first container; replicas is the count.
	detail, err := cli.ContainerInspect(ctx, containers[0].ID)
	if err != nil {
		return nil, engine.NewProviderFaultError("inspect container", err).WithTarget(t.Name)
	}

	state := &engine.ServiceState{
		Image:    detail.Config.Image,
		Replicas: len(containers),
		Env:      envToMap(detail.Config.Env),
		Ports:    observedPorts(detail.Config.ExposedPorts, detail.HostConfig.PortBindings),
	}
	if detail.HostConfig.NanoCPUs > 0 {
		state.Resources.CPUMillis = int(detail.HostConfig.NanoCPUs / 1_000_000)
	}
	if detail.HostConfig.Memory > 0 {
		state.Resources.MemoryMB = int(detail.HostConfig.Memory >> 20)
	}
	return state, nil
}

// Render describes what applying the step would do.
func (p *Provider) Render(ctx context.Context, t *inventory.Target, step engine.Step) (string, error) {
	switch step.Op {
	case engine.OpEnsureEnv:
		return fmt.Sprintf("recreate containers of %s with updated environment", step.Service), nil
	case engine.OpEnsureResources:
		var payload engine.ResourcesPayload
		if err := json.Unmarshal(step.Payload, &payload); err != nil {
			return "", engine.NewValidationError("decode resources payload", err)
		}
		return fmt.Sprintf("update limits of %s to cpu=%dm memory=%dMiB",
			step.Service, payload.Resources.CPUMillis, payload.Resources.MemoryMB), nil
	case engine.OpEnsurePorts:
		return fmt.Sprintf("recreate containers of %s with updated port bindings", step.Service), nil
	case engine.OpEnsureImage:
		var payload engine.ImagePayload
		if err := json.Unmarshal(step.Payload, &payload); err != nil {
			return "", engine.NewValidationError("decode image payload", err)
		}
		return fmt.Sprintf("pull %s and recreate containers of %s", payload.Image, step.Service), nil
	case engine.OpEnsureReplicas:
		var payload engine.ReplicasPayload
		if err := json.Unmarshal(step.Payload, &payload); err != nil {
			return "", engine.NewValidationError("decode replicas payload", err)
		}
		return fmt.Sprintf("scale %s to %d containers", step.Service, payload.Replicas), nil
	case engine.OpExport:
		return fmt.Sprintf("commit a container of %s to an artifact image", step.Service), nil
	case engine.OpTransfer:
		return fmt.Sprintf("pull the exported artifact of %s", step.Service), nil
	case engine.OpTeardown:
		return fmt.Sprintf("remove all containers of %s", step.Service), nil
	default:
		return "", engine.NewUnsupportedOperationError(t.Name, step.Op)
	}
}

// ApplyStep applies one step. Every operation is idempotent: applying a step
// whose effect already holds converges without error.
func (p *Provider) ApplyStep(ctx context.Context, t *inventory.Target, step engine.Step) (*engine.ApplyResult, error) {
	cli, err := p.clientFor(t)
	if err != nil {
		return nil, err
	}

	switch step.Op {
	case engine.OpEnsureEnv:
		var payload engine.EnvPayload
		if err := json.Unmarshal(step.Payload, &payload); err != nil {
			return nil, engine.NewValidationError("decode env payload", err)
		}
		return p.recreate(ctx, cli, t, step.Service, payload.Desired)

	case engine.OpEnsurePorts:
		var payload engine.PortsPayload
		if err := json.Unmarshal(step.Payload, &payload); err != nil {
			return nil, engine.NewValidationError("decode ports payload", err)
		}
		return p.recreate(ctx, cli, t, step.Service, payload.Desired)

	case engine.OpEnsureImage:
		var payload engine.ImagePayload
		if err := json.Unmarshal(step.Payload, &payload); err != nil {
			return nil, engine.NewValidationError("decode image payload", err)
		}
		if err := p.pull(ctx, cli, payload.Image); err != nil {
			return nil, engine.NewProviderFaultError("pull image", err).WithTarget(t.Name)
		}
		return p.recreate(ctx, cli, t, step.Service, payload.Desired)

	case engine.OpEnsureResources:
		var payload engine.ResourcesPayload
		if err := json.Unmarshal(step.Payload, &payload); err != nil {
			return nil, engine.NewValidationError("decode resources payload", err)
		}
		return p.updateResources(ctx, cli, t, step.Service, payload.Resources)

	case engine.OpEnsureReplicas:
		var payload engine.ReplicasPayload
		if err := json.Unmarshal(step.Payload, &payload); err != nil {
			return nil, engine.NewValidationError("decode replicas payload", err)
		}
		return p.scale(ctx, cli, t, step.Service, payload.Replicas, payload.Desired)

	case engine.OpExport:
		var payload engine.ExportPayload
		if err := json.Unmarshal(step.Payload, &payload); err != nil {
			return nil, engine.NewValidationError("decode export payload", err)
		}
		return p.export(ctx, cli, t, step.Service, payload)

	case engine.OpTransfer:
		var payload engine.TransferPayload
		if err := json.Unmarshal(step.Payload, &payload); err != nil {
			return nil, engine.NewValidationError("decode transfer payload", err)
		}
		if err := p.pull(ctx, cli, payload.ArtifactRef); err != nil {
			return nil, engine.NewProviderFaultError("pull artifact", err).WithTarget(t.Name)
		}
		return &engine.ApplyResult{
			Outcome: engine.OutcomeSucceeded,
			Detail:  fmt.Sprintf("pulled artifact %s", payload.ArtifactRef),
		}, nil

	case engine.OpTeardown:
		return p.teardown(ctx, cli, t, step.Service)

	default:
		return nil, engine.NewUnsupportedOperationError(t.Name, step.Op)
	}
}

// RollbackStep reverts one step: the service is converged back to the state
// observed before the step ran. A nil before-state removes the service.
func (p *Provider) RollbackStep(ctx context.Context, t *inventory.Target, step engine.Step, before *engine.ServiceState) (*engine.ApplyResult, error) {
	cli, err := p.clientFor(t)
	if err != nil {
		return nil, err
	}
	if before == nil {
		return p.teardown(ctx, cli, t, step.Service)
	}
	if err := p.pull(ctx, cli, before.Image); err != nil {
		return nil, engine.NewProviderFaultError("pull image", err).WithTarget(t.Name)
	}
	return p.recreate(ctx, cli, t, step.Service, *before)
}

// serviceContainers lists all containers of the service, running or not.
func (p *Provider) serviceContainers(ctx context.Context, cli apiClient, service string) ([]types.Container, error) {
	f := filters.NewArgs()
	f.Add("label", serviceLabel+"="+service)
	containers, err := cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, err
	}
	sort.Slice(containers, func(i, j int) bool {
		return containerName(containers[i]) < containerName(containers[j])
	})
	return containers, nil
}

func containerName(c types.Container) string {
	if len(c.Names) > 0 {
		return strings.TrimPrefix(c.Names[0], "/")
	}
	return c.ID
}

func (p *Provider) pull(ctx context.Context, cli apiClient, ref string) error {
	reader, err := cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	// Drain the progress stream; the pull is not complete until EOF.
	_, err = io.Copy(io.Discard, reader)
	return err
}

// recreate converges the service by replacing its containers with the desired
// configuration.
func (p *Provider) recreate(ctx context.Context, cli apiClient, t *inventory.Target, service string, desired engine.ServiceState) (*engine.ApplyResult, error) {
	existing, err := p.serviceContainers(ctx, cli, service)
	if err != nil {
		return nil, engine.NewProviderFaultError("list containers", err).WithTarget(t.Name)
	}
	for _, c := range existing {
		if err := p.removeContainer(ctx, cli, c.ID); err != nil {
			return nil, engine.NewProviderFaultError("remove container", err).WithTarget(t.Name)
		}
	}
	for i := 0; i < desired.Replicas; i++ {
		if err := p.createContainer(ctx, cli, service, i, desired); err != nil {
			return nil, engine.NewProviderFaultError("create container", err).WithTarget(t.Name)
		}
	}

	log.Debug().
		Str("target", t.Name).
		Str("service", service).
		Int("replicas", desired.Replicas).
		Msg("containers recreated")

	observed, err := p.Inspect(ctx, t, service)
	if err != nil && err != engine.ErrServiceNotFound {
		return nil, err
	}
	return &engine.ApplyResult{
		Outcome:  engine.OutcomeSucceeded,
		Observed: observed,
		Detail:   fmt.Sprintf("recreated %d containers", desired.Replicas),
	}, nil
}

func (p *Provider) updateResources(ctx context.Context, cli apiClient, t *inventory.Target, service string, limits engine.ResourceLimits) (*engine.ApplyResult, error) {
	existing, err := p.serviceContainers(ctx, cli, service)
	if err != nil {
		return nil, engine.NewProviderFaultError("list containers", err).WithTarget(t.Name)
	}
	update := container.UpdateConfig{Resources: containerResources(limits)}
	for _, c := range existing {
		if _, err := cli.ContainerUpdate(ctx, c.ID, update); err != nil {
			return nil, engine.NewProviderFaultError("update container resources", err).WithTarget(t.Name)
		}
	}
	observed, err := p.Inspect(ctx, t, service)
	if err != nil && err != engine.ErrServiceNotFound {
		return nil, err
	}
	return &engine.ApplyResult{
		Outcome:  engine.OutcomeSucceeded,
		Observed: observed,
		Detail:   fmt.Sprintf("updated limits on %d containers", len(existing)),
	}, nil
}

// scale converges the container count without touching surviving containers.
// Scale-up creates from the desired state; scale-down removes the
// highest-indexed containers first.
func (p *Provider) scale(ctx context.Context, cli apiClient, t *inventory.Target, service string, replicas int, desired engine.ServiceState) (*engine.ApplyResult, error) {
	existing, err := p.serviceContainers(ctx, cli, service)
	if err != nil {
		return nil, engine.NewProviderFaultError("list containers", err).WithTarget(t.Name)
	}

	switch {
	case len(existing) > replicas:
		for _, c := range existing[replicas:] {
			if err := p.removeContainer(ctx, cli, c.ID); err != nil {
				return nil, engine.NewProviderFaultError("remove container", err).WithTarget(t.Name)
			}
		}
	case len(existing) < replicas:
		for i := len(existing); i < replicas; i++ {
			if err := p.createContainer(ctx, cli, service, i, desired); err != nil {
				return nil, engine.NewProviderFaultError("create container", err).WithTarget(t.Name)
			}
		}
	}

	observed, err := p.Inspect(ctx, t, service)
	if err != nil && err != engine.ErrServiceNotFound {
		return nil, err
	}
	return &engine.ApplyResult{
		Outcome:  engine.OutcomeSucceeded,
		Observed: observed,
		Detail:   fmt.Sprintf("scaled from %d to %d containers", len(existing), replicas),
	}, nil
}

// export commits the first container of the service to the artifact image
// reference, which the destination side of a migration can pull.
func (p *Provider) export(ctx context.Context, cli apiClient, t *inventory.Target, service string, payload engine.ExportPayload) (*engine.ApplyResult, error) {
	existing, err := p.serviceContainers(ctx, cli, service)
	if err != nil {
		return nil, engine.NewProviderFaultError("list containers", err).WithTarget(t.Name)
	}
	if len(existing) == 0 {
		return nil, engine.NewPreconditionFailedError(
			fmt.Sprintf("service %s has no containers to export", service), nil).WithTarget(t.Name)
	}
	id, err := cli.ContainerCommit(ctx, existing[0].ID, container.CommitOptions{
		Reference: payload.ArtifactRef,
		Pause:     true,
	})
	if err != nil {
		return nil, engine.NewProviderFaultError("commit container", err).WithTarget(t.Name)
	}
	return &engine.ApplyResult{
		Outcome: engine.OutcomeSucceeded,
		Detail:  fmt.Sprintf("committed %s as %s (%s)", containerName(existing[0]), payload.ArtifactRef, id.ID),
	}, nil
}

func (p *Provider) teardown(ctx context.Context, cli apiClient, t *inventory.Target, service string) (*engine.ApplyResult, error) {
	existing, err := p.serviceContainers(ctx, cli, service)
	if err != nil {
		return nil, engine.NewProviderFaultError("list containers", err).WithTarget(t.Name)
	}
	for _, c := range existing {
		if err := p.removeContainer(ctx, cli, c.ID); err != nil {
			return nil, engine.NewProviderFaultError("remove container", err).WithTarget(t.Name)
		}
	}
	return &engine.ApplyResult{
		Outcome: engine.OutcomeSucceeded,
		Detail:  fmt.Sprintf("removed %d containers", len(existing)),
	}, nil
}

func (p *Provider) removeContainer(ctx context.Context, cli apiClient, id string) error {
	timeout := stopTimeoutSeconds
	if err := cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		log.Warn().Err(err).Str("container", id).Msg("stop before remove failed")
	}
	return cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

func (p *Provider) createContainer(ctx context.Context, cli apiClient, service string, index int, desired engine.ServiceState) error {
	exposed, bindings, err := portSpecs(desired.Ports)
	if err != nil {
		return err
	}
	config := &container.Config{
		Image: desired.Image,
		Env:   mapToEnv(desired.Env),
		Labels: map[string]string{
			serviceLabel: service,
			managedLabel: "true",
		},
		ExposedPorts: exposed,
	}
	hostConfig := &container.HostConfig{
		Resources: containerResources(desired.Resources),
	}
	// Host ports can only bind once; publish them on the first replica.
	if index == 0 {
		hostConfig.PortBindings = bindings
	}

	name := fmt.Sprintf("%s-%d", service, index)
	resp, err := cli.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
	if err != nil {
		return err
	}
	return cli.ContainerStart(ctx, resp.ID, container.StartOptions{})
}

func containerResources(limits engine.ResourceLimits) container.Resources {
	var res container.Resources
	if limits.CPUMillis > 0 {
		res.NanoCPUs = int64(limits.CPUMillis) * 1_000_000
	}
	if limits.MemoryMB > 0 {
		res.Memory = int64(limits.MemoryMB) << 20
	}
	return res
}

func portSpecs(ports []engine.PortMapping) (nat.PortSet, nat.PortMap, error) {
	if len(ports) == 0 {
		return nil, nil, nil
	}
	exposed := make(nat.PortSet, len(ports))
	bindings := make(nat.PortMap, len(ports))
	for _, p := range ports {
		proto := p.Protocol
		if proto == "" {
			proto = "tcp"
		}
		port, err := nat.NewPort(proto, fmt.Sprintf("%d", p.ContainerPort))
		if err != nil {
			return nil, nil, err
		}
		exposed[port] = struct{}{}
		if p.HostPort > 0 {
			bindings[port] = []nat.PortBinding{{HostPort: fmt.Sprintf("%d", p.HostPort)}}
		}
	}
	return exposed, bindings, nil
}

func envToMap(env []string) map[string]string {
	if len(env) == 0 {
		return nil
	}
	out := make(map[string]string, len(env))
	for _, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			out[k] = v
		}
	}
	return out
}

func mapToEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// observedPorts merges the exposed port set with the host bindings. An
// exposed port without a binding is an unpublished port (HostPort 0); it must
// still appear in the observed state or a converged service would replan its
// ports on every inspect.
func observedPorts(exposed nat.PortSet, bindings nat.PortMap) []engine.PortMapping {
	byPort := make(map[nat.Port]engine.PortMapping, len(exposed)+len(bindings))
	for port := range exposed {
		byPort[port] = engine.PortMapping{
			ContainerPort: port.Int(),
			Protocol:      port.Proto(),
		}
	}
	for port, hostBindings := range bindings {
		mapping := engine.PortMapping{
			ContainerPort: port.Int(),
			Protocol:      port.Proto(),
		}
		if len(hostBindings) > 0 {
			mapping.HostPort, _ = nat.ParsePort(hostBindings[0].HostPort)
		}
		byPort[port] = mapping
	}
	if len(byPort) == 0 {
		return nil
	}
	out := make([]engine.PortMapping, 0, len(byPort))
	for _, m := range byPort {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContainerPort < out[j].ContainerPort })
	return out
}
