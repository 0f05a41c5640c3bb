// Package kube implements the provider for cluster-orchestrator targets by
// driving kubectl. A service maps to an apps/v1 Deployment of the same name;
// the kubeconfig, context and namespace come from the target's connection
// parameters.
package kube

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/opendeck/deck/pkg/engine"
	"github.com/opendeck/deck/pkg/inventory"
)

// commandRunner executes one kubectl invocation. Narrowed for testability.
type commandRunner interface {
	Run(ctx context.Context, stdin string, args ...string) (stdout string, stderr string, err error)
}

// execRunner shells out to kubectl on PATH.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, stdin string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, "kubectl", args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return strings.TrimSpace(stdout.String()), strings.TrimSpace(stderr.String()), err
}

// Provider drives cluster-orchestrator targets through kubectl.
type Provider struct {
	runner commandRunner
}

var _ engine.Provider = (*Provider)(nil)

// NewProvider creates the cluster-orchestrator provider.
func NewProvider() *Provider {
	return &Provider{runner: execRunner{}}
}

// Kind returns the target kind this provider serves.
func (p *Provider) Kind() inventory.TargetKind {
	return inventory.KindClusterOrchestrator
}

// Capabilities returns the default capability set for cluster orchestrators.
// Export and transfer are absent: migrations out of a cluster go through the
// registry, not through deck's artifact path.
func (p *Provider) Capabilities() inventory.CapabilitySet {
	return inventory.NewCapabilitySet(
		inventory.CapabilityProbe,
		inventory.CapabilityInspect,
		inventory.CapabilityRender,
		inventory.CapabilityApply,
		inventory.CapabilityRollback,
		inventory.CapabilityScale,
		inventory.CapabilityTransfer,
	)
}

// baseArgs builds the kubectl flags selecting the target cluster.
func baseArgs(t *inventory.Target) []string {
	var args []string
	if kubeconfig := t.Connection["kubeconfig"]; kubeconfig != "" {
		args = append(args, "--kubeconfig", kubeconfig)
	}
	if kubeContext := t.Connection["context"]; kubeContext != "" {
		args = append(args, "--context", kubeContext)
	}
	if namespace := t.Connection["namespace"]; namespace != "" {
		args = append(args, "--namespace", namespace)
	}
	return args
}

// Probe checks API server reachability via kubectl version.
func (p *Provider) Probe(ctx context.Context, t *inventory.Target) inventory.ProbeResult {
	result := inventory.ProbeResult{Target: t.Name, Capabilities: p.Capabilities()}

	args := append(baseArgs(t), "version", "--output=json", "--request-timeout=5s")
	start := time.Now()
	stdout, stderr, err := p.runner.Run(ctx, "", args...)
	if err != nil {
		detail := stderr
		if detail == "" {
			detail = err.Error()
		}
		result.Detail = detail
		return result
	}
	result.Reachable = true
	result.Latency = time.Since(start)
	result.Detail = serverVersion(stdout)
	return result
}

func serverVersion(versionJSON string) string {
	var parsed struct {
		ServerVersion struct {
			GitVersion string `json:"gitVersion"`
		} `json:"serverVersion"`
	}
	if err := json.Unmarshal([]byte(versionJSON), &parsed); err != nil {
		return "ok"
	}
	if parsed.ServerVersion.GitVersion == "" {
		return "ok"
	}
	return parsed.ServerVersion.GitVersion
}

// deployment is the slice of the apps/v1 Deployment schema Inspect reads.
type deployment struct {
	Spec struct {
		Replicas *int `json:"replicas"`
		Template struct {
			Spec struct {
				Containers []struct {
					Image string `json:"image"`
					Env   []struct {
						Name  string `json:"name"`
						Value string `json:"value"`
					} `json:"env"`
					Ports []struct {
						ContainerPort int    `json:"containerPort"`
						HostPort      int    `json:"hostPort"`
						Protocol      string `json:"protocol"`
					} `json:"ports"`
					Resources struct {
						Limits map[string]string `json:"limits"`
					} `json:"resources"`
				} `json:"containers"`
			} `json:"spec"`
		} `json:"template"`
	} `json:"spec"`
}

// Inspect reads the service's Deployment and maps it to a service state.
func (p *Provider) Inspect(ctx context.Context, t *inventory.Target, service string) (*engine.ServiceState, error) {
	args := append(baseArgs(t), "get", "deployment", service, "--output=json")
	stdout, stderr, err := p.runner.Run(ctx, "", args...)
	if err != nil {
		if strings.Contains(stderr, "NotFound") || strings.Contains(stderr, "not found") {
			return nil, engine.ErrServiceNotFound
		}
		return nil, engine.NewProviderFaultError("get deployment", fmt.Errorf("%s", stderr)).WithTarget(t.Name)
	}

	var dep deployment
	if err := json.Unmarshal([]byte(stdout), &dep); err != nil {
		return nil, engine.NewProviderFaultError("parse deployment", err).WithTarget(t.Name)
	}
	if len(dep.Spec.Template.Spec.Containers) == 0 {
		return nil, engine.NewProviderFaultError("deployment has no containers", nil).WithTarget(t.Name)
	}
	c := dep.Spec.Template.Spec.Containers[0]

	state := &engine.ServiceState{Image: c.Image, Replicas: 1}
	if dep.Spec.Replicas != nil {
		state.Replicas = *dep.Spec.Replicas
	}
	if len(c.Env) > 0 {
		state.Env = make(map[string]string, len(c.Env))
		for _, e := range c.Env {
			state.Env[e.Name] = e.Value
		}
	}
	for _, port := range c.Ports {
		proto := strings.ToLower(port.Protocol)
		if proto == "tcp" {
			proto = ""
		}
		state.Ports = append(state.Ports, engine.PortMapping{
			ContainerPort: port.ContainerPort,
			HostPort:      port.HostPort,
			Protocol:      proto,
		})
	}
	state.Resources = limitsToResources(c.Resources.Limits)
	return state, nil
}

func limitsToResources(limits map[string]string) engine.ResourceLimits {
	var res engine.ResourceLimits
	if cpu := limits["cpu"]; cpu != "" {
		if strings.HasSuffix(cpu, "m") {
			fmt.Sscanf(cpu, "%dm", &res.CPUMillis)
		} else {
			var cores int
			fmt.Sscanf(cpu, "%d", &cores)
			res.CPUMillis = cores * 1000
		}
	}
	if mem := limits["memory"]; mem != "" {
		fmt.Sscanf(mem, "%dMi", &res.MemoryMB)
	}
	return res
}

// Render describes what applying the step would do.
func (p *Provider) Render(ctx context.Context, t *inventory.Target, step engine.Step) (string, error) {
	switch step.Op {
	case engine.OpEnsureEnv:
		return fmt.Sprintf("set environment on deployment/%s", step.Service), nil
	case engine.OpEnsureResources:
		return fmt.Sprintf("set resource limits on deployment/%s", step.Service), nil
	case engine.OpEnsurePorts:
		return fmt.Sprintf("replace container ports of deployment/%s", step.Service), nil
	case engine.OpEnsureImage:
		var payload engine.ImagePayload
		if err := json.Unmarshal(step.Payload, &payload); err != nil {
			return "", engine.NewValidationError("decode image payload", err)
		}
		return fmt.Sprintf("set image of deployment/%s to %s", step.Service, payload.Image), nil
	case engine.OpEnsureReplicas:
		var payload engine.ReplicasPayload
		if err := json.Unmarshal(step.Payload, &payload); err != nil {
			return "", engine.NewValidationError("decode replicas payload", err)
		}
		return fmt.Sprintf("scale deployment/%s to %d replicas", step.Service, payload.Replicas), nil
	case engine.OpTransfer:
		return fmt.Sprintf("verify artifact of %s is pullable by the cluster", step.Service), nil
	case engine.OpTeardown:
		return fmt.Sprintf("delete deployment/%s", step.Service), nil
	default:
		return "", engine.NewUnsupportedOperationError(t.Name, step.Op)
	}
}

// ApplyStep applies one step via kubectl. When the Deployment does not exist
// yet, ensure operations carrying the full desired state apply a generated
// manifest instead, which is how create-from-nothing plans converge.
func (p *Provider) ApplyStep(ctx context.Context, t *inventory.Target, step engine.Step) (*engine.ApplyResult, error) {
	switch step.Op {
	case engine.OpEnsureEnv:
		var payload engine.EnvPayload
		if err := json.Unmarshal(step.Payload, &payload); err != nil {
			return nil, engine.NewValidationError("decode env payload", err)
		}
		if missing, err := p.deploymentMissing(ctx, t, step.Service); err != nil {
			return nil, err
		} else if missing {
			return p.applyManifest(ctx, t, step.Service, payload.Desired)
		}
		args := append(baseArgs(t), "set", "env", "deployment/"+step.Service)
		args = append(args, sortedEnvArgs(payload.Env)...)
		return p.runApply(ctx, t, step.Service, "", args...)

	case engine.OpEnsureResources:
		var payload engine.ResourcesPayload
		if err := json.Unmarshal(step.Payload, &payload); err != nil {
			return nil, engine.NewValidationError("decode resources payload", err)
		}
		args := append(baseArgs(t), "set", "resources", "deployment/"+step.Service,
			"--limits", limitsFlag(payload.Resources))
		return p.runApply(ctx, t, step.Service, "", args...)

	case engine.OpEnsurePorts:
		var payload engine.PortsPayload
		if err := json.Unmarshal(step.Payload, &payload); err != nil {
			return nil, engine.NewValidationError("decode ports payload", err)
		}
		// Ports live in the pod template; patching them rolls the deployment.
		return p.applyManifest(ctx, t, step.Service, payload.Desired)

	case engine.OpEnsureImage:
		var payload engine.ImagePayload
		if err := json.Unmarshal(step.Payload, &payload); err != nil {
			return nil, engine.NewValidationError("decode image payload", err)
		}
		if missing, err := p.deploymentMissing(ctx, t, step.Service); err != nil {
			return nil, err
		} else if missing {
			return p.applyManifest(ctx, t, step.Service, payload.Desired)
		}
		args := append(baseArgs(t), "set", "image", "deployment/"+step.Service,
			fmt.Sprintf("%s=%s", step.Service, payload.Image))
		return p.runApply(ctx, t, step.Service, "", args...)

	case engine.OpEnsureReplicas:
		var payload engine.ReplicasPayload
		if err := json.Unmarshal(step.Payload, &payload); err != nil {
			return nil, engine.NewValidationError("decode replicas payload", err)
		}
		args := append(baseArgs(t), "scale", "deployment/"+step.Service,
			fmt.Sprintf("--replicas=%d", payload.Replicas))
		return p.runApply(ctx, t, step.Service, "", args...)

	case engine.OpTransfer:
		// Nothing to move: cluster nodes pull the artifact themselves. The
		// destination apply plan references it as the image.
		var payload engine.TransferPayload
		if err := json.Unmarshal(step.Payload, &payload); err != nil {
			return nil, engine.NewValidationError("decode transfer payload", err)
		}
		return &engine.ApplyResult{
			Outcome: engine.OutcomeSucceeded,
			Detail:  fmt.Sprintf("artifact %s will be pulled by the cluster", payload.ArtifactRef),
		}, nil

	case engine.OpTeardown:
		args := append(baseArgs(t), "delete", "deployment", step.Service, "--ignore-not-found")
		_, stderr, err := p.runner.Run(ctx, "", args...)
		if err != nil {
			return nil, engine.NewProviderFaultError("delete deployment", fmt.Errorf("%s", stderr)).WithTarget(t.Name)
		}
		return &engine.ApplyResult{
			Outcome: engine.OutcomeSucceeded,
			Detail:  fmt.Sprintf("deleted deployment/%s", step.Service),
		}, nil

	default:
		return nil, engine.NewUnsupportedOperationError(t.Name, step.Op)
	}
}

// RollbackStep reverts one step by re-applying the state observed before it.
func (p *Provider) RollbackStep(ctx context.Context, t *inventory.Target, step engine.Step, before *engine.ServiceState) (*engine.ApplyResult, error) {
	if before == nil {
		args := append(baseArgs(t), "delete", "deployment", step.Service, "--ignore-not-found")
		_, stderr, err := p.runner.Run(ctx, "", args...)
		if err != nil {
			return nil, engine.NewProviderFaultError("delete deployment", fmt.Errorf("%s", stderr)).WithTarget(t.Name)
		}
		return &engine.ApplyResult{
			Outcome: engine.OutcomeSucceeded,
			Detail:  fmt.Sprintf("deleted deployment/%s", step.Service),
		}, nil
	}
	return p.applyManifest(ctx, t, step.Service, *before)
}

func (p *Provider) deploymentMissing(ctx context.Context, t *inventory.Target, service string) (bool, error) {
	_, err := p.Inspect(ctx, t, service)
	if err == engine.ErrServiceNotFound {
		return true, nil
	}
	return false, err
}

func (p *Provider) runApply(ctx context.Context, t *inventory.Target, service, stdin string, args ...string) (*engine.ApplyResult, error) {
	stdout, stderr, err := p.runner.Run(ctx, stdin, args...)
	if err != nil {
		detail := stderr
		if detail == "" {
			detail = err.Error()
		}
		return nil, engine.NewProviderFaultError(detail, err).WithTarget(t.Name)
	}

	log.Debug().
		Str("target", t.Name).
		Str("service", service).
		Strs("args", args).
		Msg("kubectl applied")

	observed, err := p.Inspect(ctx, t, service)
	if err != nil && err != engine.ErrServiceNotFound {
		return nil, err
	}
	return &engine.ApplyResult{
		Outcome:  engine.OutcomeSucceeded,
		Observed: observed,
		Detail:   firstLine(stdout),
	}, nil
}

// applyManifest renders a full Deployment manifest from the desired state and
// applies it server-side.
func (p *Provider) applyManifest(ctx context.Context, t *inventory.Target, service string, desired engine.ServiceState) (*engine.ApplyResult, error) {
	manifest, err := renderManifest(service, desired)
	if err != nil {
		return nil, engine.NewValidationError("render deployment manifest", err)
	}
	args := append(baseArgs(t), "apply", "-f", "-")
	return p.runApply(ctx, t, service, manifest, args...)
}

// renderManifest produces the apps/v1 Deployment YAML for a desired state.
func renderManifest(service string, desired engine.ServiceState) (string, error) {
	container := map[string]interface{}{
		"name":  service,
		"image": desired.Image,
	}
	if len(desired.Env) > 0 {
		var env []map[string]string
		for _, k := range sortedKeys(desired.Env) {
			env = append(env, map[string]string{"name": k, "value": desired.Env[k]})
		}
		container["env"] = env
	}
	if len(desired.Ports) > 0 {
		var ports []map[string]interface{}
		for _, port := range desired.Ports {
			entry := map[string]interface{}{"containerPort": port.ContainerPort}
			if port.Protocol != "" {
				entry["protocol"] = strings.ToUpper(port.Protocol)
			}
			ports = append(ports, entry)
		}
		container["ports"] = ports
	}
	if desired.Resources != (engine.ResourceLimits{}) {
		limits := map[string]string{}
		if desired.Resources.CPUMillis > 0 {
			limits["cpu"] = fmt.Sprintf("%dm", desired.Resources.CPUMillis)
		}
		if desired.Resources.MemoryMB > 0 {
			limits["memory"] = fmt.Sprintf("%dMi", desired.Resources.MemoryMB)
		}
		container["resources"] = map[string]interface{}{"limits": limits}
	}

	labels := map[string]string{"app": service, "deck.managed": "true"}
	doc := map[string]interface{}{
		"apiVersion": "apps/v1",
		"kind":       "Deployment",
		"metadata": map[string]interface{}{
			"name":   service,
			"labels": labels,
		},
		"spec": map[string]interface{}{
			"replicas": desired.Replicas,
			"selector": map[string]interface{}{
				"matchLabels": map[string]string{"app": service},
			},
			"template": map[string]interface{}{
				"metadata": map[string]interface{}{
					"labels": labels,
				},
				"spec": map[string]interface{}{
					"containers": []interface{}{container},
				},
			},
		},
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedEnvArgs(env map[string]string) []string {
	args := make([]string, 0, len(env))
	for _, k := range sortedKeys(env) {
		args = append(args, k+"="+env[k])
	}
	return args
}

func limitsFlag(limits engine.ResourceLimits) string {
	var parts []string
	if limits.CPUMillis > 0 {
		parts = append(parts, fmt.Sprintf("cpu=%dm", limits.CPUMillis))
	}
	if limits.MemoryMB > 0 {
		parts = append(parts, fmt.Sprintf("memory=%dMi", limits.MemoryMB))
	}
	return strings.Join(parts, ",")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
