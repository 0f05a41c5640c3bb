// Package shell implements the provider for remote-shell targets. Commands
// run over SSH against the host's docker CLI; a service maps to a single
// container named deck-<service>, so replica counts are capped at one.
// Migration artifacts are tarballs under /var/lib/deck/artifacts moved
// between hosts with SFTP.
package shell

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/opendeck/deck/pkg/engine"
	"github.com/opendeck/deck/pkg/inventory"
	sshx "github.com/opendeck/deck/pkg/transports/ssh"
)

const (
	containerPrefix = "deck-"
	artifactDir     = "/var/lib/deck/artifacts"
)

// Provider drives remote-shell targets over SSH.
type Provider struct {
	targets *inventory.Registry

	dial func(t *inventory.Target) (sshx.Transport, error)
}

var (
	_ engine.Provider              = (*Provider)(nil)
	_ engine.DesiredStateValidator = (*Provider)(nil)
)

// NewProvider creates the remote-shell provider. The registry is needed to
// resolve the source host of a transfer step.
func NewProvider(targets *inventory.Registry) *Provider {
	return &Provider{targets: targets, dial: defaultDial}
}

func defaultDial(t *inventory.Target) (sshx.Transport, error) {
	cfg, err := sshx.FromTarget(t)
	if err != nil {
		return nil, err
	}
	return sshx.NewClient(cfg)
}

// withConn dials the target, runs fn and closes the connection.
func (p *Provider) withConn(ctx context.Context, t *inventory.Target, fn func(conn sshx.Transport) error) error {
	conn, err := p.dial(t)
	if err != nil {
		return engine.NewProviderFaultError("ssh config", err).WithTarget(t.Name)
	}
	defer conn.Close()
	if err := conn.Connect(ctx); err != nil {
		return engine.NewProviderFaultError("ssh connect", err).WithTarget(t.Name)
	}
	return fn(conn)
}

// Kind returns the target kind this provider serves.
func (p *Provider) Kind() inventory.TargetKind {
	return inventory.KindRemoteShell
}

// Capabilities returns the default capability set for remote shells.
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

// ValidateDesired rejects desired states a plain host can never satisfy. A
// service maps to one container, so the replica cap surfaces at plan time.
func (p *Provider) ValidateDesired(t *inventory.Target, desired engine.ServiceState) error {
	if desired.Replicas > 1 {
		return engine.NewValidationError(
			"remote-shell targets run at most one replica", nil).WithTarget(t.Name)
	}
	return nil
}

// Probe attempts an SSH connection. Unreachability is data, never an error.
func (p *Provider) Probe(ctx context.Context, t *inventory.Target) inventory.ProbeResult {
	result := inventory.ProbeResult{Target: t.Name, Capabilities: p.Capabilities()}

	start := time.Now()
	err := p.withConn(ctx, t, func(conn sshx.Transport) error {
		if !conn.Alive(ctx) {
			return fmt.Errorf("host did not answer")
		}
		return nil
	})
	if err != nil {
		result.Detail = err.Error()
		return result
	}
	result.Reachable = true
	result.Latency = time.Since(start)
	result.Detail = "ssh ok"
	return result
}

// containerDetail is the slice of docker-inspect output the provider reads.
type containerDetail struct {
	State struct {
		Running bool `json:"Running"`
	} `json:"State"`
	Config struct {
		Image string   `json:"Image"`
		Env   []string `json:"Env"`
	} `json:"Config"`
	HostConfig struct {
		NanoCpus     int64 `json:"NanoCpus"`
		Memory       int64 `json:"Memory"`
		PortBindings map[string][]struct {
			HostPort string `json:"HostPort"`
		} `json:"PortBindings"`
	} `json:"HostConfig"`
}

// Inspect reads the service container on the host.
func (p *Provider) Inspect(ctx context.Context, t *inventory.Target, service string) (*engine.ServiceState, error) {
	var state *engine.ServiceState
	err := p.withConn(ctx, t, func(conn sshx.Transport) error {
		stdout, stderr, err := conn.Run(ctx, "docker inspect "+containerName(service))
		if err != nil {
			if strings.Contains(stderr, "No such object") || strings.Contains(stderr, "No such container") {
				return engine.ErrServiceNotFound
			}
			return engine.NewProviderFaultError("docker inspect", fmt.Errorf("%w: %s", err, stderr)).WithTarget(t.Name)
		}

		var details []containerDetail
		if err := json.Unmarshal([]byte(stdout), &details); err != nil {
			return engine.NewProviderFaultError("parse docker inspect output", err).WithTarget(t.Name)
		}
		if len(details) == 0 {
			return engine.ErrServiceNotFound
		}
		state = detailToState(details[0])
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

func detailToState(d containerDetail) *engine.ServiceState {
	state := &engine.ServiceState{Image: d.Config.Image}
	if d.State.Running {
		state.Replicas = 1
	}
	if len(d.Config.Env) > 0 {
		state.Env = make(map[string]string, len(d.Config.Env))
		for _, kv := range d.Config.Env {
			if k, v, ok := strings.Cut(kv, "="); ok {
				state.Env[k] = v
			}
		}
	}
	for spec, bindings := range d.HostConfig.PortBindings {
		port, proto, _ := strings.Cut(spec, "/")
		mapping := engine.PortMapping{}
		fmt.Sscanf(port, "%d", &mapping.ContainerPort)
		if proto != "" && proto != "tcp" {
			mapping.Protocol = proto
		}
		if len(bindings) > 0 {
			fmt.Sscanf(bindings[0].HostPort, "%d", &mapping.HostPort)
		}
		state.Ports = append(state.Ports, mapping)
	}
	sort.Slice(state.Ports, func(i, j int) bool {
		return state.Ports[i].ContainerPort < state.Ports[j].ContainerPort
	})
	if d.HostConfig.NanoCpus > 0 {
		state.Resources.CPUMillis = int(d.HostConfig.NanoCpus / 1_000_000)
	}
	if d.HostConfig.Memory > 0 {
		state.Resources.MemoryMB = int(d.HostConfig.Memory >> 20)
	}
	return state
}

// Render describes what applying the step would do.
func (p *Provider) Render(ctx context.Context, t *inventory.Target, step engine.Step) (string, error) {
	switch step.Op {
	case engine.OpEnsureEnv, engine.OpEnsurePorts, engine.OpEnsureImage:
		return fmt.Sprintf("recreate container %s from the desired state", containerName(step.Service)), nil
	case engine.OpEnsureResources:
		return fmt.Sprintf("update limits of container %s", containerName(step.Service)), nil
	case engine.OpEnsureReplicas:
		var payload engine.ReplicasPayload
		if err := json.Unmarshal(step.Payload, &payload); err != nil {
			return "", engine.NewValidationError("decode replicas payload", err)
		}
		if payload.Replicas == 0 {
			return fmt.Sprintf("stop container %s", containerName(step.Service)), nil
		}
		return fmt.Sprintf("start container %s", containerName(step.Service)), nil
	case engine.OpExport:
		return fmt.Sprintf("export %s to an artifact tarball", step.Service), nil
	case engine.OpTransfer:
		return fmt.Sprintf("copy the artifact of %s from the source host via sftp", step.Service), nil
	case engine.OpTeardown:
		return fmt.Sprintf("remove container %s", containerName(step.Service)), nil
	case engine.OpExec:
		var payload engine.ExecPayload
		if err := json.Unmarshal(step.Payload, &payload); err != nil {
			return "", engine.NewValidationError("decode exec payload", err)
		}
		return fmt.Sprintf("run %q on the host", payload.Command), nil
	default:
		return "", engine.NewUnsupportedOperationError(t.Name, step.Op)
	}
}

// ApplyStep applies one step over SSH.
func (p *Provider) ApplyStep(ctx context.Context, t *inventory.Target, step engine.Step) (*engine.ApplyResult, error) {
	switch step.Op {
	case engine.OpEnsureEnv:
		var payload engine.EnvPayload
		if err := json.Unmarshal(step.Payload, &payload); err != nil {
			return nil, engine.NewValidationError("decode env payload", err)
		}
		return p.recreate(ctx, t, step.Service, payload.Desired, false)

	case engine.OpEnsurePorts:
		var payload engine.PortsPayload
		if err := json.Unmarshal(step.Payload, &payload); err != nil {
			return nil, engine.NewValidationError("decode ports payload", err)
		}
		return p.recreate(ctx, t, step.Service, payload.Desired, false)

	case engine.OpEnsureImage:
		var payload engine.ImagePayload
		if err := json.Unmarshal(step.Payload, &payload); err != nil {
			return nil, engine.NewValidationError("decode image payload", err)
		}
		return p.recreate(ctx, t, step.Service, payload.Desired, true)

	case engine.OpEnsureResources:
		var payload engine.ResourcesPayload
		if err := json.Unmarshal(step.Payload, &payload); err != nil {
			return nil, engine.NewValidationError("decode resources payload", err)
		}
		return p.runConverge(ctx, t, step.Service,
			fmt.Sprintf("docker update%s %s", resourceFlags(payload.Resources), containerName(step.Service)))

	case engine.OpEnsureReplicas:
		var payload engine.ReplicasPayload
		if err := json.Unmarshal(step.Payload, &payload); err != nil {
			return nil, engine.NewValidationError("decode replicas payload", err)
		}
		if payload.Replicas > 1 {
			return nil, engine.NewValidationError(
				"remote-shell targets run at most one replica", nil).WithTarget(t.Name)
		}
		verb := "start"
		if payload.Replicas == 0 {
			verb = "stop"
		}
		return p.runConverge(ctx, t, step.Service,
			fmt.Sprintf("docker %s %s", verb, containerName(step.Service)))

	case engine.OpExport:
		var payload engine.ExportPayload
		if err := json.Unmarshal(step.Payload, &payload); err != nil {
			return nil, engine.NewValidationError("decode export payload", err)
		}
		return p.export(ctx, t, step.Service, payload)

	case engine.OpTransfer:
		var payload engine.TransferPayload
		if err := json.Unmarshal(step.Payload, &payload); err != nil {
			return nil, engine.NewValidationError("decode transfer payload", err)
		}
		return p.transfer(ctx, t, payload)

	case engine.OpTeardown:
		return p.teardown(ctx, t, step.Service)

	case engine.OpExec:
		var payload engine.ExecPayload
		if err := json.Unmarshal(step.Payload, &payload); err != nil {
			return nil, engine.NewValidationError("decode exec payload", err)
		}
		var detail string
		err := p.withConn(ctx, t, func(conn sshx.Transport) error {
			stdout, stderr, err := conn.Run(ctx, payload.Command)
			if err != nil {
				return engine.NewProviderFaultError("exec", fmt.Errorf("%w: %s", err, stderr)).WithTarget(t.Name)
			}
			detail = stdout
			return nil
		})
		if err != nil {
			return nil, err
		}
		return &engine.ApplyResult{Outcome: engine.OutcomeSucceeded, Detail: detail}, nil

	default:
		return nil, engine.NewUnsupportedOperationError(t.Name, step.Op)
	}
}

// RollbackStep reverts one step using the before-state. A nil before-state
// removes the container.
func (p *Provider) RollbackStep(ctx context.Context, t *inventory.Target, step engine.Step, before *engine.ServiceState) (*engine.ApplyResult, error) {
	if before == nil {
		return p.teardown(ctx, t, step.Service)
	}
	return p.recreate(ctx, t, step.Service, *before, true)
}

// recreate replaces the service container with the desired configuration.
func (p *Provider) recreate(ctx context.Context, t *inventory.Target, service string, desired engine.ServiceState, pull bool) (*engine.ApplyResult, error) {
	name := containerName(service)
	err := p.withConn(ctx, t, func(conn sshx.Transport) error {
		if pull {
			if _, stderr, err := conn.Run(ctx, "docker pull "+desired.Image); err != nil {
				return engine.NewProviderFaultError("docker pull", fmt.Errorf("%w: %s", err, stderr)).WithTarget(t.Name)
			}
		}
		// Removal of a missing container is fine; recreate must be idempotent.
		_, _, _ = conn.Run(ctx, "docker rm -f "+name)

		if desired.Replicas > 0 {
			runCmd := buildRunCommand(name, service, desired)
			if _, stderr, err := conn.Run(ctx, runCmd); err != nil {
				return engine.NewProviderFaultError("docker run", fmt.Errorf("%w: %s", err, stderr)).WithTarget(t.Name)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("target", t.Name).
		Str("service", service).
		Msg("container recreated")

	return p.result(ctx, t, service, "container recreated")
}

func (p *Provider) runConverge(ctx context.Context, t *inventory.Target, service, cmd string) (*engine.ApplyResult, error) {
	err := p.withConn(ctx, t, func(conn sshx.Transport) error {
		if _, stderr, err := conn.Run(ctx, cmd); err != nil {
			return engine.NewProviderFaultError(cmd, fmt.Errorf("%w: %s", err, stderr)).WithTarget(t.Name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p.result(ctx, t, service, cmd)
}

// export produces the migration artifact on the source host. With includes
// configured the artifact is a tarball of those paths (or a restic backup
// when a repository is set); without includes it is the exported container
// filesystem.
func (p *Provider) export(ctx context.Context, t *inventory.Target, service string, payload engine.ExportPayload) (*engine.ApplyResult, error) {
	var cmd string
	switch {
	case payload.Repository != "":
		parts := []string{"restic", "-r", payload.Repository, "backup"}
		parts = append(parts, payload.Includes...)
		for _, excl := range payload.Excludes {
			parts = append(parts, "--exclude", excl)
		}
		parts = append(parts, "--tag", payload.ArtifactRef)
		cmd = strings.Join(parts, " ")
	case len(payload.Includes) > 0:
		cmd = fmt.Sprintf("mkdir -p %s && tar czf %s %s",
			artifactDir, artifactPath(payload.ArtifactRef), strings.Join(payload.Includes, " "))
	default:
		cmd = fmt.Sprintf("mkdir -p %s && docker export %s | gzip > %s",
			artifactDir, containerName(service), artifactPath(payload.ArtifactRef))
	}

	var detail string
	err := p.withConn(ctx, t, func(conn sshx.Transport) error {
		if _, stderr, err := conn.Run(ctx, cmd); err != nil {
			return engine.NewProviderFaultError("export", fmt.Errorf("%w: %s", err, stderr)).WithTarget(t.Name)
		}
		detail = fmt.Sprintf("exported %s as %s", service, payload.ArtifactRef)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &engine.ApplyResult{Outcome: engine.OutcomeSucceeded, Detail: detail}, nil
}

// transfer moves the artifact tarball from the source host to this target:
// download over SFTP, verify the checksum, upload to the destination.
func (p *Provider) transfer(ctx context.Context, dest *inventory.Target, payload engine.TransferPayload) (*engine.ApplyResult, error) {
	source, err := p.targets.Resolve(payload.SourceTarget)
	if err != nil {
		return nil, engine.NewTargetNotFoundError(payload.SourceTarget)
	}

	remotePath := artifactPath(payload.ArtifactRef)
	localPath := filepath.Join(os.TempDir(), filepath.Base(remotePath))
	defer os.Remove(localPath)

	var sourceSum string
	err = p.withConn(ctx, source, func(conn sshx.Transport) error {
		if err := conn.Download(ctx, remotePath, localPath); err != nil {
			return engine.NewProviderFaultError("download artifact", err).WithTarget(source.Name)
		}
		sum, err := conn.Checksum(ctx, remotePath)
		if err != nil {
			return engine.NewProviderFaultError("checksum artifact", err).WithTarget(source.Name)
		}
		sourceSum = sum
		return nil
	})
	if err != nil {
		return nil, err
	}

	localSum, err := sshx.LocalChecksum(localPath)
	if err != nil {
		return nil, engine.NewProviderFaultError("checksum downloaded artifact", err)
	}
	if localSum != sourceSum {
		return nil, engine.NewProviderFaultError(
			fmt.Sprintf("artifact checksum mismatch after download: %s != %s", localSum, sourceSum), nil)
	}

	err = p.withConn(ctx, dest, func(conn sshx.Transport) error {
		if err := conn.Upload(ctx, localPath, remotePath, 0o644); err != nil {
			return engine.NewProviderFaultError("upload artifact", err).WithTarget(dest.Name)
		}
		sum, err := conn.Checksum(ctx, remotePath)
		if err != nil {
			return engine.NewProviderFaultError("checksum uploaded artifact", err).WithTarget(dest.Name)
		}
		if sum != sourceSum {
			return engine.NewProviderFaultError(
				fmt.Sprintf("artifact checksum mismatch after upload: %s != %s", sum, sourceSum), nil).WithTarget(dest.Name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &engine.ApplyResult{
		Outcome: engine.OutcomeSucceeded,
		Detail:  fmt.Sprintf("transferred %s (sha256 %s)", payload.ArtifactRef, sourceSum),
	}, nil
}

func (p *Provider) teardown(ctx context.Context, t *inventory.Target, service string) (*engine.ApplyResult, error) {
	err := p.withConn(ctx, t, func(conn sshx.Transport) error {
		if _, stderr, err := conn.Run(ctx, "docker rm -f "+containerName(service)); err != nil {
			if strings.Contains(stderr, "No such container") {
				return nil
			}
			return engine.NewProviderFaultError("docker rm", fmt.Errorf("%w: %s", err, stderr)).WithTarget(t.Name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &engine.ApplyResult{
		Outcome: engine.OutcomeSucceeded,
		Detail:  fmt.Sprintf("removed container %s", containerName(service)),
	}, nil
}

// result re-inspects the service and packages the apply result.
func (p *Provider) result(ctx context.Context, t *inventory.Target, service, detail string) (*engine.ApplyResult, error) {
	observed, err := p.Inspect(ctx, t, service)
	if err != nil && err != engine.ErrServiceNotFound {
		return nil, err
	}
	return &engine.ApplyResult{
		Outcome:  engine.OutcomeSucceeded,
		Observed: observed,
		Detail:   detail,
	}, nil
}

func containerName(service string) string {
	return containerPrefix + service
}

func artifactPath(ref string) string {
	return filepath.Join(artifactDir, strings.ReplaceAll(ref, "/", "_")+".tar.gz")
}

// buildRunCommand assembles the docker run invocation for the desired state.
func buildRunCommand(name, service string, desired engine.ServiceState) string {
	parts := []string{
		"docker run -d",
		"--name " + name,
		"--label deck.service=" + service,
		"--restart unless-stopped",
	}
	for _, k := range sortedKeys(desired.Env) {
		parts = append(parts, fmt.Sprintf("-e %s=%s", k, shellQuote(desired.Env[k])))
	}
	for _, port := range desired.Ports {
		spec := fmt.Sprintf("%d", port.ContainerPort)
		if port.HostPort > 0 {
			spec = fmt.Sprintf("%d:%d", port.HostPort, port.ContainerPort)
		}
		if port.Protocol != "" && port.Protocol != "tcp" {
			spec += "/" + port.Protocol
		}
		parts = append(parts, "-p "+spec)
	}
	parts = append(parts, resourceRunFlags(desired.Resources)...)
	parts = append(parts, desired.Image)
	return strings.Join(parts, " ")
}

func resourceRunFlags(limits engine.ResourceLimits) []string {
	var flags []string
	if limits.CPUMillis > 0 {
		flags = append(flags, fmt.Sprintf("--cpus %.2f", float64(limits.CPUMillis)/1000))
	}
	if limits.MemoryMB > 0 {
		flags = append(flags, fmt.Sprintf("--memory %dm", limits.MemoryMB))
	}
	return flags
}

func resourceFlags(limits engine.ResourceLimits) string {
	var out string
	if limits.CPUMillis > 0 {
		out += fmt.Sprintf(" --cpus %.2f", float64(limits.CPUMillis)/1000)
	}
	if limits.MemoryMB > 0 {
		out += fmt.Sprintf(" --memory %dm", limits.MemoryMB)
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// shellQuote single-quotes a value for the remote shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
