// Package inventory holds the target registry: declarative descriptions of
// deployment targets loaded from a YAML inventory, name resolution and
// concurrent reachability probing.
package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// TargetKind identifies the backend family a target belongs to.
type TargetKind string

const (
	// KindContainerRuntime is a single-host container engine (Docker).
	KindContainerRuntime TargetKind = "container-runtime"

	// KindClusterOrchestrator is a cluster orchestrator (Kubernetes).
	KindClusterOrchestrator TargetKind = "cluster-orchestrator"

	// KindRemoteShell is a remote host reachable over SSH.
	KindRemoteShell TargetKind = "remote-shell"
)

// Validate checks if the target kind is valid.
func (k TargetKind) Validate() error {
	switch k {
	case KindContainerRuntime, KindClusterOrchestrator, KindRemoteShell:
		return nil
	default:
		return fmt.Errorf("invalid target kind: %s", k)
	}
}

// Capability names a provider operation a target supports.
type Capability string

const (
	CapabilityProbe    Capability = "probe"
	CapabilityInspect  Capability = "inspect"
	CapabilityRender   Capability = "render"
	CapabilityApply    Capability = "apply"
	CapabilityRollback Capability = "rollback"
	CapabilityExport   Capability = "export"
	CapabilityTransfer Capability = "transfer"
	CapabilityScale    Capability = "scale"
)

// CapabilitySet is the set of capabilities a target advertises. The planner
// checks it before emitting a step the target cannot satisfy.
type CapabilitySet map[Capability]struct{}

// NewCapabilitySet builds a set from the given capabilities.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	set := make(CapabilitySet, len(caps))
	for _, c := range caps {
		set[c] = struct{}{}
	}
	return set
}

// Has reports whether the set contains the capability.
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// List returns the capabilities in stable sorted order.
func (s CapabilitySet) List() []Capability {
	out := make([]Capability, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MarshalJSON serializes the set as a sorted string array.
func (s CapabilitySet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.List())
}

// UnmarshalJSON deserializes a string array into the set.
func (s *CapabilitySet) UnmarshalJSON(data []byte) error {
	var caps []Capability
	if err := json.Unmarshal(data, &caps); err != nil {
		return err
	}
	*s = NewCapabilitySet(caps...)
	return nil
}

// Target is a deployable backend identified by name. Targets are created from
// the inventory at process start and are immutable for the process lifetime; a
// stale or unreachable target is discovered at probe or apply time, not at
// load time.
type Target struct {
	// Name is the unique key of the target.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Kind is the backend family.
	Kind TargetKind `json:"kind" yaml:"kind" validate:"required,oneof=container-runtime cluster-orchestrator remote-shell"`

	// Connection holds kind-specific connection parameters (docker host URL,
	// kubeconfig/context, ssh host/user/port/keyPath).
	Connection map[string]string `json:"connection,omitempty" yaml:"connection"`

	// CredentialsRef is an opaque reference to externally managed credentials.
	// The engine never interprets or stores credential material.
	CredentialsRef string `json:"credentials_ref,omitempty" yaml:"credentialsRef"`

	// Capabilities is the advertised operation set. Empty means the provider
	// default for the kind.
	Capabilities CapabilitySet `json:"capabilities,omitempty" yaml:"capabilities"`

	// Labels are key-value pairs for organizing targets.
	Labels map[string]string `json:"labels,omitempty" yaml:"labels"`
}

// Endpoint derives the human-readable endpoint for the target from its
// connection parameters.
func (t *Target) Endpoint() string {
	c := t.Connection
	switch t.Kind {
	case KindContainerRuntime:
		if host, ok := c["dockerHost"]; ok {
			return host
		}
		return "unix:///var/run/docker.sock"
	case KindClusterOrchestrator:
		kubeconfig := c["kubeconfig"]
		if kubeconfig == "" {
			kubeconfig = "~/.kube/config"
		}
		if ctx := c["context"]; ctx != "" {
			return ctx + "@" + kubeconfig
		}
		return kubeconfig
	case KindRemoteShell:
		host := c["host"]
		port := c["port"]
		if port == "" {
			port = "22"
		}
		if user := c["user"]; user != "" {
			return fmt.Sprintf("%s@%s:%s", user, host, port)
		}
		return fmt.Sprintf("%s:%s", host, port)
	}
	return ""
}

// ProbeResult reports reachability of a target. Probing never fails:
// unreachability is data, not an error.
type ProbeResult struct {
	// Target is the probed target's name.
	Target string `json:"target"`

	// Reachable reports whether the backend answered the probe.
	Reachable bool `json:"reachable"`

	// Capabilities is the capability set discovered or advertised.
	Capabilities CapabilitySet `json:"capabilities,omitempty"`

	// Latency is the probe round-trip time when reachable.
	Latency time.Duration `json:"latency_ms"`

	// Detail is backend-reported detail (version string, error text).
	Detail string `json:"detail,omitempty"`
}

// Prober performs the live backend call behind Registry.Probe. It is
// implemented by the provider registry; probing must apply a bounded timeout
// and report unreachability via the result, never via an error.
type Prober interface {
	ProbeTarget(ctx context.Context, t *Target) ProbeResult
}
