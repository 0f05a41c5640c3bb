package inventory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleInventory = `
targets:
  - name: docker-01
    kind: container-runtime
    connection:
      dockerHost: tcp://10.0.0.1:2376
    labels:
      env: prod
  - name: k8s-prod
    kind: cluster-orchestrator
    connection:
      kubeconfig: /etc/deck/kubeconfig
      context: prod
  - name: legacy-host
    kind: remote-shell
    connection:
      host: 203.0.113.7
      user: deploy
      keyPath: /etc/deck/id_ed25519
    credentialsRef: vault://deck/legacy-host
    capabilities:
      - probe
      - inspect
      - apply
      - export
      - transfer
`

func writeInventory(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "inventory.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write inventory: %v", err)
	}
	return path
}

func TestLoadInventory(t *testing.T) {
	registry, err := Load(writeInventory(t, sampleInventory))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if registry.Len() != 3 {
		t.Fatalf("Expected 3 targets, got %d", registry.Len())
	}

	// Listing preserves configuration order.
	names := make([]string, 0, 3)
	for _, target := range registry.List() {
		names = append(names, target.Name)
	}
	want := []string{"docker-01", "k8s-prod", "legacy-host"}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("List order: expected %s at %d, got %s", want[i], i, names[i])
		}
	}

	legacy, err := registry.Resolve("legacy-host")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if legacy.CredentialsRef != "vault://deck/legacy-host" {
		t.Errorf("Unexpected credentials ref %q", legacy.CredentialsRef)
	}
	if !legacy.Capabilities.Has(CapabilityExport) || legacy.Capabilities.Has(CapabilityScale) {
		t.Errorf("Unexpected capability set %v", legacy.Capabilities.List())
	}
}

func TestLoadMissingFileYieldsEmptyRegistry(t *testing.T) {
	registry, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if registry.Len() != 0 {
		t.Errorf("Expected empty registry, got %d targets", registry.Len())
	}
}

func TestLoadRejectsInvalidKind(t *testing.T) {
	_, err := Load(writeInventory(t, "targets:\n  - name: bad\n    kind: mainframe\n"))
	if err == nil {
		t.Fatal("Expected error for invalid target kind")
	}
}

func TestNewRegistryRejectsDuplicateNames(t *testing.T) {
	_, err := NewRegistry([]Target{
		{Name: "docker-01", Kind: KindContainerRuntime},
		{Name: "docker-01", Kind: KindRemoteShell},
	})
	if err == nil {
		t.Fatal("Expected error for duplicate target name")
	}
}

func TestResolveUnknownTarget(t *testing.T) {
	registry, err := NewRegistry([]Target{{Name: "docker-01", Kind: KindContainerRuntime}})
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	_, err = registry.Resolve("ghost")
	if !errors.Is(err, ErrTargetNotFound) {
		t.Fatalf("Expected ErrTargetNotFound, got %v", err)
	}
}

func TestEndpointDerivation(t *testing.T) {
	cases := []struct {
		name   string
		target Target
		want   string
	}{
		{
			name:   "docker explicit host",
			target: Target{Kind: KindContainerRuntime, Connection: map[string]string{"dockerHost": "tcp://10.0.0.1:2376"}},
			want:   "tcp://10.0.0.1:2376",
		},
		{
			name:   "docker default socket",
			target: Target{Kind: KindContainerRuntime},
			want:   "unix:///var/run/docker.sock",
		},
		{
			name:   "kube context and config",
			target: Target{Kind: KindClusterOrchestrator, Connection: map[string]string{"kubeconfig": "/etc/deck/kubeconfig", "context": "prod"}},
			want:   "prod@/etc/deck/kubeconfig",
		},
		{
			name:   "ssh with user and default port",
			target: Target{Kind: KindRemoteShell, Connection: map[string]string{"host": "203.0.113.7", "user": "deploy"}},
			want:   "deploy@203.0.113.7:22",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.target.Endpoint(); got != tc.want {
				t.Errorf("Expected endpoint %q, got %q", tc.want, got)
			}
		})
	}
}

// Stub prober marking selected targets unreachable.
type stubProber struct {
	down  map[string]bool
	delay time.Duration
}

func (p *stubProber) ProbeTarget(ctx context.Context, t *Target) ProbeResult {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return ProbeResult{Target: t.Name, Reachable: false, Detail: "probe timeout"}
		}
	}
	if p.down[t.Name] {
		return ProbeResult{Target: t.Name, Reachable: false, Detail: "connection refused"}
	}
	return ProbeResult{Target: t.Name, Reachable: true, Latency: 2 * time.Millisecond}
}

func TestProbeAllReportsUnreachabilityAsData(t *testing.T) {
	registry, err := NewRegistry([]Target{
		{Name: "docker-01", Kind: KindContainerRuntime},
		{Name: "node-docker-02", Kind: KindContainerRuntime},
		{Name: "k8s-prod", Kind: KindClusterOrchestrator},
	})
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	prober := &stubProber{down: map[string]bool{"node-docker-02": true}}
	results := registry.ProbeAll(context.Background(), prober)

	if len(results) != 3 {
		t.Fatalf("Expected 3 results, got %d", len(results))
	}
	// Results come back in registry order regardless of completion order.
	if results[0].Target != "docker-01" || results[1].Target != "node-docker-02" || results[2].Target != "k8s-prod" {
		t.Errorf("Unexpected result order: %v", results)
	}
	if !results[0].Reachable || results[1].Reachable || !results[2].Reachable {
		t.Errorf("Unexpected reachability: %+v", results)
	}
	if results[1].Detail == "" {
		t.Error("Unreachable probe must carry detail")
	}
}

func TestProbeTimeoutBounded(t *testing.T) {
	registry, err := NewRegistry(
		[]Target{{Name: "slow-host", Kind: KindRemoteShell}},
		WithProbeTimeout(20*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	prober := &stubProber{delay: 500 * time.Millisecond}
	start := time.Now()
	target, _ := registry.Resolve("slow-host")
	result := registry.Probe(context.Background(), target, prober)
	elapsed := time.Since(start)

	if result.Reachable {
		t.Error("Expected slow probe to report unreachable")
	}
	if elapsed > 200*time.Millisecond {
		t.Errorf("Probe was not bounded by timeout, took %v", elapsed)
	}
}
