package inventory

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultInventoryPath is the conventional inventory location.
const DefaultInventoryPath = "targets/inventory.yaml"

// DefaultProbeTimeout bounds each individual target probe.
const DefaultProbeTimeout = 5 * time.Second

// inventoryFile is the YAML schema of the inventory file.
type inventoryFile struct {
	Targets []Target `yaml:"targets" validate:"dive"`
}

// Registry resolves target names to immutable target handles. It is read-only
// after construction and safe to share across concurrent plan executions.
type Registry struct {
	byName map[string]*Target

	// order preserves insertion order from configuration for stable listing.
	order []string

	probeTimeout time.Duration
}

// Option configures a Registry.
type Option func(*Registry)

// WithProbeTimeout sets the per-target probe timeout.
func WithProbeTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.probeTimeout = d
		}
	}
}

// NewRegistry builds a registry from already-parsed targets, preserving order.
func NewRegistry(targets []Target, opts ...Option) (*Registry, error) {
	r := &Registry{
		byName:       make(map[string]*Target, len(targets)),
		order:        make([]string, 0, len(targets)),
		probeTimeout: DefaultProbeTimeout,
	}
	for i := range targets {
		t := targets[i]
		if err := t.Kind.Validate(); err != nil {
			return nil, fmt.Errorf("target %q: %w", t.Name, err)
		}
		if _, exists := r.byName[t.Name]; exists {
			return nil, fmt.Errorf("duplicate target name %q in inventory", t.Name)
		}
		r.byName[t.Name] = &t
		r.order = append(r.order, t.Name)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Load parses the YAML inventory at path and builds a registry. A missing
// file yields an empty registry, matching an empty inventory.
func Load(path string, opts ...Option) (*Registry, error) {
	if path == "" {
		path = DefaultInventoryPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewRegistry(nil, opts...)
		}
		return nil, fmt.Errorf("read inventory %s: %w", path, err)
	}

	var file inventoryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse inventory %s: %w", path, err)
	}

	validate := validator.New()
	for i := range file.Targets {
		if err := validate.Struct(&file.Targets[i]); err != nil {
			return nil, fmt.Errorf("invalid target %q: %w", file.Targets[i].Name, err)
		}
	}

	return NewRegistry(file.Targets, opts...)
}

// ErrTargetNotFound is the sentinel wrapped by Resolve failures.
var ErrTargetNotFound = fmt.Errorf("target not found")

// Resolve returns the target with the given name.
func (r *Registry) Resolve(name string) (*Target, error) {
	t, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTargetNotFound, name)
	}
	return t, nil
}

// List returns all targets in insertion order from configuration.
func (r *Registry) List() []*Target {
	out := make([]*Target, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// Len returns the number of registered targets.
func (r *Registry) Len() int {
	return len(r.order)
}

// Probe checks one target's reachability via the prober with a bounded
// timeout. Unreachability is reported in the result, never as an error.
func (r *Registry) Probe(ctx context.Context, t *Target, prober Prober) ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()
	return prober.ProbeTarget(ctx, t)
}

// ProbeAll probes every registered target concurrently. Probes are
// independent: a slow or dead target does not block the others. Results are
// returned in registry order.
func (r *Registry) ProbeAll(ctx context.Context, prober Prober) []ProbeResult {
	targets := r.List()
	results := make([]ProbeResult, len(targets))

	var wg sync.WaitGroup
	for i, t := range targets {
		wg.Add(1)
		go func(i int, t *Target) {
			defer wg.Done()
			results[i] = r.Probe(ctx, t, prober)
		}(i, t)
	}
	wg.Wait()

	return results
}
