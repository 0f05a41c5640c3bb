// Package config loads deck's declarative configuration: per-service
// descriptors under services/<name>/service.yaml and the workspace-level
// settings file. Validation is schema-driven via struct tags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/opendeck/deck/pkg/engine"
)

// DefaultServicesDir is the conventional root of service descriptors.
const DefaultServicesDir = "services"

// Service is a parsed service descriptor.
type Service struct {
	APIVersion string   `yaml:"apiVersion" validate:"required"`
	Kind       string   `yaml:"kind" validate:"required,eq=Service"`
	Metadata   Metadata `yaml:"metadata"`
	Spec       Spec     `yaml:"spec"`
}

// Metadata names and labels the service.
type Metadata struct {
	Name   string            `yaml:"name" validate:"required"`
	Labels map[string]string `yaml:"labels"`
}

// Spec describes where the service runs and what state it converges to.
type Spec struct {
	// Target is the default deployment target's name in the inventory.
	Target string `yaml:"target" validate:"required"`

	// State is the desired service state the planner diffs against.
	State State `yaml:"state"`

	// Health configures the post-apply health check.
	Health HealthCheck `yaml:"health"`

	// Storage configures volumes and backups for migration exports.
	Storage Storage `yaml:"storage"`
}

// State mirrors the planner's desired-state shape in YAML form.
type State struct {
	Image     string            `yaml:"image" validate:"required"`
	Replicas  int               `yaml:"replicas" validate:"gte=0"`
	Env       map[string]string `yaml:"env"`
	Ports     []Port            `yaml:"ports" validate:"dive"`
	Resources Resources         `yaml:"resources"`
}

// Port describes one exposed port.
type Port struct {
	ContainerPort int    `yaml:"containerPort" validate:"required,gt=0,lte=65535"`
	HostPort      int    `yaml:"hostPort" validate:"gte=0,lte=65535"`
	Protocol      string `yaml:"protocol" validate:"omitempty,oneof=tcp udp"`
}

// Resources describes CPU/memory limits.
type Resources struct {
	CPUMillis int `yaml:"cpuMillis" validate:"gte=0"`
	MemoryMB  int `yaml:"memoryMB" validate:"gte=0"`
}

// HealthCheck configures how deployment success is confirmed.
type HealthCheck struct {
	Type           string `yaml:"type" validate:"omitempty,oneof=http tcp exec"`
	URL            string `yaml:"url"`
	TimeoutSeconds int    `yaml:"timeoutSeconds" validate:"gte=0"`
	Retries        int    `yaml:"retries" validate:"gte=0"`
}

// Storage configures volumes and the backup driver.
type Storage struct {
	Volumes []Volume  `yaml:"volumes" validate:"dive"`
	Backup  BackupCfg `yaml:"backup"`
}

// Volume describes one mounted volume.
type Volume struct {
	Name      string `yaml:"name" validate:"required"`
	MountPath string `yaml:"mountPath" validate:"required"`
	Kind      string `yaml:"kind" validate:"required,oneof=hostPath dockerVolume pvc"`
}

// BackupCfg configures the export side of migrations. The default driver is
// restic; the repository and credentials reference stay opaque to the engine.
type BackupCfg struct {
	Driver         string   `yaml:"driver"`
	Schedule       string   `yaml:"schedule"`
	Includes       []string `yaml:"includes"`
	Excludes       []string `yaml:"excludes"`
	Repository     string   `yaml:"repository"`
	CredentialsRef string   `yaml:"credentialsRef"`
}

// DesiredState converts the descriptor's state into the planner's form.
func (s *Service) DesiredState() engine.ServiceState {
	ports := make([]engine.PortMapping, 0, len(s.Spec.State.Ports))
	for _, p := range s.Spec.State.Ports {
		ports = append(ports, engine.PortMapping{
			ContainerPort: p.ContainerPort,
			HostPort:      p.HostPort,
			Protocol:      p.Protocol,
		})
	}
	return engine.ServiceState{
		Image:    s.Spec.State.Image,
		Replicas: s.Spec.State.Replicas,
		Env:      s.Spec.State.Env,
		Ports:    ports,
		Resources: engine.ResourceLimits{
			CPUMillis: s.Spec.State.Resources.CPUMillis,
			MemoryMB:  s.Spec.State.Resources.MemoryMB,
		},
	}
}

// MigrationOptions derives export options from the backup configuration.
func (s *Service) MigrationOptions() engine.MigrationOptions {
	return engine.MigrationOptions{
		Repository: s.Spec.Storage.Backup.Repository,
		Includes:   s.Spec.Storage.Backup.Includes,
		Excludes:   s.Spec.Storage.Backup.Excludes,
	}
}

// LoadService loads and validates services/<name>/service.yaml under dir.
func LoadService(dir, name string) (*Service, error) {
	if dir == "" {
		dir = DefaultServicesDir
	}
	path := filepath.Join(dir, name, "service.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read service descriptor %s: %w", path, err)
	}

	var svc Service
	if err := yaml.Unmarshal(data, &svc); err != nil {
		return nil, fmt.Errorf("parse service descriptor %s: %w", path, err)
	}
	if svc.Metadata.Name == "" {
		svc.Metadata.Name = name
	}
	if svc.Spec.Storage.Backup.Driver == "" {
		svc.Spec.Storage.Backup.Driver = "restic"
	}

	if err := validator.New().Struct(&svc); err != nil {
		return nil, fmt.Errorf("invalid service descriptor %s: %w", path, err)
	}
	if svc.Metadata.Name != name {
		return nil, fmt.Errorf("service descriptor %s names %q, expected %q", path, svc.Metadata.Name, name)
	}
	return &svc, nil
}

// ListServices returns the names of all directories under dir containing a
// service.yaml, sorted.
func ListServices(dir string) ([]string, error) {
	if dir == "" {
		dir = DefaultServicesDir
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read services dir %s: %w", dir, err)
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, entry.Name(), "service.yaml")); err == nil {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
