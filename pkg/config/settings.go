package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/opendeck/deck/pkg/inventory"
	"github.com/opendeck/deck/pkg/telemetry"
)

// DefaultSettingsPath is the conventional workspace settings location.
const DefaultSettingsPath = "deck.yaml"

// DefaultStatePath is where the journal database lives when the settings file
// does not say otherwise.
const DefaultStatePath = ".deck/state.db"

// Settings is the workspace-level configuration file. Everything in it has a
// working default: a workspace with no deck.yaml at all is valid.
type Settings struct {
	// Inventory is the path of the target inventory file.
	Inventory string `yaml:"inventory"`

	// ServicesDir is the root of the service descriptor tree.
	ServicesDir string `yaml:"servicesDir"`

	// StatePath is the SQLite journal database path.
	StatePath string `yaml:"statePath"`

	Log     LogSettings     `yaml:"log"`
	Metrics MetricsSettings `yaml:"metrics"`
	Tracing TracingSettings `yaml:"tracing"`
}

// LogSettings configures CLI logging.
type LogSettings struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error fatal"`
	Format string `yaml:"format" validate:"omitempty,oneof=console json"`
}

// MetricsSettings configures the optional Prometheus endpoint.
type MetricsSettings struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listenAddress"`
}

// TracingSettings configures the optional trace exporter.
type TracingSettings struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter" validate:"omitempty,oneof=otlp stdout none"`
	Endpoint string `yaml:"endpoint"`
}

// DefaultSettings returns the settings an empty workspace runs with.
func DefaultSettings() *Settings {
	return &Settings{
		Inventory:   inventory.DefaultInventoryPath,
		ServicesDir: DefaultServicesDir,
		StatePath:   DefaultStatePath,
		Log:         LogSettings{Level: "info", Format: "console"},
		Metrics:     MetricsSettings{ListenAddress: ":9090"},
		Tracing:     TracingSettings{Exporter: "stdout"},
	}
}

// LoadSettings reads the settings file at path. An empty path falls back to
// deck.yaml; a missing file at the default path yields the defaults, while a
// missing explicitly named file is an error.
func LoadSettings(path string) (*Settings, error) {
	explicit := path != ""
	if path == "" {
		path = DefaultSettingsPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return DefaultSettings(), nil
		}
		return nil, fmt.Errorf("read settings %s: %w", path, err)
	}

	s := DefaultSettings()
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parse settings %s: %w", path, err)
	}
	if err := validator.New().Struct(s); err != nil {
		return nil, fmt.Errorf("invalid settings %s: %w", path, err)
	}
	return s, nil
}

// Telemetry maps the settings into a telemetry configuration.
func (s *Settings) Telemetry(version string) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = version
	if s.Log.Level != "" {
		cfg.Logging.Level = s.Log.Level
	}
	if s.Log.Format != "" {
		cfg.Logging.Format = s.Log.Format
	}
	cfg.Metrics.Enabled = s.Metrics.Enabled
	if s.Metrics.ListenAddress != "" {
		cfg.Metrics.ListenAddress = s.Metrics.ListenAddress
	}
	cfg.Tracing.Enabled = s.Tracing.Enabled
	if s.Tracing.Exporter != "" {
		cfg.Tracing.Exporter = s.Tracing.Exporter
	}
	cfg.Tracing.Endpoint = s.Tracing.Endpoint
	return cfg
}
