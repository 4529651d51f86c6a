package plugins

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ManifestFileName is the optional per-plugin metadata file.
const ManifestFileName = "plugin.yaml"

// Manifest is the optional plugin.yaml metadata shipped with a plugin.
// Everything in it is informational; absence of the file is normal.
type Manifest struct {
	// Name is the plugin's declared name. When present it must match the
	// directory name the plugin was discovered under.
	Name string `yaml:"name" validate:"required"`

	// Version is the plugin version string.
	Version string `yaml:"version"`

	// Description is a one-line human-readable summary.
	Description string `yaml:"description"`

	// Capabilities declares what the plugin touches (e.g. net:outbound,
	// fs:data). Informational; the runtime does not enforce them.
	Capabilities []string `yaml:"capabilities"`
}

var manifestValidate = validator.New()

// LoadManifest reads and validates a plugin.yaml file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the manifest's declared fields.
func (m *Manifest) Validate() error {
	if err := manifestValidate.Struct(m); err != nil {
		return fmt.Errorf("invalid manifest: %w", err)
	}
	return nil
}

// DefaultManifest returns the manifest used when a plugin ships none.
func DefaultManifest(name string) *Manifest {
	return &Manifest{
		Name:        name,
		Version:     "0.1.0",
		Description: "No description provided",
	}
}
