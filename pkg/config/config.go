package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"

	"github.com/kioskd/kioskd/pkg/telemetry"
)

// DefaultConfigPath is where the runtime looks for its configuration when
// no path is given.
const DefaultConfigPath = "config/main.json"

// Config is the root kioskd configuration document.
type Config struct {
	// System holds display-level settings forwarded to the frontend.
	System SystemConfig `json:"system"`

	// Server configures the HTTP API listener.
	Server ServerConfig `json:"server"`

	// PluginsDir is the directory scanned for plugin subdirectories.
	PluginsDir string `json:"pluginsDir" validate:"required"`

	// Plugins is the enabled-plugins allow-list with optional per-plugin
	// config overrides. A plugin on disk but absent here stays disabled.
	Plugins []PluginRef `json:"plugins" validate:"dive"`

	// Journal configures the optional dispatch journal.
	Journal JournalConfig `json:"journal"`

	// Telemetry configures logging, tracing, and metrics.
	Telemetry TelemetrySettings `json:"telemetry"`

	// CredentialFile is an optional JSON file of secrets (API keys) merged
	// into plugin configs under the "credentials" key.
	CredentialFile string `json:"credentialFile"`
}

// SystemConfig holds display-level settings. The runtime passes them through
// to the status endpoint; plugins and the frontend interpret them.
type SystemConfig struct {
	Orientation string `json:"orientation" validate:"omitempty,oneof=landscape portrait"`
	Theme       string `json:"theme" validate:"omitempty,oneof=light dark"`
	TimeZone    string `json:"timezone"`
}

// ServerConfig configures the HTTP API listener.
type ServerConfig struct {
	Listen string `json:"listen" validate:"required"`
}

// PluginRef names one enabled plugin and its config overrides.
type PluginRef struct {
	Name    string         `json:"name" validate:"required"`
	Enabled bool           `json:"enabled"`
	Config  map[string]any `json:"config"`
}

// JournalConfig configures the dispatch journal.
type JournalConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// TelemetrySettings is the JSON-facing telemetry section.
type TelemetrySettings struct {
	LogLevel        string `json:"logLevel" validate:"omitempty,oneof=trace debug info warn error fatal"`
	LogFormat       string `json:"logFormat" validate:"omitempty,oneof=console json"`
	LogOutput       string `json:"logOutput"`
	TracingEnabled  bool   `json:"tracingEnabled"`
	TracingExporter string `json:"tracingExporter" validate:"omitempty,oneof=otlp stdout none"`
	TracingEndpoint string `json:"tracingEndpoint"`
	MetricsEnabled  bool   `json:"metricsEnabled"`
	MetricsListen   string `json:"metricsListen"`
}

var validate = validator.New()

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		System: SystemConfig{
			Orientation: "landscape",
			Theme:       "dark",
		},
		Server: ServerConfig{
			Listen: ":8080",
		},
		PluginsDir: "plugins",
		Journal: JournalConfig{
			Enabled: true,
			Path:    "data/journal.db",
		},
		Telemetry: TelemetrySettings{
			LogLevel:       "info",
			LogFormat:      "json",
			LogOutput:      "stdout",
			MetricsEnabled: true,
			MetricsListen:  ":9090",
		},
	}
}

// Load reads the configuration file at path, applies defaults and
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies KIOSKD_* environment overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("KIOSKD_LISTEN"); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv("KIOSKD_PLUGINS_DIR"); v != "" {
		c.PluginsDir = v
	}
	if v := os.Getenv("KIOSKD_LOG_LEVEL"); v != "" {
		c.Telemetry.LogLevel = v
	}
	if v := os.Getenv("KIOSKD_CREDENTIAL_FILE"); v != "" {
		c.CredentialFile = v
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	seen := make(map[string]bool, len(c.Plugins))
	for _, ref := range c.Plugins {
		if seen[ref.Name] {
			return fmt.Errorf("invalid configuration: plugin %q listed twice", ref.Name)
		}
		seen[ref.Name] = true
	}

	if c.Journal.Enabled && c.Journal.Path == "" {
		return fmt.Errorf("invalid configuration: journal enabled without a path")
	}
	return nil
}

// EnabledPlugins returns the allow-list as a name-to-overrides map, the
// shape the plugin loader consumes. Disabled entries are excluded. The
// override maps are copies; callers may add entries without mutating the
// loaded configuration.
func (c *Config) EnabledPlugins() map[string]map[string]any {
	allow := make(map[string]map[string]any)
	for _, ref := range c.Plugins {
		if !ref.Enabled {
			continue
		}
		overrides := make(map[string]any, len(ref.Config))
		for k, v := range ref.Config {
			overrides[k] = v
		}
		allow[ref.Name] = overrides
	}
	return allow
}

// TelemetryConfig converts the JSON-facing settings to the telemetry
// package's configuration.
func (c *Config) TelemetryConfig(version string) *telemetry.Config {
	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceVersion = version

	t := c.Telemetry
	if t.LogLevel != "" {
		tcfg.Logging.Level = t.LogLevel
	}
	if t.LogFormat != "" {
		tcfg.Logging.Format = t.LogFormat
	}
	if t.LogOutput != "" {
		tcfg.Logging.Output = t.LogOutput
	}
	tcfg.Tracing.Enabled = t.TracingEnabled
	if t.TracingExporter != "" {
		tcfg.Tracing.Exporter = t.TracingExporter
	}
	if t.TracingEndpoint != "" {
		tcfg.Tracing.Endpoint = t.TracingEndpoint
	}
	tcfg.Metrics.Enabled = t.MetricsEnabled
	if t.MetricsListen != "" {
		tcfg.Metrics.ListenAddress = t.MetricsListen
	}
	return tcfg
}

// LoadCredentials reads the optional credential file. A missing file yields
// an empty map; a malformed one is an error, since silently dropping
// credentials leaves every plugin mysteriously unauthenticated.
func (c *Config) LoadCredentials() (map[string]any, error) {
	if c.CredentialFile == "" {
		return map[string]any{}, nil
	}

	data, err := os.ReadFile(c.CredentialFile)
	if os.IsNotExist(err) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credential file: %w", err)
	}

	creds := make(map[string]any)
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("failed to parse credential file: %w", err)
	}
	return creds, nil
}
