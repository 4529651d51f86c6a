package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kioskd/kioskd/pkg/telemetry"
)

// EntryFileName is the required plugin entry unit.
const EntryFileName = "main.star"

// ConfigFileName is the optional per-plugin configuration document.
const ConfigFileName = "config.json"

// DataDirName is the writable per-plugin data directory, created before
// setup runs.
const DataDirName = "data"

// EntrySpec describes one plugin candidate to an EntryLoader.
type EntrySpec struct {
	Name    string
	Dir     string
	DataDir string
	Config  map[string]any
}

// EntryLoader instantiates a plugin's entry unit: it executes the entry file
// once and probes its exported hooks and endpoint handlers.
type EntryLoader interface {
	Load(ctx context.Context, spec EntrySpec) (*Unit, error)
}

// Loader scans a plugin root directory, validates candidates, and
// instantiates a Descriptor per valid plugin.
type Loader struct {
	root      string
	allow     map[string]map[string]any
	entries   EntryLoader
	lifecycle *LifecycleManager
	log       *telemetry.Logger
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithAllowList sets the enabled-plugins allow-list with per-plugin config
// overrides from the global configuration. Plugins outside the list are
// loaded as Disabled descriptors and never instantiated.
func WithAllowList(allow map[string]map[string]any) LoaderOption {
	return func(l *Loader) {
		l.allow = allow
	}
}

// WithLoaderLogger sets the logger.
func WithLoaderLogger(log *telemetry.Logger) LoaderOption {
	return func(l *Loader) {
		l.log = log
	}
}

// NewLoader creates a loader scanning root and instantiating entry units
// with entries.
func NewLoader(root string, entries EntryLoader, lifecycle *LifecycleManager, opts ...LoaderOption) *Loader {
	l := &Loader{
		root:      root,
		entries:   entries,
		lifecycle: lifecycle,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Discover enumerates immediate subdirectories of the plugin root and
// returns a descriptor per candidate. Invalid candidates are skipped with a
// recorded warning; a candidate whose setup fails comes back as a Failed
// descriptor. Neither is ever fatal to the whole scan.
func (l *Loader) Discover(ctx context.Context) ([]*Descriptor, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read plugin root %s: %w", l.root, err)
	}

	var descs []*Descriptor
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}

		name := entry.Name()
		dir := filepath.Join(l.root, name)

		if _, err := os.Stat(filepath.Join(dir, EntryFileName)); err != nil {
			l.warn(&DiscoveryError{Plugin: name, Reason: "missing " + EntryFileName})
			continue
		}

		descs = append(descs, l.instantiate(ctx, name, dir))
	}
	return descs, nil
}

// instantiate walks one candidate through the lifecycle up to Initialized.
func (l *Loader) instantiate(ctx context.Context, name, dir string) *Descriptor {
	d := NewDescriptor(name, dir, filepath.Join(dir, DataDirName))

	overrides, enabled := l.allow[name]
	if !enabled {
		if err := l.lifecycle.Transition(d, StateDisabled); err != nil {
			l.lifecycle.Fail(d, err)
			return d
		}
		l.logInfof(name, "plugin found but not enabled, skipping")
		return d
	}

	d.Manifest = l.loadManifest(name, dir)
	d.Config = l.loadConfig(name, dir, overrides)
	if err := l.lifecycle.Transition(d, StateConfigured); err != nil {
		l.lifecycle.Fail(d, err)
		return d
	}

	// Plugins persist their own cache and backoff state here, so the
	// directory must exist before setup runs.
	if err := os.MkdirAll(d.DataDir, 0755); err != nil {
		l.lifecycle.Fail(d, fmt.Errorf("failed to create data directory: %w", err))
		return d
	}

	unit, err := l.entries.Load(ctx, EntrySpec{
		Name:    name,
		Dir:     dir,
		DataDir: d.DataDir,
		Config:  d.Config,
	})
	if err != nil {
		l.lifecycle.Fail(d, &DiscoveryError{Plugin: name, Reason: err.Error()})
		return d
	}
	d.attach(unit)

	if d.hooks.Setup != nil {
		if err := d.hooks.Setup(ctx); err != nil {
			l.lifecycle.Fail(d, &SetupError{Plugin: name, Err: err})
			return d
		}
	}
	if err := l.lifecycle.Transition(d, StateInitialized); err != nil {
		l.lifecycle.Fail(d, err)
		return d
	}

	// The init hook feeds the initial page render; a failure there degrades
	// the first paint but does not take the plugin down.
	if d.hooks.Init != nil {
		initial, err := d.hooks.Init(ctx, d.Config)
		if err != nil {
			l.warnErr(name, fmt.Errorf("init hook failed: %w", err))
		} else {
			d.InitialData = initial
		}
	}

	l.logInfof(name, "plugin loaded (endpoints: %s)", strings.Join(d.Endpoints(), ", "))
	return d
}

// loadManifest reads the optional plugin.yaml. A malformed manifest is a
// warning; the plugin proceeds with defaults.
func (l *Loader) loadManifest(name, dir string) *Manifest {
	path := filepath.Join(dir, ManifestFileName)
	if _, err := os.Stat(path); err != nil {
		return DefaultManifest(name)
	}

	m, err := LoadManifest(path)
	if err != nil {
		l.warnErr(name, err)
		return DefaultManifest(name)
	}
	if m.Name != name {
		l.warnErr(name, fmt.Errorf("manifest name %q does not match directory, using %q", m.Name, name))
		m.Name = name
	}
	return m
}

// loadConfig reads the optional config.json. Absence is not an error;
// malformed content is flagged but yields an empty config rather than a
// failure. Global per-plugin overrides win over the file.
func (l *Loader) loadConfig(name, dir string, overrides map[string]any) map[string]any {
	config := make(map[string]any)

	path := filepath.Join(dir, ConfigFileName)
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// defaults
	case err != nil:
		l.warn(&ConfigError{Plugin: name, Path: path, Err: err})
	default:
		if err := json.Unmarshal(data, &config); err != nil {
			l.warn(&ConfigError{Plugin: name, Path: path, Err: err})
			config = make(map[string]any)
		}
	}

	for k, v := range overrides {
		config[k] = v
	}
	return config
}

func (l *Loader) warn(err error) {
	if l.log != nil {
		l.log.WithError(err).Warn("plugin discovery warning")
	}
}

func (l *Loader) warnErr(plugin string, err error) {
	if l.log != nil {
		l.log.WithPlugin(plugin).WithError(err).Warn("plugin discovery warning")
	}
}

func (l *Loader) logInfof(plugin, format string, args ...any) {
	if l.log != nil {
		l.log.WithPlugin(plugin).Infof(format, args...)
	}
}
