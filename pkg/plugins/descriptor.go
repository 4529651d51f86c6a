package plugins

import (
	"context"
	"sort"
	"sync"
)

// Handler serves one plugin endpoint. Implementations must be safe for
// concurrent invocation.
type Handler interface {
	Invoke(ctx context.Context, params map[string]string) (any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, params map[string]string) (any, error)

// Invoke calls f.
func (f HandlerFunc) Invoke(ctx context.Context, params map[string]string) (any, error) {
	return f(ctx, params)
}

// Capability is a bitset of the optional hooks a plugin implements,
// populated once at discovery and never re-probed per request.
type Capability uint8

const (
	// CapSetup means the plugin exports a setup hook.
	CapSetup Capability = 1 << iota

	// CapInit means the plugin exports an init(config) hook whose return
	// value feeds the initial page render.
	CapInit

	// CapCleanup means the plugin exports a cleanup hook run at shutdown.
	CapCleanup

	// CapRoutes means the plugin exports at least one api_* endpoint handler.
	CapRoutes
)

// Has reports whether c includes cap.
func (c Capability) Has(cap Capability) bool {
	return c&cap != 0
}

// Hooks are the optional lifecycle functions of a plugin unit. A nil hook
// means the plugin does not implement it; absence trivially succeeds.
type Hooks struct {
	// Setup is called once at load, before any traffic.
	Setup func(ctx context.Context) error

	// Init is called once after config load with the plugin's config.
	// Its return value is the plugin's initial render data.
	Init func(ctx context.Context, config map[string]any) (any, error)

	// Cleanup is called once at shutdown.
	Cleanup func(ctx context.Context) error
}

// Unit is an instantiated plugin entry unit: its lifecycle hooks and its
// endpoint handlers, probed once from the plugin's entry file.
type Unit struct {
	Hooks    Hooks
	Handlers map[string]Handler
}

// Capabilities derives the capability set of the unit.
func (u *Unit) Capabilities() Capability {
	var c Capability
	if u.Hooks.Setup != nil {
		c |= CapSetup
	}
	if u.Hooks.Init != nil {
		c |= CapInit
	}
	if u.Hooks.Cleanup != nil {
		c |= CapCleanup
	}
	if len(u.Handlers) > 0 {
		c |= CapRoutes
	}
	return c
}

// Descriptor is the runtime's record of a discovered plugin: identity,
// immutable config, capability set, handlers, and lifecycle state. The state
// is the only mutable field after construction and is guarded by the
// LifecycleManager.
type Descriptor struct {
	// Name is the unique plugin key; it matches the directory name.
	Name string

	// Dir is the plugin's directory under the plugin root.
	Dir string

	// DataDir is the plugin's writable data directory, created before setup.
	DataDir string

	// Manifest is the optional plugin.yaml metadata.
	Manifest *Manifest

	// Config is the plugin's opaque configuration, immutable after load.
	Config map[string]any

	// Capabilities is the probed hook set.
	Capabilities Capability

	// InitialData is the value returned by the init hook, consumed by the
	// initial page render.
	InitialData any

	hooks    Hooks
	handlers map[string]Handler

	mu      sync.Mutex
	state   State
	lastErr error
}

// NewDescriptor creates a descriptor in the Discovered state.
func NewDescriptor(name, dir, dataDir string) *Descriptor {
	return &Descriptor{
		Name:    name,
		Dir:     dir,
		DataDir: dataDir,
		state:   StateDiscovered,
	}
}

// attach installs an instantiated unit's hooks and handlers.
func (d *Descriptor) attach(unit *Unit) {
	d.hooks = unit.Hooks
	d.handlers = unit.Handlers
	d.Capabilities = unit.Capabilities()
}

// State returns the current lifecycle state.
func (d *Descriptor) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// LastError returns the error that moved the plugin to Failed, if any.
func (d *Descriptor) LastError() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr
}

// Handler returns the handler registered for endpoint.
func (d *Descriptor) Handler(endpoint string) (Handler, bool) {
	h, ok := d.handlers[endpoint]
	return h, ok
}

// Endpoints returns the sorted endpoint names the plugin serves.
func (d *Descriptor) Endpoints() []string {
	endpoints := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		endpoints = append(endpoints, name)
	}
	sort.Strings(endpoints)
	return endpoints
}

// Cleanup runs the plugin's cleanup hook if present.
func (d *Descriptor) Cleanup(ctx context.Context) error {
	if d.hooks.Cleanup == nil {
		return nil
	}
	return d.hooks.Cleanup(ctx)
}
