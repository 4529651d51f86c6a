package kiosk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kioskd/kioskd/pkg/config"
	"github.com/kioskd/kioskd/pkg/dispatch"
	"github.com/kioskd/kioskd/pkg/journal"
	"github.com/kioskd/kioskd/pkg/plugins"
	"github.com/kioskd/kioskd/pkg/plugins/script"
	"github.com/kioskd/kioskd/pkg/telemetry"
)

// Orchestrator owns the runtime's components and their lifetimes. Reloads
// are serialized; dispatch stays lock-free throughout.
type Orchestrator struct {
	cfg     *config.Config
	log     *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer

	lifecycle  *plugins.LifecycleManager
	registry   *plugins.Registry
	dispatcher *dispatch.Dispatcher
	host       *script.Host
	journal    *journal.SQLiteStore

	version   string
	startedAt time.Time

	mu sync.Mutex
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithTracer sets the tracer.
func WithTracer(t *telemetry.Tracer) OrchestratorOption {
	return func(o *Orchestrator) {
		o.tracer = t
	}
}

// WithVersion sets the version string reported by the status endpoint.
func WithVersion(v string) OrchestratorOption {
	return func(o *Orchestrator) {
		o.version = v
	}
}

// NewOrchestrator assembles the runtime from configuration. Nothing touches
// disk or network until Start.
func NewOrchestrator(cfg *config.Config, log *telemetry.Logger, metrics *telemetry.Metrics, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		version: "dev",
	}
	for _, opt := range opts {
		opt(o)
	}

	o.lifecycle = plugins.NewLifecycleManager(
		plugins.WithLifecycleLogger(log.NewComponentLogger("lifecycle")),
		plugins.WithLifecycleMetrics(metrics),
	)
	o.registry = plugins.NewRegistry()
	hostOpts := []script.HostOption{
		script.WithHostLogger(log.NewComponentLogger("script")),
		script.WithHostMetrics(metrics),
	}
	if o.tracer != nil {
		hostOpts = append(hostOpts, script.WithHostTracer(o.tracer))
	}
	o.host = script.NewHost(hostOpts...)

	dispatchOpts := []dispatch.Option{
		dispatch.WithLogger(log.NewComponentLogger("dispatch")),
		dispatch.WithMetrics(metrics),
	}
	if o.tracer != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithTracer(o.tracer))
	}
	o.dispatcher = dispatch.NewDispatcher(dispatchOpts...)

	return o
}

// Start brings the runtime up: journal first, then plugin discovery and the
// initial route table.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.startedAt = time.Now()

	if o.cfg.Journal.Enabled {
		store, err := journal.NewSQLiteStore(o.cfg.Journal.Path,
			journal.WithStoreLogger(o.log.NewComponentLogger("journal")))
		if err != nil {
			return err
		}
		if err := store.Init(ctx); err != nil {
			return err
		}
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return err
		}
		o.journal = store
		o.dispatcher = o.withRecorder(store)
	}

	return o.load(ctx)
}

// withRecorder rebuilds the dispatcher with the journal recorder attached.
// Start runs before any traffic, so the swap is safe.
func (o *Orchestrator) withRecorder(rec dispatch.Recorder) *dispatch.Dispatcher {
	opts := []dispatch.Option{
		dispatch.WithLogger(o.log.NewComponentLogger("dispatch")),
		dispatch.WithMetrics(o.metrics),
		dispatch.WithRecorder(rec),
	}
	if o.tracer != nil {
		opts = append(opts, dispatch.WithTracer(o.tracer))
	}
	return dispatch.NewDispatcher(opts...)
}

// Reload re-discovers plugins and swaps in a fresh descriptor set and route
// table. Old plugins get their cleanup hooks after the swap, once no new
// dispatch can reach them.
func (o *Orchestrator) Reload(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	old := o.registry.All()
	if err := o.loadLocked(ctx); err != nil {
		return err
	}
	o.cleanupDescriptors(ctx, old)
	o.log.Info("plugin reload complete")
	return nil
}

// Dispatcher returns the dispatcher serving API calls.
func (o *Orchestrator) Dispatcher() *dispatch.Dispatcher {
	return o.dispatcher
}

// Registry returns the current plugin registry.
func (o *Orchestrator) Registry() *plugins.Registry {
	return o.registry
}

// Journal returns the dispatch journal, or nil when disabled.
func (o *Orchestrator) Journal() *journal.SQLiteStore {
	return o.journal
}

// Shutdown runs plugin cleanup hooks and closes the journal.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.dispatcher.Rebuild(nil, o.lifecycle)
	o.cleanupDescriptors(ctx, o.registry.All())
	o.registry.Replace(nil)

	var err error
	if o.journal != nil {
		err = o.journal.Close()
	}
	return err
}

func (o *Orchestrator) load(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.loadLocked(ctx)
}

func (o *Orchestrator) loadLocked(ctx context.Context) error {
	allow, err := o.buildAllowList()
	if err != nil {
		return err
	}

	loader := plugins.NewLoader(o.cfg.PluginsDir, o.host, o.lifecycle,
		plugins.WithAllowList(allow),
		plugins.WithLoaderLogger(o.log.NewComponentLogger("loader")),
	)
	descs, err := loader.Discover(ctx)
	if err != nil {
		return fmt.Errorf("plugin discovery failed: %w", err)
	}

	o.registry.Replace(descs)
	o.dispatcher.Rebuild(descs, o.lifecycle)
	return nil
}

// buildAllowList merges credential sections into the per-plugin config
// overrides. Credentials are keyed by plugin name in the credential file and
// land under "credentials" in each plugin's config.
func (o *Orchestrator) buildAllowList() (map[string]map[string]any, error) {
	allow := o.cfg.EnabledPlugins()

	creds, err := o.cfg.LoadCredentials()
	if err != nil {
		return nil, err
	}
	for name, overrides := range allow {
		if section, ok := creds[name]; ok {
			overrides["credentials"] = section
		}
	}
	return allow, nil
}

func (o *Orchestrator) cleanupDescriptors(ctx context.Context, descs []*plugins.Descriptor) {
	for _, d := range descs {
		if !d.Capabilities.Has(plugins.CapCleanup) {
			continue
		}
		if err := d.Cleanup(ctx); err != nil {
			o.log.WithPlugin(d.Name).WithError(err).Warn("cleanup hook failed")
		}
	}
}

// PluginStatus is one plugin's entry in the system status report.
type PluginStatus struct {
	Name           string   `json:"name"`
	State          string   `json:"state"`
	Version        string   `json:"version,omitempty"`
	Endpoints      []string `json:"endpoints,omitempty"`
	Error          string   `json:"error,omitempty"`
	RecentFailures int64    `json:"recentFailures,omitempty"`
}

// Status is the system status report served at /api/system/status.
type Status struct {
	Version       string              `json:"version"`
	UptimeSeconds int64               `json:"uptimeSeconds"`
	System        config.SystemConfig `json:"system"`
	Plugins       []PluginStatus      `json:"plugins"`
}

// failureWindow is how far back the status report counts failed dispatches.
const failureWindow = 24 * time.Hour

// Status builds the current system status report. Per-plugin failure counts
// come from the journal when it is enabled.
func (o *Orchestrator) Status(ctx context.Context) Status {
	failures := make(map[string]int64)
	if o.journal != nil {
		counts, err := o.journal.FailureCounts(ctx, time.Now().Add(-failureWindow))
		if err != nil {
			o.log.WithError(err).Warn("failure count query failed")
		}
		for _, c := range counts {
			failures[c.Plugin] = c.Count
		}
	}

	descs := o.registry.All()
	statuses := make([]PluginStatus, 0, len(descs))
	for _, d := range descs {
		ps := PluginStatus{
			Name:           d.Name,
			State:          d.State().String(),
			Endpoints:      d.Endpoints(),
			RecentFailures: failures[d.Name],
		}
		if d.Manifest != nil {
			ps.Version = d.Manifest.Version
		}
		if err := d.LastError(); err != nil {
			ps.Error = err.Error()
		}
		statuses = append(statuses, ps)
	}

	return Status{
		Version:       o.version,
		UptimeSeconds: int64(time.Since(o.startedAt).Seconds()),
		System:        o.cfg.System,
		Plugins:       statuses,
	}
}
