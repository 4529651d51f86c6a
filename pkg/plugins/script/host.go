package script

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/kioskd/kioskd/pkg/fetch"
	"github.com/kioskd/kioskd/pkg/plugins"
	"github.com/kioskd/kioskd/pkg/telemetry"
)

// handlerPrefix marks exported endpoint functions: api_forecast serves the
// "forecast" endpoint.
const handlerPrefix = "api_"

const (
	setupHookName   = "setup"
	initHookName    = "init"
	cleanupHookName = "cleanup"
)

// Host loads Starlark plugin entry files. It implements plugins.EntryLoader.
type Host struct {
	log     *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	client  *http.Client
	timeout time.Duration
	now     func() time.Time
}

// HostOption configures a Host.
type HostOption func(*Host)

// WithHostLogger sets the logger handed to plugin environments.
func WithHostLogger(log *telemetry.Logger) HostOption {
	return func(h *Host) {
		h.log = log
	}
}

// WithHostMetrics sets the metrics collector.
func WithHostMetrics(m *telemetry.Metrics) HostOption {
	return func(h *Host) {
		h.metrics = m
	}
}

// WithHostTracer sets the tracer handed to plugin fetchers.
func WithHostTracer(t *telemetry.Tracer) HostOption {
	return func(h *Host) {
		h.tracer = t
	}
}

// WithHTTPClient sets the HTTP client used by the fetch built-ins.
func WithHTTPClient(client *http.Client) HostOption {
	return func(h *Host) {
		h.client = client
	}
}

// WithCallTimeout caps the execution time of any single script call.
func WithCallTimeout(d time.Duration) HostOption {
	return func(h *Host) {
		h.timeout = d
	}
}

// WithHostClock overrides the clock handed to plugin environments.
func WithHostClock(now func() time.Time) HostOption {
	return func(h *Host) {
		h.now = now
	}
}

// NewHost creates a Starlark plugin host.
func NewHost(opts ...HostOption) *Host {
	h := &Host{
		client:  &http.Client{Timeout: 15 * time.Second},
		timeout: 30 * time.Second,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Load executes the plugin's entry file once and probes its exports. The
// module globals are frozen after execution, so the probed functions are safe
// to call from concurrent request threads.
func (h *Host) Load(ctx context.Context, spec plugins.EntrySpec) (*plugins.Unit, error) {
	path := filepath.Join(spec.Dir, plugins.EntryFileName)
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read entry file: %w", err)
	}

	env := &pluginEnv{
		name:    spec.Name,
		cache:   fetch.NewStore(spec.DataDir),
		backoff: fetch.NewController(spec.DataDir),
		client:  h.client,
		log:     h.log,
		now:     h.now,
	}
	fetcherOpts := []fetch.FetcherOption{
		fetch.WithLogger(h.log),
		fetch.WithMetrics(h.metrics),
	}
	if h.tracer != nil {
		fetcherOpts = append(fetcherOpts, fetch.WithTracer(h.tracer))
	}
	env.fetcher = fetch.NewFetcher(spec.Name, env.cache, env.backoff, fetcherOpts...)

	predeclared := env.predeclared()
	predeclared["struct"] = starlarkstruct.Default

	thread := h.newThread(spec.Name)
	h.bindContext(thread, ctx)
	globals, err := starlark.ExecFile(thread, path, src, predeclared)
	if err != nil {
		return nil, fmt.Errorf("script execution failed: %w", err)
	}

	return h.probe(spec.Name, globals)
}

// probe inspects the module globals for lifecycle hooks and endpoint
// handlers. This runs once per load; dispatch never re-inspects the script.
func (h *Host) probe(plugin string, globals starlark.StringDict) (*plugins.Unit, error) {
	unit := &plugins.Unit{
		Handlers: make(map[string]plugins.Handler),
	}

	for name, value := range globals {
		fn, ok := value.(*starlark.Function)
		if !ok {
			continue
		}

		switch {
		case name == setupHookName:
			unit.Hooks.Setup = h.setupHook(plugin, fn)
		case name == initHookName:
			unit.Hooks.Init = h.initHook(plugin, fn)
		case name == cleanupHookName:
			unit.Hooks.Cleanup = h.cleanupHook(plugin, fn)
		case strings.HasPrefix(name, handlerPrefix):
			endpoint := strings.TrimPrefix(name, handlerPrefix)
			if endpoint == "" {
				return nil, fmt.Errorf("plugin %s exports a bare %q function", plugin, handlerPrefix)
			}
			unit.Handlers[endpoint] = h.endpointHandler(plugin, endpoint, fn)
		}
	}
	return unit, nil
}

// setupHook wraps a script setup function. Raising an error or returning
// False both count as a failed setup.
func (h *Host) setupHook(plugin string, fn *starlark.Function) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		result, err := h.call(ctx, plugin, fn, nil)
		if err != nil {
			return err
		}
		if result == starlark.False {
			return fmt.Errorf("setup returned False")
		}
		return nil
	}
}

// initHook wraps a script init function. The canonical form takes the plugin
// config as its single argument; a zero-parameter init is tolerated.
func (h *Host) initHook(plugin string, fn *starlark.Function) func(ctx context.Context, config map[string]any) (any, error) {
	return func(ctx context.Context, config map[string]any) (any, error) {
		var args starlark.Tuple
		if fn.NumParams() > 0 {
			if config == nil {
				config = make(map[string]any)
			}
			cfgVal, err := toStarlarkValue(config)
			if err != nil {
				return nil, fmt.Errorf("failed to convert config: %w", err)
			}
			args = starlark.Tuple{cfgVal}
		}

		result, err := h.call(ctx, plugin, fn, args)
		if err != nil {
			return nil, err
		}
		return fromStarlarkValue(result)
	}
}

// cleanupHook wraps a script cleanup function.
func (h *Host) cleanupHook(plugin string, fn *starlark.Function) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := h.call(ctx, plugin, fn, nil)
		return err
	}
}

// endpointHandler wraps an api_* function as a dispatchable handler. The
// function may take the request parameters as a dict or take no arguments.
func (h *Host) endpointHandler(plugin, endpoint string, fn *starlark.Function) plugins.Handler {
	return plugins.HandlerFunc(func(ctx context.Context, params map[string]string) (any, error) {
		var args starlark.Tuple
		if fn.NumParams() > 0 {
			args = starlark.Tuple{paramsToStarlark(params)}
		}

		result, err := h.call(ctx, plugin, fn, args)
		if err != nil {
			return nil, &plugins.UpstreamError{Plugin: plugin, Endpoint: endpoint, Err: err}
		}
		return fromStarlarkValue(result)
	})
}

// call invokes a frozen script function on a fresh thread, honoring the
// context and the host's call timeout.
func (h *Host) call(ctx context.Context, plugin string, fn *starlark.Function, args starlark.Tuple) (starlark.Value, error) {
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	thread := h.newThread(plugin)
	h.bindContext(thread, ctx)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-done:
		}
	}()

	return starlark.Call(thread, fn, args, nil)
}

func (h *Host) newThread(plugin string) *starlark.Thread {
	return &starlark.Thread{
		Name: plugin,
		Print: func(_ *starlark.Thread, msg string) {
			if h.log != nil {
				h.log.WithPlugin(plugin).Debug(msg)
			}
		},
	}
}

func (h *Host) bindContext(thread *starlark.Thread, ctx context.Context) {
	thread.SetLocal(ctxLocalKey, ctx)
}
