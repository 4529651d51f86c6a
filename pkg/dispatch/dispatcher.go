package dispatch

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/kioskd/kioskd/pkg/plugins"
	"github.com/kioskd/kioskd/pkg/telemetry"
)

// DefaultEndpoint is used when a request names only the plugin.
const DefaultEndpoint = "data"

// Record describes one completed dispatch for journaling.
type Record struct {
	Plugin   string
	Endpoint string
	Outcome  Outcome
	Duration time.Duration
	Err      error
}

// Recorder receives a record per dispatch. Implementations must not block
// the dispatch path; failures are their own problem to log.
type Recorder interface {
	RecordDispatch(ctx context.Context, rec Record)
}

type routeKey struct {
	plugin   string
	endpoint string
}

// routeTable is an immutable snapshot of the serving routes. Dispatch reads
// it lock-free; Rebuild swaps in a fresh one.
type routeTable struct {
	routes  map[routeKey]plugins.Handler
	serving map[string]bool
}

// Dispatcher routes calls to plugin endpoint handlers.
type Dispatcher struct {
	table    atomic.Pointer[routeTable]
	log      *telemetry.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	recorder Recorder
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(log *telemetry.Logger) Option {
	return func(d *Dispatcher) {
		d.log = log
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithTracer sets the tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(d *Dispatcher) {
		d.tracer = t
	}
}

// WithRecorder sets the dispatch journal recorder.
func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) {
		d.recorder = r
	}
}

// NewDispatcher creates a dispatcher with an empty route table.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{}
	for _, opt := range opts {
		opt(d)
	}
	d.table.Store(&routeTable{
		routes:  make(map[routeKey]plugins.Handler),
		serving: make(map[string]bool),
	})
	return d
}

// Rebuild constructs a fresh route table from the descriptor set and swaps
// it in atomically. Descriptors in Initialized state are promoted to Serving
// as their routes are registered; failed and disabled plugins contribute
// nothing.
func (d *Dispatcher) Rebuild(descs []*plugins.Descriptor, lifecycle *plugins.LifecycleManager) {
	next := &routeTable{
		routes:  make(map[routeKey]plugins.Handler),
		serving: make(map[string]bool),
	}

	for _, desc := range descs {
		if desc.State() == plugins.StateInitialized {
			if err := lifecycle.Transition(desc, plugins.StateServing); err != nil {
				lifecycle.Fail(desc, err)
				continue
			}
		}
		if !lifecycle.CanServe(desc) {
			continue
		}

		next.serving[desc.Name] = true
		for _, endpoint := range desc.Endpoints() {
			h, _ := desc.Handler(endpoint)
			next.routes[routeKey{plugin: desc.Name, endpoint: endpoint}] = h
		}
	}

	d.table.Store(next)
	d.metrics.SetPluginsLoaded(len(next.serving))
	d.metrics.RecordReload()
	if d.log != nil {
		d.log.Infof("route table rebuilt: %d plugins serving, %d routes", len(next.serving), len(next.routes))
	}
}

// Dispatch invokes the handler registered for plugin/endpoint. An empty
// endpoint defaults to "data". A missing plugin and a missing endpoint are
// the same outcome: not found. A handler panic is contained to this call and
// reported as a handler error.
func (d *Dispatcher) Dispatch(ctx context.Context, plugin, endpoint string, params map[string]string) Result {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	start := time.Now()
	table := d.table.Load()

	handler, ok := table.routes[routeKey{plugin: plugin, endpoint: endpoint}]
	if !ok {
		result := Result{Outcome: OutcomeNotFound}
		if d.log != nil {
			reason := "unknown plugin"
			if table.serving[plugin] {
				reason = "unknown endpoint"
			}
			d.log.WithEndpoint(plugin, endpoint).Debugf("dispatch rejected: %s", reason)
		}
		d.finish(ctx, plugin, endpoint, result, start)
		return result
	}

	ctx, span := d.startSpan(ctx, plugin, endpoint)
	result := d.invoke(ctx, handler, params)
	if span != nil {
		span.SetAttributes(telemetry.AttrOutcome.String(string(result.Outcome)))
		if result.Err != nil {
			telemetry.RecordError(span, result.Err)
		} else {
			telemetry.RecordSuccess(span)
		}
		span.End()
	}

	if result.Err != nil && d.log != nil {
		d.log.WithEndpoint(plugin, endpoint).WithError(result.Err).Error("handler failed")
	}
	d.finish(ctx, plugin, endpoint, result, start)
	return result
}

// invoke runs the handler with panic containment.
func (d *Dispatcher) invoke(ctx context.Context, handler plugins.Handler, params map[string]string) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = Result{
				Outcome: OutcomeError,
				Err:     fmt.Errorf("handler panic: %v", r),
			}
		}
	}()

	payload, err := handler.Invoke(ctx, params)
	if err != nil {
		return Result{Outcome: OutcomeError, Err: err}
	}
	return Result{Outcome: OutcomeOK, Payload: payload}
}

func (d *Dispatcher) startSpan(ctx context.Context, plugin, endpoint string) (context.Context, telemetry.Span) {
	if d.tracer == nil {
		return ctx, nil
	}
	return d.tracer.StartDispatchSpan(ctx, plugin, endpoint)
}

func (d *Dispatcher) finish(ctx context.Context, plugin, endpoint string, result Result, start time.Time) {
	duration := time.Since(start)
	d.metrics.RecordDispatch(plugin, endpoint, string(result.Outcome), duration)
	if d.recorder != nil {
		d.recorder.RecordDispatch(ctx, Record{
			Plugin:   plugin,
			Endpoint: endpoint,
			Outcome:  result.Outcome,
			Duration: duration,
			Err:      result.Err,
		})
	}
}
