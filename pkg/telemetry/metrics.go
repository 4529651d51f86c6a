package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the kioskd plugin runtime.
// A nil or disabled Metrics is safe to use; all recording methods become
// no-ops so the runtime never branches on metrics availability.
type Metrics struct {
	config MetricsConfig

	// Dispatch metrics
	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec

	// Fetch metrics
	cacheHits     *prometheus.CounterVec
	cacheMisses   *prometheus.CounterVec
	backoffSkips  *prometheus.CounterVec
	upstreamCalls *prometheus.CounterVec

	// Plugin lifecycle metrics
	pluginState   *prometheus.GaugeVec
	pluginsLoaded prometheus.Gauge
	reloadsTotal  prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		dispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_total",
				Help:      "Total number of dispatch calls",
			},
			[]string{"plugin", "endpoint", "outcome"},
		),
		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dispatch_duration_seconds",
				Help:      "Duration of handler invocation in seconds",
				Buckets:   buckets,
			},
			[]string{"plugin", "endpoint"},
		),

		cacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_hits_total",
				Help:      "Total number of fresh cache reads",
			},
			[]string{"plugin"},
		),
		cacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_misses_total",
				Help:      "Total number of cache reads that found no fresh entry",
			},
			[]string{"plugin"},
		),
		backoffSkips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backoff_skips_total",
				Help:      "Total number of upstream calls skipped by the backoff controller",
			},
			[]string{"plugin"},
		),
		upstreamCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_calls_total",
				Help:      "Total number of upstream fetch attempts",
			},
			[]string{"plugin", "status"},
		),

		pluginState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "plugin_state",
				Help:      "Current lifecycle state per plugin (1 for the active state)",
			},
			[]string{"plugin", "state"},
		),
		pluginsLoaded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "plugins_loaded",
				Help:      "Number of plugins currently in Serving state",
			},
		),
		reloadsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reloads_total",
				Help:      "Total number of route table reloads",
			},
		),
	}

	collectors := []prometheus.Collector{
		m.dispatchTotal,
		m.dispatchDuration,
		m.cacheHits,
		m.cacheMisses,
		m.backoffSkips,
		m.upstreamCalls,
		m.pluginState,
		m.pluginsLoaded,
		m.reloadsTotal,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}

	return m, nil
}

// enabled reports whether this instance records anything.
func (m *Metrics) enabled() bool {
	return m != nil && m.config.Enabled
}

// RecordDispatch records a dispatch call with its outcome and duration.
func (m *Metrics) RecordDispatch(plugin, endpoint, outcome string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.dispatchTotal.WithLabelValues(plugin, endpoint, outcome).Inc()
	m.dispatchDuration.WithLabelValues(plugin, endpoint).Observe(duration.Seconds())
}

// RecordCacheHit records a fresh cache read for a plugin.
func (m *Metrics) RecordCacheHit(plugin string) {
	if !m.enabled() {
		return
	}
	m.cacheHits.WithLabelValues(plugin).Inc()
}

// RecordCacheMiss records a cache read that found no fresh entry.
func (m *Metrics) RecordCacheMiss(plugin string) {
	if !m.enabled() {
		return
	}
	m.cacheMisses.WithLabelValues(plugin).Inc()
}

// RecordBackoffSkip records an upstream call suppressed by backoff.
func (m *Metrics) RecordBackoffSkip(plugin string) {
	if !m.enabled() {
		return
	}
	m.backoffSkips.WithLabelValues(plugin).Inc()
}

// RecordUpstreamCall records an upstream fetch attempt and its status.
func (m *Metrics) RecordUpstreamCall(plugin, status string) {
	if !m.enabled() {
		return
	}
	m.upstreamCalls.WithLabelValues(plugin, status).Inc()
}

// SetPluginState sets the lifecycle state gauge for a plugin. The previous
// state's gauge must be cleared by the caller via ClearPluginState.
func (m *Metrics) SetPluginState(plugin, state string) {
	if !m.enabled() {
		return
	}
	m.pluginState.WithLabelValues(plugin, state).Set(1)
}

// ClearPluginState clears the gauge for a plugin's previous state.
func (m *Metrics) ClearPluginState(plugin, state string) {
	if !m.enabled() {
		return
	}
	m.pluginState.WithLabelValues(plugin, state).Set(0)
}

// SetPluginsLoaded sets the number of plugins in Serving state.
func (m *Metrics) SetPluginsLoaded(n int) {
	if !m.enabled() {
		return
	}
	m.pluginsLoaded.Set(float64(n))
}

// RecordReload records a route table reload.
func (m *Metrics) RecordReload() {
	if !m.enabled() {
		return
	}
	m.reloadsTotal.Inc()
}

// Handler returns an HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ListenAndServe starts the metrics HTTP server. It blocks until the server
// exits, so callers typically run it in a goroutine.
func (m *Metrics) ListenAndServe() error {
	if !m.enabled() {
		return nil
	}
	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	return http.ListenAndServe(m.config.ListenAddress, mux)
}
