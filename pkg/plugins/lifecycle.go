package plugins

import (
	"fmt"

	"github.com/kioskd/kioskd/pkg/telemetry"
)

// LifecycleManager owns the state transitions a plugin descriptor moves
// through and enforces that a plugin which failed setup never receives
// traffic.
type LifecycleManager struct {
	log     *telemetry.Logger
	metrics *telemetry.Metrics
}

// LifecycleOption configures a LifecycleManager.
type LifecycleOption func(*LifecycleManager)

// WithLifecycleLogger sets the logger.
func WithLifecycleLogger(log *telemetry.Logger) LifecycleOption {
	return func(m *LifecycleManager) {
		m.log = log
	}
}

// WithLifecycleMetrics sets the metrics collector.
func WithLifecycleMetrics(metrics *telemetry.Metrics) LifecycleOption {
	return func(m *LifecycleManager) {
		m.metrics = metrics
	}
}

// NewLifecycleManager creates a lifecycle manager.
func NewLifecycleManager(opts ...LifecycleOption) *LifecycleManager {
	m := &LifecycleManager{}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// validNext lists the forward transitions of the state machine. Failed is
// reachable from any non-terminal state via Fail, not listed here.
var validNext = map[State][]State{
	StateDiscovered:  {StateConfigured, StateDisabled},
	StateConfigured:  {StateInitialized},
	StateInitialized: {StateServing},
}

// Transition moves d to the requested state, rejecting anything the state
// machine does not allow.
func (m *LifecycleManager) Transition(d *Descriptor, to State) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	from := d.state
	if from == to {
		return nil
	}
	allowed := false
	for _, next := range validNext[from] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("plugin %s: invalid transition %s -> %s", d.Name, from, to)
	}

	d.state = to
	m.recordState(d.Name, from, to)
	return nil
}

// Fail moves d to Failed from any non-terminal state and records the cause.
// The failure is logged once here; afterwards the plugin is silently absent
// from routing.
func (m *LifecycleManager) Fail(d *Descriptor, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state.Terminal() {
		return
	}
	from := d.state
	d.state = StateFailed
	d.lastErr = err
	m.recordState(d.Name, from, StateFailed)
	if m.log != nil {
		m.log.WithPlugin(d.Name).WithError(err).Error("plugin failed to load")
	}
}

// CanServe reports whether dispatch calls may reach d.
func (m *LifecycleManager) CanServe(d *Descriptor) bool {
	return d.State() == StateServing
}

func (m *LifecycleManager) recordState(plugin string, from, to State) {
	m.metrics.ClearPluginState(plugin, from.String())
	m.metrics.SetPluginState(plugin, to.String())
}
