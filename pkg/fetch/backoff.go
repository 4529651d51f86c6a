package fetch

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Backoff defaults. The base/multiplier/cap triple matches the retry
// discipline used against rate-limited photo and calendar APIs.
const (
	DefaultBaseInterval   = 5 * time.Minute
	DefaultMaxInterval    = time.Hour
	DefaultMultiplier     = 2.0
	DefaultFailureCeiling = 16
)

// ErrorState tracks consecutive failures for one named operation. The JSON
// field names are the on-disk contract; the state file is safe to delete to
// force a cold reset.
type ErrorState struct {
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	LastErrorTime       int64  `json:"lastErrorTime"`
	CurrentInterval     int64  `json:"currentInterval"`
	LastErrorType       string `json:"lastErrorType"`
}

// Controller maintains per-key ErrorState and computes a monotonically
// growing retry delay, capped at a maximum and reset on success.
//
// Invariant: ConsecutiveFailures == 0 if and only if CurrentInterval equals
// the base interval.
type Controller struct {
	dir        string
	base       time.Duration
	max        time.Duration
	multiplier float64
	ceiling    int
	now        func() time.Time

	mu     sync.Mutex
	states map[string]*ErrorState
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithIntervals sets the base and maximum retry intervals.
func WithIntervals(base, max time.Duration) ControllerOption {
	return func(c *Controller) {
		c.base = base
		c.max = max
	}
}

// WithMultiplier sets the interval growth factor.
func WithMultiplier(m float64) ControllerOption {
	return func(c *Controller) {
		c.multiplier = m
	}
}

// WithFailureCeiling caps the growth exponent so repeated failures plateau
// at the maximum interval instead of overflowing.
func WithFailureCeiling(n int) ControllerOption {
	return func(c *Controller) {
		c.ceiling = n
	}
}

// WithControllerClock overrides the time source.
func WithControllerClock(now func() time.Time) ControllerOption {
	return func(c *Controller) {
		c.now = now
	}
}

// NewController creates a backoff controller persisting state under dir.
func NewController(dir string, opts ...ControllerOption) *Controller {
	c := &Controller{
		dir:        dir,
		base:       DefaultBaseInterval,
		max:        DefaultMaxInterval,
		multiplier: DefaultMultiplier,
		ceiling:    DefaultFailureCeiling,
		now:        time.Now,
		states:     make(map[string]*ErrorState),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ShouldSkip reports whether the operation for key is inside its backoff
// window and must not be attempted.
func (c *Controller) ShouldSkip(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := c.load(key)
	if state.ConsecutiveFailures < 1 {
		return false
	}
	elapsed := c.now().Unix() - state.LastErrorTime
	return elapsed < state.CurrentInterval
}

// RecordSuccess resets the failure count and retry interval for key.
func (c *Controller) RecordSuccess(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := c.load(key)
	state.ConsecutiveFailures = 0
	state.CurrentInterval = int64(c.base.Seconds())
	state.LastErrorType = ""
	c.persist(key, state)
}

// RecordFailure increments the failure count for key and recomputes the
// retry interval as min(base * multiplier^failures, max).
func (c *Controller) RecordFailure(key, kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := c.load(key)
	state.ConsecutiveFailures++
	state.LastErrorTime = c.now().Unix()
	state.LastErrorType = kind
	state.CurrentInterval = int64(c.interval(state.ConsecutiveFailures).Seconds())
	c.persist(key, state)
}

// State returns a copy of the current error state for key.
func (c *Controller) State(key string) ErrorState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.load(key)
}

// interval computes the retry delay for the given failure count.
func (c *Controller) interval(failures int) time.Duration {
	if failures <= 0 {
		return c.base
	}
	n := failures
	if n > c.ceiling {
		n = c.ceiling
	}
	d := time.Duration(float64(c.base) * math.Pow(c.multiplier, float64(n)))
	if d <= 0 || d > c.max {
		return c.max
	}
	return d
}

// load returns the in-memory state for key, reading it from disk on first
// access. Missing or corrupt files yield a clean state.
func (c *Controller) load(key string) *ErrorState {
	if state, ok := c.states[key]; ok {
		return state
	}

	state := &ErrorState{CurrentInterval: int64(c.base.Seconds())}
	if data, err := os.ReadFile(c.path(key)); err == nil {
		var persisted ErrorState
		if err := json.Unmarshal(data, &persisted); err == nil {
			state = &persisted
			if state.ConsecutiveFailures == 0 {
				state.CurrentInterval = int64(c.base.Seconds())
			}
		}
	}
	c.states[key] = state
	return state
}

// persist writes the state file for key. Persistence failures are not fatal:
// backoff still works in memory for the lifetime of the process.
func (c *Controller) persist(key string, state *ErrorState) {
	data, err := json.Marshal(state)
	if err != nil {
		return
	}
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return
	}
	_ = writeFileAtomic(c.path(key), data)
}

// path maps a key to its state file under the controller directory.
func (c *Controller) path(key string) string {
	return filepath.Join(c.dir, fmt.Sprintf("%s.errors.json", sanitizeKey(key)))
}
