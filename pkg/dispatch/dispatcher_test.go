package dispatch

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/kioskd/kioskd/pkg/plugins"
)

// stubEntries implements plugins.EntryLoader with canned units.
type stubEntries struct {
	units map[string]*plugins.Unit
}

func (s *stubEntries) Load(ctx context.Context, spec plugins.EntrySpec) (*plugins.Unit, error) {
	if unit, ok := s.units[spec.Name]; ok {
		return unit, nil
	}
	return &plugins.Unit{}, nil
}

// captureRecorder collects dispatch records.
type captureRecorder struct {
	mu      sync.Mutex
	records []Record
}

func (c *captureRecorder) RecordDispatch(ctx context.Context, rec Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
}

func handlerReturning(value any, err error) plugins.Handler {
	return plugins.HandlerFunc(func(ctx context.Context, params map[string]string) (any, error) {
		return value, err
	})
}

// loadDescriptors builds real descriptors through the loader so they carry
// proper lifecycle state.
func loadDescriptors(t *testing.T, units map[string]*plugins.Unit) ([]*plugins.Descriptor, *plugins.LifecycleManager) {
	t.Helper()

	root := t.TempDir()
	allow := make(map[string]map[string]any)
	for name := range units {
		dir := filepath.Join(root, name)
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("failed to create plugin dir: %v", err)
		}
		if err := os.WriteFile(filepath.Join(dir, plugins.EntryFileName), nil, 0644); err != nil {
			t.Fatalf("failed to write entry file: %v", err)
		}
		allow[name] = map[string]any{}
	}

	lifecycle := plugins.NewLifecycleManager()
	loader := plugins.NewLoader(root, &stubEntries{units: units}, lifecycle,
		plugins.WithAllowList(allow))
	descs, err := loader.Discover(context.Background())
	if err != nil {
		t.Fatalf("discovery failed: %v", err)
	}
	return descs, lifecycle
}

func TestDispatchRouting(t *testing.T) {
	descs, lifecycle := loadDescriptors(t, map[string]*plugins.Unit{
		"weather": {
			Handlers: map[string]plugins.Handler{
				"data":     handlerReturning(map[string]any{"temp": 21}, nil),
				"forecast": handlerReturning([]string{"sun", "rain"}, nil),
			},
		},
	})

	d := NewDispatcher()
	d.Rebuild(descs, lifecycle)

	for _, desc := range descs {
		if desc.State() != plugins.StateServing {
			t.Fatalf("expected serving after rebuild, got %s", desc.State())
		}
	}

	t.Run("named endpoint", func(t *testing.T) {
		result := d.Dispatch(context.Background(), "weather", "forecast", nil)
		if result.Outcome != OutcomeOK {
			t.Fatalf("expected ok, got %s (%v)", result.Outcome, result.Err)
		}
		if result.HTTPStatus() != http.StatusOK {
			t.Errorf("expected 200, got %d", result.HTTPStatus())
		}
	})

	t.Run("empty endpoint defaults to data", func(t *testing.T) {
		result := d.Dispatch(context.Background(), "weather", "", nil)
		if result.Outcome != OutcomeOK {
			t.Fatalf("expected ok, got %s", result.Outcome)
		}
		payload, ok := result.Payload.(map[string]any)
		if !ok || payload["temp"] != 21 {
			t.Errorf("expected data payload, got %v", result.Payload)
		}
	})

	t.Run("unknown plugin", func(t *testing.T) {
		result := d.Dispatch(context.Background(), "nosuch", "data", nil)
		if result.Outcome != OutcomeNotFound {
			t.Fatalf("expected not_found, got %s", result.Outcome)
		}
		if result.HTTPStatus() != http.StatusNotFound {
			t.Errorf("expected 404, got %d", result.HTTPStatus())
		}
	})

	t.Run("unknown endpoint", func(t *testing.T) {
		result := d.Dispatch(context.Background(), "weather", "nosuch", nil)
		if result.Outcome != OutcomeNotFound {
			t.Fatalf("expected not_found, got %s", result.Outcome)
		}
	})
}

func TestDispatchHandlerError(t *testing.T) {
	wantErr := errors.New("upstream broke")
	descs, lifecycle := loadDescriptors(t, map[string]*plugins.Unit{
		"photos": {
			Handlers: map[string]plugins.Handler{
				"data": handlerReturning(nil, wantErr),
			},
		},
	})

	d := NewDispatcher()
	d.Rebuild(descs, lifecycle)

	result := d.Dispatch(context.Background(), "photos", "data", nil)
	if result.Outcome != OutcomeError {
		t.Fatalf("expected error outcome, got %s", result.Outcome)
	}
	if !errors.Is(result.Err, wantErr) {
		t.Errorf("expected handler error, got %v", result.Err)
	}
	if result.HTTPStatus() != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", result.HTTPStatus())
	}
}

func TestDispatchPanicContainment(t *testing.T) {
	descs, lifecycle := loadDescriptors(t, map[string]*plugins.Unit{
		"flaky": {
			Handlers: map[string]plugins.Handler{
				"data": plugins.HandlerFunc(func(ctx context.Context, params map[string]string) (any, error) {
					panic("nil map write")
				}),
				"ok": handlerReturning("fine", nil),
			},
		},
	})

	d := NewDispatcher()
	d.Rebuild(descs, lifecycle)

	result := d.Dispatch(context.Background(), "flaky", "data", nil)
	if result.Outcome != OutcomeError {
		t.Fatalf("expected error outcome from panic, got %s", result.Outcome)
	}
	if result.Err == nil {
		t.Fatal("expected panic converted to error")
	}

	// One panicking endpoint must not poison the rest of the plugin.
	result = d.Dispatch(context.Background(), "flaky", "ok", nil)
	if result.Outcome != OutcomeOK {
		t.Errorf("expected ok after contained panic, got %s", result.Outcome)
	}
}

func TestDispatchRecorder(t *testing.T) {
	descs, lifecycle := loadDescriptors(t, map[string]*plugins.Unit{
		"weather": {
			Handlers: map[string]plugins.Handler{
				"data": handlerReturning("v", nil),
			},
		},
	})

	rec := &captureRecorder{}
	d := NewDispatcher(WithRecorder(rec))
	d.Rebuild(descs, lifecycle)

	d.Dispatch(context.Background(), "weather", "", nil)
	d.Dispatch(context.Background(), "nosuch", "", nil)

	if len(rec.records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(rec.records))
	}
	if rec.records[0].Outcome != OutcomeOK || rec.records[0].Endpoint != "data" {
		t.Errorf("unexpected first record %+v", rec.records[0])
	}
	if rec.records[1].Outcome != OutcomeNotFound {
		t.Errorf("unexpected second record %+v", rec.records[1])
	}
}

func TestRebuildDropsRemovedPlugins(t *testing.T) {
	descs, lifecycle := loadDescriptors(t, map[string]*plugins.Unit{
		"weather": {
			Handlers: map[string]plugins.Handler{
				"data": handlerReturning("v", nil),
			},
		},
	})

	d := NewDispatcher()
	d.Rebuild(descs, lifecycle)
	if result := d.Dispatch(context.Background(), "weather", "", nil); result.Outcome != OutcomeOK {
		t.Fatalf("expected ok before swap, got %s", result.Outcome)
	}

	// An empty rebuild must atomically remove every route.
	d.Rebuild(nil, lifecycle)
	if result := d.Dispatch(context.Background(), "weather", "", nil); result.Outcome != OutcomeNotFound {
		t.Errorf("expected not_found after swap, got %s", result.Outcome)
	}
}
