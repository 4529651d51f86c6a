package fetch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kioskd/kioskd/pkg/telemetry"
)

func newTestFetcher(t *testing.T, clock *fakeClock) (*Fetcher, *Store, *Controller) {
	t.Helper()
	dir := t.TempDir()
	store := NewStore(dir, WithClock(clock.Now))
	backoff := NewController(dir, WithControllerClock(clock.Now))
	return NewFetcher("weather", store, backoff), store, backoff
}

func TestFetcherFreshCacheSkipsUpstream(t *testing.T) {
	clock := newFakeClock()
	f, store, _ := newTestFetcher(t, clock)

	if err := store.Put("current", map[string]any{"temp": 20}, time.Minute); err != nil {
		t.Fatalf("failed to seed cache: %v", err)
	}

	called := false
	result, err := f.Do(context.Background(), "current", time.Minute, func(ctx context.Context) (any, error) {
		called = true
		return nil, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called {
		t.Error("upstream must not be called while the cache is fresh")
	}
	if result.Degraded {
		t.Error("fresh cache result must not be degraded")
	}
}

func TestFetcherSuccessCachesAndResets(t *testing.T) {
	clock := newFakeClock()
	f, store, backoff := newTestFetcher(t, clock)

	backoff.RecordFailure("current", "error")
	clock.Advance(11 * time.Minute) // past the first backoff window

	result, err := f.Do(context.Background(), "current", time.Minute, func(ctx context.Context) (any, error) {
		return map[string]any{"temp": 18}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Degraded {
		t.Error("live fetch result must not be degraded")
	}

	if _, ok := store.Get("current"); !ok {
		t.Error("successful fetch must populate the cache")
	}
	if state := backoff.State("current"); state.ConsecutiveFailures != 0 {
		t.Errorf("success must reset the failure count, got %d", state.ConsecutiveFailures)
	}
}

func TestFetcherFailureDegradesToLastValue(t *testing.T) {
	clock := newFakeClock()
	f, store, backoff := newTestFetcher(t, clock)

	if err := store.Put("current", map[string]any{"temp": 20}, time.Minute); err != nil {
		t.Fatalf("failed to seed cache: %v", err)
	}
	clock.Advance(2 * time.Minute) // expire it

	result, err := f.Do(context.Background(), "current", time.Minute, func(ctx context.Context) (any, error) {
		return nil, errors.New("connection refused")
	})
	if err != nil {
		t.Fatalf("degraded result must not carry an error: %v", err)
	}
	if !result.Degraded {
		t.Error("stale fallback must be degraded")
	}
	if len(result.Value) == 0 {
		t.Error("expected the last known payload")
	}
	if state := backoff.State("current"); state.ConsecutiveFailures != 1 {
		t.Errorf("failure must be recorded, got count %d", state.ConsecutiveFailures)
	}
}

func TestFetcherFailureWithoutFallback(t *testing.T) {
	clock := newFakeClock()
	f, _, _ := newTestFetcher(t, clock)

	wantErr := errors.New("boom")
	result, err := f.Do(context.Background(), "cold", time.Minute, func(ctx context.Context) (any, error) {
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected the fetch error, got %v", err)
	}
	if !result.Degraded {
		t.Error("failed fetch without fallback must be degraded")
	}
}

func TestFetcherBackoffSkip(t *testing.T) {
	clock := newFakeClock()
	f, store, backoff := newTestFetcher(t, clock)

	backoff.RecordFailure("current", "error")

	// Inside the window with a stale value: degraded fallback, no upstream call.
	if err := store.Put("current", map[string]any{"temp": 19}, time.Second); err != nil {
		t.Fatalf("failed to seed cache: %v", err)
	}
	clock.Advance(5 * time.Second)

	called := false
	result, err := f.Do(context.Background(), "current", time.Second, func(ctx context.Context) (any, error) {
		called = true
		return nil, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called {
		t.Error("upstream must not be called inside the backoff window")
	}
	if !result.Degraded {
		t.Error("skip fallback must be degraded")
	}

	// Inside the window with nothing cached at all: ErrSkipped.
	backoff.RecordFailure("other", "error")
	_, err = f.Do(context.Background(), "other", time.Second, func(ctx context.Context) (any, error) {
		t.Fatal("upstream must not be called")
		return nil, nil
	})
	if !errors.Is(err, ErrSkipped) {
		t.Fatalf("expected ErrSkipped, got %v", err)
	}
}

func TestFetcherTracedUpstreamCalls(t *testing.T) {
	clock := newFakeClock()
	dir := t.TempDir()
	store := NewStore(dir, WithClock(clock.Now))
	backoff := NewController(dir, WithControllerClock(clock.Now))

	tracer, err := telemetry.NewTracer(telemetry.TracingConfig{
		Enabled:      true,
		Exporter:     "none",
		SamplingRate: 1,
	}, "kioskd-test", "test", "test")
	if err != nil {
		t.Fatalf("failed to create tracer: %v", err)
	}
	t.Cleanup(func() { tracer.Shutdown(context.Background()) })

	f := NewFetcher("weather", store, backoff, WithTracer(tracer))

	// A traced live fetch behaves exactly like an untraced one.
	result, err := f.Do(context.Background(), "current", time.Minute, func(ctx context.Context) (any, error) {
		return map[string]any{"temp": 18}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Degraded {
		t.Error("traced live fetch must not be degraded")
	}

	// And a traced failure still falls back to the last known value.
	clock.Advance(2 * time.Minute)
	result, err = f.Do(context.Background(), "current", time.Minute, func(ctx context.Context) (any, error) {
		return nil, errors.New("connection refused")
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Degraded {
		t.Error("traced stale fallback must be degraded")
	}
}

func TestFetcherQuotaClassification(t *testing.T) {
	clock := newFakeClock()
	f, _, backoff := newTestFetcher(t, clock)

	_, err := f.Do(context.Background(), "photos", time.Minute, func(ctx context.Context) (any, error) {
		return nil, &QuotaError{StatusCode: 429}
	})
	if err == nil {
		t.Fatal("expected quota error to surface without fallback")
	}
	if state := backoff.State("photos"); state.LastErrorType != "quota" {
		t.Errorf("expected error kind quota, got %q", state.LastErrorType)
	}
}
