package fetch

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// fakeClock is a controllable time source for cache and backoff tests.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func TestCacheFreshness(t *testing.T) {
	clock := newFakeClock()
	store := NewStore(t.TempDir(), WithClock(clock.Now))

	payload := map[string]any{"temp": 21.5, "unit": "C"}
	if err := store.Put("weather", payload, time.Minute); err != nil {
		t.Fatalf("failed to put: %v", err)
	}

	got, ok := store.Get("weather")
	if !ok {
		t.Fatal("expected fresh entry")
	}
	var decoded map[string]any
	if err := json.Unmarshal(got, &decoded); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if decoded["unit"] != "C" {
		t.Errorf("expected unit C, got %v", decoded["unit"])
	}

	// Just past the TTL the entry must read as absent, not stale.
	clock.Advance(61 * time.Second)
	if _, ok := store.Get("weather"); ok {
		t.Error("expected expired entry to be absent")
	}

	// Last ignores freshness for degraded responses.
	last, ok := store.Last("weather")
	if !ok {
		t.Fatal("expected Last to return the expired payload")
	}
	if len(last) == 0 {
		t.Error("expected non-empty payload from Last")
	}
}

func TestCacheMissingAndCorrupt(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	if _, ok := store.Get("nothing"); ok {
		t.Error("expected miss for unknown key")
	}

	// A corrupt entry file behaves like a miss.
	if err := os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{not json"), 0644); err != nil {
		t.Fatalf("failed to write corrupt file: %v", err)
	}
	if _, ok := store.Get("bad"); ok {
		t.Error("expected miss for corrupt entry")
	}
	if _, ok := store.Last("bad"); ok {
		t.Error("expected Last miss for corrupt entry")
	}
}

func TestCacheOverwriteAndDelete(t *testing.T) {
	clock := newFakeClock()
	store := NewStore(t.TempDir(), WithClock(clock.Now))

	if err := store.Put("k", "first", time.Minute); err != nil {
		t.Fatalf("failed to put: %v", err)
	}
	if err := store.Put("k", "second", time.Minute); err != nil {
		t.Fatalf("failed to overwrite: %v", err)
	}

	got, ok := store.Get("k")
	if !ok {
		t.Fatal("expected entry")
	}
	if string(got) != `"second"` {
		t.Errorf("expected overwritten value, got %s", got)
	}

	if err := store.Delete("k"); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
	if _, ok := store.Get("k"); ok {
		t.Error("expected miss after delete")
	}
	if err := store.Delete("k"); err != nil {
		t.Errorf("deleting a missing key should not fail: %v", err)
	}
}

func TestCacheKeySanitization(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	if err := store.Put("albums/2024:summer", 42, time.Minute); err != nil {
		t.Fatalf("failed to put: %v", err)
	}
	if _, ok := store.Get("albums/2024:summer"); !ok {
		t.Fatal("expected entry under sanitized key")
	}

	// The file name must not contain path separators.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("failed to read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one entry file, got %d", len(entries))
	}
	if entries[0].Name() != "albums_2024_summer.json" {
		t.Errorf("unexpected file name %s", entries[0].Name())
	}
}

func TestCacheOnDiskFormat(t *testing.T) {
	clock := newFakeClock()
	dir := t.TempDir()
	store := NewStore(dir, WithClock(clock.Now))

	if err := store.Put("k", map[string]any{"a": 1}, 2*time.Minute); err != nil {
		t.Fatalf("failed to put: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "k.json"))
	if err != nil {
		t.Fatalf("failed to read entry file: %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("entry file is not valid JSON: %v", err)
	}
	for _, field := range []string{"timestamp", "ttl", "payload"} {
		if _, ok := raw[field]; !ok {
			t.Errorf("entry file missing field %q", field)
		}
	}
}
