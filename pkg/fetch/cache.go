package fetch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// cacheEntry is the on-disk form of a cached value: the write timestamp,
// the TTL chosen at write time, and the opaque payload.
type cacheEntry struct {
	Timestamp int64           `json:"timestamp"`
	TTL       int64           `json:"ttl"`
	Payload   json.RawMessage `json:"payload"`
}

// Store persists named values as one JSON document per key under a single
// directory. Reads are pure freshness checks; they perform no network I/O
// and never return an error.
type Store struct {
	dir string
	now func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock overrides the time source. Used by tests to control freshness.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates a cache store rooted at dir. The directory is created on
// first Put if it does not exist.
func NewStore(dir string, opts ...StoreOption) *Store {
	s := &Store{
		dir: dir,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the payload for key if it is still fresh. An entry whose
// writtenAt + ttl is in the past is treated as absent, not as stale data.
// Get never fails; unreadable or corrupt files are treated as absent.
func (s *Store) Get(key string) (json.RawMessage, bool) {
	entry, ok := s.read(key)
	if !ok {
		return nil, false
	}
	if s.now().Unix() > entry.Timestamp+entry.TTL {
		return nil, false
	}
	return entry.Payload, true
}

// Last returns the most recently written payload for key regardless of
// freshness. Degraded responses are built from this value when a live fetch
// is skipped or fails.
func (s *Store) Last(key string) (json.RawMessage, bool) {
	entry, ok := s.read(key)
	if !ok {
		return nil, false
	}
	return entry.Payload, true
}

// Put overwrites the entry for key unconditionally. The write is a whole-file
// replacement via a temp file and rename, so a concurrent reader always sees
// a complete document.
func (s *Store) Put(key string, value any, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cache payload for %s: %w", key, err)
	}

	entry := cacheEntry{
		Timestamp: s.now().Unix(),
		TTL:       int64(ttl.Seconds()),
		Payload:   payload,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry for %s: %w", key, err)
	}

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	return writeFileAtomic(s.path(key), data)
}

// Delete removes the entry for key. Missing entries are not an error.
func (s *Store) Delete(key string) error {
	err := os.Remove(s.path(key))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// read loads and decodes the entry file for key.
func (s *Store) read(key string) (*cacheEntry, bool) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		return nil, false
	}
	var entry cacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false
	}
	return &entry, true
}

// path maps a key to its file under the store directory.
func (s *Store) path(key string) string {
	return filepath.Join(s.dir, sanitizeKey(key)+".json")
}

// sanitizeKey maps an arbitrary key to a safe file name.
func sanitizeKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, key)
}

// writeFileAtomic replaces path with data via a temp file and rename.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
