package journal

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/kioskd/kioskd/pkg/dispatch"
	"github.com/kioskd/kioskd/pkg/telemetry"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// writeTimeout caps how long the background writer spends on one insert.
const writeTimeout = 2 * time.Second

// recordQueueSize bounds the pending-insert queue. Records past this are
// dropped with a warning rather than stalling dispatch.
const recordQueueSize = 256

// SQLiteStore is the SQLite-backed dispatch journal. Inserts are queued and
// written by a background goroutine so the dispatch path never waits on the
// database. It implements dispatch.Recorder.
type SQLiteStore struct {
	db   *sql.DB
	path string
	log  *telemetry.Logger
	now  func() time.Time

	records chan dispatch.Record
	done    chan struct{}
	mu      sync.RWMutex
	closed  bool
}

// StoreOption configures a SQLiteStore.
type StoreOption func(*SQLiteStore)

// WithStoreLogger sets the logger for journal write failures.
func WithStoreLogger(log *telemetry.Logger) StoreOption {
	return func(s *SQLiteStore) {
		s.log = log
	}
}

// WithStoreClock overrides the clock, for tests.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *SQLiteStore) {
		s.now = now
	}
}

// NewSQLiteStore creates a journal store backed by the database at path.
func NewSQLiteStore(path string, opts ...StoreOption) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("journal path is required")
	}
	s := &SQLiteStore{
		path: path,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open journal database: %w", err)
	}

	// A kiosk writes from one dispatch path; a small pool is plenty.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping journal database: %w", err)
	}

	s.db = db
	s.records = make(chan dispatch.Record, recordQueueSize)
	s.done = make(chan struct{})
	go s.writeLoop()
	return nil
}

// Close drains the pending queue and closes the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	if !s.closed && s.records != nil {
		s.closed = true
		close(s.records)
	}
	s.mu.Unlock()

	if s.done != nil {
		<-s.done
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs the embedded schema migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("journal database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// RecordDispatch queues one completed dispatch for journaling. It never
// blocks: a full queue and a failed insert are both logged and dropped.
// Recording against a closed store is a no-op.
func (s *SQLiteStore) RecordDispatch(_ context.Context, rec dispatch.Record) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed || s.records == nil {
		return
	}

	select {
	case s.records <- rec:
	default:
		if s.log != nil {
			s.log.Warn("journal queue full, dropping dispatch record")
		}
	}
}

// writeLoop is the single consumer of the record queue.
func (s *SQLiteStore) writeLoop() {
	defer close(s.done)
	for rec := range s.records {
		s.insert(rec)
	}
}

func (s *SQLiteStore) insert(rec dispatch.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	var errMsg *string
	if rec.Err != nil {
		msg := rec.Err.Error()
		errMsg = &msg
	}

	query := `
		INSERT INTO dispatches (id, plugin, endpoint, outcome, duration_ms, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		uuid.New().String(),
		rec.Plugin,
		rec.Endpoint,
		string(rec.Outcome),
		rec.Duration.Milliseconds(),
		errMsg,
		s.now().UTC(),
	)
	if err != nil && s.log != nil {
		s.log.WithError(err).Warn("failed to journal dispatch")
	}
}

// Recent returns the most recent journal entries, newest first.
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, plugin, endpoint, outcome, duration_ms, error, created_at
		FROM dispatches
		ORDER BY created_at DESC, id
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Plugin, &e.Endpoint, &e.Outcome, &e.DurationMS, &e.Error, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// FailureCounts aggregates failed dispatches per plugin since the given time.
func (s *SQLiteStore) FailureCounts(ctx context.Context, since time.Time) ([]FailureCount, error) {
	query := `
		SELECT plugin, COUNT(*) AS failures
		FROM dispatches
		WHERE outcome = 'error' AND created_at >= ?
		GROUP BY plugin
		ORDER BY failures DESC, plugin
	`
	rows, err := s.db.QueryContext(ctx, query, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query failure counts: %w", err)
	}
	defer rows.Close()

	var counts []FailureCount
	for rows.Next() {
		var c FailureCount
		if err := rows.Scan(&c.Plugin, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan failure count: %w", err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}
