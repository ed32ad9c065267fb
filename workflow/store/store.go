// Package store provides SQL-backed persistence for workflow trees, runs,
// artifacts, routing decisions, diagnostics, and stream events.
//
// The store supports two dialects sharing one schema and one query surface:
//   - SQLite (modernc.org/sqlite) for single-process deployments, the default
//   - MySQL (go-sql-driver/mysql) for shared-server deployments
//
// All timestamps are persisted as UTC ISO-8601 text with millisecond
// precision. Every mutation to a tracked row updates updated_at. Status and
// attempt mutations are guarded by WHERE clauses on the expected current
// values; a row count other than one surfaces ErrPrecondition so callers can
// detect lost races instead of clobbering concurrent writers.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

// Driver selects the SQL dialect backing a Store.
type Driver string

const (
	// DriverSQLite uses modernc.org/sqlite with a single-file database.
	DriverSQLite Driver = "sqlite"

	// DriverMySQL uses go-sql-driver/mysql with a DSN.
	DriverMySQL Driver = "mysql"
)

// timeLayout is the canonical persisted timestamp format: UTC ISO-8601 with
// millisecond precision.
const timeLayout = "2006-01-02T15:04:05.000Z"

// Sentinel errors returned by store operations.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrPrecondition indicates a guarded update matched zero rows: the
	// row's current status/attempt no longer equals the expected values.
	ErrPrecondition = errors.New("store: precondition failed")

	// ErrRevisionMismatch indicates a draft save or publish carried a stale
	// draft revision.
	ErrRevisionMismatch = errors.New("store: draft revision mismatch")

	// ErrVersionConflict indicates a concurrent draft bootstrap claimed the
	// same (treeKey, version) pair first.
	ErrVersionConflict = errors.New("store: tree version conflict")

	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("store: closed")
)

// Config describes how to open a Store.
type Config struct {
	// Driver selects the dialect. Empty defaults to DriverSQLite.
	Driver Driver

	// DSN is the database location: a file path (or ":memory:") for SQLite,
	// a go-sql-driver DSN for MySQL.
	DSN string
}

// ConfigFromEnv builds a Config from the environment.
//
// Recognized variables:
//   - ALPHRED_DB_PATH: SQLite database path, relative paths resolved against
//     the process working directory. Default "./alphred.db".
//   - ALPHRED_DB_DRIVER: "sqlite" (default) or "mysql". For MySQL,
//     ALPHRED_DB_PATH holds the DSN verbatim.
func ConfigFromEnv() Config {
	driver := DriverSQLite
	if v := os.Getenv("ALPHRED_DB_DRIVER"); v != "" {
		driver = Driver(v)
	}

	dsn := os.Getenv("ALPHRED_DB_PATH")
	if dsn == "" {
		dsn = "./alphred.db"
	}

	if driver == DriverSQLite && dsn != ":memory:" && !filepath.IsAbs(dsn) {
		if cwd, err := os.Getwd(); err == nil {
			dsn = filepath.Join(cwd, dsn)
		}
	}

	return Config{Driver: driver, DSN: dsn}
}

// Store is a SQL-backed persistence layer shared by the planner, the
// executor, the control operations, and the background execution manager.
//
// A Store owns one *sql.DB. Background execution tasks open their own Store
// so their session lifecycle is detached from the launching request.
type Store struct {
	db     *sql.DB
	driver Driver
	mu     sync.RWMutex
	closed bool

	// now is swappable for tests that need deterministic timestamps.
	now func() time.Time
}

// Open opens (and migrates) a Store for the given config.
//
// For SQLite the connection pool is restricted to a single connection and
// WAL mode, foreign keys, and a busy timeout are enabled, matching the
// single-writer model SQLite supports.
func Open(cfg Config) (*Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverSQLite
	}

	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case DriverSQLite:
		db, err = sql.Open("sqlite", cfg.DSN)
	case DriverMySQL:
		db, err = sql.Open("mysql", cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx := context.Background()

	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)

		pragmas := []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA foreign_keys=ON",
			"PRAGMA busy_timeout=5000",
		}
		for _, pragma := range pragmas {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
			}
		}
	}

	s := &Store{
		db:     db,
		driver: driver,
		now:    time.Now,
	}

	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
//
// After Close, all operations return ErrClosed. Double-close is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Driver reports the dialect this store was opened with.
func (s *Store) Driver() Driver {
	return s.driver
}

// SetClock overrides the timestamp source. Intended for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// guard returns ErrClosed once Close has been called.
func (s *Store) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// timestamp renders t in the canonical persisted format.
func timestamp(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime parses a persisted timestamp.
func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Rows written by other tooling may carry nanosecond precision.
		t, err = time.Parse(time.RFC3339Nano, s)
	}
	return t, err
}

// parseNullTime parses an optional persisted timestamp.
func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// nullableTimestamp renders an optional time for a nullable column.
func nullableTimestamp(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return timestamp(*t)
}

// insertIgnore returns the dialect-specific duplicate-tolerant INSERT verb.
func (s *Store) insertIgnore() string {
	if s.driver == DriverMySQL {
		return "INSERT IGNORE INTO"
	}
	return "INSERT OR IGNORE INTO"
}

// isUniqueViolation reports whether err is a unique-constraint violation in
// either dialect.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite
		strings.Contains(msg, "Duplicate entry") // mysql
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if err := s.guard(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback() // Ignore rollback error when already returning error
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}
