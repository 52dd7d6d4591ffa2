package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
)

const (
	// busyMaxAttempts caps retries on SQLITE_BUSY contention.
	busyMaxAttempts = 5
	busyBaseBackoff = 10 * time.Millisecond
)

// Store wraps one tenant database: a single SQLite file in WAL mode with
// foreign keys enforced. WAL gives multi-reader, single-writer semantics;
// the store serializes writers and retries on contention.
type Store struct {
	db       *sql.DB
	tenantID string
	stmts    *StmtCache
}

// Open opens (creating if needed) the database for a tenant at
// {dbRoot}/{tenantID}.db and runs pending migrations.
func Open(dbRoot, tenantID string) (*Store, error) {
	if err := os.MkdirAll(dbRoot, 0755); err != nil {
		return nil, fmt.Errorf("failed to create db root: %w", err)
	}

	dbPath := filepath.Join(dbRoot, tenantID+".db")
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, tenantID: tenantID, stmts: NewStmtCache(db)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenMemory opens an in-memory database, used by tests.
func OpenMemory(tenantID string) (*Store, error) {
	db, err := sql.Open("sqlite", "file::memory:?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single shared connection keeps the in-memory database alive and
	// mirrors SQLite's one-writer model.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, tenantID: tenantID, stmts: NewStmtCache(db)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle for the repositories layered on top.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Stmts returns the store's prepared-statement cache.
func (s *Store) Stmts() *StmtCache {
	return s.stmts
}

// TenantID returns the tenant this store belongs to.
func (s *Store) TenantID() string {
	return s.tenantID
}

// Close closes the database.
func (s *Store) Close() error {
	s.stmts.Close()
	return s.db.Close()
}

// WithTx runs fn inside a transaction. The unit of work either commits
// atomically or leaves state unchanged. BUSY contention is retried with
// exponential backoff up to busyMaxAttempts before propagating.
func (s *Store) WithTx(fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < busyMaxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(busyBaseBackoff << (attempt - 1))
		}

		tx, err := s.db.Begin()
		if err != nil {
			if isBusy(err) {
				lastErr = err
				continue
			}
			return fmt.Errorf("failed to begin transaction: %w", err)
		}

		if err := fn(tx); err != nil {
			tx.Rollback()
			if isBusy(err) {
				lastErr = err
				continue
			}
			return err
		}

		if err := tx.Commit(); err != nil {
			if isBusy(err) {
				lastErr = err
				continue
			}
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	}
	return fmt.Errorf("transaction still busy after %d attempts: %w", busyMaxAttempts, lastErr)
}

// isBusy reports whether err is SQLite lock contention worth retrying.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database table is locked")
}

// nullTime converts a nullable unix-seconds column to *time.Time.
func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

// timeVal converts a *time.Time to its nullable unix-seconds column value.
func timeVal(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}
