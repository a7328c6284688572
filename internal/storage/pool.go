// Package storage is the Persistence Layer: a pooled SQLite connection, a
// single serializing write lock shared by every writer, and lazy,
// once-per-process monthly-partition schema bootstrap.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// writeLatencyObserver is the minimal view of metrics.Registry this package
// needs, avoiding an import cycle with internal/metrics (which imports
// nothing from storage).
type writeLatencyObserver interface {
	ObserveWriteLatency(worker string, seconds float64)
}

// maxOpenConns bounds the pool the way spec.md §5 asks (bounded capacity,
// reused connections); SQLite only profits from one writer at a time but
// many readers, so we still cap generously for read concurrency.
const maxOpenConns = 300

// DB is the Persistence Layer: a pooled connection plus the single write
// lock that serializes every write transaction across workers (spec.md §5
// — "sidestep conflicts on shared indexes"). The lock is a plain
// sync.Mutex and is not reentrant: a WithWriteTx or EnsurePartitionOnce
// call made from inside a running WithWriteTx callback blocks forever.
type DB struct {
	*sqlx.DB

	// Metrics observes write-transaction latency, by worker name. Nil by
	// default; Open leaves it unset (tests use it that way), and the
	// daemon's command paths set it after Open.
	Metrics writeLatencyObserver

	writeMu sync.Mutex

	verifiedMu sync.Mutex
	verified   map[string]struct{} // "<worker>:<partition>" already-bootstrapped this process
}

// Open creates (if needed) and opens the SQLite database at path.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	sqlDB, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	sqlDB.SetMaxOpenConns(maxOpenConns)

	if _, err := sqlDB.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := sqlDB.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := sqlDB.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("set foreign_keys: %w", err)
	}

	return &DB{DB: sqlDB, verified: make(map[string]struct{})}, nil
}

func (db *DB) Close() error {
	if db == nil || db.DB == nil {
		return nil
	}
	return db.DB.Close()
}

// WithWriteTx serializes fn under the process-wide write lock and runs it
// inside a transaction. Reads never take this lock (spec.md §5: "Reads
// bypass this mutex"). worker identifies the caller for the write-latency
// metric (e.g. "statuslog", "shift", "cycle", "analysis:sub-program").
func (db *DB) WithWriteTx(ctx context.Context, worker string, fn func(tx *sqlx.Tx) error) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	start := time.Now()
	defer func() {
		if db.Metrics != nil {
			db.Metrics.ObserveWriteLatency(worker, time.Since(start).Seconds())
		}
	}()

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// EnsurePartitionOnce runs createDDL at most once per (worker, partition)
// for the lifetime of the process, matching spec.md §5's
// "already-verified-this-session" set. It still serializes the actual
// DDL under the write lock, since CREATE TABLE IF NOT EXISTS is itself a
// write.
func (db *DB) EnsurePartitionOnce(ctx context.Context, worker, partition string, createDDL func(tx *sqlx.Tx) error) error {
	key := worker + ":" + partition

	db.verifiedMu.Lock()
	_, done := db.verified[key]
	db.verifiedMu.Unlock()
	if done {
		return nil
	}

	if err := db.WithWriteTx(ctx, worker, createDDL); err != nil {
		return fmt.Errorf("ensure partition %s for %s: %w", partition, worker, err)
	}

	db.verifiedMu.Lock()
	db.verified[key] = struct{}{}
	db.verifiedMu.Unlock()
	return nil
}

// IsUniqueConstraintErr reports whether err is a SQLite unique-constraint
// violation, the signal insert-or-skip writers treat as success and
// upsert-refresh writers treat as "do the UPDATE half".
func IsUniqueConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite reports this as a plain *sqlite.Error whose
	// message contains the SQLite constraint text; compare by substring
	// rather than importing the driver's error type, which keeps this
	// helper usable for sql.ErrNoRows-adjacent sentinel checks in tests
	// without depending on the driver package.
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}
