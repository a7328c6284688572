package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestEnsurePartitionOnceRunsDDLOnlyOnce(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	calls := 0
	createDDL := func(tx *sqlx.Tx) error {
		calls++
		_, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS widgets (id INTEGER PRIMARY KEY)`)
		return err
	}

	for i := 0; i < 3; i++ {
		if err := db.EnsurePartitionOnce(ctx, "worker", "widgets", createDDL); err != nil {
			t.Fatalf("EnsurePartitionOnce[%d]: %v", i, err)
		}
	}
	if calls != 1 {
		t.Errorf("createDDL called %d times, want 1", calls)
	}
}

func TestEnsurePartitionOnceIsPerWorkerAndPartition(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	ddl := func(table string) func(tx *sqlx.Tx) error {
		return func(tx *sqlx.Tx) error {
			_, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+table+` (id INTEGER PRIMARY KEY)`)
			return err
		}
	}

	if err := db.EnsurePartitionOnce(ctx, "workerA", "t1", ddl("t1")); err != nil {
		t.Fatal(err)
	}
	if err := db.EnsurePartitionOnce(ctx, "workerB", "t1", ddl("t1")); err != nil {
		t.Fatal(err)
	}
	if len(db.verified) != 2 {
		t.Errorf("verified set size = %d, want 2 (distinct worker keys for the same partition)", len(db.verified))
	}
}

func TestWithWriteTxRollsBackOnError(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.ExecContext(ctx, `CREATE TABLE t (id INTEGER PRIMARY KEY)`); err != nil {
		t.Fatal(err)
	}

	wantErr := errRollback{}
	err := db.WithWriteTx(ctx, "worker", func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO t (id) VALUES (1)`); err != nil {
			return err
		}
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("WithWriteTx error = %v, want %v", err, wantErr)
	}

	var count int
	if err := db.GetContext(ctx, &count, `SELECT COUNT(*) FROM t`); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("row count = %d, want 0 (rollback should have discarded the insert)", count)
	}
}

type errRollback struct{}

func (errRollback) Error() string { return "forced rollback" }

type fakeLatencyObserver struct {
	calls []string
}

func (f *fakeLatencyObserver) ObserveWriteLatency(worker string, seconds float64) {
	f.calls = append(f.calls, worker)
}

func TestWithWriteTxRecordsLatencyPerWorker(t *testing.T) {
	db := openTestDB(t)
	obs := &fakeLatencyObserver{}
	db.Metrics = obs
	ctx := context.Background()

	if _, err := db.ExecContext(ctx, `CREATE TABLE t (id INTEGER PRIMARY KEY)`); err != nil {
		t.Fatal(err)
	}
	if err := db.WithWriteTx(ctx, "statuslog", func(tx *sqlx.Tx) error { return nil }); err != nil {
		t.Fatal(err)
	}
	if len(obs.calls) != 1 || obs.calls[0] != "statuslog" {
		t.Errorf("calls = %v, want [statuslog]", obs.calls)
	}
}

func TestIsUniqueConstraintErr(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if _, err := db.ExecContext(ctx, `CREATE TABLE u (id INTEGER PRIMARY KEY)`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO u (id) VALUES (1)`); err != nil {
		t.Fatal(err)
	}
	_, err := db.ExecContext(ctx, `INSERT INTO u (id) VALUES (1)`)
	if err == nil {
		t.Fatal("expected unique constraint violation")
	}
	if !IsUniqueConstraintErr(err) {
		t.Errorf("IsUniqueConstraintErr(%v) = false, want true", err)
	}
}
