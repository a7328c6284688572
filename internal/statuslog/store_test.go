package statuslog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Atot4/shopfloor-monitor/internal/model"
	"github.com/Atot4/shopfloor-monitor/internal/storage"
)

type fakeRegister struct {
	states map[string]model.MachineState
}

func (f fakeRegister) Snapshot() map[string]model.MachineState { return f.states }

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &Store{DB: db}
}

func TestSaveLatestThenGetRangeRoundTrips(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	now := time.Date(2026, 3, 15, 8, 0, 0, 0, time.UTC)
	spindle := 1200
	reg := fakeRegister{states: map[string]model.MachineState{
		"M1": {
			MachineName:  "M1",
			StatusText:   "Running",
			SpindleSpeed: &spindle,
			Timestamp:    now,
			Raw:          map[string]any{"Status": 2},
		},
	}}

	if err := store.SaveLatest(ctx, reg, now); err != nil {
		t.Fatalf("SaveLatest: %v", err)
	}

	rows, err := store.GetRange(ctx, "M1", now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("GetRange: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("len(rows) = %d, want 1", len(rows))
	}
	if rows[0].StatusText != "Running" {
		t.Errorf("StatusText = %q, want Running", rows[0].StatusText)
	}
	if rows[0].SpindleSpeed == nil || *rows[0].SpindleSpeed != 1200 {
		t.Errorf("SpindleSpeed = %v, want 1200", rows[0].SpindleSpeed)
	}
}

func TestSaveLatestIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	now := time.Date(2026, 3, 15, 8, 0, 0, 0, time.UTC)
	reg := fakeRegister{states: map[string]model.MachineState{
		"M1": {MachineName: "M1", StatusText: "Idle", Timestamp: now},
	}}

	if err := store.SaveLatest(ctx, reg, now); err != nil {
		t.Fatalf("SaveLatest 1: %v", err)
	}
	if err := store.SaveLatest(ctx, reg, now); err != nil {
		t.Fatalf("SaveLatest 2 (re-run): %v", err)
	}

	rows, err := store.GetRange(ctx, "M1", now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("GetRange: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("len(rows) = %d, want 1 (insert-or-skip should dedupe)", len(rows))
	}
}

func TestGetRangeSpansMonthlyPartitions(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	jan := time.Date(2026, 1, 31, 23, 0, 0, 0, time.UTC)
	feb := time.Date(2026, 2, 1, 1, 0, 0, 0, time.UTC)

	for _, ts := range []time.Time{jan, feb} {
		reg := fakeRegister{states: map[string]model.MachineState{
			"M1": {MachineName: "M1", StatusText: "Running", Timestamp: ts},
		}}
		if err := store.SaveLatest(ctx, reg, ts); err != nil {
			t.Fatalf("SaveLatest(%s): %v", ts, err)
		}
	}

	rows, err := store.GetRange(ctx, "M1", jan.Add(-time.Hour), feb.Add(time.Hour))
	if err != nil {
		t.Fatalf("GetRange: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("len(rows) = %d, want 2 across both partitions", len(rows))
	}
	if !rows[0].TimestampUTC.Before(rows[1].TimestampUTC) {
		t.Error("rows not ascending by timestamp across partition boundary")
	}
}

func TestGetRangeUnwrittenMachineReturnsEmpty(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	now := time.Date(2026, 3, 15, 8, 0, 0, 0, time.UTC)
	rows, err := store.GetRange(ctx, "GhostMachine", now.Add(-time.Hour), now)
	if err != nil {
		t.Fatalf("GetRange on unwritten machine should not error: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("len(rows) = %d, want 0", len(rows))
	}
}
