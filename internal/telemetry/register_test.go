package telemetry

import (
	"testing"
	"time"

	"github.com/Atot4/shopfloor-monitor/internal/model"
)

func TestRegisterSnapshotIsCopy(t *testing.T) {
	r := NewRegister()
	r.Put(model.MachineState{MachineName: "M1", StatusText: "Running"})

	snap := r.Snapshot()
	snap["M1"] = model.MachineState{MachineName: "M1", StatusText: "Idle"}

	got, ok := r.Get("M1")
	if !ok {
		t.Fatal("M1 missing after mutating snapshot copy")
	}
	if got.StatusText != "Running" {
		t.Errorf("StatusText = %q, want Running (snapshot mutation leaked into register)", got.StatusText)
	}
}

func TestRegisterLastWriterWins(t *testing.T) {
	r := NewRegister()
	r.Put(model.MachineState{MachineName: "M1", StatusText: "Idle", Timestamp: time.Unix(1, 0)})
	r.Put(model.MachineState{MachineName: "M1", StatusText: "Running", Timestamp: time.Unix(2, 0)})

	got, _ := r.Get("M1")
	if got.StatusText != "Running" {
		t.Errorf("StatusText = %q, want Running", got.StatusText)
	}
}

func TestRegisterStale(t *testing.T) {
	r := NewRegister()
	now := time.Unix(1000, 0)
	r.Put(model.MachineState{MachineName: "M1", Timestamp: now.Add(-10 * time.Second)})

	if r.Stale("M1", 30*time.Second, now) {
		t.Error("Stale = true, want false within threshold")
	}
	if !r.Stale("M1", 5*time.Second, now) {
		t.Error("Stale = false, want true beyond threshold")
	}
	if !r.Stale("unknown", time.Hour, now) {
		t.Error("Stale(unknown machine) = false, want true")
	}
}
