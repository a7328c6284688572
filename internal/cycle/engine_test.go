package cycle

import (
	"testing"
	"time"

	"github.com/Atot4/shopfloor-monitor/internal/appconfig"
	"github.com/Atot4/shopfloor-monitor/internal/model"
)

func strPtr(s string) *string { return &s }

func logAt(t time.Time, status string, program *string) model.StatusLogEntry {
	return model.StatusLogEntry{MachineName: "M1", TimestampUTC: t, StatusText: status, CurrentProgram: program}
}

func testVocab() appconfig.Vocab {
	return appconfig.Vocab{Running: []string{"Running"}, Idle: []string{"Idle"}}
}

// TestReconstructClosesOnTransitionIgnoringProgramChangeWhileRunning is
// spec.md §8 scenario 3.
func TestReconstructClosesOnTransitionIgnoringProgramChangeWhileRunning(t *testing.T) {
	t0 := time.Date(2026, 3, 15, 8, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Minute)
	t2 := t1.Add(time.Minute)
	t3 := t2.Add(time.Minute)

	logs := []model.StatusLogEntry{
		logAt(t0, "Idle", strPtr("N1-1")),
		logAt(t1, "Running", strPtr("N1-1")),
		logAt(t2, "Running", strPtr("N1-2")),
		logAt(t3, "Idle", strPtr("N1-2")),
	}

	cycles := Reconstruct("M1", logs, t3, testVocab())
	if len(cycles) != 1 {
		t.Fatalf("len(cycles) = %d, want 1", len(cycles))
	}
	c := cycles[0]
	if c.ProgramName != "N1-1" {
		t.Errorf("ProgramName = %q, want N1-1 (captured at cycle start, unaffected by later program change)", c.ProgramName)
	}
	if !c.StartUTC.Equal(t1) || !c.EndUTC.Equal(t3) {
		t.Errorf("cycle = [%v, %v], want [%v, %v]", c.StartUTC, c.EndUTC, t1, t3)
	}
}

// TestReconstructSuppressesSubMillisecondNoise is spec.md §8 scenario 4.
func TestReconstructSuppressesSubMillisecondNoise(t *testing.T) {
	t0 := time.Date(2026, 3, 15, 8, 0, 0, 0, time.UTC)
	t1 := t0.Add(400 * time.Microsecond)

	logs := []model.StatusLogEntry{
		logAt(t0, "Running", strPtr("N1-1")),
		logAt(t1, "Idle", strPtr("N1-1")),
	}

	cycles := Reconstruct("M1", logs, t1, testVocab())
	if len(cycles) != 0 {
		t.Fatalf("len(cycles) = %d, want 0 (sub-millisecond blip should be suppressed)", len(cycles))
	}
}

func TestReconstructClosesStillRunningAtLastLog(t *testing.T) {
	t0 := time.Date(2026, 3, 15, 8, 0, 0, 0, time.UTC)
	last := t0.Add(30 * time.Minute)
	t1 := t0.Add(time.Hour)

	logs := []model.StatusLogEntry{
		logAt(t0, "Running", strPtr("N1-1")),
		logAt(last, "Running", strPtr("N1-1")),
	}

	cycles := Reconstruct("M1", logs, t1, testVocab())
	if len(cycles) != 1 {
		t.Fatalf("len(cycles) = %d, want 1", len(cycles))
	}
	if !cycles[0].EndUTC.Equal(last) {
		t.Errorf("EndUTC = %v, want last log timestamp %v", cycles[0].EndUTC, last)
	}
}

func TestReconstructUsesNoProgramSentinelWhenAbsent(t *testing.T) {
	t0 := time.Date(2026, 3, 15, 8, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Minute)

	logs := []model.StatusLogEntry{
		logAt(t0, "Running", nil),
		logAt(t1, "Idle", nil),
	}

	cycles := Reconstruct("M1", logs, t1, testVocab())
	if len(cycles) != 1 {
		t.Fatalf("len(cycles) = %d, want 1", len(cycles))
	}
	if cycles[0].ProgramName != noProgramName {
		t.Errorf("ProgramName = %q, want %q", cycles[0].ProgramName, noProgramName)
	}
}
