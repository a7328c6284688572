package shift

import (
	"testing"
	"time"

	"github.com/Atot4/shopfloor-monitor/internal/appconfig"
	"github.com/Atot4/shopfloor-monitor/internal/model"
)

func ts(h, m int) time.Time {
	return time.Date(2026, 3, 15, h, m, 0, 0, time.UTC)
}

func entry(h, m int, status string) model.StatusLogEntry {
	return model.StatusLogEntry{MachineName: "M1", TimestampUTC: ts(h, m), StatusText: status}
}

func testVocab() appconfig.Vocab {
	return appconfig.Vocab{
		Running: []string{"Running"},
		Idle:    []string{"Idle"},
		Other:   []string{"Other"},
	}
}

// TestRuntimeIdleBoundarySynthesis is spec.md §8 scenario 2.
func TestRuntimeIdleBoundarySynthesis(t *testing.T) {
	logs := []model.StatusLogEntry{
		entry(7, 50, "Running"),
		entry(8, 30, "Idle"),
		entry(9, 0, "Running"),
		entry(16, 0, "Idle"),
	}
	start := ts(8, 0)
	end := ts(16, 0)
	now := ts(17, 0)

	runtimeS, idleS := runtimeIdle(logs, start, end, now, testVocab())

	wantRuntime := (30 * time.Minute).Seconds() + (7 * time.Hour).Seconds()
	wantIdle := (30 * time.Minute).Seconds()
	if runtimeS != wantRuntime {
		t.Errorf("runtimeS = %v, want %v", runtimeS, wantRuntime)
	}
	if idleS != wantIdle {
		t.Errorf("idleS = %v, want %v", idleS, wantIdle)
	}
	if runtimeS+idleS > end.Sub(start).Seconds()+0.001 {
		t.Errorf("runtime+idle exceeds window duration")
	}
}

func TestRuntimeIdleNoLogsBeforeWindowSkipsLeadingGap(t *testing.T) {
	logs := []model.StatusLogEntry{
		entry(8, 30, "Running"),
	}
	start := ts(8, 0)
	end := ts(9, 0)
	now := ts(10, 0)

	runtimeS, idleS := runtimeIdle(logs, start, end, now, testVocab())
	// No log precedes the window, so no synthetic boundary entry: the
	// segment before the first log contributes to nothing.
	wantRuntime := (30 * time.Minute).Seconds()
	if runtimeS != wantRuntime {
		t.Errorf("runtimeS = %v, want %v", runtimeS, wantRuntime)
	}
	if idleS != 0 {
		t.Errorf("idleS = %v, want 0", idleS)
	}
}

func TestRuntimeIdleCollapsesDuplicateTimestamps(t *testing.T) {
	logs := []model.StatusLogEntry{
		entry(8, 0, "Running"),
		entry(8, 0, "Idle"), // same instant: keep most recent (Idle)
		entry(9, 0, "Running"),
	}
	start := ts(8, 0)
	end := ts(9, 0)
	now := ts(9, 0)

	runtimeS, idleS := runtimeIdle(logs, start, end, now, testVocab())
	if runtimeS != 0 {
		t.Errorf("runtimeS = %v, want 0 (duplicate at start should collapse to Idle)", runtimeS)
	}
	if idleS != (time.Hour).Seconds() {
		t.Errorf("idleS = %v, want 1h", idleS)
	}
}

func TestCurrentShiftAssignsHourToWindow(t *testing.T) {
	vocab := appconfig.Vocab{Shifts: []appconfig.ShiftWindow{
		{Name: "Day", StartHour: 6, EndHour: 14},
		{Name: "Evening", StartHour: 14, EndHour: 22},
		{Name: "Night", StartHour: 22, EndHour: 6},
	}}
	loc := time.UTC

	w := currentShift(time.Date(2026, 3, 15, 10, 0, 0, 0, loc), vocab, loc)
	if w.Name != "Day" {
		t.Errorf("shift = %q, want Day", w.Name)
	}
	if !w.Start.Equal(time.Date(2026, 3, 15, 6, 0, 0, 0, loc)) {
		t.Errorf("start = %v, want 06:00", w.Start)
	}
	if !w.End.Equal(time.Date(2026, 3, 15, 14, 0, 0, 0, loc)) {
		t.Errorf("end = %v, want 14:00", w.End)
	}
}

func TestCurrentShiftHandlesMidnightRollover(t *testing.T) {
	vocab := appconfig.Vocab{Shifts: []appconfig.ShiftWindow{
		{Name: "Day", StartHour: 6, EndHour: 22},
		{Name: "Night", StartHour: 22, EndHour: 6},
	}}
	loc := time.UTC

	w := currentShift(time.Date(2026, 3, 15, 23, 0, 0, 0, loc), vocab, loc)
	if w.Name != "Night" {
		t.Errorf("shift = %q, want Night", w.Name)
	}
	if !w.End.Equal(time.Date(2026, 3, 16, 6, 0, 0, 0, loc)) {
		t.Errorf("end = %v, want 06:00 next day", w.End)
	}
}

func TestPreviousShiftLooksBackOneSecond(t *testing.T) {
	vocab := appconfig.Vocab{Shifts: []appconfig.ShiftWindow{
		{Name: "Day", StartHour: 6, EndHour: 14},
		{Name: "Evening", StartHour: 14, EndHour: 22},
	}}
	loc := time.UTC

	curr := currentShift(time.Date(2026, 3, 15, 15, 0, 0, 0, loc), vocab, loc)
	prev := previousShift(curr.Start, vocab, loc)
	if prev.Name != "Day" {
		t.Errorf("previous shift = %q, want Day", prev.Name)
	}
}
