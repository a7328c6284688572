package analysis

import (
	"testing"
	"time"

	"github.com/Atot4/shopfloor-monitor/internal/appconfig"
	"github.com/Atot4/shopfloor-monitor/internal/model"
)

func at(sec int) time.Time {
	return time.Date(2026, 3, 15, 8, 0, 0, 0, time.UTC).Add(time.Duration(sec) * time.Second)
}

func piece(startSec, endSec int, status, program string) Piece {
	main, standard := mainNameAndStandard(program)
	return Piece{Start: at(startSec), End: at(endSec), StatusText: status, ProgramName: program, MainName: main, Standard: standard}
}

func testVocab() appconfig.Vocab {
	return appconfig.Vocab{Running: []string{"Running"}, Idle: []string{"Idle"}}
}

// TestSessionSegmentationLongGap is spec.md §8 scenario 5.
func TestSessionSegmentationLongGap(t *testing.T) {
	pieces := []Piece{
		piece(0, 60, "Running", "N1-1"),
		piece(60, 180, "Idle", "N1-1"),
		piece(180, 240, "Running", "N1-2"),
		piece(240, 640, "Idle", "N1-2"),
		piece(640, 670, "Running", "N1-3"),
	}

	inputs := map[time.Time]SessionInput{at(0): {Quantity: 12, NotesQty: 2}}
	sessions := SessionSegmentation("M1", pieces, "N1", testVocab(), 300*time.Second, at(670), inputs)
	if len(sessions) != 2 {
		t.Fatalf("len(sessions) = %d, want 2", len(sessions))
	}

	a, b := sessions[0], sessions[1]
	if a.TotalProcessS != 240 {
		t.Errorf("session A process = %v, want 240", a.TotalProcessS)
	}
	if a.TotalLossS != 120 {
		t.Errorf("session A loss = %v, want 120", a.TotalLossS)
	}
	if a.Notes != "long gap" {
		t.Errorf("session A notes = %q, want %q", a.Notes, "long gap")
	}
	if a.Quantity != 12 || a.NotesQty != 2 {
		t.Errorf("session A quantity/notesQty = %d/%d, want 12/2", a.Quantity, a.NotesQty)
	}
	if b.TotalProcessS != 30 {
		t.Errorf("session B process = %v, want 30", b.TotalProcessS)
	}
	if b.TotalLossS != 0 {
		t.Errorf("session B loss = %v, want 0", b.TotalLossS)
	}
	if b.Quantity != 1 {
		t.Errorf("session B quantity = %d, want default 1 (no operator input supplied)", b.Quantity)
	}
}

// TestSessionSegmentationInterruptedByOtherMain is spec.md §8 scenario 6.
func TestSessionSegmentationInterruptedByOtherMain(t *testing.T) {
	pieces := []Piece{
		piece(0, 60, "Running", "N1-1"),
		piece(60, 90, "Running", "N2-1"),
		piece(90, 150, "Running", "N1-2"),
	}

	sessions := SessionSegmentation("M1", pieces, "N1", testVocab(), 300*time.Second, at(150), nil)
	if len(sessions) != 2 {
		t.Fatalf("len(sessions) = %d, want 2", len(sessions))
	}
	if sessions[0].TotalProcessS != 60 || sessions[0].TotalLossS != 0 {
		t.Errorf("session A = process %v loss %v, want 60/0", sessions[0].TotalProcessS, sessions[0].TotalLossS)
	}
	if sessions[1].TotalProcessS != 60 || sessions[1].TotalLossS != 0 {
		t.Errorf("session B = process %v loss %v, want 60/0", sessions[1].TotalProcessS, sessions[1].TotalLossS)
	}
	if sessions[0].Notes != "interrupted by N2" {
		t.Errorf("session A notes = %q, want mention of N2", sessions[0].Notes)
	}
	if sessions[1].Notes != "normal end" {
		t.Errorf("session B notes = %q, want normal end", sessions[1].Notes)
	}
}

func TestMainNameAndStandard(t *testing.T) {
	tests := []struct {
		program      string
		wantMain     string
		wantStandard bool
	}{
		{"N1-1", "N1", true},
		{"N1-2", "N1", true},
		{"MDI.PRG", "", false},
		{"n2-7", "n2", true},
		{"", "", false},
	}
	for _, tt := range tests {
		main, standard := mainNameAndStandard(tt.program)
		if main != tt.wantMain || standard != tt.wantStandard {
			t.Errorf("mainNameAndStandard(%q) = (%q, %v), want (%q, %v)", tt.program, main, standard, tt.wantMain, tt.wantStandard)
		}
	}
}

func TestSubProgramEfficiencyBandsAndPerPiece(t *testing.T) {
	cycles := []model.ProgramCycle{
		{ProgramName: "N1-1", DurationS: 100},
		{ProgramName: "N1-1", DurationS: 100},
	}
	targets := map[string]Target{"N1-1": {TargetS: 90, Quantity: 2}}

	rows := SubProgramEfficiency("M1", cycles, nil, targets, at(0))
	if len(rows) != 1 {
		t.Fatalf("len(rows) = %d, want 1", len(rows))
	}
	r := rows[0]
	if r.ActualPerPieceS != 100 {
		t.Errorf("ActualPerPieceS = %v, want 100", r.ActualPerPieceS)
	}
	if r.EfficiencyPct != 90 {
		t.Errorf("EfficiencyPct = %v, want 90", r.EfficiencyPct)
	}
	if r.Band != model.BandGood {
		t.Errorf("Band = %v, want Good", r.Band)
	}
}

func TestSubProgramEfficiencyCapsAt100(t *testing.T) {
	cycles := []model.ProgramCycle{{ProgramName: "N1-1", DurationS: 10}}
	targets := map[string]Target{"N1-1": {TargetS: 1000, Quantity: 1}}

	rows := SubProgramEfficiency("M1", cycles, nil, targets, at(0))
	if rows[0].EfficiencyPct != 100 {
		t.Errorf("EfficiencyPct = %v, want 100 (capped)", rows[0].EfficiencyPct)
	}
}
