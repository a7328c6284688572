// Package model holds the data types shared across the ingestion and
// derivation pipeline: machine samples, the status log, and the derived
// shift, cycle, and analysis records.
package model

import "time"

// MachineState is the canonical, normalized reading for one machine at one
// instant. Absent fields are the zero value of their pointer/Optional type,
// never a sentinel.
type MachineState struct {
	MachineName    string
	StatusText     string
	SpindleSpeed   *int
	FeedRate       *int
	CurrentProgram *string
	Timestamp      time.Time // UTC, second precision

	// Raw carries the pre-normalization reading map for diagnostics and for
	// raw_log_data archival; never consulted by derived computations.
	Raw map[string]any
}

// StatusLogEntry is one persisted row of the status log. (machine_name,
// timestamp_utc) is unique per monthly partition; entries are never
// mutated after insert.
type StatusLogEntry struct {
	ID             int64
	MachineName    string
	TimestampUTC   time.Time
	StatusText     string
	SpindleSpeed   *int
	FeedRate       *int
	CurrentProgram *string
	RawBlob        []byte
	CreatedAt      time.Time
}

// ShiftMetric is a live or finalized per-shift utilization row.
type ShiftMetric struct {
	MachineName   string
	ShiftName     string
	ShiftStartUTC time.Time
	ShiftEndUTC   time.Time
	RuntimeS      float64
	IdleS         float64
	OtherS        float64
	LastUpdated   time.Time
	// DateSaved is set only on finalized rows (final_shift_metrics_*).
	DateSaved time.Time
}

// ProgramCycle is one (machine, program, start, end) running interval.
type ProgramCycle struct {
	ID          int64
	MachineName string
	ProgramName string
	StartUTC    time.Time
	EndUTC      time.Time
	DurationS   int64
	ReportDate  time.Time // date-only, start_utc.Date()
	CreatedAt   time.Time
}

// MainProgramSession is a derived, persisted interval-segment of cycles
// sharing a main program name.
type MainProgramSession struct {
	MachineName     string
	ProgramMainName string
	SessionStart    time.Time
	SessionEnd      time.Time
	TotalProcessS   float64
	TotalLossS      float64
	CycleTimeS      float64
	Quantity        int
	Notes           string
	NotesQty        int
	ArchivedAt      time.Time
}

// EfficiencyBand classifies a sub-program's efficiency percentage.
type EfficiencyBand string

const (
	BandGood    EfficiencyBand = "Good"
	BandAverage EfficiencyBand = "Average"
	BandBad     EfficiencyBand = "Bad"
)

// ClassifyEfficiency applies the spec's fixed thresholds.
func ClassifyEfficiency(pct float64) EfficiencyBand {
	switch {
	case pct >= 85:
		return BandGood
	case pct >= 75:
		return BandAverage
	default:
		return BandBad
	}
}

// SubProgramEfficiencyReport is one (machine, report_date, program_name) row.
type SubProgramEfficiencyReport struct {
	MachineName         string
	ReportDate          time.Time
	ProgramName         string
	TotalCycleDurationS float64
	ModeSpindle         *int
	ModeFeed            *int
	TargetS             float64
	Quantity            int
	ActualPerPieceS     float64
	EfficiencyPct       float64
	Band                EfficiencyBand
	ArchivedAt          time.Time
}

// LossBreakdown is one (machine, report_date, category) loss-time row.
type LossBreakdown struct {
	MachineName string
	ReportDate  time.Time
	Category    string
	LossS       float64
	ArchivedAt  time.Time
}

// LossBreakdownPerPiece divides a LossBreakdown's seconds by session quantity.
type LossBreakdownPerPiece struct {
	MachineName   string
	ReportDate    time.Time
	Category      string
	LossPerPieceS float64
	Quantity      int
	ArchivedAt    time.Time
}
