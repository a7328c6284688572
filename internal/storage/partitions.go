package storage

import (
	"fmt"
	"time"
)

// TablePrefix names one of the monthly-sharded table families from
// spec.md §6.
type TablePrefix string

const (
	PrefixStatusLog           TablePrefix = "machine_status_log"
	PrefixShiftMetrics        TablePrefix = "shift_metrics"
	PrefixFinalShiftMetrics   TablePrefix = "final_shift_metrics"
	PrefixProgramReport       TablePrefix = "program_report"
	PrefixSubProgramAnalysis  TablePrefix = "sub-program_analysis"
	PrefixMainProgramAnalysis TablePrefix = "main_program_analysis"
	PrefixLossBreakdown       TablePrefix = "loss_breakdown"
	PrefixLossBreakdownPiece  TablePrefix = "loss_breakdown_per_piece"
)

// TableName returns the lowercase "<prefix>_YYYY_MM" table name for the
// UTC month containing t. The mapping is injective: every instant in
// [YYYY-MM-01, YYYY-(MM+1)-01) maps to exactly one table name, because it
// is derived solely from t's UTC year and month.
func TableName(prefix TablePrefix, t time.Time) string {
	u := t.UTC()
	return fmt.Sprintf("%s_%04d_%02d", prefix, u.Year(), int(u.Month()))
}

// QuotedTableName is TableName wrapped in double quotes, for table
// families whose prefix contains characters (like "-") that SQLite won't
// accept in a bare identifier.
func QuotedTableName(prefix TablePrefix, t time.Time) string {
	return `"` + TableName(prefix, t) + `"`
}

// MonthsBetween returns every calendar month (as its first-of-month UTC
// instant) touched by [start, end], inclusive, in ascending order. Used by
// range readers to enumerate the monthly partitions they must union over.
func MonthsBetween(start, end time.Time) []time.Time {
	if end.Before(start) {
		start, end = end, start
	}
	cur := time.Date(start.UTC().Year(), start.UTC().Month(), 1, 0, 0, 0, 0, time.UTC)
	last := time.Date(end.UTC().Year(), end.UTC().Month(), 1, 0, 0, 0, 0, time.UTC)

	var out []time.Time
	for !cur.After(last) {
		out = append(out, cur)
		cur = cur.AddDate(0, 1, 0)
	}
	return out
}
