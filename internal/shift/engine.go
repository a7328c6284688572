// Package shift implements the Shift Engine: it computes runtime/idle/other
// seconds for the current and previous shift of every configured machine on
// a fixed cadence, upserting a live row and, once a shift's end has passed,
// inserting a one-time finalized row.
package shift

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/Atot4/shopfloor-monitor/internal/appconfig"
	"github.com/Atot4/shopfloor-monitor/internal/metrics"
	"github.com/Atot4/shopfloor-monitor/internal/model"
	"github.com/Atot4/shopfloor-monitor/internal/statuslog"
	"github.com/Atot4/shopfloor-monitor/internal/storage"
)

const workerName = "shift"

// Engine is the Shift Engine.
type Engine struct {
	DB      *storage.DB
	Logs    *statuslog.Store
	Vocab   appconfig.Vocab
	Metrics *metrics.Registry

	// Location is the host timezone used to interpret shift start/end
	// hours (spec.md §4.4).
	Location *time.Location

	// finalized remembers which (machine, shift_start) pairs have
	// already produced a final row this process (spec.md §4.4 step 3).
	finalized map[string]struct{}
}

func (e *Engine) loc() *time.Location {
	if e.Location != nil {
		return e.Location
	}
	return time.Local
}

// window is a resolved shift occurrence with UTC boundaries.
type window struct {
	Name  string
	Start time.Time
	End   time.Time
}

// currentShift returns the shift window (in local wall time, expressed as
// UTC instants) containing t. A shift whose EndHour is at or before its
// StartHour wraps past midnight (e.g. Night 22-06); t can land in either
// half of that wrap, so the half t is in decides which calendar day the
// window's boundaries fall on.
func currentShift(t time.Time, vocab appconfig.Vocab, loc *time.Location) window {
	local := t.In(loc)
	hour := local.Hour()
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	for _, sw := range vocab.EffectiveShifts() {
		wraps := sw.EndHour <= sw.StartHour
		var matches, inTailHalf bool
		if wraps {
			inTailHalf = hour < sw.EndHour
			matches = hour >= sw.StartHour || inTailHalf
		} else {
			matches = hour >= sw.StartHour && hour < sw.EndHour
		}
		if !matches {
			continue
		}

		dayStart := midnight.Add(time.Duration(sw.StartHour) * time.Hour)
		dayEnd := midnight.Add(time.Duration(sw.EndHour) * time.Hour)
		switch {
		case inTailHalf:
			// t is after midnight but before EndHour: the shift started
			// the previous calendar day.
			dayStart = dayStart.AddDate(0, 0, -1)
		case wraps:
			dayEnd = dayEnd.AddDate(0, 0, 1)
		}
		return window{Name: sw.Name, Start: dayStart.UTC(), End: dayEnd.UTC()}
	}
	// Unreachable: EffectiveShifts partitions the full day.
	return window{Name: appconfig.UnscheduledShiftName, Start: local.UTC(), End: local.UTC().Add(time.Hour)}
}

// previousShift returns the shift containing currentShiftStart - 1s.
func previousShift(currentStart time.Time, vocab appconfig.Vocab, loc *time.Location) window {
	return currentShift(currentStart.Add(-time.Second), vocab, loc)
}

// Run executes one pass of the main loop (spec.md §4.4) for every machine
// named in machines, then repeats every period until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, machines []string, period time.Duration) {
	if e.finalized == nil {
		e.finalized = make(map[string]struct{})
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		if err := e.Tick(ctx, machines, time.Now()); err != nil {
			// Errors here are non-fatal: logged, and the loop keeps going
			// on the next tick (spec.md §7).
			slog.Warn("shift engine: tick failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick runs one pass of the shift-calc main loop for the given machines at
// instant now. Exported so a gocron-driven supervisor can schedule it
// directly instead of going through Run's own ticker.
func (e *Engine) Tick(ctx context.Context, machines []string, now time.Time) error {
	if e.finalized == nil {
		e.finalized = make(map[string]struct{})
	}

	curr := currentShift(now, e.Vocab, e.loc())
	prev := previousShift(curr.Start, e.Vocab, e.loc())

	fetchStart := prev.Start
	if curr.Start.Before(fetchStart) {
		fetchStart = curr.Start
	}
	fetchEnd := curr.End
	if now.After(fetchEnd) {
		fetchEnd = now
	}
	if prev.End.After(fetchEnd) {
		fetchEnd = prev.End
	}

	for _, machine := range machines {
		logs, err := e.Logs.GetRange(ctx, machine, fetchStart, fetchEnd)
		if err != nil {
			return fmt.Errorf("shift engine: fetch logs for %s: %w", machine, err)
		}

		for _, w := range []window{curr, prev} {
			runtimeS, idleS := runtimeIdle(logs, w.Start, w.End, now, e.Vocab)
			effectiveEnd := w.End
			if now.Before(effectiveEnd) {
				effectiveEnd = now
			}
			otherS := (effectiveEnd.Sub(w.Start).Seconds()) - runtimeS - idleS
			if otherS < 0 {
				otherS = 0
			}

			metric := model.ShiftMetric{
				MachineName:   machine,
				ShiftName:     w.Name,
				ShiftStartUTC: w.Start,
				ShiftEndUTC:   w.End,
				RuntimeS:      runtimeS,
				IdleS:         idleS,
				OtherS:        otherS,
				LastUpdated:   now,
			}
			if err := e.upsertLive(ctx, metric); err != nil {
				return fmt.Errorf("shift engine: upsert live row for %s/%s: %w", machine, w.Name, err)
			}

			if !now.Before(w.End) {
				key := machine + "|" + w.Start.Format(time.RFC3339)
				if _, done := e.finalized[key]; !done {
					metric.DateSaved = now
					if err := e.insertFinal(ctx, metric); err != nil {
						return fmt.Errorf("shift engine: finalize %s/%s: %w", machine, w.Name, err)
					}
					e.finalized[key] = struct{}{}
					e.Metrics.ShiftFinalized(machine)
				}
			}
		}
	}
	return nil
}

// runtimeIdle implements spec.md §4.4's windowed runtime/idle algorithm.
func runtimeIdle(logs []model.StatusLogEntry, start, end, now time.Time, vocab appconfig.Vocab) (runtimeS, idleS float64) {
	inWindow := make([]model.StatusLogEntry, 0, len(logs))
	var lastBefore *model.StatusLogEntry
	for i := range logs {
		l := logs[i]
		if l.TimestampUTC.Before(start) {
			lb := l
			lastBefore = &lb
			continue
		}
		if l.TimestampUTC.After(end) {
			continue
		}
		inWindow = append(inWindow, l)
	}

	sort.SliceStable(inWindow, func(i, j int) bool { return inWindow[i].TimestampUTC.Before(inWindow[j].TimestampUTC) })

	// Collapse exact-timestamp duplicates, keeping the most recent
	// (spec.md §4.4: "collapse exact-timestamp duplicates by keeping the
	// most recent" — here "most recent" means the later entry in
	// insertion order for a given instant, since ties share a timestamp).
	inWindow = collapseDuplicateTimestamps(inWindow)

	if len(inWindow) > 0 && inWindow[0].TimestampUTC.After(start) && lastBefore != nil {
		synthetic := model.StatusLogEntry{
			MachineName:  lastBefore.MachineName,
			TimestampUTC: start,
			StatusText:   lastBefore.StatusText,
		}
		inWindow = append([]model.StatusLogEntry{synthetic}, inWindow...)
	}

	running := toSet(vocab.Running)

	for i := 0; i < len(inWindow); i++ {
		segStart := maxTime(inWindow[i].TimestampUTC, start)
		var nextTS time.Time
		if i+1 < len(inWindow) {
			nextTS = inWindow[i+1].TimestampUTC
		} else {
			nextTS = now
		}
		segEnd := minTime(nextTS, end)
		dur := segEnd.Sub(segStart).Seconds()
		if dur <= 0 {
			continue
		}
		if running[inWindow[i].StatusText] {
			runtimeS += dur
		} else {
			idleS += dur
		}
	}
	return runtimeS, idleS
}

func collapseDuplicateTimestamps(logs []model.StatusLogEntry) []model.StatusLogEntry {
	out := make([]model.StatusLogEntry, 0, len(logs))
	for _, l := range logs {
		if n := len(out); n > 0 && out[n-1].TimestampUTC.Equal(l.TimestampUTC) {
			out[n-1] = l
			continue
		}
		out = append(out, l)
	}
	return out
}

func toSet(items []string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, s := range items {
		m[s] = true
	}
	return m
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

func liveTable(t time.Time) string  { return storage.TableName(storage.PrefixShiftMetrics, t) }
func finalTable(t time.Time) string { return storage.TableName(storage.PrefixFinalShiftMetrics, t) }

func liveDDL(table string) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	machine_name TEXT NOT NULL,
	shift_name TEXT NOT NULL,
	runtime_seconds REAL NOT NULL,
	idletime_seconds REAL NOT NULL,
	other_time_seconds REAL NOT NULL,
	shift_start_time TEXT NOT NULL,
	shift_end_time TEXT NOT NULL,
	last_updated TEXT NOT NULL,
	PRIMARY KEY (machine_name, shift_name, shift_start_time)
)`, table)
}

func finalDDL(table string) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	machine_name TEXT NOT NULL,
	shift_name TEXT NOT NULL,
	runtime_seconds REAL NOT NULL,
	idletime_seconds REAL NOT NULL,
	other_time_seconds REAL NOT NULL,
	shift_start_time TEXT NOT NULL,
	shift_end_time TEXT NOT NULL,
	date_saved TEXT NOT NULL,
	UNIQUE(machine_name, shift_start_time)
)`, table)
}

func (e *Engine) upsertLive(ctx context.Context, m model.ShiftMetric) error {
	table := liveTable(m.ShiftStartUTC)
	if err := e.DB.EnsurePartitionOnce(ctx, workerName+":live", table, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, liveDDL(table))
		return err
	}); err != nil {
		return err
	}

	return e.DB.WithWriteTx(ctx, workerName+":live", func(tx *sqlx.Tx) error {
		query, args, err := sq.Insert(table).
			Options("OR REPLACE").
			Columns("machine_name", "shift_name", "runtime_seconds", "idletime_seconds", "other_time_seconds", "shift_start_time", "shift_end_time", "last_updated").
			Values(m.MachineName, m.ShiftName, m.RuntimeS, m.IdleS, m.OtherS,
				m.ShiftStartUTC.Format(time.RFC3339Nano), m.ShiftEndUTC.Format(time.RFC3339Nano), m.LastUpdated.Format(time.RFC3339Nano)).
			ToSql()
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, query, args...)
		return err
	})
}

func (e *Engine) insertFinal(ctx context.Context, m model.ShiftMetric) error {
	table := finalTable(m.ShiftStartUTC)
	if err := e.DB.EnsurePartitionOnce(ctx, workerName+":final", table, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, finalDDL(table))
		return err
	}); err != nil {
		return err
	}

	return e.DB.WithWriteTx(ctx, workerName+":final", func(tx *sqlx.Tx) error {
		query, args, err := sq.Insert(table).
			Options("OR IGNORE").
			Columns("machine_name", "shift_name", "runtime_seconds", "idletime_seconds", "other_time_seconds", "shift_start_time", "shift_end_time", "date_saved").
			Values(m.MachineName, m.ShiftName, m.RuntimeS, m.IdleS, m.OtherS,
				m.ShiftStartUTC.Format(time.RFC3339Nano), m.ShiftEndUTC.Format(time.RFC3339Nano), m.DateSaved.Format(time.RFC3339Nano)).
			ToSql()
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, query, args...)
		return err
	})
}
