// Package cycle implements the Program Cycle Engine: it reconstructs
// per-machine program running intervals from the status log over a window
// running from the start of the previous local day up to now, upserting
// each into the monthly-sharded cycle table.
package cycle

import (
	"context"
	"fmt"
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

const workerName = "cycle"

// noProgramName is substituted when a running log has no current_program
// (spec.md §4.5).
const noProgramName = "N/A (No Program)"

// minCycleDuration suppresses sensor-noise blips shorter than this
// (spec.md §4.5: "shorter cycles are suppressed as sensor noise").
const minCycleDuration = time.Millisecond

// Engine is the Program Cycle Engine.
type Engine struct {
	DB      *storage.DB
	Logs    *statuslog.Store
	Vocab   appconfig.Vocab
	Metrics *metrics.Registry
}

// Run executes one pass of the window scan (see Tick) for every machine,
// then repeats every period until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, machines []string, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		e.Tick(ctx, machines, time.Now())
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick runs one pass of the window scan, from the start of the previous
// local day up to now, for the given machines at instant now. Exported so a gocron-driven supervisor can schedule it
// directly instead of going through Run's own ticker.
func (e *Engine) Tick(ctx context.Context, machines []string, now time.Time) {
	windowStart := startOfDay(now).AddDate(0, 0, -1)
	windowEnd := now

	for _, machine := range machines {
		logs, err := e.Logs.GetRange(ctx, machine, windowStart, windowEnd)
		if err != nil {
			continue // transient store failure; retried next tick
		}
		cycles := Reconstruct(machine, logs, windowEnd, e.Vocab)
		for _, c := range cycles {
			if err := e.upsert(ctx, c); err != nil {
				continue
			}
			e.Metrics.CycleEmitted(machine)
		}
	}
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// Reconstruct runs the Idle/Running state machine over logs (already
// ordered or not — it sorts defensively) and returns every closed cycle
// with duration >= 1ms. A cycle still running after the last log is closed
// at that log's timestamp (spec.md §4.5 step 3); windowEnd is not used to
// close it.
func Reconstruct(machine string, logs []model.StatusLogEntry, windowEnd time.Time, vocab appconfig.Vocab) []model.ProgramCycle {
	running := toSet(vocab.Running)

	sorted := make([]model.StatusLogEntry, len(logs))
	copy(sorted, logs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].TimestampUTC.Before(sorted[j].TimestampUTC) })

	var out []model.ProgramCycle
	var open *model.ProgramCycle
	var lastTS time.Time

	for _, l := range sorted {
		lastTS = l.TimestampUTC
		isRunning := running[l.StatusText]

		switch {
		case open == nil && isRunning:
			name := noProgramName
			if l.CurrentProgram != nil && *l.CurrentProgram != "" {
				name = *l.CurrentProgram
			}
			open = &model.ProgramCycle{
				MachineName: machine,
				ProgramName: name,
				StartUTC:    l.TimestampUTC,
			}
		case open != nil && !isRunning:
			closeCycle(open, l.TimestampUTC)
			if open.EndUTC.Sub(open.StartUTC) >= minCycleDuration {
				out = append(out, *open)
			}
			open = nil
		// Running -> Running: ignore, program name stays as captured at start.
		default:
		}
	}

	if open != nil {
		closeCycle(open, lastTS)
		if open.EndUTC.Sub(open.StartUTC) >= minCycleDuration {
			out = append(out, *open)
		}
	}
	return out
}

func closeCycle(c *model.ProgramCycle, end time.Time) {
	c.EndUTC = end
	dur := end.Sub(c.StartUTC)
	c.DurationS = int64(dur.Seconds())
	c.ReportDate = startOfDay(c.StartUTC)
}

func toSet(items []string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, s := range items {
		m[s] = true
	}
	return m
}

func table(t time.Time) string {
	return storage.TableName(storage.PrefixProgramReport, t)
}

func ddl(table string) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	machine_name TEXT NOT NULL,
	program_name TEXT NOT NULL,
	start_utc TEXT NOT NULL,
	end_utc TEXT NOT NULL,
	duration_s INTEGER NOT NULL,
	report_date TEXT NOT NULL,
	created_at TEXT NOT NULL,
	UNIQUE(machine_name, program_name, start_utc)
)`, table)
}

// upsert inserts a cycle or, on conflict (same machine/program/start),
// grows its end and duration (spec.md §4.5 step 5 — "the in-progress
// cycle's end grows across runs").
func (e *Engine) upsert(ctx context.Context, c model.ProgramCycle) error {
	tbl := table(c.StartUTC)
	if err := e.DB.EnsurePartitionOnce(ctx, workerName, tbl, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, ddl(tbl))
		return err
	}); err != nil {
		return err
	}

	return e.DB.WithWriteTx(ctx, workerName, func(tx *sqlx.Tx) error {
		insertQ, insertArgs, err := sq.Insert(tbl).
			Options("OR IGNORE").
			Columns("machine_name", "program_name", "start_utc", "end_utc", "duration_s", "report_date", "created_at").
			Values(c.MachineName, c.ProgramName, c.StartUTC.Format(time.RFC3339Nano), c.EndUTC.Format(time.RFC3339Nano),
				c.DurationS, c.ReportDate.Format(time.RFC3339Nano), time.Now().UTC().Format(time.RFC3339Nano)).
			ToSql()
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, insertQ, insertArgs...)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}

		updateQ, updateArgs, err := sq.Update(tbl).
			Set("end_utc", c.EndUTC.Format(time.RFC3339Nano)).
			Set("duration_s", c.DurationS).
			Where(sq.Eq{"machine_name": c.MachineName, "program_name": c.ProgramName, "start_utc": c.StartUTC.Format(time.RFC3339Nano)}).
			ToSql()
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, updateQ, updateArgs...)
		return err
	})
}
