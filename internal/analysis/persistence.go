package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/Atot4/shopfloor-monitor/internal/appconfig"
	"github.com/Atot4/shopfloor-monitor/internal/model"
	"github.com/Atot4/shopfloor-monitor/internal/storage"
)

// RunReport computes and archives both analysis views for one machine in a
// single request-scoped call (spec.md §5: "the Analysis Engine runs in
// request-scoped callers... it does not run in a background loop"). It
// tags the run with a UUID purely for log correlation across the four
// archive writes — the id is never persisted, since §6's schema is fixed.
func (e *Engine) RunReport(
	ctx context.Context,
	machine string,
	cycles []model.ProgramCycle,
	logs []model.StatusLogEntry,
	targets map[string]Target,
	targetMain string,
	vocab appconfig.Vocab,
	gapThreshold time.Duration,
	reportDate, rangeEnd time.Time,
	sessionInputs map[time.Time]SessionInput,
) (runID string, err error) {
	runID = uuid.NewString()
	slog.Info("analysis: run started", "run_id", runID, "machine", machine, "target_main", targetMain)

	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		e.Metrics.AnalysisRun(machine, outcome)
	}()

	subRows := SubProgramEfficiency(machine, cycles, logs, targets, reportDate)
	if err = e.SaveSubProgramReport(ctx, machine, subRows); err != nil {
		return runID, fmt.Errorf("analysis run %s: save sub-program report: %w", runID, err)
	}

	pieces := SegmentPieces(logs, rangeEnd)
	sessions := SessionSegmentation(machine, pieces, targetMain, vocab, gapThreshold, rangeEnd, sessionInputs)
	if err = e.SaveMainProgramSessions(ctx, machine, sessions); err != nil {
		return runID, fmt.Errorf("analysis run %s: save main-program sessions: %w", runID, err)
	}

	breakdown := LossBreakdown(machine, sessions, pieces, vocab, reportDate)
	if err = e.SaveLossBreakdown(ctx, machine, breakdown); err != nil {
		return runID, fmt.Errorf("analysis run %s: save loss breakdown: %w", runID, err)
	}

	perPiece := LossBreakdownPerPiece(machine, breakdown, sessions, reportDate)
	if err = e.SaveLossBreakdownPerPiece(ctx, machine, perPiece); err != nil {
		return runID, fmt.Errorf("analysis run %s: save loss breakdown per piece: %w", runID, err)
	}

	slog.Info("analysis: run completed", "run_id", runID, "machine", machine,
		"sub_program_rows", len(subRows), "sessions", len(sessions), "loss_categories", len(breakdown))
	return runID, nil
}

// SaveSubProgramReport upserts every row, refreshing all non-key columns
// and ArchivedAt on conflict (spec.md §4.6: "Upserts refresh all non-key
// columns and set archived_at = now()").
func (e *Engine) SaveSubProgramReport(ctx context.Context, machine string, rows []model.SubProgramEfficiencyReport) error {
	tbl := storage.QuotedTableName(storage.PrefixSubProgramAnalysis, time.Now())
	if err := e.ensurePartition(ctx, "sub-program", tbl, subProgramDDL); err != nil {
		return err
	}
	now := time.Now().UTC()

	return e.DB.WithWriteTx(ctx, workerName+":sub-program", func(tx *sqlx.Tx) error {
		for _, r := range rows {
			query, args, err := sq.Insert(tbl).
				Options("OR REPLACE").
				Columns("machine_name", "report_date", "program_name", "total_cycle_duration_s", "mode_spindle", "mode_feed",
					"target_s", "quantity", "actual_per_piece_s", "efficiency_pct", "band", "archived_at").
				Values(machine, r.ReportDate.Format(time.RFC3339Nano), r.ProgramName, r.TotalCycleDurationS,
					nullableInt(r.ModeSpindle), nullableInt(r.ModeFeed), r.TargetS, r.Quantity, r.ActualPerPieceS,
					r.EfficiencyPct, string(r.Band), now.Format(time.RFC3339Nano)).
				ToSql()
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("upsert sub-program row %s/%s: %w", machine, r.ProgramName, err)
			}
		}
		return nil
	})
}

// SaveMainProgramSessions upserts every session row keyed on
// (machine, program_main_name, session_start).
func (e *Engine) SaveMainProgramSessions(ctx context.Context, machine string, sessions []model.MainProgramSession) error {
	tbl := storage.QuotedTableName(storage.PrefixMainProgramAnalysis, time.Now())
	if err := e.ensurePartition(ctx, "main-program", tbl, mainProgramDDL); err != nil {
		return err
	}
	now := time.Now().UTC()

	return e.DB.WithWriteTx(ctx, workerName+":main-program", func(tx *sqlx.Tx) error {
		for _, s := range sessions {
			query, args, err := sq.Insert(tbl).
				Options("OR REPLACE").
				Columns("machine_name", "program_main_name", "session_start", "session_end", "total_process_s",
					"total_loss_s", "cycle_time_s", "quantity", "notes", "notes_qty", "archived_at").
				Values(machine, s.ProgramMainName, s.SessionStart.Format(time.RFC3339Nano), s.SessionEnd.Format(time.RFC3339Nano),
					s.TotalProcessS, s.TotalLossS, s.CycleTimeS, s.Quantity, s.Notes, s.NotesQty, now.Format(time.RFC3339Nano)).
				ToSql()
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("upsert main-program session %s/%s: %w", machine, s.ProgramMainName, err)
			}
		}
		return nil
	})
}

// SaveLossBreakdown upserts loss-category rows keyed on
// (machine, report_date, category).
func (e *Engine) SaveLossBreakdown(ctx context.Context, machine string, rows []model.LossBreakdown) error {
	tbl := storage.QuotedTableName(storage.PrefixLossBreakdown, time.Now())
	if err := e.ensurePartition(ctx, "loss-breakdown", tbl, lossBreakdownDDL); err != nil {
		return err
	}
	now := time.Now().UTC()

	return e.DB.WithWriteTx(ctx, workerName+":loss-breakdown", func(tx *sqlx.Tx) error {
		for _, r := range rows {
			query, args, err := sq.Insert(tbl).
				Options("OR REPLACE").
				Columns("machine_name", "report_date", "category", "loss_s", "archived_at").
				Values(machine, r.ReportDate.Format(time.RFC3339Nano), r.Category, r.LossS, now.Format(time.RFC3339Nano)).
				ToSql()
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("upsert loss breakdown %s/%s: %w", machine, r.Category, err)
			}
		}
		return nil
	})
}

// SaveLossBreakdownPerPiece upserts the per-piece derived view alongside
// the absolute breakdown.
func (e *Engine) SaveLossBreakdownPerPiece(ctx context.Context, machine string, rows []model.LossBreakdownPerPiece) error {
	tbl := storage.QuotedTableName(storage.PrefixLossBreakdownPiece, time.Now())
	if err := e.ensurePartition(ctx, "loss-breakdown-piece", tbl, lossBreakdownPerPieceDDL); err != nil {
		return err
	}
	now := time.Now().UTC()

	return e.DB.WithWriteTx(ctx, workerName+":loss-breakdown-piece", func(tx *sqlx.Tx) error {
		for _, r := range rows {
			query, args, err := sq.Insert(tbl).
				Options("OR REPLACE").
				Columns("machine_name", "report_date", "category", "loss_per_piece_s", "quantity", "archived_at").
				Values(machine, r.ReportDate.Format(time.RFC3339Nano), r.Category, r.LossPerPieceS, r.Quantity, now.Format(time.RFC3339Nano)).
				ToSql()
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("upsert loss breakdown per piece %s/%s: %w", machine, r.Category, err)
			}
		}
		return nil
	})
}

func (e *Engine) ensurePartition(ctx context.Context, worker, table string, ddl func(table string) string) error {
	return e.DB.EnsurePartitionOnce(ctx, workerName+":"+worker, table, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, ddl(table))
		return err
	})
}

func subProgramDDL(table string) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	machine_name TEXT NOT NULL,
	report_date TEXT NOT NULL,
	program_name TEXT NOT NULL,
	total_cycle_duration_s REAL NOT NULL,
	mode_spindle INTEGER,
	mode_feed INTEGER,
	target_s REAL NOT NULL,
	quantity INTEGER NOT NULL,
	actual_per_piece_s REAL NOT NULL,
	efficiency_pct REAL NOT NULL,
	band TEXT NOT NULL,
	archived_at TEXT NOT NULL,
	PRIMARY KEY (machine_name, report_date, program_name)
)`, table)
}

func mainProgramDDL(table string) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	machine_name TEXT NOT NULL,
	program_main_name TEXT NOT NULL,
	session_start TEXT NOT NULL,
	session_end TEXT NOT NULL,
	total_process_s REAL NOT NULL,
	total_loss_s REAL NOT NULL,
	cycle_time_s REAL NOT NULL,
	quantity INTEGER NOT NULL,
	notes TEXT NOT NULL,
	notes_qty INTEGER NOT NULL,
	archived_at TEXT NOT NULL,
	PRIMARY KEY (machine_name, program_main_name, session_start)
)`, table)
}

func lossBreakdownDDL(table string) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	machine_name TEXT NOT NULL,
	report_date TEXT NOT NULL,
	category TEXT NOT NULL,
	loss_s REAL NOT NULL,
	archived_at TEXT NOT NULL,
	PRIMARY KEY (machine_name, report_date, category)
)`, table)
}

func lossBreakdownPerPieceDDL(table string) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	machine_name TEXT NOT NULL,
	report_date TEXT NOT NULL,
	category TEXT NOT NULL,
	loss_per_piece_s REAL NOT NULL,
	quantity INTEGER NOT NULL,
	archived_at TEXT NOT NULL,
	PRIMARY KEY (machine_name, report_date, category)
)`, table)
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

// RenameProgram is the program-name rewrite admin command (supplemented
// from original_source's program-editor rename flow, which let an operator
// correct a mis-parsed program name after the fact). It rewrites
// program_name across every monthly program_report table the
// [start, end] range touches, one UPDATE per table, all inside a single
// write transaction.
func (e *Engine) RenameProgram(ctx context.Context, machine, oldName, newName string, start, end time.Time) error {
	return e.DB.WithWriteTx(ctx, workerName+":rename-program", func(tx *sqlx.Tx) error {
		for _, month := range storage.MonthsBetween(start, end) {
			table := storage.TableName(storage.PrefixProgramReport, month)
			query, args, err := sq.Update(table).
				Set("program_name", newName).
				Where(sq.Eq{"machine_name": machine, "program_name": oldName}).
				ToSql()
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				if isMissingTable(err) {
					continue // partition never written; nothing to rename
				}
				return fmt.Errorf("rename program in %s: %w", table, err)
			}
		}
		return nil
	})
}

func isMissingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}
