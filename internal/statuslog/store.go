// Package statuslog implements the Status Log Store: an append-mostly,
// monthly-sharded time series of normalized machine readings, deduplicated
// by (machine, timestamp).
package statuslog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/Atot4/shopfloor-monitor/internal/model"
	"github.com/Atot4/shopfloor-monitor/internal/storage"
)

const workerName = "statuslog"

// Register is the minimal view of telemetry.Register this package needs,
// avoiding an import cycle with the telemetry package.
type Register interface {
	Snapshot() map[string]model.MachineState
}

// Store is the Status Log Store.
type Store struct {
	DB *storage.DB
}

func (s *Store) table(t time.Time) string {
	return storage.TableName(storage.PrefixStatusLog, t)
}

func ddl(table string) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	machine_name TEXT NOT NULL,
	timestamp_log TEXT NOT NULL,
	status_text TEXT NOT NULL,
	spindle_speed INTEGER,
	feed_rate INTEGER,
	current_program TEXT,
	raw_log_data TEXT,
	created_at TEXT NOT NULL,
	UNIQUE(machine_name, timestamp_log)
)`, table)
}

// ensurePartition bootstraps the monthly table for t, once per process
// (spec.md §5).
func (s *Store) ensurePartition(ctx context.Context, t time.Time) error {
	table := s.table(t)
	return s.DB.EnsurePartitionOnce(ctx, workerName, table, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, ddl(table))
		return err
	})
}

// SaveLatest upserts (insert-or-skip) one row per machine in reg into the
// table for the current month. Re-running with the same register
// contents is idempotent: the unique (machine_name, timestamp_log)
// constraint makes re-inserts no-ops (spec.md §8).
func (s *Store) SaveLatest(ctx context.Context, reg Register, now time.Time) error {
	if err := s.ensurePartition(ctx, now); err != nil {
		return err
	}
	table := s.table(now)

	states := reg.Snapshot()
	return s.DB.WithWriteTx(ctx, workerName, func(tx *sqlx.Tx) error {
		for _, state := range states {
			rawJSON, err := json.Marshal(state.Raw)
			if err != nil {
				return fmt.Errorf("marshal raw blob for %s: %w", state.MachineName, err)
			}

			query, args, err := sq.Insert(table).
				Options("OR IGNORE").
				Columns("machine_name", "timestamp_log", "status_text", "spindle_speed", "feed_rate", "current_program", "raw_log_data", "created_at").
				Values(
					state.MachineName,
					state.Timestamp.UTC().Format(time.RFC3339Nano),
					state.StatusText,
					nullableInt(state.SpindleSpeed),
					nullableInt(state.FeedRate),
					nullableString(state.CurrentProgram),
					string(rawJSON),
					nowISO(),
				).
				ToSql()
			if err != nil {
				return fmt.Errorf("build insert: %w", err)
			}
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("insert status log row for %s: %w", state.MachineName, err)
			}
		}
		return nil
	})
}

// GetRange returns every status log entry for machine with
// timestamp_log in [start, end], across every monthly partition the
// range touches, ordered ascending by timestamp.
func (s *Store) GetRange(ctx context.Context, machine string, start, end time.Time) ([]model.StatusLogEntry, error) {
	var out []model.StatusLogEntry
	for _, month := range storage.MonthsBetween(start, end) {
		table := s.table(month)
		rows, err := s.readPartition(ctx, table, machine, start, end)
		if err != nil {
			if isMissingTable(err) {
				continue // partition never written to (no reads for this machine that month)
			}
			return nil, fmt.Errorf("read partition %s: %w", table, err)
		}
		out = append(out, rows...)
	}
	sortByTimestamp(out)
	return out, nil
}

func (s *Store) readPartition(ctx context.Context, table, machine string, start, end time.Time) ([]model.StatusLogEntry, error) {
	rows, err := s.queryPartition(ctx, table, machine, start, end, true)
	if err != nil && isMissingColumn(err) {
		// Older partitions predating the current_program column: fall
		// back to reading without it (spec.md §4.3).
		return s.queryPartition(ctx, table, machine, start, end, false)
	}
	return rows, err
}

func (s *Store) queryPartition(ctx context.Context, table, machine string, start, end time.Time, withProgram bool) ([]model.StatusLogEntry, error) {
	cols := []string{"id", "machine_name", "timestamp_log", "status_text", "spindle_speed", "feed_rate", "raw_log_data", "created_at"}
	if withProgram {
		cols = append(cols, "current_program")
	}

	query, args, err := sq.Select(cols...).
		From(table).
		Where(sq.Eq{"machine_name": machine}).
		Where(sq.GtOrEq{"timestamp_log": start.UTC().Format(time.RFC3339Nano)}).
		Where(sq.LtOrEq{"timestamp_log": end.UTC().Format(time.RFC3339Nano)}).
		OrderBy("timestamp_log ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	rows, err := s.DB.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.StatusLogEntry
	for rows.Next() {
		var (
			id          int64
			machineName string
			ts          string
			statusText  string
			spindle     sql.NullInt64
			feed        sql.NullInt64
			raw         sql.NullString
			createdAt   string
			currentProg sql.NullString
		)
		dest := []any{&id, &machineName, &ts, &statusText, &spindle, &feed, &raw, &createdAt}
		if withProgram {
			dest = append(dest, &currentProg)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		parsedTS, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp: %w", err)
		}
		parsedCreated, _ := time.Parse(time.RFC3339Nano, createdAt)

		entry := model.StatusLogEntry{
			ID:           id,
			MachineName:  machineName,
			TimestampUTC: parsedTS,
			StatusText:   statusText,
			CreatedAt:    parsedCreated,
		}
		if spindle.Valid {
			n := int(spindle.Int64)
			entry.SpindleSpeed = &n
		}
		if feed.Valid {
			n := int(feed.Int64)
			entry.FeedRate = &n
		}
		if raw.Valid {
			entry.RawBlob = []byte(raw.String)
		}
		if withProgram && currentProg.Valid {
			p := currentProg.String
			entry.CurrentProgram = &p
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func isMissingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}

func isMissingColumn(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such column")
}

func sortByTimestamp(entries []model.StatusLogEntry) {
	// Insertion sort is adequate: inputs are already near-sorted (each
	// partition is queried in ascending order; only the partition
	// boundary can be out of order).
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].TimestampUTC.Before(entries[j-1].TimestampUTC); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
