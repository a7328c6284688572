// Package analysis implements the Analysis Engine: the sub-program
// efficiency report and the main-program session segmentation view, both
// derived from the cycle table and the status log, plus their persisted
// loss-breakdown archives.
package analysis

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/Atot4/shopfloor-monitor/internal/appconfig"
	"github.com/Atot4/shopfloor-monitor/internal/metrics"
	"github.com/Atot4/shopfloor-monitor/internal/model"
	"github.com/Atot4/shopfloor-monitor/internal/statuslog"
	"github.com/Atot4/shopfloor-monitor/internal/storage"
)

const workerName = "analysis"

// Target is the operator-supplied per-program expectation driving
// efficiency scoring (spec.md §4.6a).
type Target struct {
	TargetS  float64
	Quantity int
}

// Engine is the Analysis Engine. It runs in request-scoped callers, not a
// background loop (spec.md §5).
type Engine struct {
	DB      *storage.DB
	Logs    *statuslog.Store
	Metrics *metrics.Registry
}

// --- Sub-program efficiency report (spec.md §4.6a) ---

// SubProgramEfficiency groups cycles by program name and scores each
// against an operator-supplied target.
func SubProgramEfficiency(machine string, cycles []model.ProgramCycle, logs []model.StatusLogEntry, targets map[string]Target, reportDate time.Time) []model.SubProgramEfficiencyReport {
	type agg struct {
		totalS float64
	}
	byProgram := make(map[string]*agg)
	order := make([]string, 0)
	for _, c := range cycles {
		a, ok := byProgram[c.ProgramName]
		if !ok {
			a = &agg{}
			byProgram[c.ProgramName] = a
			order = append(order, c.ProgramName)
		}
		a.totalS += float64(c.DurationS)
	}

	spindleByProgram, feedByProgram := modesByProgram(logs)

	sort.Strings(order)
	out := make([]model.SubProgramEfficiencyReport, 0, len(order))
	for _, name := range order {
		a := byProgram[name]
		target := targets[name]
		qty := target.Quantity
		if qty <= 0 {
			qty = 1
		}
		actualPerPiece := a.totalS / float64(qty)

		var efficiency float64
		if actualPerPiece > 0 {
			efficiency = target.TargetS / actualPerPiece * 100
			if efficiency > 100 {
				efficiency = 100
			}
		}

		out = append(out, model.SubProgramEfficiencyReport{
			MachineName:         machine,
			ReportDate:          reportDate,
			ProgramName:         name,
			TotalCycleDurationS: a.totalS,
			ModeSpindle:         spindleByProgram[name],
			ModeFeed:            feedByProgram[name],
			TargetS:             target.TargetS,
			Quantity:            qty,
			ActualPerPieceS:     actualPerPiece,
			EfficiencyPct:       efficiency,
			Band:                model.ClassifyEfficiency(efficiency),
		})
	}
	return out
}

// modesByProgram computes, for every program with at least one Running
// status-log entry, the mode of its spindle speed and feed rate,
// preferring nonzero values (spec.md §4.6a).
func modesByProgram(logs []model.StatusLogEntry) (spindle, feed map[string]*int) {
	spindleCounts := make(map[string]map[int]int)
	feedCounts := make(map[string]map[int]int)

	for _, l := range logs {
		if l.StatusText != "Running" || l.CurrentProgram == nil {
			continue
		}
		name := *l.CurrentProgram
		if l.SpindleSpeed != nil {
			if spindleCounts[name] == nil {
				spindleCounts[name] = make(map[int]int)
			}
			spindleCounts[name][*l.SpindleSpeed]++
		}
		if l.FeedRate != nil {
			if feedCounts[name] == nil {
				feedCounts[name] = make(map[int]int)
			}
			feedCounts[name][*l.FeedRate]++
		}
	}

	spindle = make(map[string]*int)
	feed = make(map[string]*int)
	for name, counts := range spindleCounts {
		if v, ok := preferNonzeroMode(counts); ok {
			spindle[name] = &v
		}
	}
	for name, counts := range feedCounts {
		if v, ok := preferNonzeroMode(counts); ok {
			feed[name] = &v
		}
	}
	return spindle, feed
}

func preferNonzeroMode(counts map[int]int) (int, bool) {
	bestNonzero, bestNonzeroCount := 0, -1
	bestAny, bestAnyCount := 0, -1
	for v, n := range counts {
		if n > bestAnyCount || (n == bestAnyCount && v < bestAny) {
			bestAny, bestAnyCount = v, n
		}
		if v != 0 && (n > bestNonzeroCount || (n == bestNonzeroCount && v < bestNonzero)) {
			bestNonzero, bestNonzeroCount = v, n
		}
	}
	if bestNonzeroCount >= 0 {
		return bestNonzero, true
	}
	if bestAnyCount >= 0 {
		return bestAny, true
	}
	return 0, false
}

// --- Main-program session segmentation (spec.md §4.6b) ---

// Piece is one (start, end) segment of the status log, classified relative
// to a target main program name at session-analysis time.
type Piece struct {
	Start       time.Time
	End         time.Time
	StatusText  string
	ProgramName string
	MainName    string
	Standard    bool
}

func (p Piece) DurationS() float64 { return p.End.Sub(p.Start).Seconds() }

// SegmentPieces turns an ascending status log into (start, end) pieces,
// synthesizing a final piece that extends the last log to rangeEnd.
func SegmentPieces(logs []model.StatusLogEntry, rangeEnd time.Time) []Piece {
	sorted := make([]model.StatusLogEntry, len(logs))
	copy(sorted, logs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].TimestampUTC.Before(sorted[j].TimestampUTC) })

	out := make([]Piece, 0, len(sorted))
	for i, l := range sorted {
		end := rangeEnd
		if i+1 < len(sorted) {
			end = sorted[i+1].TimestampUTC
		}
		if !end.After(l.TimestampUTC) {
			continue
		}
		program := ""
		if l.CurrentProgram != nil {
			program = *l.CurrentProgram
		}
		main, standard := mainNameAndStandard(program)
		out = append(out, Piece{
			Start: l.TimestampUTC, End: end,
			StatusText: l.StatusText, ProgramName: program,
			MainName: main, Standard: standard,
		})
	}
	return out
}

func mainNameAndStandard(program string) (main string, standard bool) {
	trimmed := strings.TrimSpace(program)
	standard = trimmed != "" && strings.HasPrefix(strings.ToUpper(trimmed), "N")
	if !strings.Contains(trimmed, "-") {
		return "", standard
	}
	return strings.TrimSpace(strings.SplitN(trimmed, "-", 2)[0]), standard
}

type pieceClass int

const (
	classGap pieceClass = iota
	classThisMain
	classOtherMain
)

func classify(p Piece, targetMain string, running map[string]bool) pieceClass {
	if !running[p.StatusText] || !p.Standard {
		return classGap
	}
	if p.MainName == targetMain {
		return classThisMain
	}
	return classOtherMain
}

// SessionInput is the operator-supplied quantity and note-quantity for one
// main-program session, keyed by its start time (spec.md §3: "Quantity and
// note fields are supplied by the analysis UI and passed through"). It
// mirrors the manual "Set Quantity" editor keyed by program_main_name and
// session_start_time in the original Program Analysis page, where an unset
// entry defaults Quantity to 1.
type SessionInput struct {
	Quantity int
	NotesQty int
}

// SessionSegmentation runs the per-target-main session state machine over
// pieces, following spec.md §4.6b exactly (verified against §8 scenarios 5
// and 6). inputs supplies the operator-entered Quantity/NotesQty for each
// session the machine produces, looked up by the session's start time once
// it is known; a session absent from inputs defaults to Quantity 1.
func SessionSegmentation(machine string, pieces []Piece, targetMain string, vocab appconfig.Vocab, gapThreshold time.Duration, rangeEnd time.Time, inputs map[time.Time]SessionInput) []model.MainProgramSession {
	running := toSet(vocab.Running)

	var sessions []model.MainProgramSession
	var current *model.MainProgramSession
	opened := 0

	closeSession := func(end time.Time, note string) {
		current.SessionEnd = end
		current.Notes = note
		current.CycleTimeS = current.TotalProcessS - current.TotalLossS
		sessions = append(sessions, *current)
		current = nil
	}

	for _, p := range pieces {
		class := classify(p, targetMain, running)
		dur := p.DurationS()

		switch class {
		case classThisMain:
			if current == nil {
				note := "start"
				if opened > 0 {
					note = "continuation"
				}
				opened++
				in := inputs[p.Start]
				qty := in.Quantity
				if qty <= 0 {
					qty = 1
				}
				current = &model.MainProgramSession{
					MachineName:     machine,
					ProgramMainName: targetMain,
					SessionStart:    p.Start,
					Notes:           note,
					Quantity:        qty,
					NotesQty:        in.NotesQty,
				}
			}
			current.TotalProcessS += dur

		case classOtherMain:
			if current != nil {
				closeSession(p.Start, fmt.Sprintf("interrupted by %s", p.MainName))
			}

		case classGap:
			if current == nil {
				continue
			}
			if dur > gapThreshold.Seconds() {
				closeSession(p.Start, "long gap")
			} else {
				current.TotalProcessS += dur
				current.TotalLossS += dur
			}
		}
	}

	if current != nil {
		closeSession(rangeEnd, "normal end")
	}
	return sessions
}

func toSet(items []string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, s := range items {
		m[s] = true
	}
	return m
}

// --- Loss breakdown derivation (spec.md §4.6, grounded on the archived
// per-status loss aggregation in the original analysis pages) ---

// LossBreakdown aggregates loss-contributing pieces (idle/other status, or
// non-standard program while nominally running) inside sessions with
// nonzero loss, grouped by status text.
func LossBreakdown(machine string, sessions []model.MainProgramSession, pieces []Piece, vocab appconfig.Vocab, reportDate time.Time) []model.LossBreakdown {
	running := toSet(vocab.Running)
	totals := make(map[string]float64)
	order := make([]string, 0)

	for _, s := range sessions {
		if s.TotalLossS <= 0 {
			continue
		}
		for _, p := range pieces {
			if p.Start.Before(s.SessionStart) || !p.Start.Before(s.SessionEnd) {
				continue
			}
			isLoss := !running[p.StatusText] || !p.Standard
			if !isLoss {
				continue
			}
			if _, seen := totals[p.StatusText]; !seen {
				order = append(order, p.StatusText)
			}
			totals[p.StatusText] += p.DurationS()
		}
	}

	sort.Strings(order)
	out := make([]model.LossBreakdown, 0, len(order))
	for _, category := range order {
		out = append(out, model.LossBreakdown{
			MachineName: machine,
			ReportDate:  reportDate,
			Category:    category,
			LossS:       totals[category],
		})
	}
	return out
}

// LossBreakdownPerPiece divides each category's total loss seconds by the
// total quantity across sessions with nonzero loss.
func LossBreakdownPerPiece(machine string, breakdown []model.LossBreakdown, sessions []model.MainProgramSession, reportDate time.Time) []model.LossBreakdownPerPiece {
	totalQty := 0
	for _, s := range sessions {
		if s.TotalLossS > 0 {
			totalQty += s.Quantity
		}
	}
	if totalQty <= 0 {
		return nil
	}

	out := make([]model.LossBreakdownPerPiece, 0, len(breakdown))
	for _, b := range breakdown {
		out = append(out, model.LossBreakdownPerPiece{
			MachineName:   machine,
			ReportDate:    reportDate,
			Category:      b.Category,
			LossPerPieceS: b.LossS / float64(totalQty),
			Quantity:      totalQty,
		})
	}
	return out
}
