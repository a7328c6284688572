// Package normalize implements the pure transformation from a machine's
// raw OPC UA reading map into a canonical model.MachineState. It contains
// no I/O and is deterministic: the same (machineName, raw) pair always
// produces the same state.
package normalize

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/Atot4/shopfloor-monitor/internal/appconfig"
	"github.com/Atot4/shopfloor-monitor/internal/model"
)

// keys are the raw reading map's logical variable names, matching the
// original telemetry tag names rather than our own invented vocabulary —
// these come directly off the wire and are looked up verbatim.
const (
	keyStatus        = "Status"
	keyStateNumber   = "State_Number"
	keyModen         = "Moden"
	keyMotion        = "Motion"
	keyProgramNum    = "Program_num"
	keySettingNum    = "Setting_num"
	keySubProcessNum = "Sub_process_num"
	keyProgramID     = "Program_id"
	keySpindle       = "Spindle_Speed"
	keyOvrSpindle    = "OvrSpindle"
	keyFeed          = "FeedRate"
	keyOvrFeed       = "OvrFeed"
)

var nonMakinoProgramKeys = []string{
	"Program", "Current_Program", "ProgramName", "PathProgramName",
	"ActiveProgramName", "PROGN",
}

// UndefinedStatus is emitted when the family's dispatch table has no entry
// for the parsed index, and for the Makino family when Moden is absent or
// unparseable or neither (Moden, Motion) nor (Moden, *) has an entry.
const UndefinedStatus = "Undefined Status"

// NotAvailableStatus is emitted by every non-Makino family when its status
// key is absent or unparseable (for the default family: when neither
// Status nor State_Number yields an index).
const NotAvailableStatus = "N/A"

// Normalize maps a machine's family and its raw reading map to a
// MachineState. now is the wall-clock sample time (UTC, second precision).
func Normalize(machine appconfig.MachineSpec, raw map[string]any, now time.Time) model.MachineState {
	state := model.MachineState{
		MachineName: machine.Name,
		Timestamp:   now.UTC().Truncate(time.Second),
		Raw:         raw,
	}

	state.StatusText = resolveStatus(machine.Family, raw)
	state.SpindleSpeed = firstInt(raw, keySpindle, keyOvrSpindle)
	state.FeedRate = firstInt(raw, keyFeed, keyOvrFeed)

	if machine.Family == appconfig.FamilyMakino {
		state.CurrentProgram = makinoProgramID(raw)
	} else {
		state.CurrentProgram = nonMakinoProgramID(raw)
	}
	return state
}

func resolveStatus(family appconfig.Family, raw map[string]any) string {
	switch family {
	case appconfig.FamilyMakino:
		return makinoStatus(raw)
	case appconfig.FamilyFanucYasda, appconfig.FamilyMitsubishi:
		idx, ok := intIndex(raw, keyStatus)
		if !ok {
			return NotAvailableStatus
		}
		return lookupOrUndefined(fanucTable, idx)
	case appconfig.FamilyQuaser:
		idx, ok := intIndex(raw, keyStateNumber)
		if !ok {
			return NotAvailableStatus
		}
		return lookupOrUndefined(quaserTable, idx)
	case appconfig.FamilyHeidenhain:
		idx, ok := intIndex(raw, keyStateNumber)
		if !ok {
			return NotAvailableStatus
		}
		return lookupOrUndefined(fanucTable, idx)
	default:
		if idx, ok := intIndex(raw, keyStatus); ok {
			return lookupOrUndefined(fanucTable, idx)
		}
		if idx, ok := intIndex(raw, keyStateNumber); ok {
			return lookupOrUndefined(fanucTable, idx)
		}
		return NotAvailableStatus
	}
}

func lookupOrUndefined(table map[int]string, idx int) string {
	if text, ok := table[idx]; ok {
		return text
	}
	return UndefinedStatus
}

// makinoStatus looks up (Moden, Motion), falling back to (Moden, *) when
// the exact pair is absent.
func makinoStatus(raw map[string]any) string {
	moden, modenOK := intIndex(raw, keyModen)
	motion, motionOK := intIndex(raw, keyMotion)
	if !modenOK {
		return UndefinedStatus
	}
	if motionOK {
		if text, ok := makinoTable[makinoKey{moden, motion}]; ok {
			return text
		}
	}
	if text, ok := makinoTable[makinoKey{moden, wildcardMotion}]; ok {
		return text
	}
	return UndefinedStatus
}

// makinoProgramID builds the composite program id per spec.md §4.2.
func makinoProgramID(raw map[string]any) *string {
	var b strings.Builder

	if n, ok := intVal(raw[keyProgramNum]); ok && n != 0 {
		b.WriteString("N")
		b.WriteString(strconv.Itoa(n))
		b.WriteString("-")
	}

	if v, ok := raw[keySettingNum]; ok {
		if n, ok := intVal(v); ok {
			b.WriteString(strconv.Itoa(n))
		} else if s, ok := stringVal(v); ok && s != "" {
			b.WriteString(s)
		}
	}

	if n, ok := intVal(raw[keySubProcessNum]); ok {
		switch {
		case n == 0:
			// append nothing
		case n >= 1 && n <= 26:
			b.WriteByte(byte('A' + n - 1))
		default:
			slog.Warn("normalize: Sub_process_num out of range", "value", n)
		}
	}

	if n, ok := intVal(raw[keyProgramID]); ok && n != 0 {
		b.WriteString(strconv.Itoa(n))
	}

	out := strings.TrimSuffix(b.String(), "-")
	if out == "" {
		return nil
	}
	return &out
}

func nonMakinoProgramID(raw map[string]any) *string {
	for _, key := range nonMakinoProgramKeys {
		if v, ok := raw[key]; ok {
			if s, ok := stringVal(v); ok {
				if trimmed := strings.TrimSpace(s); trimmed != "" {
					return &trimmed
				}
			}
		}
	}
	return nil
}

func firstInt(raw map[string]any, keys ...string) *int {
	for _, key := range keys {
		if v, ok := raw[key]; ok {
			if n, ok := intVal(v); ok {
				return &n
			}
		}
	}
	return nil
}

// intIndex converts a raw reading to an integer table index, tolerating
// string and float inputs (parse int(float(x))). Absence or parse failure
// both report ok == false.
func intIndex(raw map[string]any, key string) (int, bool) {
	v, present := raw[key]
	if !present {
		return 0, false
	}
	return intVal(v)
}

func intVal(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int32:
		return int(t), true
	case int64:
		return int(t), true
	case float32:
		return int(t), true
	case float64:
		return int(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		return int(f), true
	default:
		return 0, false
	}
}

func stringVal(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case fmt.Stringer:
		return t.String(), true
	default:
		return "", false
	}
}
