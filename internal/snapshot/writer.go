// Package snapshot implements the Snapshot Writer: it periodically
// publishes the Latest-State Register as a single JSON document via an
// atomic overwrite (write-to-temp, rename), following spec.md §6's exact
// field layout.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/Atot4/shopfloor-monitor/internal/model"
)

// Entry is one machine's row in the snapshot document. Fields absent on
// the source MachineState are omitted entirely (spec.md §6: "Missing
// fields are absent (not null-strings)").
type Entry struct {
	StatusText          string  `json:"Status_Text"`
	SpindleSpeed        *int    `json:"Spindle_Speed,omitempty"`
	FeedRate            *int    `json:"FeedRate_mm_per_min,omitempty"`
	CurrentProgram      *string `json:"Current_Program,omitempty"`
	Moden               *int    `json:"Moden,omitempty"`
	Motion              *int    `json:"Motion,omitempty"`
	StateNumber         *int    `json:"State_Number,omitempty"`
	OvrSpindle          *int    `json:"OvrSpindle,omitempty"`
	OvrFeed             *int    `json:"OvrFeed,omitempty"`
	Status              *int    `json:"Status,omitempty"`
	TimestampProcessed  float64 `json:"Timestamp_Processed"`
	RawStatusKeyUsed    string  `json:"Raw_Status_Key_Used,omitempty"`
	RawStatusValue      string  `json:"Raw_Status_Value,omitempty"`
}

// Document is the top-level snapshot mapping machine_name -> Entry.
type Document map[string]Entry

// BuildDocument converts a register snapshot into the wire document.
func BuildDocument(states map[string]model.MachineState) Document {
	doc := make(Document, len(states))
	for name, s := range states {
		e := Entry{
			StatusText:         s.StatusText,
			SpindleSpeed:       s.SpindleSpeed,
			FeedRate:           s.FeedRate,
			CurrentProgram:     s.CurrentProgram,
			OvrSpindle:         rawInt(s.Raw, "OvrSpindle"),
			OvrFeed:            rawInt(s.Raw, "OvrFeed"),
			Status:             rawInt(s.Raw, "Status"),
			Moden:              rawInt(s.Raw, "Moden"),
			Motion:             rawInt(s.Raw, "Motion"),
			StateNumber:        rawInt(s.Raw, "State_Number"),
			TimestampProcessed: float64(s.Timestamp.Unix()),
		}
		if key, val := rawStatusSource(s.Raw); key != "" {
			e.RawStatusKeyUsed = key
			e.RawStatusValue = val
		}
		doc[name] = e
	}
	return doc
}

func rawInt(raw map[string]any, key string) *int {
	v, ok := raw[key]
	if !ok {
		return nil
	}
	switch n := v.(type) {
	case int:
		return &n
	case int32:
		i := int(n)
		return &i
	case int64:
		i := int(n)
		return &i
	case float64:
		i := int(n)
		return &i
	default:
		return nil
	}
}

// rawStatusSource reports which raw key drove the status dispatch, for
// diagnostics (spec.md §6's Raw_Status_Key_Used/Raw_Status_Value).
func rawStatusSource(raw map[string]any) (string, string) {
	for _, key := range []string{"Status", "State_Number"} {
		if v, ok := raw[key]; ok {
			return key, fmt.Sprintf("%v", v)
		}
	}
	if moden, ok := raw["Moden"]; ok {
		return "Moden_Motion", fmt.Sprintf("Moden:%v, Motion:%v", moden, raw["Motion"])
	}
	return "", ""
}

// Writer periodically writes the register's snapshot to Path via an
// atomic overwrite.
type Writer struct {
	Path     string
	Register interface {
		Snapshot() map[string]model.MachineState
	}
}

// WriteOnce renders and atomically publishes one snapshot document.
func (w *Writer) WriteOnce() error {
	doc := BuildDocument(w.Register.Snapshot())

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	dir := filepath.Dir(w.Path)
	tmp, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp snapshot file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp snapshot file: %w", err)
	}
	if err := os.Rename(tmpPath, w.Path); err != nil {
		return fmt.Errorf("publish snapshot: %w", err)
	}
	return nil
}

// Run writes a snapshot every interval until ctx is cancelled. Write
// failures are logged and otherwise ignored: the dashboard keeps serving
// the previous snapshot rather than blocking on a failing writer
// (spec.md §7).
func (w *Writer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.WriteOnce(); err != nil {
				slog.Warn("snapshot: write failed", "err", err)
			}
		}
	}
}
