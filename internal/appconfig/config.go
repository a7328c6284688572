// Package appconfig loads the daemon's YAML configuration: the machine
// list, runtime tunables, and the status vocabularies, following the same
// load/normalize shape as the teacher's config loader.
package appconfig

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Family names the vendor status-dispatch table a machine uses.
type Family string

const (
	FamilyMakino     Family = "makino"
	FamilyFanucYasda Family = "fanuc_yasda"
	FamilyMitsubishi Family = "mitsubishi_wele"
	FamilyQuaser     Family = "mitsubishi_quaser"
	FamilyHeidenhain Family = "heidenhain"
	FamilyDefault    Family = "default"
)

// MachineSpec is one configured machine: its connection and its variable map.
type MachineSpec struct {
	Name      string            `yaml:"name"`
	Family    Family            `yaml:"family"`
	URL       string            `yaml:"url,omitempty"`
	Variables map[string]string `yaml:"variables"`
}

// ShiftWindow is a half-open local-time interval. EndHour <= StartHour
// (including the literal EndHour == 0) means the window wraps past
// midnight into the following day, e.g. {StartHour: 22, EndHour: 6}.
type ShiftWindow struct {
	Name      string `yaml:"name"`
	StartHour int    `yaml:"start_hour"`
	EndHour   int    `yaml:"end_hour"`
}

// Tunables are the runtime cadence and threshold knobs, all operator
// adjustable via the config file.
type Tunables struct {
	PollInterval          time.Duration `yaml:"poll_interval"`
	SnapshotInterval      time.Duration `yaml:"snapshot_interval"`
	StatusLogInterval     time.Duration `yaml:"status_log_interval"`
	ShiftCalcInterval     time.Duration `yaml:"shift_calc_interval"`
	ProgramReportInterval time.Duration `yaml:"program_report_interval"`
	SessionGapThreshold   time.Duration `yaml:"session_gap_threshold"`
	RetentionHours        int           `yaml:"retention_hours"`
}

// DefaultTunables mirrors spec.md §5's defaults.
func DefaultTunables() Tunables {
	return Tunables{
		PollInterval:          1 * time.Second,
		SnapshotInterval:      1 * time.Second,
		StatusLogInterval:     10 * time.Second,
		ShiftCalcInterval:     5 * time.Second,
		ProgramReportInterval: 10 * time.Second,
		SessionGapThreshold:   300 * time.Second,
		RetentionHours:        30 * 24,
	}
}

// Vocab holds the closed, disjoint status vocabularies and the shift table.
type Vocab struct {
	Running []string      `yaml:"running_statuses"`
	Idle    []string      `yaml:"idle_statuses"`
	Other   []string      `yaml:"other_statuses"`
	Shifts  []ShiftWindow `yaml:"shifts"`
	// DisplayOrder is presentation-only; not consumed by any engine.
	DisplayOrder []string `yaml:"display_order,omitempty"`
}

// Config is the whole daemon configuration.
type Config struct {
	Machines []MachineSpec `yaml:"machines"`
	URL      string        `yaml:"url,omitempty"`
	Tunables Tunables      `yaml:"tunables"`
	Vocab    Vocab         `yaml:"vocab"`

	// SnapshotPath is where the Snapshot Writer publishes its JSON document.
	SnapshotPath string `yaml:"snapshot_path"`
	// DatabasePath is the SQLite file backing the Persistence Layer.
	DatabasePath string `yaml:"database_path"`

	// Credentials, read from the environment, never from the file.
	OperatorUser     string `yaml:"-"`
	OperatorPassword string `yaml:"-"`
}

const (
	envUser = "OPC_UA_USER"
	envPass = "OPC_UA_PASSWORD"
)

// Load reads and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{Tunables: DefaultTunables()}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.OperatorUser = os.Getenv(envUser)
	cfg.OperatorPassword = os.Getenv(envPass)

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// normalize fills in zero-valued tunables with defaults and trims strings.
func (c *Config) normalize() error {
	defaults := DefaultTunables()
	if c.Tunables.PollInterval <= 0 {
		c.Tunables.PollInterval = defaults.PollInterval
	}
	if c.Tunables.SnapshotInterval <= 0 {
		c.Tunables.SnapshotInterval = defaults.SnapshotInterval
	}
	if c.Tunables.StatusLogInterval <= 0 {
		c.Tunables.StatusLogInterval = defaults.StatusLogInterval
	}
	if c.Tunables.ShiftCalcInterval <= 0 {
		c.Tunables.ShiftCalcInterval = defaults.ShiftCalcInterval
	}
	if c.Tunables.ProgramReportInterval <= 0 {
		c.Tunables.ProgramReportInterval = defaults.ProgramReportInterval
	}
	if c.Tunables.SessionGapThreshold <= 0 {
		c.Tunables.SessionGapThreshold = defaults.SessionGapThreshold
	}
	if c.Tunables.RetentionHours <= 0 {
		c.Tunables.RetentionHours = defaults.RetentionHours
	}
	for i := range c.Machines {
		c.Machines[i].Name = strings.TrimSpace(c.Machines[i].Name)
		if c.Machines[i].URL == "" {
			c.Machines[i].URL = c.URL
		}
		if c.Machines[i].Family == "" {
			c.Machines[i].Family = FamilyDefault
		}
	}
	return nil
}

// Validate enforces fatal-startup-error invariants: at least one machine,
// credentials present, and disjoint status vocabularies (spec.md §9's
// Open Question resolution — overlap is an error, not silently merged).
func (c *Config) Validate() error {
	if len(c.Machines) == 0 {
		return fmt.Errorf("config: no machines configured")
	}
	if c.OperatorUser == "" || c.OperatorPassword == "" {
		return fmt.Errorf("config: %s and %s must be set", envUser, envPass)
	}
	for _, m := range c.Machines {
		if m.Name == "" {
			return fmt.Errorf("config: machine with empty name")
		}
		if len(m.Variables) == 0 {
			return fmt.Errorf("config: machine %q has no variables configured", m.Name)
		}
	}
	if err := c.Vocab.validateDisjoint(); err != nil {
		return err
	}
	if err := c.Vocab.validateShiftsNoOverlap(); err != nil {
		return err
	}
	return nil
}

func (v Vocab) validateDisjoint() error {
	sets := map[string][]string{"running": v.Running, "idle": v.Idle, "other": v.Other}
	seen := make(map[string]string)
	for setName, statuses := range sets {
		for _, s := range statuses {
			if owner, ok := seen[s]; ok && owner != setName {
				return fmt.Errorf("config: status %q appears in both %q and %q vocabularies", s, owner, setName)
			}
			seen[s] = setName
		}
	}
	return nil
}

// validateShiftsNoOverlap rejects shift windows that overlap each other.
// Gaps are allowed: they are covered at runtime by the "Unscheduled"
// fallback shift (see EffectiveShifts). A shift whose EndHour is before
// its StartHour (e.g. Night 22-06, or the midnight-exact 22-00) wraps past
// midnight and owns both ends of the day. A shift whose EndHour equals its
// StartHour is rejected as invalid.
func (v Vocab) validateShiftsNoOverlap() error {
	if len(v.Shifts) == 0 {
		return nil
	}
	owner := make([]string, 24)
	for _, s := range v.Shifts {
		start, end := s.StartHour, s.EndHour
		if start < 0 || start > 23 || end < 0 || end > 23 || start == end {
			return fmt.Errorf("config: shift %q has invalid bounds [%d,%d)", s.Name, s.StartHour, s.EndHour)
		}
		mark := func(h int) error {
			if owner[h] != "" && owner[h] != s.Name {
				return fmt.Errorf("config: shifts %q and %q overlap at hour %d", owner[h], s.Name, h)
			}
			owner[h] = s.Name
			return nil
		}
		if end > start {
			for h := start; h < end; h++ {
				if err := mark(h); err != nil {
					return err
				}
			}
		} else {
			for h := start; h < 24; h++ {
				if err := mark(h); err != nil {
					return err
				}
			}
			for h := 0; h < end; h++ {
				if err := mark(h); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// UnscheduledShiftName is the fallback shift covering any hour not claimed
// by a configured shift window.
const UnscheduledShiftName = "Unscheduled"

// EffectiveShifts returns the configured shift windows plus synthetic
// "Unscheduled" windows filling any gap hours, so the result always
// partitions the 24-hour day. A wrapping shift (EndHour at or before
// StartHour) owns hours on both sides of midnight and so can appear twice,
// once per side; each appearance still carries its original, unsplit
// StartHour/EndHour so callers can recover the true wrap.
func (v Vocab) EffectiveShifts() []ShiftWindow {
	owner := make([]int, 24)
	for i := range owner {
		owner[i] = -1
	}
	for idx, s := range v.Shifts {
		start, end := s.StartHour, s.EndHour
		if end > start {
			for h := start; h < end; h++ {
				owner[h] = idx
			}
		} else {
			for h := start; h < 24; h++ {
				owner[h] = idx
			}
			for h := 0; h < end; h++ {
				owner[h] = idx
			}
		}
	}

	out := make([]ShiftWindow, 0, len(v.Shifts)+2)
	h := 0
	for h < 24 {
		idx := owner[h]
		if idx >= 0 {
			out = append(out, v.Shifts[idx])
			for h < 24 && owner[h] == idx {
				h++
			}
			continue
		}
		start := h
		for h < 24 && owner[h] < 0 {
			h++
		}
		out = append(out, ShiftWindow{Name: UnscheduledShiftName, StartHour: start, EndHour: h % 24})
	}
	return out
}
