package telemetry

import (
	"sync"
	"time"

	"github.com/Atot4/shopfloor-monitor/internal/model"
)

// Register is the Latest-State Register: a concurrent map of each
// machine's latest MachineState. Per spec.md §9's design note it is
// exposed only through Snapshot, so consumers (Snapshot Writer, Status Log
// DB Writer) never hold a reference into the live map and cannot observe a
// torn write — following the teacher's watch.Broker, which hands callers
// a copied slice rather than the topic's internal state.
//
// Each machine's slot has single-writer-per-key semantics: only that
// machine's Telemetry Client ever calls Put with a state for that machine.
type Register struct {
	mu     sync.RWMutex
	latest map[string]model.MachineState
}

// NewRegister returns an empty register.
func NewRegister() *Register {
	return &Register{latest: make(map[string]model.MachineState)}
}

// Put records state as the latest reading for its machine. Last-writer-wins
// per machine key (spec.md §5).
func (r *Register) Put(state model.MachineState) {
	r.mu.Lock()
	r.latest[state.MachineName] = state
	r.mu.Unlock()
}

// Get returns the latest state for machine, if any.
func (r *Register) Get(machine string) (model.MachineState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.latest[machine]
	return s, ok
}

// Snapshot returns a point-in-time copy of every machine's latest state,
// keyed by machine name. Mutating the result never affects the register.
func (r *Register) Snapshot() map[string]model.MachineState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]model.MachineState, len(r.latest))
	for k, v := range r.latest {
		out[k] = v
	}
	return out
}

// Stale reports whether machine's latest reading is older than after, or
// the machine has never reported. Supplements the original dashboard's
// "stale" marker (SPEC_FULL.md §11.1) without changing the snapshot JSON
// schema. The threshold is passed on every call; the register keeps no
// default threshold of its own.
func (r *Register) Stale(machine string, after time.Duration, now time.Time) bool {
	s, ok := r.Get(machine)
	if !ok {
		return true
	}
	return now.Sub(s.Timestamp) > after
}
