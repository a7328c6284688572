// Package metrics defines the process's Prometheus instrumentation: one
// counter or histogram per cadence the supervisor drives, so an operator can
// see poll health, write latency, and derivation throughput without reading
// logs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "shopfloord"

// Registry holds every collector the daemon exports. It is constructed once
// at startup and threaded into the components that produce the numbers;
// nothing here touches a registry global, so tests can construct a scratch
// Registry without colliding with prometheus.DefaultRegisterer.
type Registry struct {
	PollFailures      *prometheus.CounterVec
	DBWriteLatencyS   *prometheus.HistogramVec
	ShiftsFinalized   *prometheus.CounterVec
	CyclesEmitted     *prometheus.CounterVec
	AnalysisRunsTotal *prometheus.CounterVec
}

// New creates a Registry and registers every collector against reg.
func New(reg prometheus.Registerer) *Registry {
	f := promauto.With(reg)
	return &Registry{
		PollFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "poll_failures_total",
			Help:      "Telemetry poll ticks that yielded zero readable variables, by machine.",
		}, []string{"machine"}),
		DBWriteLatencyS: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "write_tx_duration_seconds",
			Help:      "Wall time spent inside the serialized write transaction, by worker.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"worker"}),
		ShiftsFinalized: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "shift",
			Name:      "finalized_total",
			Help:      "Shift windows written to the final shift metrics table, by machine.",
		}, []string{"machine"}),
		CyclesEmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "emitted_total",
			Help:      "Program cycles upserted into the cycle table, by machine.",
		}, []string{"machine"}),
		AnalysisRunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "runs_total",
			Help:      "Analysis Engine report runs, by machine and outcome.",
		}, []string{"machine", "outcome"}),
	}
}

// ObserveWriteLatency records one WithWriteTx call's duration. Safe to call
// with a nil Registry (no-op), so callers that construct components
// without metrics wiring (such as tests) don't need a guard at every
// call site.
func (r *Registry) ObserveWriteLatency(worker string, seconds float64) {
	if r == nil {
		return
	}
	r.DBWriteLatencyS.WithLabelValues(worker).Observe(seconds)
}

func (r *Registry) PollFailure(machine string) {
	if r == nil {
		return
	}
	r.PollFailures.WithLabelValues(machine).Inc()
}

func (r *Registry) ShiftFinalized(machine string) {
	if r == nil {
		return
	}
	r.ShiftsFinalized.WithLabelValues(machine).Inc()
}

func (r *Registry) CycleEmitted(machine string) {
	if r == nil {
		return
	}
	r.CyclesEmitted.WithLabelValues(machine).Inc()
}

func (r *Registry) AnalysisRun(machine, outcome string) {
	if r == nil {
		return
	}
	r.AnalysisRunsTotal.WithLabelValues(machine, outcome).Inc()
}
