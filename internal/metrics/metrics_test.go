package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := vec.WithLabelValues(labels...).Write(m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestRegistryCountersIncrementPerMachine(t *testing.T) {
	reg := New(prometheus.NewRegistry())

	reg.PollFailure("M1")
	reg.PollFailure("M1")
	reg.PollFailure("M2")
	reg.ShiftFinalized("M1")
	reg.CycleEmitted("M1")
	reg.AnalysisRun("M1", "ok")

	if got := counterValue(t, reg.PollFailures, "M1"); got != 2 {
		t.Errorf("PollFailures[M1] = %v, want 2", got)
	}
	if got := counterValue(t, reg.PollFailures, "M2"); got != 1 {
		t.Errorf("PollFailures[M2] = %v, want 1", got)
	}
	if got := counterValue(t, reg.ShiftsFinalized, "M1"); got != 1 {
		t.Errorf("ShiftsFinalized[M1] = %v, want 1", got)
	}
	if got := counterValue(t, reg.CyclesEmitted, "M1"); got != 1 {
		t.Errorf("CyclesEmitted[M1] = %v, want 1", got)
	}
	if got := counterValue(t, reg.AnalysisRunsTotal, "M1", "ok"); got != 1 {
		t.Errorf("AnalysisRunsTotal[M1,ok] = %v, want 1", got)
	}
}

func TestNilRegistryMethodsAreNoOps(t *testing.T) {
	var reg *Registry
	reg.PollFailure("M1")
	reg.ShiftFinalized("M1")
	reg.CycleEmitted("M1")
	reg.AnalysisRun("M1", "ok")
	reg.ObserveWriteLatency("statuslog", 0.5)
}

func TestObserveWriteLatencyRecordsSample(t *testing.T) {
	reg := New(prometheus.NewRegistry())
	reg.ObserveWriteLatency("statuslog", 0.25)

	m := &dto.Metric{}
	if err := reg.DBWriteLatencyS.WithLabelValues("statuslog").(prometheus.Histogram).Write(m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if got := m.GetHistogram().GetSampleCount(); got != 1 {
		t.Errorf("SampleCount = %v, want 1", got)
	}
}
