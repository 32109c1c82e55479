package metrics

import "github.com/prometheus/client_golang/prometheus"

// SweepMetrics counts per-session outcomes of the background sweeps.
type SweepMetrics struct {
	outcomes *prometheus.CounterVec
}

// NewSweepMetrics registers the sweep metrics on the provided registerer.
func NewSweepMetrics(reg prometheus.Registerer) *SweepMetrics {
	if reg == nil {
		return &SweepMetrics{}
	}
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "session_sweep_outcomes_total",
		Help: "Sessions processed by background sweeps, by job and outcome.",
	}, []string{"job", "outcome"})
	reg.MustRegister(outcomes)
	return &SweepMetrics{outcomes: outcomes}
}

// IncOutcome records one processed session.
func (m *SweepMetrics) IncOutcome(job, outcome string) {
	if m == nil || m.outcomes == nil {
		return
	}
	m.outcomes.WithLabelValues(normalizeLabel(job), normalizeLabel(outcome)).Inc()
}
