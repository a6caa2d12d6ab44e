package risk

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the risk subsystem.
type Metrics struct {
	Scores           prometheus.Histogram
	PhaseTransitions *prometheus.CounterVec
	Evictions        prometheus.Counter
}

// NewMetrics registers and returns risk metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Scores: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "aegis_risk_score",
			Help:    "Distribution of per-track risk scores.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11), // 0.0 .. 1.0
		}),
		PhaseTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_risk_phase_transitions_total",
			Help: "Temporal model phase transitions by from/to phase.",
		}, []string{"from", "to"}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aegis_risk_state_evictions_total",
			Help: "Track risk states evicted after the grace period.",
		}),
	}

	reg.MustRegister(
		m.Scores,
		m.PhaseTransitions,
		m.Evictions,
	)

	return m
}
