package alerting

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the alerting subsystem.
type Metrics struct {
	Emitted    *prometheus.CounterVec
	Suppressed prometheus.Counter
}

// NewMetrics registers and returns alerting metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_alerts_emitted_total",
			Help: "Alerts emitted by level.",
		}, []string{"level"}),
		Suppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aegis_alerts_suppressed_total",
			Help: "Alerts suppressed by an unexpired per-track cooldown.",
		}),
	}

	reg.MustRegister(
		m.Emitted,
		m.Suppressed,
	)

	return m
}
