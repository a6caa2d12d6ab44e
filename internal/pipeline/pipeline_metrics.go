package pipeline

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the frame pass.
type Metrics struct {
	Frames         prometheus.Counter
	Observations   prometheus.Counter
	LiveTracks     prometheus.Gauge
	NotifyFailures prometheus.Counter
}

// NewMetrics registers and returns pipeline metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Frames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aegis_frames_total",
			Help: "Total frames processed.",
		}),
		Observations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aegis_observations_total",
			Help: "Total track observations processed.",
		}),
		LiveTracks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aegis_live_tracks",
			Help: "Tracks currently holding risk state.",
		}),
		NotifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aegis_notify_failures_total",
			Help: "Alert deliveries that returned an error.",
		}),
	}

	reg.MustRegister(
		m.Frames,
		m.Observations,
		m.LiveTracks,
		m.NotifyFailures,
	)

	return m
}
