package semantic

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the semantic subsystem.
type Metrics struct {
	Triggers       *prometheus.CounterVec
	Tasks          *prometheus.CounterVec
	QueueDepth     prometheus.Gauge
	Running        prometheus.Gauge
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheAttached  prometheus.Counter
	CacheEvictions prometheus.Counter
	StaleResults   prometheus.Counter
}

// NewMetrics registers and returns semantic metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Triggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_semantic_triggers_total",
			Help: "Total fired inference triggers by kind.",
		}, []string{"kind"}),
		Tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_semantic_tasks_total",
			Help: "Total finished inference tasks by final state.",
		}, []string{"state"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aegis_semantic_queue_depth",
			Help: "Inference tasks waiting for a worker.",
		}),
		Running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aegis_semantic_running",
			Help: "Inference tasks currently executing.",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aegis_semantic_cache_hits_total",
			Help: "Result-cache lookups served without a new task.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aegis_semantic_cache_misses_total",
			Help: "Result-cache lookups that created a new task.",
		}),
		CacheAttached: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aegis_semantic_cache_attached_total",
			Help: "Result-cache lookups attached to an in-flight task.",
		}),
		CacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aegis_semantic_cache_evictions_total",
			Help: "Result-cache entries evicted at capacity.",
		}),
		StaleResults: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aegis_semantic_stale_results_total",
			Help: "Inference results discarded as stale or trackless.",
		}),
	}

	reg.MustRegister(
		m.Triggers,
		m.Tasks,
		m.QueueDepth,
		m.Running,
		m.CacheHits,
		m.CacheMisses,
		m.CacheAttached,
		m.CacheEvictions,
		m.StaleResults,
	)

	return m
}
