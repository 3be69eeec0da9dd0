package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the scheduler's Prometheus collectors. A nil *Metrics
// records nothing.
type Metrics struct {
	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	delivered     prometheus.Counter
	retrying      prometheus.Counter
	deadLettered  prometheus.Counter
	pruned        prometheus.Counter
	queueDepth    prometheus.Gauge
	online        prometheus.Gauge
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		cycles: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "capsync",
				Subsystem: "sync",
				Name:      "cycles_total",
				Help:      "Sync cycles by result (ok, error, skipped, offline).",
			},
			[]string{"result"},
		),
		cycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "capsync",
			Subsystem: "sync",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of completed sync cycles.",
			Buckets:   prometheus.DefBuckets,
		}),
		delivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: "capsync",
			Subsystem: "queue",
			Name:      "delivered_total",
			Help:      "Queued submissions delivered.",
		}),
		retrying: f.NewCounter(prometheus.CounterOpts{
			Namespace: "capsync",
			Subsystem: "queue",
			Name:      "retries_total",
			Help:      "Failed deliveries scheduled for another attempt.",
		}),
		deadLettered: f.NewCounter(prometheus.CounterOpts{
			Namespace: "capsync",
			Subsystem: "queue",
			Name:      "dead_lettered_total",
			Help:      "Submissions moved to the failed list.",
		}),
		pruned: f.NewCounter(prometheus.CounterOpts{
			Namespace: "capsync",
			Subsystem: "cache",
			Name:      "pruned_total",
			Help:      "Cache entries removed by TTL or size bounds.",
		}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "capsync",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Pending submissions after the last cycle.",
		}),
		online: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "capsync",
			Subsystem: "sync",
			Name:      "online",
			Help:      "1 when the remote service answered the last probe.",
		}),
	}
}

func (m *Metrics) cycle(result string, seconds float64) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(result).Inc()
	if seconds > 0 {
		m.cycleDuration.Observe(seconds)
	}
}

func (m *Metrics) drained(delivered, retrying, dead, depth int) {
	if m == nil {
		return
	}
	m.delivered.Add(float64(delivered))
	m.retrying.Add(float64(retrying))
	m.deadLettered.Add(float64(dead))
	m.queueDepth.Set(float64(depth))
}

func (m *Metrics) prunedEntries(n int) {
	if m == nil {
		return
	}
	m.pruned.Add(float64(n))
}

func (m *Metrics) setOnline(up bool) {
	if m == nil {
		return
	}
	if up {
		m.online.Set(1)
	} else {
		m.online.Set(0)
	}
}
