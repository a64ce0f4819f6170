package tablet

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the per-tablet counters exported to the maintenance scheduler
// and the status endpoint. A nil registerer leaves them unregistered, which
// is what unit tests want.
type Metrics struct {
	writes        prometheus.Counter
	reads         prometheus.Counter
	flushes       prometheus.Counter
	conflicts     prometheus.Counter
	writeDuration prometheus.Histogram
}

func NewMetrics(tabletID string, reg prometheus.Registerer) *Metrics {
	labels := prometheus.Labels{"tablet": tabletID}
	m := &Metrics{
		writes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "tabletstore",
			Name:        "writes_total",
			Help:        "Committed write batches.",
			ConstLabels: labels,
		}),
		reads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "tabletstore",
			Name:        "reads_total",
			Help:        "Read operations served.",
			ConstLabels: labels,
		}),
		flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "tabletstore",
			Name:        "flushes_total",
			Help:        "Completed flushes.",
			ConstLabels: labels,
		}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "tabletstore",
			Name:        "conflicts_total",
			Help:        "Writes rejected by lock timeouts, intents or version conflicts.",
			ConstLabels: labels,
		}),
		writeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "tabletstore",
			Name:        "write_duration_seconds",
			Help:        "Write pipeline latency from prepare to commit.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.writes, m.reads, m.flushes, m.conflicts, m.writeDuration)
	}
	return m
}
