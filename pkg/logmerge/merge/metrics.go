package merge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "logmerge"

type metrics struct {
	runs         *prometheus.CounterVec
	emitted      *prometheus.CounterVec
	pops         *prometheus.CounterVec
	failures     *prometheus.CounterVec
	seedDuration *prometheus.HistogramVec
}

// newMetrics registers the engine metrics with reg. A nil reg leaves them
// unregistered.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of finished merge runs by outcome.",
		}, []string{"mode", "outcome"}),
		emitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_emitted_total",
			Help:      "Total number of records handed to the sink.",
		}, []string{"mode"}),
		pops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_pops_total",
			Help:      "Total number of requests made to sources.",
		}, []string{"mode"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Total number of aborted runs by failing collaborator.",
		}, []string{"mode", "kind"}),
		seedDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "seed_duration_seconds",
			Help:      "Time spent fetching the first record of every source.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"mode"}),
	}
}
