package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "chartqueue"

// Metrics holds the queue's Prometheus collectors.
type Metrics struct {
	Enqueued          *prometheus.CounterVec
	Claims            *prometheus.CounterVec
	Finished          *prometheus.CounterVec
	Pruned            prometheus.Counter
	PruneFailures     prometheus.Counter
	EstimateFallbacks prometheus.Counter
}

// NewMetrics registers the queue collectors with reg. Pass prometheus.DefaultRegisterer
// in production and a fresh prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Enqueued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "jobs_enqueued_total",
			Help:      "Jobs submitted to the queue, by insert result.",
		}, []string{"result"}),
		Claims: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "claims_total",
			Help:      "Claim attempts, by outcome.",
		}, []string{"outcome"}),
		Finished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs leaving the processing state, by resulting state.",
		}, []string{"state"}),
		Pruned: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "jobs_pruned_total",
			Help:      "Completed jobs deleted by history pruning.",
		}),
		PruneFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "prune_failures_total",
			Help:      "History pruning runs that failed.",
		}),
		EstimateFallbacks: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "estimate_fallbacks_total",
			Help:      "Duration estimates that used the configured default.",
		}),
	}
}

const (
	claimClaimed  = "claimed"
	claimBusy     = "busy"
	claimEmpty    = "empty"
	claimRaceLost = "race_lost"
)
