package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeDone        = "done"
	outcomeRetried     = "retried"
	outcomeFailed      = "failed"
	outcomeInterrupted = "interrupted"

	recoveredRequeued = "requeued"
	recoveredFailed   = "failed"
)

// Metrics holds the worker pool's Prometheus collectors.
type Metrics struct {
	Processed *prometheus.CounterVec
	Duration  prometheus.Histogram
	Recovered *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Processed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chartqueue",
			Subsystem: "worker",
			Name:      "jobs_processed_total",
			Help:      "Claimed jobs processed by the worker pool, by outcome.",
		}, []string{"outcome"}),
		Duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chartqueue",
			Subsystem: "worker",
			Name:      "job_duration_seconds",
			Help:      "Wall time from claim to outcome.",
			Buckets:   []float64{1, 5, 10, 20, 30, 45, 60, 90, 120, 180},
		}),
		Recovered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chartqueue",
			Subsystem: "worker",
			Name:      "stale_jobs_recovered_total",
			Help:      "Jobs found stuck in processing and resolved by the poll, by result.",
		}, []string{"result"}),
	}
}
