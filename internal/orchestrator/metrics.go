package orchestrator

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// cycles by tenant and outcome (ok, partial, cancelled, error)
	prometheusCycles *prometheus.CounterVec

	// fetch attempts by tenant, provider and result
	prometheusPhaseAttempts *prometheus.CounterVec

	// batch decisions made by reconciliation passes
	prometheusBatchesDecided *prometheus.CounterVec

	prometheusCycleDuration *prometheus.HistogramVec

	prometheusMetricsInitOnce sync.Once
)

func initPrometheusMetrics() {
	prometheusMetricsInitOnce.Do(func() {
		prometheusCycles = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "reconciler",
				Subsystem: "sync",
				Name:      "cycles_total",
				Help:      "Sync cycles by tenant and outcome",
			},
			[]string{"tenant", "outcome"},
		)
		prometheusPhaseAttempts = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "reconciler",
				Subsystem: "sync",
				Name:      "fetch_attempts_total",
				Help:      "Provider fetch attempts by tenant, provider and result",
			},
			[]string{"tenant", "provider", "result"},
		)
		prometheusBatchesDecided = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "reconciler",
				Subsystem: "matcher",
				Name:      "batches_decided_total",
				Help:      "Batches moved out of PENDING by reconciliation passes",
			},
			[]string{"tenant", "status"},
		)
		prometheusCycleDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "reconciler",
				Subsystem: "sync",
				Name:      "cycle_duration_seconds",
				Help:      "Wall time of complete sync cycles",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"tenant"},
		)
	})
}
