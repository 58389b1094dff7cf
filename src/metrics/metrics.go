// Package metrics holds the Prometheus collectors of the treasury.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "treasury"

var (
	prometheusSyncCycles         *prometheus.CounterVec
	prometheusDepositsIngested   prometheus.Counter
	prometheusOutputsMarkedSpent *prometheus.CounterVec
	prometheusIntegrityErrors    prometheus.Counter
	prometheusWithdrawals        *prometheus.CounterVec
	prometheusRateLimited        prometheus.Counter
	prometheusBalance            prometheus.Gauge
	prometheusChainCalls         *prometheus.HistogramVec
)

var initOnce sync.Once

func initPrometheusMetrics() {
	initOnce.Do(func() {
		prometheusSyncCycles = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconciliation_runs_total",
				Help:      "Number of synchronizer and reconciler runs by task and result",
			},
			[]string{"task", "result"},
		)

		prometheusDepositsIngested = promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deposits_ingested_total",
				Help:      "Number of new treasury outputs ingested by the synchronizer",
			},
		)

		prometheusOutputsMarkedSpent = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outputs_marked_spent_total",
				Help:      "Number of outputs flipped to spent, by the task that flipped them",
			},
			[]string{"task"},
		)

		prometheusIntegrityErrors = promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "balance_integrity_errors_total",
				Help:      "Number of times the stored balance diverged from the summed outputs",
			},
		)

		prometheusWithdrawals = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "withdrawals_total",
				Help:      "Number of withdrawal attempts by outcome",
			},
			[]string{"outcome"},
		)

		prometheusRateLimited = promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "withdrawals_rate_limited_total",
				Help:      "Number of withdrawal requests rejected by the rate limiter",
			},
		)

		prometheusBalance = promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "balance_satoshis",
				Help:      "Last recomputed treasury balance in satoshis",
			},
		)

		prometheusChainCalls = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "chain_call_duration_seconds",
				Help:      "Duration of chain backend calls",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
			},
			[]string{"call"},
		)
	})
}

// RunCompleted records a finished reconciliation run.
func RunCompleted(task string, err error) {
	initPrometheusMetrics()
	result := "ok"
	if err != nil {
		result = "failed"
	}
	prometheusSyncCycles.WithLabelValues(task, result).Inc()
}

func DepositsIngested(n int) {
	initPrometheusMetrics()
	prometheusDepositsIngested.Add(float64(n))
}

func OutputsMarkedSpent(task string, n int) {
	initPrometheusMetrics()
	prometheusOutputsMarkedSpent.WithLabelValues(task).Add(float64(n))
}

func IntegrityError() {
	initPrometheusMetrics()
	prometheusIntegrityErrors.Inc()
}

// Withdrawal records the outcome of a withdrawal attempt, e.g. "broadcast",
// "failed", "unknown", "rejected".
func Withdrawal(outcome string) {
	initPrometheusMetrics()
	prometheusWithdrawals.WithLabelValues(outcome).Inc()
}

func RateLimited() {
	initPrometheusMetrics()
	prometheusRateLimited.Inc()
}

func Balance(satoshis uint64) {
	initPrometheusMetrics()
	prometheusBalance.Set(float64(satoshis))
}

// ObserveChainCall is meant to be deferred: defer ObserveChainCall("x", time.Now()).
func ObserveChainCall(call string, start time.Time) {
	initPrometheusMetrics()
	prometheusChainCalls.WithLabelValues(call).Observe(time.Since(start).Seconds())
}
