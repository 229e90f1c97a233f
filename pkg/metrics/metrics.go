package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Account metrics.
	AccountsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rollstate_accounts_total",
			Help: "Total number of tracked accounts by lifecycle status",
		},
		[]string{"status"},
	)

	AccountsLockedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rollstate_accounts_locked_total",
			Help: "Total number of accounts locked on an unexpected remote commitment",
		},
	)

	ApplyDeltaDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rollstate_apply_delta_duration_seconds",
			Help:    "Time taken to apply one account delta through the engine",
			Buckets: prometheus.DefBuckets,
		},
	)

	ApplyDeltaFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rollstate_apply_delta_failures_total",
			Help: "Total number of apply-delta pipeline failures by reason kind",
		},
		[]string{"kind"},
	)

	// SMT forest metrics.
	ForestRootsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rollstate_forest_roots_total",
			Help: "Number of distinct SMT roots currently live in the forest",
		},
	)

	ForestStagedRootsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rollstate_forest_staged_roots_total",
			Help: "Number of roots currently staged awaiting commit or discard",
		},
	)

	// Sync reconciler metrics.
	SyncHeight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rollstate_sync_height",
			Help: "Most recently reconciled block number",
		},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rollstate_reconciliation_duration_seconds",
			Help:    "Time taken for one sync reconciliation cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rollstate_reconciliation_cycles_total",
			Help: "Total number of sync reconciliation cycles completed",
		},
	)

	ReconciliationFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rollstate_reconciliation_failures_total",
			Help: "Total number of sync reconciliation cycles that returned an error",
		},
	)

	AccountsLockedBySyncTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rollstate_accounts_locked_by_sync_total",
			Help: "Total number of accounts locked due to a mismatched private-account commitment during sync",
		},
	)

	// Transaction pipeline metrics.
	TransactionsSubmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rollstate_transactions_submitted_total",
			Help: "Total number of transactions submitted to the pipeline",
		},
	)

	TransactionsByStatusTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rollstate_transactions_by_status_total",
			Help: "Total number of transactions reaching each terminal status",
		},
		[]string{"status"},
	)

	TransactionPipelineDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rollstate_transaction_pipeline_stage_duration_seconds",
			Help:    "Time spent in each transaction pipeline stage",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	// Operation coordinator metrics.
	CoordinatorWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rollstate_coordinator_wait_duration_seconds",
			Help:    "Time an operation waited to acquire the coordinator's mutual-exclusion slot",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// RPC metrics.
	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rollstate_rpc_requests_total",
			Help: "Total number of RPC calls by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	RPCRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rollstate_rpc_request_duration_seconds",
			Help:    "RPC call duration in seconds by method",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(
		AccountsTotal,
		AccountsLockedTotal,
		ApplyDeltaDuration,
		ApplyDeltaFailuresTotal,
		ForestRootsTotal,
		ForestStagedRootsTotal,
		SyncHeight,
		ReconciliationDuration,
		ReconciliationCyclesTotal,
		ReconciliationFailuresTotal,
		AccountsLockedBySyncTotal,
		TransactionsSubmittedTotal,
		TransactionsByStatusTotal,
		TransactionPipelineDuration,
		CoordinatorWaitDuration,
		RPCRequestsTotal,
		RPCRequestDuration,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
