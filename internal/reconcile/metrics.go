package reconcile

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileLedgerMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paymeter",
		Subsystem: "reconcile",
		Name:      "ledger_mismatches",
		Help:      "Sessions whose ledger sum disagreed with their counter in the last run.",
	})

	reconcileUnconfirmedPayments = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paymeter",
		Subsystem: "reconcile",
		Name:      "unconfirmed_payments",
		Help:      "External settlements still awaiting confirmation in the last run.",
	})

	reconcileStaleStopped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paymeter",
		Subsystem: "reconcile",
		Name:      "stale_sessions_stopped_total",
		Help:      "Running sessions force-stopped for tick inactivity.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "paymeter",
		Subsystem: "reconcile",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconcile runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paymeter",
		Subsystem: "reconcile",
		Name:      "errors_total",
		Help:      "Total reconcile check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileLedgerMismatches,
		reconcileUnconfirmedPayments,
		reconcileStaleStopped,
		reconcileDuration,
		reconcileErrors,
	)
}
