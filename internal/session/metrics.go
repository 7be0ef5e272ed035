package session

import "github.com/prometheus/client_golang/prometheus"

var (
	sessionsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paymeter",
		Subsystem: "sessions",
		Name:      "started_total",
		Help:      "Total sessions started.",
	})

	sessionsStopped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paymeter",
		Subsystem: "sessions",
		Name:      "stopped_total",
		Help:      "Total sessions stopped by reason.",
	}, []string{"reason"}) // "user_request", "merchant_request", "stale", "admin"

	sessionsPaused = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paymeter",
		Subsystem: "sessions",
		Name:      "paused_total",
		Help:      "Total low-balance pauses.",
	})

	sessionsResumed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paymeter",
		Subsystem: "sessions",
		Name:      "resumed_total",
		Help:      "Total resumes after a low-balance pause.",
	})

	sessionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "paymeter",
		Subsystem: "sessions",
		Name:      "duration_seconds",
		Help:      "Time from session start to stop in seconds.",
		Buckets:   []float64{60, 300, 600, 1800, 3600, 7200, 14400, 43200, 86400},
	})

	sessionFinalAmount = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "paymeter",
		Subsystem: "sessions",
		Name:      "final_amount_cents",
		Help:      "Distribution of frozen final amounts in cents.",
		Buckets:   []float64{10, 50, 100, 500, 1000, 5000, 10000, 50000},
	})

	finalAmountFallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paymeter",
		Subsystem: "sessions",
		Name:      "final_amount_fallbacks_total",
		Help:      "Stops where the ledger sum was unavailable and the time-based amount was used.",
	})

	integrityFaults = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paymeter",
		Subsystem: "sessions",
		Name:      "integrity_faults_total",
		Help:      "Stops where the ledger sum and the time-based amount disagreed beyond one tick.",
	})
)

func init() {
	prometheus.MustRegister(
		sessionsStarted,
		sessionsStopped,
		sessionsPaused,
		sessionsResumed,
		sessionDuration,
		sessionFinalAmount,
		finalAmountFallbacks,
		integrityFaults,
	)
}
