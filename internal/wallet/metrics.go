package wallet

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	creditsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paymeter",
		Subsystem: "wallet",
		Name:      "credits_total",
		Help:      "Total wallet credits applied.",
	})

	creditAmount = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "paymeter",
		Subsystem: "wallet",
		Name:      "credit_amount_cents",
		Help:      "Distribution of credit amounts in cents.",
		Buckets:   []float64{100, 500, 1000, 2500, 5000, 10000, 50000, 100000},
	})

	debitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paymeter",
		Subsystem: "wallet",
		Name:      "debits_total",
		Help:      "Total wallet debits by entry type and result.",
	}, []string{"type", "result"}) // result: "ok", "insufficient_funds", "duplicate", "not_found", "error"

	debitAmount = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "paymeter",
		Subsystem: "wallet",
		Name:      "debit_amount_cents",
		Help:      "Distribution of debit amounts in cents.",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
	})
)

func init() {
	prometheus.MustRegister(
		creditsTotal,
		creditAmount,
		debitsTotal,
		debitAmount,
	)
}

func observeDebit(entryType string, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrInsufficientFunds):
		result = "insufficient_funds"
	case errors.Is(err, ErrDuplicateTick):
		result = "duplicate"
	case errors.Is(err, ErrWalletNotFound):
		result = "not_found"
	default:
		result = "error"
	}
	debitsTotal.WithLabelValues(entryType, result).Inc()
}
