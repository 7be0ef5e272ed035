package settle

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	settlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paymeter",
			Name:      "settlements_total",
			Help:      "Settlement attempts by rail and outcome",
		},
		[]string{"rail", "status"},
	)

	settlementAmount = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "paymeter",
			Name:      "settlement_amount_cents",
			Help:      "Confirmed settlement amounts in cents",
			Buckets:   []float64{10, 50, 100, 500, 1000, 5000, 10000, 50000},
		},
	)

	requirementsIssued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "paymeter",
			Name:      "payment_requirements_issued_total",
			Help:      "x402 payment requirements issued",
		},
	)
)

func init() {
	prometheus.MustRegister(settlementsTotal, settlementAmount, requirementsIssued)
}
