package topup

import "github.com/prometheus/client_golang/prometheus"

var topupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "paymeter",
	Subsystem: "topup",
	Name:      "topups_total",
	Help:      "Total top-up attempts by source and result.",
}, []string{"source", "result"})

func init() {
	prometheus.MustRegister(topupsTotal)
}
