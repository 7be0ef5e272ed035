package receipts

import "github.com/prometheus/client_golang/prometheus"

var receiptsIssued = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "paymeter",
	Subsystem: "receipts",
	Name:      "issued_total",
	Help:      "Receipts issued by settlement rail.",
}, []string{"rail"})

func init() {
	prometheus.MustRegister(receiptsIssued)
}
