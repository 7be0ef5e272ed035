package meter

import "github.com/prometheus/client_golang/prometheus"

var (
	ticksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paymeter",
		Subsystem: "meter",
		Name:      "ticks_total",
		Help:      "Ticks processed by result.",
	}, []string{"result"}) // "ok", "zero", "insufficient", "duplicate", "cursor_miss", "error"

	sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "paymeter",
		Subsystem: "meter",
		Name:      "sweep_duration_seconds",
		Help:      "Wall time of one full tick sweep.",
		Buckets:   prometheus.DefBuckets,
	})

	sessionsDue = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paymeter",
		Subsystem: "meter",
		Name:      "sessions_due",
		Help:      "Sessions picked up by the most recent sweep.",
	})

	inFlightSkips = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paymeter",
		Subsystem: "meter",
		Name:      "in_flight_skips_total",
		Help:      "Sessions skipped because a previous sweep was still ticking them.",
	})

	catchUpTicks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paymeter",
		Subsystem: "meter",
		Name:      "catch_up_ticks_total",
		Help:      "Extra ticks billed in one sweep beyond the first, i.e. missed ticks caught up.",
	})

	repairsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paymeter",
		Subsystem: "meter",
		Name:      "cursor_repairs_total",
		Help:      "Tick cursors realigned to the ledger after a gap.",
	})
)

func init() {
	prometheus.MustRegister(
		ticksTotal,
		sweepDuration,
		sessionsDue,
		inFlightSkips,
		catchUpTicks,
		repairsTotal,
	)
}
