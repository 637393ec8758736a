package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	SnapshotErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trader_snapshot_errors_total",
		Help: "Number of failed ticker fetches",
	})

	BestSpread = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trader_best_net_spread",
		Help: "Best net cross-venue spread per instrument (fraction)",
	}, []string{"instrument"})

	Signals = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trader_signals_total",
		Help: "Signals emitted by strategy",
	}, []string{"strategy"})

	RiskRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trader_risk_rejections_total",
		Help: "Signals rejected by the risk gate, by reason",
	}, []string{"reason"})

	Trades = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trader_trades_total",
		Help: "Recorded trades by strategy",
	}, []string{"strategy"})

	OrderRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trader_order_retries_total",
		Help: "Order submissions retried after a transient venue failure",
	})

	DailyPnL = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trader_daily_realized_pnl",
		Help: "Realized profit and loss for the current day (quote currency)",
	})

	Halted = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trader_halted",
		Help: "1 while the emergency halt is active, 0 otherwise",
	})

	CycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "trader_cycle_duration_seconds",
		Help:    "Wall time of one detection cycle",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(
		SnapshotErrors,
		BestSpread,
		Signals,
		RiskRejections,
		Trades,
		OrderRetries,
		DailyPnL,
		Halted,
		CycleDuration,
	)
}
