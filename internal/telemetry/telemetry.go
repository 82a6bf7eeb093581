// Package telemetry exposes the coordinator's operational metrics over
// Prometheus. Grounded on
// _examples/chidi150c-coinbase/metrics.go's CounterVec/GaugeVec
// construction and naming convention (bot_orders_total, bot_equity_usd,
// bot_trades_total) — the teacher repo carries
// prometheus/client_golang in go.mod but never calls it, so this package
// is its wiring site. Unlike the coinbase file's package-level
// init()-registered globals, metrics are held on a Collector value
// constructed explicitly and registered into a caller-supplied
// *prometheus.Registry, consistent with spec.md §9's "no process-wide
// singletons" design note.
package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Collector holds the metric series a run's caller updates as the run
// progresses (cmd/backtest calls ObserveDay from its progress callback).
type Collector struct {
	daysProcessed   prometheus.Counter
	executionsTotal *prometheus.CounterVec
	equity          prometheus.Gauge
	riskScale       prometheus.Gauge
	tradesTotal     *prometheus.CounterVec
	drawdown        prometheus.Gauge
}

// NewCollector builds and registers a fresh set of series into reg.
func NewCollector(reg *prometheus.Registry) *Collector {
	c := &Collector{
		daysProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "barcore_days_processed_total",
			Help: "Number of trading days the coordinator has processed.",
		}),
		executionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "barcore_executions_total",
			Help: "Executions generated, split by side.",
		}, []string{"side"}),
		equity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "barcore_equity_usd",
			Help: "Current backtest equity.",
		}),
		riskScale: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "barcore_risk_recommended_scale",
			Help: "Most recent RecommendedScale returned by the risk manager.",
		}),
		tradesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "barcore_trades_total",
			Help: "Closed trades, split by outcome (win|loss).",
		}, []string{"result"}),
		drawdown: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "barcore_drawdown_pct",
			Help: "Current drawdown from the running equity peak.",
		}),
	}
	reg.MustRegister(c.daysProcessed, c.executionsTotal, c.equity, c.riskScale, c.tradesTotal, c.drawdown)
	return c
}

// ObserveDay records one processed trading day and its resulting equity.
func (c *Collector) ObserveDay(equity float64) {
	c.daysProcessed.Inc()
	c.equity.Set(equity)
}

// ObserveExecution increments the execution counter for side ("buy" or
// "sell").
func (c *Collector) ObserveExecution(side string) {
	c.executionsTotal.WithLabelValues(side).Inc()
}

// ObserveRiskScale records the risk manager's latest recommended scale.
func (c *Collector) ObserveRiskScale(scale float64) {
	c.riskScale.Set(scale)
}

// ObserveTrade increments the win/loss trade counter.
func (c *Collector) ObserveTrade(won bool) {
	result := "loss"
	if won {
		result = "win"
	}
	c.tradesTotal.WithLabelValues(result).Inc()
}

// ObserveDrawdown records the current drawdown fraction.
func (c *Collector) ObserveDrawdown(pct float64) {
	c.drawdown.Set(pct)
}
