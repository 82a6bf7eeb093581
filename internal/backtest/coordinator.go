// Package backtest's Coordinator implements spec.md §4.10's day-by-day
// simulation loop, replacing the teacher's event-queue
// internal/backtester/engine.go Engine dispatch architecture with a
// direct for-loop per spec.md §5's "no suspension points inside the day
// loop, single cooperative caller thread" requirement. Kept from the
// teacher: its zap logging calls at each phase transition, its
// RunID-stamped result struct, and its reset()-before-run convention.
package backtest

import (
	"context"
	"sort"

	"github.com/atlas-desktop/barcore/internal/coreerr"
	"github.com/atlas-desktop/barcore/internal/data"
	"github.com/atlas-desktop/barcore/internal/pnl"
	"github.com/atlas-desktop/barcore/internal/portfolio"
	"github.com/atlas-desktop/barcore/internal/price"
	"github.com/atlas-desktop/barcore/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ProgressFunc is called once per processed day, letting the ambient
// API surface push progress without the coordinator knowing about HTTP
// or WebSockets.
type ProgressFunc func(dayIndex, totalDays int, equity float64)

// Coordinator is the backtest coordinator (C10).
type Coordinator struct {
	logger   *zap.Logger
	loader   data.Loader
	pf       *portfolio.Manager
	priceMgr *price.Manager
	pnlMgr   *pnl.Manager
	metrics  *Metrics
	onProgress ProgressFunc
}

// New constructs a Coordinator over a portfolio manager and its
// collaborating price/pnl managers and data loader.
func New(logger *zap.Logger, loader data.Loader, pf *portfolio.Manager, priceMgr *price.Manager, pnlMgr *pnl.Manager) *Coordinator {
	return &Coordinator{
		logger:   logger,
		loader:   loader,
		pf:       pf,
		priceMgr: priceMgr,
		pnlMgr:   pnlMgr,
		metrics:  NewMetrics(),
	}
}

// OnProgress registers a callback invoked after each day is processed.
func (c *Coordinator) OnProgress(fn ProgressFunc) { c.onProgress = fn }

// Run executes spec.md §4.10's algorithm end to end and returns the
// populated BacktestResults.
func (c *Coordinator) Run(ctx context.Context, cfg types.BacktestConfig) (types.BacktestResults, error) {
	c.logger.Info("backtest run starting", zap.String("run_id", cfg.PortfolioID), zap.Strings("symbols", cfg.Symbols))
	c.priceMgr.Reset()

	bars, err := c.loader.LoadMarketData(ctx, data.BarQuery{
		Symbols: cfg.Symbols, AssetClass: cfg.AssetClass, Frequency: cfg.Frequency,
		Start: cfg.Start, End: cfg.End,
	})
	if err != nil {
		return types.BacktestResults{}, err
	}

	days := c.loader.GroupBarsByTimestamp(bars)
	if len(days) == 0 {
		return types.BacktestResults{}, coreerr.New(coreerr.DataNotFound, "backtest.Coordinator.Run", "no days loaded for run")
	}
	for i, d := range days {
		if len(d.Bars) == 0 {
			return types.BacktestResults{}, coreerr.New(coreerr.NonMonotonicBars, "backtest.Coordinator.Run", "day %d has no symbols", i)
		}
		if i > 0 && !d.Timestamp.After(days[i-1].Timestamp) {
			return types.BacktestResults{}, coreerr.New(coreerr.NonMonotonicBars, "backtest.Coordinator.Run", "day %d does not strictly advance past day %d", i, i-1)
		}
	}

	warmupDays := c.pf.MaxRequiredLookback()
	if warmupDays > len(days) {
		warmupDays = len(days)
	}

	initialCapital, _ := cfg.InitialCapital.Float64()
	equityCurve := []types.EquityPoint{{Timestamp: days[0].Timestamp, Equity: initialCapital}}
	var previousBars []types.Bar
	var allExecutions []types.ExecutionReport

	for i, day := range days {
		select {
		case <-ctx.Done():
			return types.BacktestResults{}, ctx.Err()
		default:
		}

		if i < warmupDays {
			if _, err := c.pf.ProcessMarketData(day.Bars, true); err != nil {
				return types.BacktestResults{}, err
			}
			c.priceMgr.UpdateFromBars(day.Bars)
			closes := c.priceMgr.Snapshot()
			c.pf.UpdatePreviousClose(closes)
			c.pnlMgr.UpdatePreviousCloses(closes)
			equityCurve = append(equityCurve, types.EquityPoint{Timestamp: day.Timestamp, Equity: equityCurve[len(equityCurve)-1].Equity})
			c.notifyProgress(i, len(days), equityCurve[len(equityCurve)-1].Equity)
			continue
		}

		if previousBars != nil {
			closes := c.priceMgr.Snapshot()
			c.pf.UpdatePreviousClose(closes)
			c.pnlMgr.UpdatePreviousCloses(closes)

			if _, err := c.pf.ProcessMarketData(previousBars, false); err != nil {
				return types.BacktestResults{}, err
			}
		}

		newExecutions := c.pf.GetRecentExecutions()
		c.pf.ClearExecutionHistory()
		allExecutions = append(allExecutions, newExecutions...)

		for _, exec := range newExecutions {
			if err := c.pf.FeedExecution(exec.StrategyID, exec); err != nil {
				c.logger.Warn("on_execution failed", zap.String("strategy", exec.StrategyID), zap.Error(err))
			}
		}

		totalPortfolioPnL := decimal.Zero
		totalCommissions := decimal.Zero
		for _, exec := range newExecutions {
			totalCommissions = totalCommissions.Add(exec.Commission)
		}

		todayCloses := make(map[string]decimal.Decimal, len(day.Bars))
		for _, b := range day.Bars {
			todayCloses[b.Symbol] = b.Close
		}

		for strategyID, strat := range c.pf.Strategies() {
			for symbol, pos := range strat.GetPositions() {
				prevClose := c.pnlMgr.GetPreviousClose(symbol)
				if !c.pnlMgr.HasPreviousClose(symbol) {
					if close, ok := todayCloses[symbol]; ok {
						c.pnlMgr.SetPreviousClose(symbol, close)
					}
					continue
				}
				currClose, ok := todayCloses[symbol]
				if !ok {
					continue
				}
				result := c.pnlMgr.CalculatePositionPnL(symbol, pos.Quantity, prevClose, currClose)
				if !result.Valid {
					continue
				}
				totalPortfolioPnL = totalPortfolioPnL.Add(result.DailyPnL)
				if err := c.pf.UpdateStrategyPosition(strategyID, symbol, result.DailyPnL); err != nil {
					c.logger.Warn("update_strategy_position failed", zap.String("strategy", strategyID), zap.Error(err))
				}
			}
		}

		pnlF, _ := totalPortfolioPnL.Float64()
		commF, _ := totalCommissions.Float64()
		newEquity := equityCurve[len(equityCurve)-1].Equity + pnlF - commF
		equityCurve = append(equityCurve, types.EquityPoint{Timestamp: day.Timestamp, Equity: newEquity})

		c.priceMgr.UpdateFromBars(day.Bars)
		c.pnlMgr.UpdatePreviousCloses(c.priceMgr.Snapshot())
		previousBars = day.Bars

		c.notifyProgress(i, len(days), newEquity)
	}

	sort.Slice(allExecutions, func(i, j int) bool { return allExecutions[i].FillTime.Before(allExecutions[j].FillTime) })

	results := c.metrics.Calculate(equityCurve, allExecutions)
	results.RunID = cfg.PortfolioID
	results.Positions = snapshotPositions(c.pf)
	c.logger.Info("backtest run complete",
		zap.Float64("total_return", results.TotalReturn),
		zap.Float64("sharpe", results.Sharpe),
		zap.Int("total_trades", results.TotalTrades))
	return results, nil
}

// PreviousClose surfaces the price manager's (C2) get_previous_day_price
// operation to external callers, e.g. a results/diagnostics API.
func (c *Coordinator) PreviousClose(symbol string) (decimal.Decimal, error) {
	return c.priceMgr.Get(symbol)
}

// HasPreviousClose surfaces the price manager's contract externally.
func (c *Coordinator) HasPreviousClose(symbol string) bool {
	return c.priceMgr.Has(symbol)
}

func (c *Coordinator) notifyProgress(i, total int, equity float64) {
	if c.onProgress != nil {
		c.onProgress(i, total, equity)
	}
}

func snapshotPositions(pf *portfolio.Manager) []types.Position {
	agg := pf.GetPortfolioPositions()
	out := make([]types.Position, 0, len(agg))
	for _, p := range agg {
		out = append(out, p)
	}
	return out
}
