// Package portfolio implements the portfolio manager (C7): multi-strategy
// aggregation, allocation bookkeeping, previous-close-priced execution
// diffing, and optional optimiser/risk-manager invocation over the
// aggregated targets. Grounded on the teacher's
// internal/backtester/portfolio.go (Position bookkeeping, RWMutex-guarded
// manager, equity/avg-price weighting arithmetic) generalized from a
// single-account simulator to the multi-strategy aggregator spec.md §4.7
// requires, and on
// _examples/original_source/include/trade_ngin/portfolio/portfolio_manager.hpp
// for the constructor-injected risk-manager/optimiser pattern (spec.md
// §4.7a) and the per-strategy {allocation, use_opt, use_risk} info shape.
package portfolio

import (
	"sync"
	"time"

	"github.com/atlas-desktop/barcore/internal/coreerr"
	"github.com/atlas-desktop/barcore/internal/execution"
	"github.com/atlas-desktop/barcore/internal/optimizer"
	"github.com/atlas-desktop/barcore/internal/risk"
	"github.com/atlas-desktop/barcore/internal/strategy"
	"github.com/atlas-desktop/barcore/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const maxHistoryLen = 2520

// epsilon is the allocation-sum tolerance from spec.md §4.7's "Σ = 1 ±
// ε" rule.
var epsilon = decimal.New(1, -6)

// RiskChecker is the subset of risk.Manager's surface the portfolio
// manager depends on, accepted as an interface per the original's
// constructor-injection pattern (spec.md §4.7a) so tests can substitute
// fakes.
type RiskChecker interface {
	Check(positions map[string]decimal.Decimal, pointValues map[string]float64, snapshot risk.MarketSnapshot) risk.Result
}

// PositionOptimizer is the subset of optimizer.Optimizer's surface the
// portfolio manager depends on.
type PositionOptimizer interface {
	Optimize(symbols []string, current, target, costs map[string]float64, covariance [][]float64) optimizer.Result
}

// strategyInfo is one entry of the strategies map, per spec.md §4.7.
type strategyInfo struct {
	strategy  strategy.Strategy
	allocation decimal.Decimal
	useOpt    bool
	useRisk   bool
	snapshot  map[string]decimal.Decimal // previous on_data targets, used as "current" for diffing
}

// Manager is the portfolio manager (C7).
type Manager struct {
	mu sync.RWMutex

	logger *zap.Logger

	strategies map[string]*strategyInfo

	execMgr *execution.Manager
	risk    RiskChecker
	opt     PositionOptimizer

	pointValues func(symbol string) float64

	recentExecutions   []types.ExecutionReport
	strategyExecutions map[string][]types.ExecutionReport

	priceHistory   map[string][]decimal.Decimal
	returnsHistory map[string][]float64

	previousDayClose map[string]decimal.Decimal

	minAllocation decimal.Decimal
	maxAllocation decimal.Decimal
}

// New constructs an empty portfolio manager. risk and opt may be nil to
// disable those stages regardless of a strategy's use_risk/use_opt flag.
// cfg.MinAllocation/MaxAllocation bound every per-strategy allocation per
// spec.md §4.7; a zero-value MaxAllocation (the config's own zero value)
// is treated as "unset" and defaults to 1, since a literal 0 would reject
// every strategy.
func New(logger *zap.Logger, execMgr *execution.Manager, riskChecker RiskChecker, opt PositionOptimizer, pointValues func(symbol string) float64, cfg types.PortfolioConfig) *Manager {
	if pointValues == nil {
		pointValues = func(string) float64 { return 1.0 }
	}
	maxAlloc := cfg.MaxAllocation
	if maxAlloc.IsZero() {
		maxAlloc = decimal.NewFromInt(1)
	}
	return &Manager{
		logger:             logger,
		strategies:         make(map[string]*strategyInfo),
		execMgr:            execMgr,
		risk:               riskChecker,
		opt:                opt,
		pointValues:        pointValues,
		strategyExecutions: make(map[string][]types.ExecutionReport),
		priceHistory:       make(map[string][]decimal.Decimal),
		returnsHistory:     make(map[string][]float64),
		previousDayClose:   make(map[string]decimal.Decimal),
		minAllocation:      cfg.MinAllocation,
		maxAllocation:      maxAlloc,
	}
}

// AddStrategy registers a strategy with an allocation fraction and the
// opt-in flags for optimisation and risk management, per spec.md §4.7.
func (m *Manager) AddStrategy(s strategy.Strategy, allocation decimal.Decimal, useOpt, useRisk bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if allocation.LessThan(m.minAllocation) || allocation.GreaterThan(m.maxAllocation) {
		return coreerr.New(coreerr.InvalidArgument, "portfolio.Manager.AddStrategy",
			"allocation %s out of [%s,%s]", allocation, m.minAllocation, m.maxAllocation)
	}
	sum := allocation
	for _, info := range m.strategies {
		sum = sum.Add(info.allocation)
	}
	if sum.GreaterThan(decimal.NewFromInt(1).Add(epsilon)) {
		return coreerr.New(coreerr.InvalidArgument, "portfolio.Manager.AddStrategy",
			"total allocation %s would exceed 1", sum)
	}

	m.strategies[s.ID()] = &strategyInfo{
		strategy:   s,
		allocation: allocation,
		useOpt:     useOpt,
		useRisk:    useRisk,
		snapshot:   make(map[string]decimal.Decimal),
	}
	m.strategyExecutions[s.ID()] = nil
	return nil
}

// UpdateAllocations replaces every strategy's allocation; the new set
// must sum to 1 within epsilon and each value must fall within
// [MinAllocation, MaxAllocation] per spec.md §4.7.
func (m *Manager) UpdateAllocations(allocations map[string]decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sum := decimal.Zero
	for id, alloc := range allocations {
		if _, ok := m.strategies[id]; !ok {
			return coreerr.New(coreerr.InvalidArgument, "portfolio.Manager.UpdateAllocations",
				"unknown strategy %q", id)
		}
		if alloc.LessThan(m.minAllocation) || alloc.GreaterThan(m.maxAllocation) {
			return coreerr.New(coreerr.InvalidArgument, "portfolio.Manager.UpdateAllocations",
				"allocation %s for %q out of [%s,%s]", alloc, id, m.minAllocation, m.maxAllocation)
		}
		sum = sum.Add(alloc)
	}
	if sum.Sub(decimal.NewFromInt(1)).Abs().GreaterThan(epsilon) {
		return coreerr.New(coreerr.InvalidArgument, "portfolio.Manager.UpdateAllocations",
			"allocations sum to %s, want 1", sum)
	}
	for id, alloc := range allocations {
		m.strategies[id].allocation = alloc
	}
	return nil
}

func (m *Manager) updateHistory(bars []types.Bar) {
	for _, b := range bars {
		prices := append(m.priceHistory[b.Symbol], b.Close)
		if len(prices) > maxHistoryLen {
			prices = prices[len(prices)-maxHistoryLen:]
		}
		m.priceHistory[b.Symbol] = prices

		if n := len(prices); n >= 2 {
			prev, _ := prices[n-2].Float64()
			cur, _ := prices[n-1].Float64()
			if prev != 0 {
				ret := (cur - prev) / prev
				rets := append(m.returnsHistory[b.Symbol], ret)
				if len(rets) > maxHistoryLen {
					rets = rets[len(rets)-maxHistoryLen:]
				}
				m.returnsHistory[b.Symbol] = rets
			}
		}
	}
}

// ProcessMarketData implements spec.md §4.7's process_market_data: feeds
// bars to every strategy, diffs new targets against each strategy's
// snapshot (priced at the previous close, never today's), optionally
// runs the optimiser and risk manager over the aggregate, and records
// executions. Returns the newly generated executions (also queued
// internally) so the coordinator can route them into on_execution.
func (m *Manager) ProcessMarketData(bars []types.Bar, skipExecutionGeneration bool) ([]types.ExecutionReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.updateHistory(bars)

	for _, info := range m.strategies {
		if err := info.strategy.OnData(bars); err != nil {
			return nil, coreerr.New(coreerr.StrategyError, "portfolio.Manager.ProcessMarketData",
				"strategy %q on_data: %v", info.strategy.ID(), err)
		}
	}

	if skipExecutionGeneration {
		return nil, nil
	}

	var newExecutions []types.ExecutionReport
	for id, info := range m.strategies {
		targets := info.strategy.GetTargetPositions()
		if info.useOpt && m.opt != nil {
			targets = m.applyOptimizer(info, targets)
		}
		if info.useRisk && m.risk != nil {
			targets = m.applyRiskScale(targets, bars)
		}

		current := map[string]types.Position{}
		for symbol, qty := range info.snapshot {
			current[symbol] = types.Position{Symbol: symbol, Quantity: qty}
		}

		if m.execMgr != nil {
			stamp := types.Bar{Timestamp: latestTimestamp(bars)}
			reports, err := m.execMgr.GenerateExecutions(current, targets, m.previousDayClose, bars, stamp, id)
			if err != nil {
				return nil, err
			}
			m.strategyExecutions[id] = append(m.strategyExecutions[id], reports...)
			m.recentExecutions = append(m.recentExecutions, reports...)
			newExecutions = append(newExecutions, reports...)
		}

		info.snapshot = targets
	}

	return newExecutions, nil
}

func latestTimestamp(bars []types.Bar) (ts time.Time) {
	for _, b := range bars {
		if b.Timestamp.After(ts) {
			ts = b.Timestamp
		}
	}
	return ts
}

func (m *Manager) applyOptimizer(info *strategyInfo, targets map[string]decimal.Decimal) map[string]decimal.Decimal {
	symbols := make([]string, 0, len(targets))
	current := make(map[string]float64, len(targets))
	target := make(map[string]float64, len(targets))
	costs := make(map[string]float64, len(targets))
	cov := identityMatrix(len(targets))

	for symbol, qty := range targets {
		symbols = append(symbols, symbol)
		t, _ := qty.Float64()
		target[symbol] = t
		c, _ := info.snapshot[symbol].Float64()
		current[symbol] = c
		costs[symbol] = 0.0005
	}

	res := m.opt.Optimize(symbols, current, target, costs, cov)
	out := make(map[string]decimal.Decimal, len(res.Positions))
	for symbol, v := range res.Positions {
		out[symbol] = decimal.NewFromFloat(v)
	}
	return out
}

func identityMatrix(n int) [][]float64 {
	m := make([][]float64, n)
	for i := range m {
		m[i] = make([]float64, n)
		m[i][i] = 1
	}
	return m
}

func (m *Manager) applyRiskScale(targets map[string]decimal.Decimal, bars []types.Bar) map[string]decimal.Decimal {
	closes := make(map[string]decimal.Decimal, len(bars))
	for _, b := range bars {
		closes[b.Symbol] = b.Close
	}
	pointValues := make(map[string]float64, len(targets))
	for symbol := range targets {
		pointValues[symbol] = m.pointValues(symbol)
	}
	result := m.risk.Check(targets, pointValues, risk.MarketSnapshot{Closes: closes})
	if !result.RiskExceeded || result.RecommendedScale >= 1.0 {
		return targets
	}
	scaled := make(map[string]decimal.Decimal, len(targets))
	scale := decimal.NewFromFloat(result.RecommendedScale)
	for symbol, qty := range targets {
		scaled[symbol] = qty.Mul(scale)
	}
	return scaled
}

// GetPortfolioPositions aggregates per-symbol positions across every
// strategy, recomputing a notional-weighted average price.
func (m *Manager) GetPortfolioPositions() map[string]types.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agg := make(map[string]types.Position)
	costBasis := make(map[string]decimal.Decimal)

	for _, info := range m.strategies {
		for symbol, pos := range info.strategy.GetPositions() {
			existing, ok := agg[symbol]
			if !ok {
				existing = types.Position{Symbol: symbol}
			}
			existing.Quantity = existing.Quantity.Add(pos.Quantity)
			existing.RealizedPnL = existing.RealizedPnL.Add(pos.RealizedPnL)
			existing.UnrealizedPnL = existing.UnrealizedPnL.Add(pos.UnrealizedPnL)
			existing.TotalTrades += pos.TotalTrades
			if pos.LastUpdate.After(existing.LastUpdate) {
				existing.LastUpdate = pos.LastUpdate
			}
			agg[symbol] = existing
			costBasis[symbol] = costBasis[symbol].Add(pos.Quantity.Abs().Mul(pos.AveragePrice))
		}
	}
	for symbol, pos := range agg {
		if !pos.Quantity.Abs().IsZero() {
			pos.AveragePrice = costBasis[symbol].Div(pos.Quantity.Abs())
			agg[symbol] = pos
		}
	}
	return agg
}

// GetStrategyPositions returns one strategy's positions.
func (m *Manager) GetStrategyPositions(id string) (map[string]types.Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.strategies[id]
	if !ok {
		return nil, false
	}
	return info.strategy.GetPositions(), true
}

// GetStrategyExecutions returns every execution recorded for one strategy.
func (m *Manager) GetStrategyExecutions(id string) []types.ExecutionReport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.ExecutionReport(nil), m.strategyExecutions[id]...)
}

// GetRecentExecutions returns the aggregate execution queue.
func (m *Manager) GetRecentExecutions() []types.ExecutionReport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.ExecutionReport(nil), m.recentExecutions...)
}

// ClearExecutionHistory drains the aggregate queue only (per-strategy
// history is untouched), matching spec.md §4.7's distinct
// clear_execution_history/clear_all_executions operations.
func (m *Manager) ClearExecutionHistory() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recentExecutions = nil
}

// ClearAllExecutions drains both the aggregate queue and every
// per-strategy execution history.
func (m *Manager) ClearAllExecutions() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recentExecutions = nil
	for id := range m.strategyExecutions {
		m.strategyExecutions[id] = nil
	}
}

// FeedExecution routes one ExecutionReport into the named strategy's
// on_execution, the coordinator's fan-out step ahead of the PnL loop.
func (m *Manager) FeedExecution(id string, exec types.ExecutionReport) error {
	m.mu.RLock()
	info, ok := m.strategies[id]
	m.mu.RUnlock()
	if !ok {
		return coreerr.New(coreerr.DataNotFound, "portfolio.Manager.FeedExecution", "unknown strategy %q", id)
	}
	return info.strategy.OnExecution(exec)
}

// pnlUpdater is implemented by strategy.BaseStrategy; asserted rather
// than added to the Strategy interface since it is a coordinator-only
// write-through, not a capability every strategy implementation need
// expose.
type pnlUpdater interface {
	ApplyDailyPnL(symbol string, amount decimal.Decimal)
}

// UpdateStrategyPosition implements spec.md §4.7's update_strategy_position:
// the coordinator's write-through for recording one strategy's daily PnL
// on a symbol after valuation. Strategies that don't implement the
// optional pnlUpdater capability are silently skipped rather than erroring,
// since PnL attribution is a diagnostic enrichment, not a correctness
// requirement of the position itself.
func (m *Manager) UpdateStrategyPosition(id, symbol string, dailyPnL decimal.Decimal) error {
	m.mu.RLock()
	info, ok := m.strategies[id]
	m.mu.RUnlock()
	if !ok {
		return coreerr.New(coreerr.DataNotFound, "portfolio.Manager.UpdateStrategyPosition", "unknown strategy %q", id)
	}
	if updater, ok := info.strategy.(pnlUpdater); ok {
		updater.ApplyDailyPnL(symbol, dailyPnL)
	}
	return nil
}

// UpdatePreviousClose overwrites the previous-day close table the
// coordinator maintains and the portfolio manager prices executions
// off of.
func (m *Manager) UpdatePreviousClose(closes map[string]decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for symbol, close := range closes {
		m.previousDayClose[symbol] = close
	}
}

// MaxRequiredLookback is the max over every registered strategy's
// warmup hint, used by the coordinator to derive warmup_days.
func (m *Manager) MaxRequiredLookback() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	max := 0
	for _, info := range m.strategies {
		if lb := info.strategy.GetMaxRequiredLookback(); lb > max {
			max = lb
		}
	}
	return max
}

// Strategies returns every registered strategy, for the coordinator's
// daily PnL loop.
func (m *Manager) Strategies() map[string]strategy.Strategy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]strategy.Strategy, len(m.strategies))
	for id, info := range m.strategies {
		out[id] = info.strategy
	}
	return out
}
