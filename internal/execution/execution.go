// Package execution implements the execution manager (C4): diffing a
// strategy's current positions against its targets and turning the delta
// into priced, slipped, commissioned ExecutionReports. Grounded on the
// teacher's internal/backtester/portfolio.go Buy/Sell cost arithmetic
// (quantity*price+commission cost basis, same decimal chain) and
// internal/backtester/engine.go's sequence-counter ID assignment,
// replaced here by google/uuid since the coordinator runs no global
// sequence counter.
package execution

import (
	"github.com/atlas-desktop/barcore/internal/coreerr"
	"github.com/atlas-desktop/barcore/internal/slippage"
	"github.com/atlas-desktop/barcore/pkg/types"
	"github.com/atlas-desktop/barcore/pkg/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// zeroThreshold is the "close enough to zero" target-minus-current delta
// tolerance below which no order is generated, per spec.md §4.4 step 1.
// This is distinct from the pnl/strategy packages' 1e-8 "qty near zero"
// tolerance (spec.md §4.3/§4.6), which governs a different invariant.
var zeroThreshold = decimal.New(1, -4)

// notionalCommissionRate and fixedCommission are the two additional
// commission components spec.md §4.4 step 5 adds on top of the
// per-unit commissionRate: a flat 0.05% of notional plus a $1 fixed
// cost per order.
var (
	notionalCommissionRate = decimal.NewFromFloat(0.0005)
	fixedCommission        = decimal.NewFromInt(1)
)

// Manager prices and slips the delta between current and target
// positions into ExecutionReports, per spec.md §4.4.
type Manager struct {
	slippageModel  slippage.Model
	commissionRate decimal.Decimal
	tickSize       func(symbol string) decimal.Decimal
}

// New constructs an execution manager with a slippage model and a
// per-unit commission rate (rate * |qty|), the first of spec.md §4.4
// step 5's three commission components.
func New(model slippage.Model, commissionRate decimal.Decimal) *Manager {
	if model == nil {
		model = slippage.NewNone()
	}
	return &Manager{slippageModel: model, commissionRate: commissionRate}
}

// SetTickSizeLookup installs a per-symbol tick-size resolver. When set, a
// fill price is rounded down to the nearest tick (utils.RoundToTickSize)
// before commission is applied; a zero or missing tick size leaves the
// price unrounded. Unset by default, matching the teacher's instrument
// model where tick size is optional metadata.
func (m *Manager) SetTickSizeLookup(fn func(symbol string) decimal.Decimal) {
	m.tickSize = fn
}

// barsBySymbol indexes a day's bars for O(1) lookup by the generator.
func barsBySymbol(bars []types.Bar) map[string]types.Bar {
	out := make(map[string]types.Bar, len(bars))
	for _, b := range bars {
		out[b.Symbol] = b
	}
	return out
}

// GenerateExecutions implements spec.md §4.4: for every symbol with a
// non-zero target-minus-current delta, price the fill off prevClose (the
// signal-lag invariant — never today's close), falling back to today's
// close on a symbol's first trade when no previous close has been
// recorded yet, run it through the slippage model using today's bar as
// market-impact context when available, apply commission, and stamp an
// ExecutionReport. A symbol with neither a previous close nor a bar
// today cannot be priced at all and is an error.
func (m *Manager) GenerateExecutions(
	current map[string]types.Position,
	target map[string]decimal.Decimal,
	prevClose map[string]decimal.Decimal,
	todayBars []types.Bar,
	stamp types.Bar,
	strategyID string,
) ([]types.ExecutionReport, error) {
	byBar := barsBySymbol(todayBars)

	// Walk the union of target and current symbols: a held symbol with no
	// target entry has an implicit target of zero.
	targets := make(map[string]decimal.Decimal, len(target)+len(current))
	for symbol, qty := range target {
		targets[symbol] = qty
	}
	for symbol := range current {
		if _, ok := targets[symbol]; !ok {
			targets[symbol] = decimal.Zero
		}
	}

	var reports []types.ExecutionReport
	for symbol, targetQty := range targets {
		currentQty := decimal.Zero
		if pos, ok := current[symbol]; ok {
			currentQty = pos.Quantity
		}
		delta := targetQty.Sub(currentQty)
		if delta.Abs().LessThan(zeroThreshold) {
			continue
		}

		var bar *types.Bar
		if b, ok := byBar[symbol]; ok {
			bar = &b
		}

		price, ok := prevClose[symbol]
		if !ok {
			// First-trade fallback per spec.md §4.4 step 2: no prior close
			// recorded for this symbol yet, so price off today's close.
			if bar == nil {
				return nil, coreerr.New(coreerr.DataNotFound, "execution.Manager.GenerateExecutions",
					"no previous close or today's bar for %q, cannot price order", symbol)
			}
			price = bar.Close
		}

		side := types.SideBuy
		if delta.IsNegative() {
			side = types.SideSell
		}
		qty := delta.Abs()

		fillPrice := m.slippageModel.Calculate(price, qty, side, bar)
		if m.tickSize != nil {
			if tick := m.tickSize(symbol); tick.IsPositive() {
				fillPrice = utils.RoundToTickSize(fillPrice, tick)
			}
		}
		commission := qty.Mul(m.commissionRate).
			Add(qty.Mul(fillPrice).Mul(notionalCommissionRate)).
			Add(fixedCommission)

		reports = append(reports, types.ExecutionReport{
			OrderID:        uuid.NewString(),
			ExecID:         uuid.NewString(),
			Symbol:         symbol,
			Side:           side,
			FilledQuantity: qty,
			FillPrice:      fillPrice,
			FillTime:       stamp.Timestamp,
			Commission:     commission,
			IsPartial:      false,
			StrategyID:     strategyID,
		})
	}
	return reports, nil
}

// UpdateSlippageState feeds today's bars into the slippage model's
// rolling state, ahead of calling GenerateExecutions for the next day.
func (m *Manager) UpdateSlippageState(bars []types.Bar) {
	for _, b := range bars {
		m.slippageModel.Update(b)
	}
}
