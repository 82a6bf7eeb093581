// Package pnl implements the PnL manager (C3): previous-close tracking and
// the per-position daily PnL formula qty * (curr_close - prev_close) *
// point_value.
package pnl

import (
	"github.com/atlas-desktop/barcore/internal/ctx"
	"github.com/shopspring/decimal"
)

// zeroThreshold is the "within 1e-8 of zero" quantity tolerance from
// spec.md §4.3.
var zeroThreshold = decimal.New(1, -8)

// Manager holds previous_close and resolves point_value from an
// InstrumentRegistry.
type Manager struct {
	registry      *ctx.InstrumentRegistry
	previousClose map[string]decimal.Decimal
}

// New constructs a PnL manager bound to registry for point-value lookups.
func New(registry *ctx.InstrumentRegistry) *Manager {
	return &Manager{registry: registry, previousClose: make(map[string]decimal.Decimal)}
}

// HasPreviousClose reports whether symbol has a recorded previous close.
func (m *Manager) HasPreviousClose(symbol string) bool {
	_, ok := m.previousClose[symbol]
	return ok
}

// GetPreviousClose returns the stored previous close, zero if absent.
func (m *Manager) GetPreviousClose(symbol string) decimal.Decimal {
	return m.previousClose[symbol]
}

// SetPreviousClose records a single previous close.
func (m *Manager) SetPreviousClose(symbol string, close decimal.Decimal) {
	m.previousClose[symbol] = close
}

// UpdatePreviousCloses merges a map of closes into the table.
func (m *Manager) UpdatePreviousCloses(closes map[string]decimal.Decimal) {
	for symbol, close := range closes {
		m.previousClose[symbol] = close
	}
}

// PositionPnL is the result of CalculatePositionPnL.
type PositionPnL struct {
	DailyPnL decimal.Decimal
	Valid    bool
}

// CalculatePositionPnL computes daily_pnl = qty * (currClose - prevClose) *
// point_value. Valid is false when qty is within 1e-8 of zero, the
// previous close is missing, or the point value is unavailable — matching
// spec.md §4.3 exactly; callers must not treat an invalid result as a real
// zero PnL.
func (m *Manager) CalculatePositionPnL(symbol string, qty, prevClose, currClose decimal.Decimal) PositionPnL {
	if qty.Abs().LessThan(zeroThreshold) {
		return PositionPnL{Valid: false}
	}
	if !m.HasPreviousClose(symbol) {
		return PositionPnL{Valid: false}
	}
	pointValue, ok := m.registry.PointValue(symbol)
	if !ok {
		return PositionPnL{Valid: false}
	}
	delta := currClose.Sub(prevClose)
	pv := decimal.NewFromFloat(pointValue)
	return PositionPnL{DailyPnL: qty.Mul(delta).Mul(pv), Valid: true}
}
