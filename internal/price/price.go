// Package price implements the previous-day-close table (C2): the single
// piece of state the execution manager and PnL manager price off of to
// keep the coordinator's signal-lag invariant intact.
package price

import (
	"github.com/atlas-desktop/barcore/internal/coreerr"
	"github.com/atlas-desktop/barcore/pkg/types"
	"github.com/shopspring/decimal"
)

// Manager holds previous_day_price: map<symbol, Decimal>. Pure in-memory,
// no concurrency required since the coordinator drives it single-threaded
// (spec.md §5).
type Manager struct {
	previousClose map[string]decimal.Decimal
}

// New returns an empty price manager.
func New() *Manager {
	return &Manager{previousClose: make(map[string]decimal.Decimal)}
}

// UpdateFromBars overwrites the entry for each bar's symbol with bar.Close.
func (m *Manager) UpdateFromBars(bars []types.Bar) {
	for _, b := range bars {
		m.previousClose[b.Symbol] = b.Close
	}
}

// Get returns the stored previous-day close for symbol, or DataNotFound.
func (m *Manager) Get(symbol string) (decimal.Decimal, error) {
	v, ok := m.previousClose[symbol]
	if !ok {
		return decimal.Zero, coreerr.New(coreerr.DataNotFound, "price.Manager.Get", "no previous close for %q", symbol)
	}
	return v, nil
}

// Has reports whether a previous close is recorded for symbol.
func (m *Manager) Has(symbol string) bool {
	_, ok := m.previousClose[symbol]
	return ok
}

// Snapshot returns a copy of the entire previous-close table.
func (m *Manager) Snapshot() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(m.previousClose))
	for k, v := range m.previousClose {
		out[k] = v
	}
	return out
}

// Reset clears every entry.
func (m *Manager) Reset() {
	m.previousClose = make(map[string]decimal.Decimal)
}
