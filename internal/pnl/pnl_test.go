package pnl_test

import (
	"testing"

	"github.com/atlas-desktop/barcore/internal/ctx"
	"github.com/atlas-desktop/barcore/internal/pnl"
	"github.com/shopspring/decimal"
)

func registryWithAAPL() *ctx.InstrumentRegistry {
	r := ctx.NewInstrumentRegistry()
	r.Register(ctx.Instrument{Symbol: "AAPL", PointValue: 1.0})
	return r
}

func TestCalculatePositionPnLHappyPath(t *testing.T) {
	m := pnl.New(registryWithAAPL())
	m.SetPreviousClose("AAPL", decimal.NewFromFloat(100))

	result := m.CalculatePositionPnL("AAPL", decimal.NewFromInt(10),
		decimal.NewFromFloat(100), decimal.NewFromFloat(102))

	if !result.Valid {
		t.Fatal("expected valid result")
	}
	want := decimal.NewFromFloat(20)
	if !result.DailyPnL.Equal(want) {
		t.Fatalf("got %s, want %s", result.DailyPnL, want)
	}
}

func TestCalculatePositionPnLZeroQtyIsInvalid(t *testing.T) {
	m := pnl.New(registryWithAAPL())
	m.SetPreviousClose("AAPL", decimal.NewFromFloat(100))

	result := m.CalculatePositionPnL("AAPL", decimal.New(1, -9),
		decimal.NewFromFloat(100), decimal.NewFromFloat(102))
	if result.Valid {
		t.Fatal("expected invalid result for near-zero quantity")
	}
}

func TestCalculatePositionPnLMissingPreviousCloseIsInvalid(t *testing.T) {
	m := pnl.New(registryWithAAPL())

	result := m.CalculatePositionPnL("AAPL", decimal.NewFromInt(10),
		decimal.NewFromFloat(100), decimal.NewFromFloat(102))
	if result.Valid {
		t.Fatal("expected invalid result for missing previous close")
	}
}

func TestCalculatePositionPnLMissingPointValueIsInvalid(t *testing.T) {
	m := pnl.New(ctx.NewInstrumentRegistry())
	m.SetPreviousClose("UNKNOWN", decimal.NewFromFloat(100))

	result := m.CalculatePositionPnL("UNKNOWN", decimal.NewFromInt(10),
		decimal.NewFromFloat(100), decimal.NewFromFloat(102))
	if result.Valid {
		t.Fatal("expected invalid result for unresolved point value")
	}
}
