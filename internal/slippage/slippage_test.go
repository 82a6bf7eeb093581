package slippage_test

import (
	"testing"

	"github.com/atlas-desktop/barcore/internal/slippage"
	"github.com/atlas-desktop/barcore/pkg/types"
	"github.com/shopspring/decimal"
)

func TestNoneIsIdentity(t *testing.T) {
	m := slippage.NewNone()
	price := decimal.NewFromFloat(100)
	got := m.Calculate(price, decimal.NewFromInt(10), types.SideBuy, nil)
	if !got.Equal(price) {
		t.Fatalf("got %s, want %s", got, price)
	}
}

func TestFixedBpsWidensAgainstTheOrder(t *testing.T) {
	m := slippage.NewFixedBps(decimal.NewFromInt(100)) // 1%
	price := decimal.NewFromFloat(100)

	buy := m.Calculate(price, decimal.Zero, types.SideBuy, nil)
	sell := m.Calculate(price, decimal.Zero, types.SideSell, nil)

	if !buy.Equal(decimal.NewFromFloat(101)) {
		t.Fatalf("buy got %s, want 101", buy)
	}
	if !sell.Equal(decimal.NewFromFloat(99)) {
		t.Fatalf("sell got %s, want 99", sell)
	}
}

func TestSpreadWidensWithUpdatedRange(t *testing.T) {
	m := slippage.NewSpread(decimal.NewFromFloat(1), decimal.NewFromFloat(1), decimal.NewFromFloat(1))
	bar := types.Bar{
		Close: decimal.NewFromFloat(100),
		High:  decimal.NewFromFloat(102),
		Low:   decimal.NewFromFloat(98),
	}
	m.Update(bar)

	buy := m.Calculate(decimal.NewFromFloat(100), decimal.NewFromInt(1), types.SideBuy, &bar)
	sell := m.Calculate(decimal.NewFromFloat(100), decimal.NewFromInt(1), types.SideSell, &bar)

	if !buy.GreaterThan(decimal.NewFromFloat(100)) {
		t.Fatalf("expected buy slippage above price, got %s", buy)
	}
	if !sell.LessThan(decimal.NewFromFloat(100)) {
		t.Fatalf("expected sell slippage below price, got %s", sell)
	}
}

func TestCreateDefaultsToFixedBpsOnUnknownModel(t *testing.T) {
	m := slippage.Create(slippage.Config{ModelName: "bogus"})
	price := decimal.NewFromFloat(100)
	got := m.Calculate(price, decimal.Zero, types.SideBuy, nil)
	want := decimal.NewFromFloat(100.1) // 10 bps
	if !got.Equal(want) {
		t.Fatalf("got %s, want %s", got, want)
	}
}
