package risk_test

import (
	"testing"

	"github.com/atlas-desktop/barcore/internal/risk"
	"github.com/atlas-desktop/barcore/pkg/types"
	"github.com/shopspring/decimal"
)

func TestCheckWithinLimitsRecommendsFullScale(t *testing.T) {
	cfg := types.RiskConfig{
		Capital:          decimal.NewFromFloat(100000),
		MaxGrossLeverage: 2.0,
		MaxNetLeverage:   2.0,
	}
	m := risk.New(nil, cfg)
	positions := map[string]decimal.Decimal{"AAPL": decimal.NewFromInt(10)}
	snapshot := risk.MarketSnapshot{Closes: map[string]decimal.Decimal{"AAPL": decimal.NewFromFloat(100)}}

	res := m.Check(positions, nil, snapshot)
	if res.RiskExceeded {
		t.Fatalf("expected no breach, got %+v", res.Violations)
	}
	if res.RecommendedScale != 1.0 {
		t.Fatalf("expected scale 1.0, got %f", res.RecommendedScale)
	}
}

func TestCheckGrossLeverageBreachRecommendsPartialScale(t *testing.T) {
	cfg := types.RiskConfig{
		Capital:          decimal.NewFromFloat(1000),
		MaxGrossLeverage: 1.0,
	}
	m := risk.New(nil, cfg)
	positions := map[string]decimal.Decimal{"AAPL": decimal.NewFromInt(50)}
	snapshot := risk.MarketSnapshot{Closes: map[string]decimal.Decimal{"AAPL": decimal.NewFromFloat(100)}}

	res := m.Check(positions, nil, snapshot)
	if !res.RiskExceeded {
		t.Fatal("expected leverage breach")
	}
	if res.RecommendedScale <= 0 || res.RecommendedScale >= 1.0 {
		t.Fatalf("expected a partial scale in (0,1), got %f", res.RecommendedScale)
	}
}

func TestCheckZeroCapitalForcesZeroScale(t *testing.T) {
	cfg := types.RiskConfig{Capital: decimal.Zero}
	m := risk.New(nil, cfg)
	res := m.Check(nil, nil, risk.MarketSnapshot{})
	if res.RecommendedScale != 0 || !res.RiskExceeded {
		t.Fatalf("expected fully breached zero-capital result, got %+v", res)
	}
}

func TestCheckCorrelationBreachForcesZeroScale(t *testing.T) {
	cfg := types.RiskConfig{
		Capital:        decimal.NewFromFloat(100000),
		MaxCorrelation: 0.5,
	}
	m := risk.New(nil, cfg)
	positions := map[string]decimal.Decimal{
		"AAPL": decimal.NewFromInt(10),
		"MSFT": decimal.NewFromInt(10),
	}
	snapshot := risk.MarketSnapshot{Closes: map[string]decimal.Decimal{
		"AAPL": decimal.NewFromFloat(100),
		"MSFT": decimal.NewFromFloat(100),
	}}
	res := m.Check(positions, nil, snapshot)
	if !res.RiskExceeded || res.RecommendedScale != 0 {
		t.Fatalf("expected correlation breach forcing zero scale, got %+v", res)
	}
}
