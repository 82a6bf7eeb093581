package strategy_test

import (
	"math"
	"testing"
	"time"

	"github.com/atlas-desktop/barcore/internal/strategy"
	"github.com/atlas-desktop/barcore/pkg/types"
	"github.com/shopspring/decimal"
)

func TestTrendFollowingForecastStaysClipped(t *testing.T) {
	cfg := types.StrategyConfig{
		ID:                "tf1",
		CapitalAllocation: decimal.NewFromFloat(1_000_000),
		TradingParams: map[string]types.InstrumentParams{
			"AAPL": {PointValue: decimal.NewFromInt(1), FXRate: decimal.NewFromInt(1)},
		},
	}
	tf := strategy.NewTrendFollowing("tf1", cfg, strategy.DefaultTrendFollowingConfig(), func(string) float64 { return 1.0 })

	base := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	price := 100.0
	for i := 0; i < 400; i++ {
		// A strong, noisy uptrend: enough history to clear the 252-day
		// volatility floor and exercise every EMA pair.
		price *= 1.01
		price += 0.3 * math.Sin(float64(i))
		bar := types.Bar{
			Symbol: "AAPL", Timestamp: base.AddDate(0, 0, i),
			Open: decimal.NewFromFloat(price), High: decimal.NewFromFloat(price * 1.01),
			Low: decimal.NewFromFloat(price * 0.99), Close: decimal.NewFromFloat(price),
			Volume: decimal.NewFromInt(1000),
		}
		if err := tf.OnData([]types.Bar{bar}); err != nil {
			t.Fatalf("day %d: %v", i, err)
		}
	}

	forecast := tf.CurrentForecast("AAPL")
	if forecast < -20 || forecast > 20 {
		t.Fatalf("forecast %f outside [-20, 20] clip", forecast)
	}
	if forecast <= 0 {
		t.Fatalf("expected a positive forecast for a sustained uptrend, got %f", forecast)
	}

	targets := tf.GetTargetPositions()
	if _, ok := targets["AAPL"]; !ok {
		t.Fatal("expected a target position to be set once warmed up")
	}
}

func TestTrendFollowingStaysFlatDuringWarmup(t *testing.T) {
	cfg := types.StrategyConfig{ID: "tf1", CapitalAllocation: decimal.NewFromFloat(100000)}
	tf := strategy.NewTrendFollowing("tf1", cfg, strategy.DefaultTrendFollowingConfig(), nil)

	bar := types.Bar{
		Symbol: "AAPL", Timestamp: time.Now(),
		Open: decimal.NewFromFloat(100), High: decimal.NewFromFloat(101),
		Low: decimal.NewFromFloat(99), Close: decimal.NewFromFloat(100),
	}
	if err := tf.OnData([]types.Bar{bar}); err != nil {
		t.Fatalf("OnData: %v", err)
	}
	target := tf.GetTargetPositions()["AAPL"]
	if !target.IsZero() {
		t.Fatalf("expected flat target during warmup, got %s", target)
	}
}

func TestGetMaxRequiredLookbackCoversLongestEMAWindow(t *testing.T) {
	cfg := types.StrategyConfig{ID: "tf1", CapitalAllocation: decimal.NewFromFloat(100000)}
	tf := strategy.NewTrendFollowing("tf1", cfg, strategy.DefaultTrendFollowingConfig(), nil)
	if lb := tf.GetMaxRequiredLookback(); lb < 256 {
		t.Fatalf("expected lookback to cover the 256-day EMA window, got %d", lb)
	}
}
