package execution_test

import (
	"testing"
	"time"

	"github.com/atlas-desktop/barcore/internal/execution"
	"github.com/atlas-desktop/barcore/internal/slippage"
	"github.com/atlas-desktop/barcore/pkg/types"
	"github.com/shopspring/decimal"
)

func TestGenerateExecutionsBuysDelta(t *testing.T) {
	m := execution.New(slippage.NewNone(), decimal.NewFromFloat(0.001))

	current := map[string]types.Position{}
	target := map[string]decimal.Decimal{"AAPL": decimal.NewFromInt(10)}
	prevClose := map[string]decimal.Decimal{"AAPL": decimal.NewFromFloat(100)}
	stamp := types.Bar{Symbol: "AAPL", Timestamp: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)}

	reports, err := m.GenerateExecutions(current, target, prevClose, nil, stamp, "strat-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("expected 1 execution, got %d", len(reports))
	}
	r := reports[0]
	if r.Side != types.SideBuy {
		t.Fatalf("expected buy, got %s", r.Side)
	}
	if !r.FilledQuantity.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected qty 10, got %s", r.FilledQuantity)
	}
	qty := decimal.NewFromInt(10)
	price := decimal.NewFromFloat(100)
	wantCommission := qty.Mul(decimal.NewFromFloat(0.001)).
		Add(qty.Mul(price).Mul(decimal.NewFromFloat(0.0005))).
		Add(decimal.NewFromInt(1))
	if !r.Commission.Equal(wantCommission) {
		t.Fatalf("commission got %s want %s", r.Commission, wantCommission)
	}
}

func TestGenerateExecutionsSkipsNearZeroDelta(t *testing.T) {
	m := execution.New(slippage.NewNone(), decimal.Zero)

	current := map[string]types.Position{"AAPL": {Symbol: "AAPL", Quantity: decimal.NewFromInt(10)}}
	target := map[string]decimal.Decimal{"AAPL": decimal.NewFromInt(10)}
	prevClose := map[string]decimal.Decimal{"AAPL": decimal.NewFromFloat(100)}
	stamp := types.Bar{Symbol: "AAPL"}

	reports, err := m.GenerateExecutions(current, target, prevClose, nil, stamp, "strat-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(reports) != 0 {
		t.Fatalf("expected no executions for unchanged target, got %d", len(reports))
	}
}

func TestGenerateExecutionsFirstTradeFallsBackToTodaysClose(t *testing.T) {
	m := execution.New(slippage.NewNone(), decimal.Zero)

	target := map[string]decimal.Decimal{"AAPL": decimal.NewFromInt(10)}
	todayBars := []types.Bar{{Symbol: "AAPL", Close: decimal.NewFromFloat(105)}}
	stamp := types.Bar{Symbol: "AAPL"}

	reports, err := m.GenerateExecutions(nil, target, nil, todayBars, stamp, "strat-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("expected 1 execution, got %d", len(reports))
	}
	if !reports[0].FillPrice.Equal(decimal.NewFromFloat(105)) {
		t.Fatalf("expected fallback fill price 105, got %s", reports[0].FillPrice)
	}
}

func TestGenerateExecutionsErrorsWithNoPriceAtAll(t *testing.T) {
	m := execution.New(slippage.NewNone(), decimal.Zero)

	target := map[string]decimal.Decimal{"AAPL": decimal.NewFromInt(10)}
	stamp := types.Bar{Symbol: "AAPL"}

	_, err := m.GenerateExecutions(nil, target, nil, nil, stamp, "strat-1")
	if err == nil {
		t.Fatal("expected error when neither a previous close nor today's bar is available")
	}
}

func TestGenerateExecutionsRoundsFillPriceToTickSize(t *testing.T) {
	m := execution.New(slippage.NewNone(), decimal.Zero)
	m.SetTickSizeLookup(func(symbol string) decimal.Decimal {
		return decimal.NewFromFloat(0.25)
	})

	current := map[string]types.Position{}
	target := map[string]decimal.Decimal{"AAPL": decimal.NewFromInt(10)}
	prevClose := map[string]decimal.Decimal{"AAPL": decimal.NewFromFloat(100.37)}
	stamp := types.Bar{Symbol: "AAPL"}

	reports, err := m.GenerateExecutions(current, target, prevClose, nil, stamp, "strat-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reports[0].FillPrice.Equal(decimal.NewFromFloat(100.25)) {
		t.Fatalf("expected fill price rounded down to nearest tick 100.25, got %s", reports[0].FillPrice)
	}
}

func TestGenerateExecutionsSellsReduceTowardsFlat(t *testing.T) {
	m := execution.New(slippage.NewNone(), decimal.Zero)

	current := map[string]types.Position{"AAPL": {Symbol: "AAPL", Quantity: decimal.NewFromInt(10)}}
	target := map[string]decimal.Decimal{"AAPL": decimal.NewFromInt(2)}
	prevClose := map[string]decimal.Decimal{"AAPL": decimal.NewFromFloat(100)}
	stamp := types.Bar{Symbol: "AAPL"}

	reports, err := m.GenerateExecutions(current, target, prevClose, nil, stamp, "strat-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(reports) != 1 || reports[0].Side != types.SideSell {
		t.Fatalf("expected one sell execution, got %+v", reports)
	}
	if !reports[0].FilledQuantity.Equal(decimal.NewFromInt(8)) {
		t.Fatalf("expected qty 8, got %s", reports[0].FilledQuantity)
	}
}
