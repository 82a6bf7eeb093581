package backtest_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/atlas-desktop/barcore/internal/backtest"
	"github.com/atlas-desktop/barcore/internal/data"
	"github.com/atlas-desktop/barcore/internal/execution"
	"github.com/atlas-desktop/barcore/internal/pnl"
	"github.com/atlas-desktop/barcore/internal/portfolio"
	"github.com/atlas-desktop/barcore/internal/price"
	"github.com/atlas-desktop/barcore/internal/slippage"
	"github.com/atlas-desktop/barcore/internal/ctx"
	"github.com/atlas-desktop/barcore/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// fakeStrategy buys a fixed 10-lot target on day one and holds it, with a
// short warmup, to exercise the coordinator's day loop without needing a
// multi-year synthetic dataset.
type fakeStrategy struct {
	id        string
	state     types.StrategyState
	positions map[string]types.Position
}

func newFakeStrategy(id string) *fakeStrategy {
	return &fakeStrategy{id: id, state: types.StrategyStateInitialized, positions: make(map[string]types.Position)}
}

func (f *fakeStrategy) ID() string                   { return f.id }
func (f *fakeStrategy) Initialize() error             { return nil }
func (f *fakeStrategy) Start() error                  { return nil }
func (f *fakeStrategy) Stop() error                   { return nil }
func (f *fakeStrategy) Pause() error                  { return nil }
func (f *fakeStrategy) Resume() error                 { return nil }
func (f *fakeStrategy) GetState() types.StrategyState { return f.state }

func (f *fakeStrategy) OnData(bars []types.Bar) error { return nil }

func (f *fakeStrategy) OnExecution(exec types.ExecutionReport) error {
	qty := exec.FilledQuantity
	if exec.Side == types.SideSell {
		qty = qty.Neg()
	}
	pos := f.positions[exec.Symbol]
	pos.Symbol = exec.Symbol
	pos.Quantity = pos.Quantity.Add(qty)
	pos.AveragePrice = exec.FillPrice
	f.positions[exec.Symbol] = pos
	return nil
}

func (f *fakeStrategy) OnSignal(string, float64) error { return nil }

func (f *fakeStrategy) GetPositions() map[string]types.Position {
	out := make(map[string]types.Position, len(f.positions))
	for k, v := range f.positions {
		out[k] = v
	}
	return out
}

func (f *fakeStrategy) GetTargetPositions() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{"AAPL": decimal.NewFromInt(10)}
}

func (f *fakeStrategy) GetPriceHistory() map[string][]decimal.Decimal { return nil }
func (f *fakeStrategy) GetMetrics() map[string]float64                { return nil }
func (f *fakeStrategy) GetMetadata() map[string]string                { return nil }
func (f *fakeStrategy) UpdateRiskLimits(types.RiskLimits)             {}
func (f *fakeStrategy) CheckRiskLimits() error                        { return nil }
func (f *fakeStrategy) SetBacktestMode(bool)                          {}
func (f *fakeStrategy) GetMaxRequiredLookback() int                   { return 2 }

func writeCSV(t *testing.T, dir, symbol string, days int, startPrice float64) {
	t.Helper()
	f, err := os.Create(filepath.Join(dir, symbol+".csv"))
	if err != nil {
		t.Fatalf("create csv: %v", err)
	}
	defer f.Close()
	fmt.Fprintln(f, "timestamp,open,high,low,close,volume")
	price := startPrice
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < days; i++ {
		price *= 1.001
		ts := base.AddDate(0, 0, i).Format(time.RFC3339)
		fmt.Fprintf(f, "%s,%.2f,%.2f,%.2f,%.2f,1000\n", ts, price, price*1.01, price*0.99, price)
	}
}

func TestCoordinatorRunEndToEnd(t *testing.T) {
	dir := t.TempDir()
	writeCSV(t, dir, "AAPL", 10, 100)

	logger := zap.NewNop()
	loader := data.NewCSVLoader(dir)
	registry := ctx.NewInstrumentRegistry()
	registry.Register(ctx.Instrument{Symbol: "AAPL", PointValue: 1.0})

	execMgr := execution.New(slippage.NewNone(), decimal.NewFromFloat(0.0005))
	pf := portfolio.New(logger, execMgr, nil, nil, func(s string) float64 {
		pv, _ := registry.PointValue(s)
		return pv
	}, types.PortfolioConfig{})
	if err := pf.AddStrategy(newFakeStrategy("s1"), decimal.NewFromFloat(1.0), false, false); err != nil {
		t.Fatalf("add strategy: %v", err)
	}

	priceMgr := price.New()
	pnlMgr := pnl.New(registry)

	coord := backtest.New(logger, loader, pf, priceMgr, pnlMgr)

	cfg := types.BacktestConfig{
		PortfolioID:    "s1_20240101",
		Symbols:        []string{"AAPL"},
		Start:          time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:            time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC),
		InitialCapital: decimal.NewFromFloat(100000),
	}

	results, err := coord.Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(results.EquityCurve) != 11 {
		t.Fatalf("expected 11 equity points (1 initial + 10 days), got %d", len(results.EquityCurve))
	}
	if results.RunID != "s1_20240101" {
		t.Fatalf("expected run id to be carried through, got %q", results.RunID)
	}
	if len(results.Executions) == 0 {
		t.Fatal("expected at least one execution once warmup clears")
	}
	if !coord.HasPreviousClose("AAPL") {
		t.Fatal("expected a previous close to be recorded for AAPL after the run")
	}
	if _, err := coord.PreviousClose("AAPL"); err != nil {
		t.Fatalf("previous close: %v", err)
	}
	if coord.HasPreviousClose("MSFT") {
		t.Fatal("expected no previous close recorded for a symbol never traded")
	}
}

// TestCoordinatorUpdatesPreviousCloseDuringWarmup exercises spec.md §4.10
// step 6: warmup days must still update previous_close from that day's
// closes, not just skip straight to the equity curve append.
func TestCoordinatorUpdatesPreviousCloseDuringWarmup(t *testing.T) {
	dir := t.TempDir()
	writeCSV(t, dir, "AAPL", 3, 100)

	logger := zap.NewNop()
	loader := data.NewCSVLoader(dir)
	registry := ctx.NewInstrumentRegistry()
	registry.Register(ctx.Instrument{Symbol: "AAPL", PointValue: 1.0})

	pf := portfolio.New(logger, nil, nil, nil, func(s string) float64 {
		pv, _ := registry.PointValue(s)
		return pv
	}, types.PortfolioConfig{})
	if err := pf.AddStrategy(newFakeStrategy("s1"), decimal.NewFromFloat(1.0), false, false); err != nil {
		t.Fatalf("add strategy: %v", err)
	}

	priceMgr := price.New()
	pnlMgr := pnl.New(registry)
	coord := backtest.New(logger, loader, pf, priceMgr, pnlMgr)

	cfg := types.BacktestConfig{
		PortfolioID:    "warmup_check",
		Symbols:        []string{"AAPL"},
		Start:          time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:            time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC),
		InitialCapital: decimal.NewFromFloat(100000),
	}
	if _, err := coord.Run(context.Background(), cfg); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !coord.HasPreviousClose("AAPL") {
		t.Fatal("expected warmup days to populate the price manager's previous close")
	}
	if !pnlMgr.HasPreviousClose("AAPL") {
		t.Fatal("expected warmup days to populate the PnL manager's previous close too, not just the price manager's")
	}
}

func TestCoordinatorRejectsEmptyDataset(t *testing.T) {
	dir := t.TempDir()
	writeCSV(t, dir, "AAPL", 1, 100)

	logger := zap.NewNop()
	loader := data.NewCSVLoader(dir)
	pf := portfolio.New(logger, nil, nil, nil, nil, types.PortfolioConfig{})
	priceMgr := price.New()
	pnlMgr := pnl.New(ctx.NewInstrumentRegistry())
	coord := backtest.New(logger, loader, pf, priceMgr, pnlMgr)

	cfg := types.BacktestConfig{
		Symbols:        []string{"AAPL"},
		Start:          time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
		End:            time.Date(2030, 1, 5, 0, 0, 0, 0, time.UTC),
		InitialCapital: decimal.NewFromFloat(100000),
	}
	if _, err := coord.Run(context.Background(), cfg); err == nil {
		t.Fatal("expected an error for a date range with no bars")
	}
}
