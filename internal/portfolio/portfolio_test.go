package portfolio_test

import (
	"testing"
	"time"

	"github.com/atlas-desktop/barcore/internal/execution"
	"github.com/atlas-desktop/barcore/internal/portfolio"
	"github.com/atlas-desktop/barcore/internal/slippage"
	"github.com/atlas-desktop/barcore/pkg/types"
	"github.com/shopspring/decimal"
)

// fakeStrategy is a minimal strategy.Strategy implementation for
// exercising the portfolio manager without pulling in the full
// trend-following pipeline.
type fakeStrategy struct {
	id      string
	state   types.StrategyState
	targets map[string]decimal.Decimal
	positions map[string]types.Position
}

func newFakeStrategy(id string) *fakeStrategy {
	return &fakeStrategy{
		id:        id,
		state:     types.StrategyStateInitialized,
		targets:   make(map[string]decimal.Decimal),
		positions: make(map[string]types.Position),
	}
}

func (f *fakeStrategy) ID() string                       { return f.id }
func (f *fakeStrategy) Initialize() error                 { f.state = types.StrategyStateInitialized; return nil }
func (f *fakeStrategy) Start() error                      { f.state = types.StrategyStateRunning; return nil }
func (f *fakeStrategy) Stop() error                       { f.state = types.StrategyStateStopped; return nil }
func (f *fakeStrategy) Pause() error                      { f.state = types.StrategyStatePaused; return nil }
func (f *fakeStrategy) Resume() error                     { f.state = types.StrategyStateRunning; return nil }
func (f *fakeStrategy) GetState() types.StrategyState     { return f.state }

func (f *fakeStrategy) OnData(bars []types.Bar) error {
	for _, b := range bars {
		f.targets[b.Symbol] = decimal.NewFromInt(5)
	}
	return nil
}

func (f *fakeStrategy) OnExecution(exec types.ExecutionReport) error {
	qty := exec.FilledQuantity
	if exec.Side == types.SideSell {
		qty = qty.Neg()
	}
	pos := f.positions[exec.Symbol]
	pos.Symbol = exec.Symbol
	pos.Quantity = pos.Quantity.Add(qty)
	pos.AveragePrice = exec.FillPrice
	pos.LastUpdate = exec.FillTime
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
	out := make(map[string]decimal.Decimal, len(f.targets))
	for k, v := range f.targets {
		out[k] = v
	}
	return out
}

func (f *fakeStrategy) GetPriceHistory() map[string][]decimal.Decimal { return nil }
func (f *fakeStrategy) GetMetrics() map[string]float64                { return nil }
func (f *fakeStrategy) GetMetadata() map[string]string                { return nil }
func (f *fakeStrategy) UpdateRiskLimits(types.RiskLimits)             {}
func (f *fakeStrategy) CheckRiskLimits() error                        { return nil }
func (f *fakeStrategy) SetBacktestMode(bool)                          {}
func (f *fakeStrategy) GetMaxRequiredLookback() int                   { return 10 }

func TestAddStrategyRejectsOverAllocation(t *testing.T) {
	m := portfolio.New(nil, nil, nil, nil, nil, types.PortfolioConfig{})
	if err := m.AddStrategy(newFakeStrategy("s1"), decimal.NewFromFloat(0.7), false, false); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := m.AddStrategy(newFakeStrategy("s2"), decimal.NewFromFloat(0.5), false, false); err == nil {
		t.Fatal("expected over-allocation to be rejected")
	}
}

func TestAddStrategyRejectsAllocationOutsideConfiguredBounds(t *testing.T) {
	cfg := types.PortfolioConfig{MinAllocation: decimal.NewFromFloat(0.1), MaxAllocation: decimal.NewFromFloat(0.6)}
	m := portfolio.New(nil, nil, nil, nil, nil, cfg)

	if err := m.AddStrategy(newFakeStrategy("too-small"), decimal.NewFromFloat(0.05), false, false); err == nil {
		t.Fatal("expected allocation below MinAllocation to be rejected")
	}
	if err := m.AddStrategy(newFakeStrategy("too-big"), decimal.NewFromFloat(0.7), false, false); err == nil {
		t.Fatal("expected allocation above MaxAllocation to be rejected")
	}
	if err := m.AddStrategy(newFakeStrategy("in-bounds"), decimal.NewFromFloat(0.3), false, false); err != nil {
		t.Fatalf("expected in-bounds allocation to be accepted: %v", err)
	}
}

func TestUpdateAllocationsRejectsValueOutsideConfiguredBounds(t *testing.T) {
	cfg := types.PortfolioConfig{MinAllocation: decimal.NewFromFloat(0.1), MaxAllocation: decimal.NewFromFloat(0.9)}
	m := portfolio.New(nil, nil, nil, nil, nil, cfg)
	if err := m.AddStrategy(newFakeStrategy("s1"), decimal.NewFromFloat(0.5), false, false); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := m.AddStrategy(newFakeStrategy("s2"), decimal.NewFromFloat(0.5), false, false); err != nil {
		t.Fatalf("add: %v", err)
	}

	err := m.UpdateAllocations(map[string]decimal.Decimal{
		"s1": decimal.NewFromFloat(0.05),
		"s2": decimal.NewFromFloat(0.95),
	})
	if err == nil {
		t.Fatal("expected an out-of-bounds allocation to be rejected even though the sum is 1")
	}
}

func TestProcessMarketDataGeneratesExecutionsAgainstPreviousClose(t *testing.T) {
	execMgr := execution.New(slippage.NewNone(), decimal.Zero)
	m := portfolio.New(nil, execMgr, nil, nil, nil, types.PortfolioConfig{})
	s := newFakeStrategy("s1")
	if err := m.AddStrategy(s, decimal.NewFromFloat(1.0), false, false); err != nil {
		t.Fatalf("add: %v", err)
	}
	m.UpdatePreviousClose(map[string]decimal.Decimal{"AAPL": decimal.NewFromFloat(100)})

	bar := types.Bar{
		Symbol: "AAPL", Timestamp: time.Now(),
		Open: decimal.NewFromFloat(101), High: decimal.NewFromFloat(102),
		Low: decimal.NewFromFloat(100), Close: decimal.NewFromFloat(101),
	}
	reports, err := m.ProcessMarketData([]types.Bar{bar}, false)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("expected 1 execution, got %d", len(reports))
	}
	if !reports[0].FillPrice.Equal(decimal.NewFromFloat(100)) {
		t.Fatalf("expected fill priced at previous close 100, got %s", reports[0].FillPrice)
	}
}

func TestProcessMarketDataSkipExecutionGenerationOnlyFeedsStrategies(t *testing.T) {
	execMgr := execution.New(slippage.NewNone(), decimal.Zero)
	m := portfolio.New(nil, execMgr, nil, nil, nil, types.PortfolioConfig{})
	s := newFakeStrategy("s1")
	if err := m.AddStrategy(s, decimal.NewFromFloat(1.0), false, false); err != nil {
		t.Fatalf("add: %v", err)
	}
	bar := types.Bar{Symbol: "AAPL", Timestamp: time.Now(), Close: decimal.NewFromFloat(101)}
	reports, err := m.ProcessMarketData([]types.Bar{bar}, true)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(reports) != 0 {
		t.Fatalf("expected no executions during warmup, got %d", len(reports))
	}
	if s.GetTargetPositions()["AAPL"].IsZero() {
		t.Fatal("expected strategy to still accumulate on_data")
	}
}

func TestGetPortfolioPositionsAggregatesAcrossStrategies(t *testing.T) {
	m := portfolio.New(nil, nil, nil, nil, nil, types.PortfolioConfig{})
	s1 := newFakeStrategy("s1")
	s2 := newFakeStrategy("s2")
	if err := m.AddStrategy(s1, decimal.NewFromFloat(0.5), false, false); err != nil {
		t.Fatalf("add s1: %v", err)
	}
	if err := m.AddStrategy(s2, decimal.NewFromFloat(0.5), false, false); err != nil {
		t.Fatalf("add s2: %v", err)
	}
	_ = s1.OnExecution(types.ExecutionReport{Symbol: "AAPL", Side: types.SideBuy, FilledQuantity: decimal.NewFromInt(10), FillPrice: decimal.NewFromFloat(100)})
	_ = s2.OnExecution(types.ExecutionReport{Symbol: "AAPL", Side: types.SideBuy, FilledQuantity: decimal.NewFromInt(5), FillPrice: decimal.NewFromFloat(110)})

	agg := m.GetPortfolioPositions()
	pos := agg["AAPL"]
	if !pos.Quantity.Equal(decimal.NewFromInt(15)) {
		t.Fatalf("expected aggregate qty 15, got %s", pos.Quantity)
	}
}
