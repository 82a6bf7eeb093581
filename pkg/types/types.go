// Package types provides the shared entities the backtest engine operates
// on: bars, orders, executions, positions and the run-level configuration
// and result structures.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or position.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType is the matching behavior requested for an order.
type OrderType string

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStop      OrderType = "stop"
	OrderTypeStopLimit OrderType = "stop_limit"
)

// TimeInForce controls how long an order remains workable.
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "day"
	TimeInForceGTC TimeInForce = "gtc"
	TimeInForceIOC TimeInForce = "ioc"
	TimeInForceFOK TimeInForce = "fok"
)

// StrategyState is a node in the strategy lifecycle state machine.
type StrategyState string

const (
	StrategyStateInitialized StrategyState = "initialized"
	StrategyStateRunning     StrategyState = "running"
	StrategyStatePaused      StrategyState = "paused"
	StrategyStateStopped     StrategyState = "stopped"
	StrategyStateError       StrategyState = "error"
)

// Bar is one OHLCV record for a symbol at a frequency. Immutable once built.
type Bar struct {
	Symbol    string
	Timestamp time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
}

// Validate checks the Bar invariants from the data model: non-empty symbol,
// low <= open,close <= high, volume >= 0.
func (b Bar) Validate() error {
	if b.Symbol == "" {
		return errInvalidBar("symbol is empty")
	}
	if b.Low.GreaterThan(b.Open) || b.Open.GreaterThan(b.High) {
		return errInvalidBar("open out of [low, high] range")
	}
	if b.Low.GreaterThan(b.Close) || b.Close.GreaterThan(b.High) {
		return errInvalidBar("close out of [low, high] range")
	}
	if b.Volume.IsNegative() {
		return errInvalidBar("negative volume")
	}
	return nil
}

func errInvalidBar(msg string) error { return &barError{msg} }

type barError struct{ msg string }

func (e *barError) Error() string { return "invalid bar: " + e.msg }

// Order is a request to change a position, priced and routed by the
// execution manager.
type Order struct {
	Symbol     string
	Side       Side
	Type       OrderType
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	TIF        TimeInForce
	Timestamp  time.Time
	StrategyID string
}

// ExecutionReport is created only by the execution manager and is immutable
// thereafter.
type ExecutionReport struct {
	OrderID        string
	ExecID         string
	Symbol         string
	Side           Side
	FilledQuantity decimal.Decimal
	FillPrice      decimal.Decimal
	FillTime       time.Time
	Commission     decimal.Decimal
	IsPartial      bool
	StrategyID     string
}

// Position is a signed holding in one symbol, mutated by executions and by
// daily PnL updates. Zero-quantity positions may persist for PnL history.
type Position struct {
	Symbol        string
	Quantity      decimal.Decimal
	AveragePrice  decimal.Decimal
	UnrealizedPnL decimal.Decimal
	RealizedPnL   decimal.Decimal
	LastUpdate    time.Time
	TotalTrades   int
	winningFills  int
}

// IsLong reports whether the position is net long.
func (p Position) IsLong() bool { return p.Quantity.IsPositive() }

// IsShort reports whether the position is net short.
func (p Position) IsShort() bool { return p.Quantity.IsNegative() }

// IncrementWinningFill records a fill that improved on the average price
// at the time it landed, for the BaseStrategy running win-rate diagnostic
// (see Position.WinRate).
func (p *Position) IncrementWinningFill() { p.winningFills++ }

// WinRate is the running fraction of fills that improved on the average
// price at the time they landed — a strategy-level diagnostic, not the
// authoritative metrics-package win rate (see BacktestResults.WinRate).
func (p Position) WinRate() decimal.Decimal {
	if p.TotalTrades == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(p.winningFills)).Div(decimal.NewFromInt(int64(p.TotalTrades)))
}

// StrategyConfig carries the parameters a strategy is constructed with.
type StrategyConfig struct {
	ID                string
	CapitalAllocation decimal.Decimal
	AssetClasses      []string
	Frequencies       []string
	MaxLeverage       decimal.Decimal
	MaxDrawdown       decimal.Decimal
	PositionLimits    map[string]decimal.Decimal
	TradingParams     map[string]InstrumentParams
	Costs             map[string]decimal.Decimal
	SavePositions     bool
	SaveSignals       bool
	SaveExecutions    bool
	Parameters        map[string]any
}

// InstrumentParams is the per-symbol contract economics a strategy needs:
// point value (dollars per unit price move per contract) and the FX
// conversion scalar.
type InstrumentParams struct {
	PointValue decimal.Decimal
	FXRate     decimal.Decimal
}

// RiskLimits bounds a strategy or portfolio's risk-taking.
type RiskLimits struct {
	MaxLeverage      decimal.Decimal
	MaxDrawdown      decimal.Decimal
	MaxCorrelation   decimal.Decimal
	MaxGrossLeverage decimal.Decimal
	MaxNetLeverage   decimal.Decimal
}

// OptConfig configures the dynamic optimiser (C8).
type OptConfig struct {
	CostPenalty            float64
	AsymmetricRiskBuffer   float64
	TargetVariance         float64
	ConvergenceThreshold   float64
	MaxIterations          int
	UseBuffering           bool
	BufferSizeFactor       float64
}

// RiskConfig configures the risk manager (C9).
type RiskConfig struct {
	Capital          decimal.Decimal
	VaRConfidence    float64
	Lookback         int
	VaRLimit         float64
	JumpRiskLimit    float64
	MaxCorrelation   float64
	MaxGrossLeverage float64
	MaxNetLeverage   float64
}

// PortfolioConfig configures the portfolio manager (C7).
type PortfolioConfig struct {
	TotalCapital     decimal.Decimal
	ReserveCapital   decimal.Decimal
	MinAllocation    decimal.Decimal
	MaxAllocation    decimal.Decimal
	UseOptimization  bool
	UseRiskManagement bool
	Opt              OptConfig
	Risk             RiskConfig
}

// BacktestConfig configures one coordinator run.
type BacktestConfig struct {
	PortfolioID       string
	Symbols           []string
	AssetClass        string
	Frequency         string
	Start             time.Time
	End               time.Time
	InitialCapital    decimal.Decimal
	SlippageBps       decimal.Decimal
	CommissionRate    decimal.Decimal
	WarmupDays        int
	StoreTradeDetails bool
}

// EquityPoint is one (timestamp, equity) sample on the equity curve.
type EquityPoint struct {
	Timestamp time.Time
	Equity    float64
}

// BacktestResults is the full output of one coordinator run.
type BacktestResults struct {
	RunID            string
	EquityCurve      []EquityPoint
	DrawdownCurve    []float64
	Executions       []ExecutionReport
	Positions        []Position
	TotalReturn      float64
	Sharpe           float64
	Sortino          float64
	Calmar           float64
	MaxDrawdown      float64
	Volatility       float64
	WinRate          float64
	ProfitFactor     float64
	AvgWin           float64
	AvgLoss          float64
	MaxWin           float64
	MaxLoss          float64
	VaR95            float64
	CVaR95           float64
	Beta             float64
	Correlation      float64
	DownsideVol      float64
	AvgHoldingPeriod time.Duration
	MonthlyReturns   map[string]float64
	SymbolPnL        map[string]decimal.Decimal
	TotalTrades      int
}
