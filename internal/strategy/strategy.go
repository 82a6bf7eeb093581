// Package strategy implements the strategy capability set (C6): lifecycle
// state machine, position/metric bookkeeping, and forecast-to-position
// sizing. Strategy is a capability set (interface) rather than a class
// hierarchy, per spec.md §9's design note, with BaseStrategy as the
// embeddable struct that carries the shared bookkeeping every concrete
// strategy needs.
package strategy

import (
	"sync"
	"time"

	"github.com/atlas-desktop/barcore/internal/coreerr"
	"github.com/atlas-desktop/barcore/pkg/types"
	"github.com/shopspring/decimal"
)

// Strategy is the capability set every concrete strategy implements:
// lifecycle, data in/out, risk, and the backtest warmup hint (promoted to
// a mandatory method per spec.md §9).
type Strategy interface {
	ID() string
	Initialize() error
	Start() error
	Stop() error
	Pause() error
	Resume() error
	GetState() types.StrategyState

	OnData(bars []types.Bar) error
	OnExecution(exec types.ExecutionReport) error
	OnSignal(symbol string, value float64) error

	GetPositions() map[string]types.Position
	GetTargetPositions() map[string]decimal.Decimal
	GetPriceHistory() map[string][]decimal.Decimal
	GetMetrics() map[string]float64
	GetMetadata() map[string]string

	UpdateRiskLimits(limits types.RiskLimits)
	CheckRiskLimits() error

	SetBacktestMode(on bool)
	GetMaxRequiredLookback() int
}

// allowedTransitions is the state machine from spec.md §4.6: Initialized
// -> Running (start), Running <-> Paused, Running -> Stopped, any -> Error.
var allowedTransitions = map[types.StrategyState]map[types.StrategyState]bool{
	types.StrategyStateInitialized: {types.StrategyStateRunning: true, types.StrategyStateError: true},
	types.StrategyStateRunning:     {types.StrategyStatePaused: true, types.StrategyStateStopped: true, types.StrategyStateError: true},
	types.StrategyStatePaused:      {types.StrategyStateRunning: true, types.StrategyStateStopped: true, types.StrategyStateError: true},
	types.StrategyStateStopped:     {types.StrategyStateError: true},
	types.StrategyStateError:       {types.StrategyStateError: true},
}

// zeroThreshold mirrors the PnL manager's "near enough to zero" tolerance
// (spec.md §4.3) for the gross-notional-is-zero leverage special case.
var zeroThreshold = decimal.New(1, -8)

// BaseStrategy is the embeddable struct carrying state-machine, position
// and metric bookkeeping shared by every concrete strategy. Grounded on
// the teacher's strategy.BaseStrategy embedding (internal/strategy/strategy.go)
// generalized from a signal-emitting base to the position/lifecycle base
// spec.md §4.6 requires.
type BaseStrategy struct {
	mu sync.Mutex

	id     string
	config types.StrategyConfig
	state  types.StrategyState

	positions       map[string]types.Position
	targetPositions map[string]decimal.Decimal
	priceHistory    map[string][]decimal.Decimal
	maxHistoryLen   int

	limits      types.RiskLimits
	backtest    bool
	metadata    map[string]string
	totalFills  int
	errorMsg    string
	pointValue  func(symbol string) float64
}

// NewBaseStrategy constructs a BaseStrategy in the Initialized state.
// pointValue resolves a symbol's point value for the gross-notional
// leverage check in CheckRiskLimits; it is typically backed by a shared
// ctx.InstrumentRegistry, wired in by whoever constructs the concrete
// strategy (the registry factories, or the portfolio manager directly).
func NewBaseStrategy(id string, cfg types.StrategyConfig, pointValue func(symbol string) float64) *BaseStrategy {
	if pointValue == nil {
		pointValue = func(string) float64 { return 1.0 }
	}
	return &BaseStrategy{
		id:              id,
		config:          cfg,
		state:           types.StrategyStateInitialized,
		positions:       make(map[string]types.Position),
		targetPositions: make(map[string]decimal.Decimal),
		priceHistory:    make(map[string][]decimal.Decimal),
		maxHistoryLen:   2600,
		metadata:        map[string]string{"id": id},
		pointValue:      pointValue,
	}
}

func (b *BaseStrategy) ID() string { return b.id }

// transition validates and applies a state change, matching the C11 table
// semantics but scoped to one strategy instance.
func (b *BaseStrategy) transition(next types.StrategyState) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !allowedTransitions[b.state][next] {
		return coreerr.New(coreerr.InvalidArgument, "BaseStrategy.transition",
			"transition %s -> %s not permitted for %q", b.state, next, b.id)
	}
	b.state = next
	return nil
}

// Initialize leaves the strategy in Initialized (a no-op transition check
// is intentionally skipped here; concrete strategies override to seed
// per-symbol state and then call Start()).
func (b *BaseStrategy) Initialize() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = types.StrategyStateInitialized
	return nil
}

func (b *BaseStrategy) Start() error  { return b.transition(types.StrategyStateRunning) }
func (b *BaseStrategy) Stop() error   { return b.transition(types.StrategyStateStopped) }
func (b *BaseStrategy) Pause() error  { return b.transition(types.StrategyStatePaused) }
func (b *BaseStrategy) Resume() error { return b.transition(types.StrategyStateRunning) }

func (b *BaseStrategy) GetState() types.StrategyState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// MarkError force-transitions into Error, bypassing the normal table (any
// state may transition to Error per spec.md §4.6).
func (b *BaseStrategy) MarkError(msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = types.StrategyStateError
	b.errorMsg = msg
}

// AppendPriceHistory records bar.Close for symbol, bounded to maxHistoryLen.
func (b *BaseStrategy) AppendPriceHistory(symbol string, price decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h := append(b.priceHistory[symbol], price)
	if len(h) > b.maxHistoryLen {
		h = h[len(h)-b.maxHistoryLen:]
	}
	b.priceHistory[symbol] = h
}

func (b *BaseStrategy) GetPriceHistory() map[string][]decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string][]decimal.Decimal, len(b.priceHistory))
	for k, v := range b.priceHistory {
		cp := make([]decimal.Decimal, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

func (b *BaseStrategy) GetPositions() map[string]types.Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]types.Position, len(b.positions))
	for k, v := range b.positions {
		out[k] = v
	}
	return out
}

func (b *BaseStrategy) GetTargetPositions() map[string]decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(b.targetPositions))
	for k, v := range b.targetPositions {
		out[k] = v
	}
	return out
}

// SetTargetPosition records the desired position for symbol, consumed by
// the portfolio manager to produce executions.
func (b *BaseStrategy) SetTargetPosition(symbol string, qty decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.targetPositions[symbol] = qty
}

// OnExecution applies the fill-accounting rules from spec.md §4.6:
// growing a position averages in the fill; reducing or flipping realises
// PnL on the closed portion, with the new average set to the fill price
// on a flip.
func (b *BaseStrategy) OnExecution(exec types.ExecutionReport) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	fillQty := exec.FilledQuantity
	if exec.Side == types.SideSell {
		fillQty = fillQty.Neg()
	}

	pos, exists := b.positions[exec.Symbol]
	if !exists {
		pos = types.Position{Symbol: exec.Symbol}
	}

	oldQty := pos.Quantity
	newQty := oldQty.Add(fillQty)

	growing := oldQty.IsZero() ||
		(oldQty.IsPositive() && fillQty.IsPositive()) ||
		(oldQty.IsNegative() && fillQty.IsNegative())

	improved := false
	if growing {
		totalCost := oldQty.Abs().Mul(pos.AveragePrice).Add(fillQty.Abs().Mul(exec.FillPrice))
		if !newQty.IsZero() {
			pos.AveragePrice = totalCost.Div(newQty.Abs())
		}
		if oldQty.IsPositive() && exec.FillPrice.LessThan(pos.AveragePrice) {
			improved = true
		}
		if oldQty.IsNegative() && exec.FillPrice.GreaterThan(pos.AveragePrice) {
			improved = true
		}
	} else {
		closedQty := decimal.Min(fillQty.Abs(), oldQty.Abs())
		sign := decimal.NewFromInt(1)
		if oldQty.IsNegative() {
			sign = decimal.NewFromInt(-1)
		}
		realised := sign.Mul(exec.FillPrice.Sub(pos.AveragePrice)).Mul(closedQty)
		pos.RealizedPnL = pos.RealizedPnL.Add(realised)
		if realised.IsPositive() {
			improved = true
		}

		flips := (oldQty.IsPositive() && newQty.IsNegative()) || (oldQty.IsNegative() && newQty.IsPositive())
		if flips {
			pos.AveragePrice = exec.FillPrice
		}
	}

	pos.Quantity = newQty
	pos.LastUpdate = exec.FillTime
	pos.TotalTrades++
	if improved {
		pos.IncrementWinningFill()
	}
	b.positions[exec.Symbol] = pos
	b.totalFills++
	return nil
}

func (b *BaseStrategy) OnSignal(string, float64) error { return nil }

func (b *BaseStrategy) GetMetrics() map[string]float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	grossQty := decimal.Zero
	for _, p := range b.positions {
		grossQty = grossQty.Add(p.Quantity.Abs())
	}
	f, _ := grossQty.Float64()
	return map[string]float64{
		"total_fills":    float64(b.totalFills),
		"gross_quantity": f,
	}
}

func (b *BaseStrategy) GetMetadata() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]string, len(b.metadata))
	for k, v := range b.metadata {
		out[k] = v
	}
	return out
}

func (b *BaseStrategy) UpdateRiskLimits(limits types.RiskLimits) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.limits = limits
}

// CheckRiskLimits implements the leverage and drawdown checks from
// spec.md §4.6: gross_notional / capital vs max(cfg.max_leverage, 2.0),
// and cumulative-PnL drawdown vs max_drawdown with a 0.1% noise floor.
func (b *BaseStrategy) CheckRiskLimits() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	grossNotional := decimal.Zero
	totalQty := decimal.Zero
	totalPnL := decimal.Zero
	for symbol, p := range b.positions {
		pv := decimal.NewFromFloat(b.pointValue(symbol))
		grossNotional = grossNotional.Add(p.Quantity.Abs().Mul(p.AveragePrice).Mul(pv).Abs())
		totalQty = totalQty.Add(p.Quantity.Abs())
		totalPnL = totalPnL.Add(p.RealizedPnL).Add(p.UnrealizedPnL)
	}

	maxLeverage := b.config.MaxLeverage
	if maxLeverage.IsZero() {
		maxLeverage = decimal.NewFromFloat(2.0)
	} else {
		maxLeverage = decimal.Max(maxLeverage, decimal.NewFromFloat(2.0))
	}

	if !totalQty.Abs().LessThan(zeroThreshold) && !b.config.CapitalAllocation.IsZero() {
		leverage := grossNotional.Div(b.config.CapitalAllocation)
		if leverage.GreaterThan(maxLeverage) {
			return coreerr.New(coreerr.RiskLimitExceeded, "BaseStrategy.CheckRiskLimits",
				"leverage %s exceeds limit %s", leverage, maxLeverage)
		}
	}

	if !b.config.CapitalAllocation.IsZero() {
		drawdown := totalPnL.Div(b.config.CapitalAllocation)
		if drawdown.IsNegative() && drawdown.Neg().GreaterThan(b.config.MaxDrawdown) &&
			drawdown.Abs().GreaterThan(decimal.NewFromFloat(0.001)) {
			return coreerr.New(coreerr.RiskLimitExceeded, "BaseStrategy.CheckRiskLimits",
				"drawdown %s exceeds limit %s", drawdown, b.config.MaxDrawdown)
		}
	}

	return nil
}

// ApplyDailyPnL adds a daily PnL amount to symbol's unrealized PnL,
// the coordinator's write-through for the PnL loop in spec.md §4.10
// step 6 ("write it into that strategy's position via
// update_strategy_position"). A symbol with no existing position is
// ignored: PnL cannot accrue to a position the strategy never opened.
func (b *BaseStrategy) ApplyDailyPnL(symbol string, amount decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pos, ok := b.positions[symbol]
	if !ok {
		return
	}
	pos.UnrealizedPnL = pos.UnrealizedPnL.Add(amount)
	b.positions[symbol] = pos
}

func (b *BaseStrategy) SetBacktestMode(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.backtest = on
}

func (b *BaseStrategy) IsBacktestMode() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.backtest
}

func (b *BaseStrategy) Config() types.StrategyConfig { return b.config }

// PointValueFunc resolves a symbol's point value, typically backed by a
// shared ctx.InstrumentRegistry.
type PointValueFunc func(symbol string) float64

// RegistryFactory builds a named strategy instance from a StrategyConfig.
type RegistryFactory func(id string, cfg types.StrategyConfig, pointValue PointValueFunc) Strategy

// Registry is a factory map from strategy type name to constructor,
// mirroring the teacher's StrategyRegistry (internal/strategy/strategy.go).
// NewRegistry registers the TrendFollowing and TrendFollowingFast
// variants; no MeanReversion strategy exists in this package.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]RegistryFactory
}

// NewRegistry returns a Registry pre-populated with the reference
// strategy under two tuned variants.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]RegistryFactory)}
	r.Register("trend_following", func(id string, cfg types.StrategyConfig, pointValue PointValueFunc) Strategy {
		return NewTrendFollowing(id, cfg, DefaultTrendFollowingConfig(), pointValue)
	})
	r.Register("trend_following_fast", func(id string, cfg types.StrategyConfig, pointValue PointValueFunc) Strategy {
		tc := DefaultTrendFollowingConfig()
		tc.EMAWindows = [][2]int{{2, 8}, {4, 16}, {8, 32}}
		return NewTrendFollowing(id, cfg, tc, pointValue)
	})
	return r
}

func (r *Registry) Register(name string, factory RegistryFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

func (r *Registry) Create(name, id string, cfg types.StrategyConfig, pointValue PointValueFunc) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[name]
	if !ok {
		return nil, false
	}
	return factory(id, cfg, pointValue), true
}

// timeNow is overridable in tests that need deterministic timestamps.
var timeNow = time.Now
