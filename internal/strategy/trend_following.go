package strategy

import (
	"math"
	"sort"
	"sync"

	"github.com/atlas-desktop/barcore/pkg/types"
	"github.com/shopspring/decimal"
)

// TrendFollowingConfig parameterizes the multi-timeframe EWMA crossover
// reference strategy from spec.md §4.6. Grounded directly on
// trade_ngin::TrendFollowingConfig
// (_examples/original_source/include/trade_ngin/strategy/trend_following.hpp):
// same EMA window pairs, same FDM table, same default risk/IDM/fx values.
type TrendFollowingConfig struct {
	RiskTarget           float64
	IDM                  float64
	FXRate               float64
	UsePositionBuffering bool
	EMAWindows           [][2]int
	VolLookbackShort     int
	VolLookbackLong      int
	FDM                  map[int]float64
}

// DefaultTrendFollowingConfig mirrors the original's defaults: six EMA
// pairs doubling from (2,8) to (64,256), a 32/2520-day blended
// volatility window, and the six-rule FDM table.
func DefaultTrendFollowingConfig() TrendFollowingConfig {
	return TrendFollowingConfig{
		RiskTarget:           0.2,
		IDM:                  2.5,
		FXRate:               1.0,
		UsePositionBuffering: true,
		EMAWindows:           [][2]int{{2, 8}, {4, 16}, {8, 32}, {16, 64}, {32, 128}, {64, 256}},
		VolLookbackShort:     32,
		VolLookbackLong:      2520,
		FDM: map[int]float64{
			1: 1.0, 2: 1.03, 3: 1.08, 4: 1.13, 5: 1.19, 6: 1.26,
		},
	}
}

// minHistoryForVol is the "need at least 1 year of data" gate from the
// original's calculate_volatility: below this, volatility (and therefore
// every forecast derived from it) is undefined and the symbol stays flat.
const minHistoryForVol = 252

// emaPairState is the persistent incremental state for one (short, long)
// EWMA crossover rule: the two EMA levels and a running mean of the
// rule's absolute raw forecast, used to rescale the rule to a mean
// absolute forecast of 10 (spec.md §4.6 step 2).
type emaPairState struct {
	short, long       int
	shortAlpha        float64
	longAlpha         float64
	shortEMA, longEMA float64
	initialized       bool
	absSum            float64
	absCount          int
}

func newEMAPairState(short, long int) *emaPairState {
	return &emaPairState{
		short:      short,
		long:       long,
		shortAlpha: 2.0 / float64(short+1),
		longAlpha:  2.0 / float64(long+1),
	}
}

func (p *emaPairState) update(price float64) {
	if !p.initialized {
		p.shortEMA, p.longEMA = price, price
		p.initialized = true
		return
	}
	p.shortEMA = price*p.shortAlpha + p.shortEMA*(1-p.shortAlpha)
	p.longEMA = price*p.longAlpha + p.longEMA*(1-p.longAlpha)
}

// rawForecast returns (shortEMA - longEMA) / (price * sigma / 16),
// regime-scaled, then rescaled online so its running mean absolute value
// is 10, clipped to [-20, 20]. Grounded on get_single_scaled_forecast in
// _examples/original_source/src/strategy/trend_following.cpp.
func (p *emaPairState) rawForecast(price, sigma, regimeMultiplier float64) float64 {
	if price == 0 || sigma == 0 {
		return 0
	}
	raw := (p.shortEMA - p.longEMA) / (price * sigma / 16.0)
	raw *= regimeMultiplier

	p.absSum += math.Abs(raw)
	p.absCount++
	avgAbs := p.absSum / float64(p.absCount)
	if avgAbs == 0 {
		return 0
	}
	scaled := raw * (10.0 / avgAbs)
	return clip(scaled, -20, 20)
}

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// symbolState is the per-symbol working state the strategy keeps across
// on_data calls, mirroring InstrumentData in the original header.
type symbolState struct {
	prices          []float64
	logReturns      []float64
	volHistory      []float64
	pairs           []*emaPairState
	currentForecast float64
	currentVol      float64
}

const maxSymbolHistory = 2600

func newSymbolState(windows [][2]int) *symbolState {
	pairs := make([]*emaPairState, len(windows))
	for i, w := range windows {
		pairs[i] = newEMAPairState(w[0], w[1])
	}
	return &symbolState{pairs: pairs}
}

func (s *symbolState) appendPrice(price float64) {
	s.prices = append(s.prices, price)
	if len(s.prices) > maxSymbolHistory {
		s.prices = s.prices[len(s.prices)-maxSymbolHistory:]
	}
	n := len(s.prices)
	if n >= 2 {
		ret := math.Log(s.prices[n-1] / s.prices[n-2])
		s.logReturns = append(s.logReturns, ret)
		if len(s.logReturns) > maxSymbolHistory {
			s.logReturns = s.logReturns[len(s.logReturns)-maxSymbolHistory:]
		}
	}
}

// blendedVolatility computes the blended standard deviation for the
// current day: 0.7-weighted short-lookback variance plus 0.3-weighted
// adaptive long-lookback variance of log returns, annualized by sqrt(252).
// Both variances are equal-weighted sample variances over the trailing
// window; the returns are not exponentially weighted.
// Grounded on calculate_volatility in the original .cpp.
func (s *symbolState) blendedVolatility(shortLookback, longLookback int) float64 {
	n := len(s.logReturns)
	if n < shortLookback {
		return 0
	}
	shortVar := sampleVariance(s.logReturns[n-shortLookback:])

	adaptiveLong := longLookback
	if n < adaptiveLong {
		adaptiveLong = n
	}
	if adaptiveLong < minHistoryForVol-1 {
		adaptiveLong = minHistoryForVol - 1
	}
	if adaptiveLong > n {
		adaptiveLong = n
	}
	longVar := sampleVariance(s.logReturns[n-adaptiveLong:])

	return math.Sqrt(0.7*shortVar+0.3*longVar) * math.Sqrt(252)
}

func sampleVariance(values []float64) float64 {
	n := len(values)
	if n < 2 {
		return 0
	}
	var mean float64
	for _, v := range values {
		mean += v
	}
	mean /= float64(n)
	var sumSq float64
	for _, v := range values {
		d := v - mean
		sumSq += d * d
	}
	return sumSq / float64(n-1)
}

// volRegimeMultiplier implements calculate_vol_regime_multiplier from the
// original: locate today's blended volatility in the quantile of its own
// trailing history, map through 2 - 1.5*Q, then smooth with a 10-day
// EWMA. Falls back to 2/3 with insufficient history, per spec.md §4.6.
func volRegimeMultiplier(volHistory []float64) float64 {
	if len(volHistory) < minHistoryForVol {
		return 2.0 / 3.0
	}

	maxLookback := 2520
	lookback := len(volHistory)
	if lookback > maxLookback {
		lookback = maxLookback
	}
	if lookback < minHistoryForVol {
		lookback = minHistoryForVol
	}
	window := volHistory[len(volHistory)-lookback:]

	avgVol := mean(window)
	if avgVol == 0 {
		return 2.0 / 3.0
	}

	historical := make([]float64, len(window)-1)
	for i := 0; i < len(window)-1; i++ {
		historical[i] = window[i] / avgVol
	}
	if len(historical) < 10 {
		return 2.0 / 3.0
	}
	sorted := append([]float64(nil), historical...)
	sort.Float64s(sorted)

	quantileOf := func(rel float64) float64 {
		idx := sort.SearchFloat64s(sorted, rel)
		for idx < len(sorted) && sorted[idx] <= rel {
			idx++
		}
		return float64(idx) / float64(len(sorted))
	}

	alpha := 2.0 / 11.0
	ewma := 2.0 - 1.5*quantileOf(window[len(window)-10]/avgVol)
	for idx := len(window) - 9; idx < len(window); idx++ {
		q := quantileOf(window[idx] / avgVol)
		m := 2.0 - 1.5*q
		ewma = alpha*m + (1-alpha)*ewma
	}
	return ewma
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// TrendFollowing is the reference strategy closing the Strategy contract:
// a multi-timeframe EWMA crossover trend follower with volatility-regime
// scaling, FDM combination and position buffering.
type TrendFollowing struct {
	*BaseStrategy

	cfg     TrendFollowingConfig
	symbols map[string]*symbolState
	mu      sync.Mutex
}

// NewTrendFollowing constructs the reference strategy.
func NewTrendFollowing(id string, config types.StrategyConfig, cfg TrendFollowingConfig, pointValue PointValueFunc) *TrendFollowing {
	return &TrendFollowing{
		BaseStrategy: NewBaseStrategy(id, config, pointValue),
		cfg:          cfg,
		symbols:      make(map[string]*symbolState),
	}
}

// GetMaxRequiredLookback is the warmup hint spec.md §4.6 requires: the
// max of every EMA long window, the long volatility window, and the
// 1-year volatility floor, capped to a usable backtest window.
func (t *TrendFollowing) GetMaxRequiredLookback() int {
	maxLong := minHistoryForVol
	for _, w := range t.cfg.EMAWindows {
		if w[1] > maxLong {
			maxLong = w[1]
		}
	}
	if t.cfg.VolLookbackLong > maxLong {
		maxLong = t.cfg.VolLookbackLong
	}
	// The full 10-year regime lookback is a ceiling, not a hard
	// requirement: the multiplier degrades gracefully to 2/3 without it.
	if maxLong > 400 {
		maxLong = 400
	}
	return maxLong
}

func (t *TrendFollowing) pointValueOf(symbol string) decimal.Decimal {
	if params, ok := t.Config().TradingParams[symbol]; ok && !params.PointValue.IsZero() {
		return params.PointValue
	}
	return decimal.NewFromInt(1)
}

func (t *TrendFollowing) fxRateOf(symbol string) decimal.Decimal {
	if params, ok := t.Config().TradingParams[symbol]; ok && !params.FXRate.IsZero() {
		return params.FXRate
	}
	return decimal.NewFromFloat(t.cfg.FXRate)
}

func (t *TrendFollowing) fdmFor(n int) float64 {
	if v, ok := t.cfg.FDM[n]; ok {
		return v
	}
	// Use the largest tabulated FDM as a conservative ceiling when the
	// configured rule count exceeds the table, rather than defaulting
	// to 1.0 and understating diversification.
	best := 1.0
	for k, v := range t.cfg.FDM {
		if k <= n && v > best {
			best = v
		}
	}
	return best
}

// OnData runs the forecast-to-position pipeline for each bar, per
// spec.md §4.6 steps 1-5.
func (t *TrendFollowing) OnData(bars []types.Bar) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, bar := range bars {
		t.AppendPriceHistory(bar.Symbol, bar.Close)

		st, ok := t.symbols[bar.Symbol]
		if !ok {
			st = newSymbolState(t.cfg.EMAWindows)
			t.symbols[bar.Symbol] = st
		}

		priceF, _ := bar.Close.Float64()
		st.appendPrice(priceF)
		for _, pair := range st.pairs {
			pair.update(priceF)
		}

		if len(st.prices) < minHistoryForVol {
			// Insufficient history: stay flat, matching the original's
			// NaN-volatility short-circuit.
			t.SetTargetPosition(bar.Symbol, decimal.Zero)
			continue
		}

		sigma := st.blendedVolatility(t.cfg.VolLookbackShort, t.cfg.VolLookbackLong)
		st.volHistory = append(st.volHistory, sigma)
		if len(st.volHistory) > 2520 {
			st.volHistory = st.volHistory[len(st.volHistory)-2520:]
		}
		st.currentVol = sigma
		if sigma == 0 {
			t.SetTargetPosition(bar.Symbol, decimal.Zero)
			continue
		}

		regimeMultiplier := volRegimeMultiplier(st.volHistory)

		sum := 0.0
		for _, pair := range st.pairs {
			sum += pair.rawForecast(priceF, sigma, regimeMultiplier)
		}
		combined := sum / float64(len(st.pairs))
		combined *= t.fdmFor(len(st.pairs))
		combined = clip(combined, -20, 20)
		st.currentForecast = combined

		if err := t.OnSignal(bar.Symbol, combined); err != nil {
			return err
		}

		target := t.calculatePosition(bar.Symbol, combined, bar.Close, sigma)
		if t.cfg.UsePositionBuffering {
			target = t.applyPositionBuffer(bar.Symbol, target, bar.Close, sigma)
		} else {
			target = target.Round(0)
		}
		t.SetTargetPosition(bar.Symbol, target)
	}
	return nil
}

// calculatePosition implements spec.md §4.6 step 4: forecast * capital *
// IDM * risk_target / (10 * point_value * price * fx_rate * sigma).
func (t *TrendFollowing) calculatePosition(symbol string, forecast float64, price decimal.Decimal, sigma float64) decimal.Decimal {
	pointValue := t.pointValueOf(symbol)
	fxRate := t.fxRateOf(symbol)
	denom := decimal.NewFromInt(10).Mul(pointValue).Mul(price).Mul(fxRate).Mul(decimal.NewFromFloat(sigma))
	if denom.IsZero() {
		return decimal.Zero
	}
	numer := decimal.NewFromFloat(forecast).
		Mul(t.Config().CapitalAllocation).
		Mul(decimal.NewFromFloat(t.cfg.IDM)).
		Mul(decimal.NewFromFloat(t.cfg.RiskTarget))
	return numer.Div(denom)
}

// applyPositionBuffer implements spec.md §4.6 step 5: a do-nothing band
// of half-width 0.1 * capital * IDM * risk_target / (pv * price * fx *
// sigma) around the raw target, rounded to integer contracts.
func (t *TrendFollowing) applyPositionBuffer(symbol string, rawTarget decimal.Decimal, price decimal.Decimal, sigma float64) decimal.Decimal {
	pointValue := t.pointValueOf(symbol)
	fxRate := t.fxRateOf(symbol)
	denom := pointValue.Mul(price).Mul(fxRate).Mul(decimal.NewFromFloat(sigma))
	if denom.IsZero() {
		return rawTarget.Round(0)
	}
	halfWidth := decimal.NewFromFloat(0.1).
		Mul(t.Config().CapitalAllocation).
		Mul(decimal.NewFromFloat(t.cfg.IDM)).
		Mul(decimal.NewFromFloat(t.cfg.RiskTarget)).
		Div(denom)

	current := decimal.Zero
	if pos, ok := t.GetPositions()[symbol]; ok {
		current = pos.Quantity
	}

	lower := rawTarget.Sub(halfWidth)
	upper := rawTarget.Add(halfWidth)

	switch {
	case current.LessThan(lower):
		return lower.Round(0)
	case current.GreaterThan(upper):
		return upper.Round(0)
	default:
		return current.Round(0)
	}
}

// CurrentForecast exposes the latest combined forecast for a symbol,
// mainly for tests asserting the [-20, 20] clipping invariant.
func (t *TrendFollowing) CurrentForecast(symbol string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.symbols[symbol]; ok {
		return st.currentForecast
	}
	return 0
}
