// Package slippage implements the slippage model (C5): a spread-and-impact
// function of (price, size, side, optional bar). Grounded on the teacher's
// internal/backtester/slippage.go SlippageModel/CreateSlippageModel
// factory-by-config idiom: the three variants spec.md §4.5 names plus a
// volume-weighted variant.
package slippage

import (
	"math"

	"github.com/atlas-desktop/barcore/pkg/types"
	"github.com/shopspring/decimal"
)

// Model is the slippage contract: given a reference price, an order size,
// a side and an optional bar, return the slipped price.
type Model interface {
	Calculate(price, qty decimal.Decimal, side types.Side, bar *types.Bar) decimal.Decimal
	// Update feeds a new bar into any rolling state the model keeps.
	Update(bar types.Bar)
}

// None applies no slippage at all.
type None struct{}

// NewNone returns the no-op slippage model.
func NewNone() None { return None{} }

func (None) Calculate(price, _ decimal.Decimal, _ types.Side, _ *types.Bar) decimal.Decimal {
	return price
}
func (None) Update(types.Bar) {}

// FixedBps shifts price by a fixed basis-points amount in the direction
// that disadvantages the order's side.
type FixedBps struct {
	Bps decimal.Decimal
}

// NewFixedBps returns a fixed-bps slippage model.
func NewFixedBps(bps decimal.Decimal) FixedBps { return FixedBps{Bps: bps} }

func (f FixedBps) Calculate(price, _ decimal.Decimal, side types.Side, _ *types.Bar) decimal.Decimal {
	frac := f.Bps.Div(decimal.NewFromInt(10000))
	if side == types.SideBuy {
		return price.Mul(decimal.NewFromInt(1).Add(frac))
	}
	return price.Mul(decimal.NewFromInt(1).Sub(frac))
}
func (FixedBps) Update(types.Bar) {}

// Spread widens the effective spread by the larger of a floor and a
// rolling estimate, then shifts price by a linear market-impact term
// (qty * price * 1e-4 * MarketImpactMultiplier), per spec.md §4.5.
type Spread struct {
	MinSpreadBps           decimal.Decimal
	SpreadMultiplier       decimal.Decimal
	MarketImpactMultiplier decimal.Decimal

	recentSpreadBps decimal.Decimal
	haveEstimate    bool
}

// NewSpread returns a Spread slippage model.
func NewSpread(minSpreadBps, spreadMultiplier, marketImpactMultiplier decimal.Decimal) *Spread {
	return &Spread{
		MinSpreadBps:           minSpreadBps,
		SpreadMultiplier:       spreadMultiplier,
		MarketImpactMultiplier: marketImpactMultiplier,
	}
}

// Update maintains the rolling spread estimate from the bar's high-low
// range, in bps of the close.
func (s *Spread) Update(bar types.Bar) {
	if bar.Close.IsZero() {
		return
	}
	rangeBps := bar.High.Sub(bar.Low).Div(bar.Close).Mul(decimal.NewFromInt(10000))
	if !s.haveEstimate {
		s.recentSpreadBps = rangeBps
		s.haveEstimate = true
		return
	}
	// Simple EWMA smoothing with alpha = 0.2 keeps the estimate
	// responsive without overreacting to one noisy bar.
	alpha := decimal.NewFromFloat(0.2)
	s.recentSpreadBps = rangeBps.Mul(alpha).Add(s.recentSpreadBps.Mul(decimal.NewFromInt(1).Sub(alpha)))
}

func (s *Spread) Calculate(price, qty decimal.Decimal, side types.Side, _ *types.Bar) decimal.Decimal {
	estimate := s.recentSpreadBps.Mul(s.SpreadMultiplier)
	effectiveSpreadBps := decimal.Max(s.MinSpreadBps, estimate)
	halfSpread := price.Mul(effectiveSpreadBps.Div(decimal.NewFromInt(10000))).Div(decimal.NewFromInt(2))

	impact := qty.Mul(price).Mul(decimal.New(1, -4)).Mul(s.MarketImpactMultiplier)

	if side == types.SideBuy {
		return price.Add(halfSpread).Add(impact)
	}
	return price.Sub(halfSpread).Sub(impact)
}

// sqrtDecimal computes a square root for a decimal via float64 conversion,
// sufficient precision for a slippage estimate (statistics-grade, not
// money-grade, per Design Notes §9).
func sqrtDecimal(d decimal.Decimal) decimal.Decimal {
	f, _ := d.Float64()
	if f < 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(math.Sqrt(f))
}

// VolumeWeighted widens slippage with a square-root participation-impact
// term, grounded directly on the teacher's VolumeWeightedSlippage.
type VolumeWeighted struct {
	BaseBps      decimal.Decimal
	ImpactFactor decimal.Decimal
}

// NewVolumeWeighted returns a volume-weighted slippage model.
func NewVolumeWeighted(baseBps, impactFactor decimal.Decimal) VolumeWeighted {
	return VolumeWeighted{BaseBps: baseBps, ImpactFactor: impactFactor}
}

func (v VolumeWeighted) Calculate(price, qty decimal.Decimal, side types.Side, bar *types.Bar) decimal.Decimal {
	baseSlip := v.BaseBps.Div(decimal.NewFromInt(10000))
	if bar == nil || bar.Volume.IsZero() {
		return applySlip(price, baseSlip, side)
	}
	participation := qty.Div(bar.Volume)
	impact := v.ImpactFactor.Mul(sqrtDecimal(participation))
	return applySlip(price, baseSlip.Add(impact), side)
}
func (VolumeWeighted) Update(types.Bar) {}

func applySlip(price, frac decimal.Decimal, side types.Side) decimal.Decimal {
	if side == types.SideBuy {
		return price.Mul(decimal.NewFromInt(1).Add(frac))
	}
	return price.Mul(decimal.NewFromInt(1).Sub(frac))
}

// Config selects and parameterizes a slippage model, mirroring the
// teacher's SlippageConfig.Model string-switch convention.
type Config struct {
	ModelName              string
	FixedBps               decimal.Decimal
	MinSpreadBps           decimal.Decimal
	SpreadMultiplier       decimal.Decimal
	MarketImpactMultiplier decimal.Decimal
	VolumeImpactFactor     decimal.Decimal
}

// Create builds a Model from a Config, defaulting to a 10bps FixedBps
// model when ModelName is unrecognized, matching CreateSlippageModel's
// fallback in the teacher.
func Create(cfg Config) Model {
	switch cfg.ModelName {
	case "none":
		return NewNone()
	case "fixed":
		return NewFixedBps(cfg.FixedBps)
	case "spread":
		return NewSpread(cfg.MinSpreadBps, cfg.SpreadMultiplier, cfg.MarketImpactMultiplier)
	case "volume_weighted":
		return NewVolumeWeighted(cfg.FixedBps, cfg.VolumeImpactFactor)
	default:
		return NewFixedBps(decimal.NewFromInt(10))
	}
}
