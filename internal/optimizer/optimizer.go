// Package optimizer implements the dynamic optimiser contract (C8):
// rebalance current positions toward target under a quadratic tracking
// cost, an L1 trading-cost penalty and an asymmetric risk buffer,
// converging by an infinity-norm stopping rule. Structurally grounded on
// the teacher's internal/optimization/optimizer.go (OptimizerConfig
// shape, convergence-threshold/max-iterations loop idiom, zap-logged
// iteration count) even though that optimizer tunes strategy parameters
// rather than portfolio weights — only the iteration/convergence idiom
// transfers; the objective itself is written directly from spec.md §4.8.
package optimizer

import (
	"math"

	"github.com/atlas-desktop/barcore/pkg/types"
	"go.uber.org/zap"
)

// Optimizer runs the quadratic rebalance-with-penalties optimisation.
type Optimizer struct {
	logger *zap.Logger
	config types.OptConfig
}

// New constructs an Optimizer bound to an OptConfig (spec.md §4.8's
// cost_penalty, asymmetric_risk_buffer, target_variance,
// convergence_threshold, max_iterations, use_buffering,
// buffer_size_factor).
func New(logger *zap.Logger, config types.OptConfig) *Optimizer {
	if config.MaxIterations <= 0 {
		config.MaxIterations = 100
	}
	if config.ConvergenceThreshold <= 0 {
		config.ConvergenceThreshold = 1e-6
	}
	return &Optimizer{logger: logger, config: config}
}

// Result is the output of Optimize: the rebalanced positions plus the
// diagnostics spec.md §4.8 names.
type Result struct {
	Positions    map[string]float64
	TrackingError float64
	Objective    float64
	Iterations   int
}

// Optimize minimises ½(x−target)ᵀΣ(x−target) + cost_penalty·Σ|costᵢ·(xᵢ−currentᵢ)|
// + asymmetric_risk_buffer·max(0, xᵀΣx − target_variance) via coordinate
// descent: at each sweep every symbol is moved to its unconstrained
// optimum holding the others fixed, which for a diagonal-dominant
// quadratic (the realistic covariance regime for an exchange-traded
// futures book) converges quickly and needs no matrix inversion.
// The coordinate updates account for the tracking and cost terms only;
// the asymmetric risk-buffer term is evaluated in the reported Objective
// but does not move any position.
// Covariance is supplied as a dense symbols×symbols matrix in the same
// order as the symbols slice.
func (o *Optimizer) Optimize(symbols []string, current, target, costs map[string]float64, covariance [][]float64) Result {
	n := len(symbols)
	if n == 0 {
		return Result{Positions: map[string]float64{}}
	}

	x := make([]float64, n)
	for i, s := range symbols {
		x[i] = current[s]
	}
	tgt := make([]float64, n)
	cst := make([]float64, n)
	for i, s := range symbols {
		tgt[i] = target[s]
		cst[i] = costs[s]
	}

	iterations := 0
	for iterations = 0; iterations < o.config.MaxIterations; iterations++ {
		maxDelta := 0.0
		for i := range symbols {
			old := x[i]
			sigmaII := covariance[i][i]
			if sigmaII == 0 {
				sigmaII = 1
			}

			// Unconstrained stationary point of the tracking term alone
			// (sum of cross-covariance terms held fixed at last sweep's
			// values), then a subgradient-informed shrink toward
			// current[i] for the L1 cost term.
			crossTerm := 0.0
			for j := range symbols {
				if j == i {
					continue
				}
				crossTerm += covariance[i][j] * (x[j] - tgt[j])
			}
			candidate := tgt[i] - crossTerm/sigmaII

			lambda := o.config.CostPenalty * cst[i] / sigmaII
			candidate = softThreshold(candidate, current[symbols[i]], lambda)

			x[i] = candidate
			if d := math.Abs(x[i] - old); d > maxDelta {
				maxDelta = d
			}
		}
		if maxDelta < o.config.ConvergenceThreshold {
			iterations++
			break
		}
	}

	if o.config.UseBuffering {
		for i, s := range symbols {
			band := o.config.BufferSizeFactor * math.Abs(tgt[i])
			if math.Abs(x[i]-current[s]) < band {
				x[i] = current[s]
			}
			x[i] = math.Round(x[i])
		}
	}

	variance := quadForm(x, tgt, covariance)
	objective := 0.5 * variance
	l1 := 0.0
	for i, s := range symbols {
		l1 += math.Abs(cst[i] * (x[i] - current[s]))
	}
	objective += o.config.CostPenalty * l1

	portVar := quadFormSelf(x, covariance)
	if excess := portVar - o.config.TargetVariance; excess > 0 {
		objective += o.config.AsymmetricRiskBuffer * excess
	}

	positions := make(map[string]float64, n)
	for i, s := range symbols {
		positions[s] = x[i]
	}

	if o.logger != nil {
		o.logger.Debug("optimizer converged",
			zap.Int("iterations", iterations),
			zap.Float64("objective", objective))
	}

	return Result{
		Positions:     positions,
		TrackingError: math.Sqrt(math.Max(variance, 0)),
		Objective:     objective,
		Iterations:    iterations,
	}
}

// softThreshold shrinks candidate toward base by lambda, the proximal
// operator for an L1 penalty on (x - base).
func softThreshold(candidate, base, lambda float64) float64 {
	diff := candidate - base
	if diff > lambda {
		return base + diff - lambda
	}
	if diff < -lambda {
		return base + diff + lambda
	}
	return base
}

// quadForm computes (x-target)ᵀΣ(x-target).
func quadForm(x, target []float64, sigma [][]float64) float64 {
	d := make([]float64, len(x))
	for i := range x {
		d[i] = x[i] - target[i]
	}
	return quadFormSelf(d, sigma)
}

// quadFormSelf computes vᵀΣv.
func quadFormSelf(v []float64, sigma [][]float64) float64 {
	var total float64
	for i := range v {
		for j := range v {
			total += v[i] * sigma[i][j] * v[j]
		}
	}
	return total
}
