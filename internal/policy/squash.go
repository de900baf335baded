package policy

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

const (
	// MinScale and MaxScale bound the Gaussian scale derived from the
	// learned log-scale.
	MinScale = 1e-6
	MaxScale = 1e3

	// actionEps keeps actions strictly inside (0,1) before inversion.
	actionEps = 1e-6
	// jacobianEps guards log(1-y^2) when y approaches ±1.
	jacobianEps = 1e-12
)

// Squash maps a latent value onto the unit interval: (tanh(z)+1)/2.
func Squash(z float64) float64 {
	return 0.5 * (math.Tanh(z) + 1)
}

// Unsquash inverts Squash. a is first clamped to [1e-6, 1-1e-6] so the
// inverse hyperbolic tangent stays finite at the boundary.
func Unsquash(a float64) float64 {
	y := 2*clamp(a, actionEps, 1-actionEps) - 1
	return math.Atanh(clamp(y, -1+actionEps, 1-actionEps))
}

// LogProb returns the log-density of action for a per-dimension Gaussian
// with the given mean and scale, pushed through Squash.
//
// The result is sum_j [log N(z_j | mean_j, scale_j) + log(1 - y_j^2)] - d*log(2)
// with y = 2a-1 and z = atanh(y). The Jacobian term depends on the action
// only, so it cancels in the PPO probability ratio.
func LogProb(mean, scale, action []float64) float64 {
	var lp float64
	for j, a := range action {
		y := 2*clamp(a, actionEps, 1-actionEps) - 1
		z := math.Atanh(clamp(y, -1+actionEps, 1-actionEps))
		lp += distuv.Normal{Mu: mean[j], Sigma: scale[j]}.LogProb(z)
		lp += math.Log1p(-y*y + jacobianEps)
	}
	return lp - float64(len(action))*math.Ln2
}

// Entropy returns the closed-form entropy of the unsquashed Gaussian summed
// over dimensions. It approximates the entropy of the squashed
// distribution; the tanh correction is intentionally left out.
func Entropy(scale []float64) float64 {
	var h float64
	for _, s := range scale {
		h += distuv.Normal{Mu: 0, Sigma: s}.Entropy()
	}
	return h
}

// AccumulateLogProbGrad adds coef·∂LogProb/∂mean to dMean and
// coef·∂LogProb/∂logScale to dLogScale for one action. The log-scale
// derivative assumes the scale is not clamped; Gaussian.Backward drops it
// for clamped dimensions.
func AccumulateLogProbGrad(mean, scale, action []float64, coef float64, dMean, dLogScale []float64) {
	for j, a := range action {
		u := (Unsquash(a) - mean[j]) / scale[j]
		dMean[j] += coef * u / scale[j]
		dLogScale[j] += coef * (u*u - 1)
	}
}

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}
