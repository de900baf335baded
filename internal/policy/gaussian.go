package policy

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/cartridge/learner/internal/nn"
)

// Gaussian is the bounded actor: a ReLU feature stage and a linear mean head
// parameterise a per-dimension Gaussian over a latent z, whose samples are
// squashed into [0,1]^d. The scale comes from a learned log-scale vector that
// is shared by all states.
//
// Gaussian is not safe for concurrent use: Forward caches activations for
// the following Backward.
type Gaussian struct {
	obsDim int
	actDim int
	hidden int

	body     *nn.MLP
	head     *nn.Linear
	logScale *nn.Param

	rng *rand.Rand
}

// NewGaussian builds the actor with every log-scale set to initLogScale.
func NewGaussian(obsDim, actDim, hidden int, initLogScale float64, rng *rand.Rand) (*Gaussian, error) {
	if obsDim <= 0 || actDim <= 0 || hidden <= 0 {
		return nil, fmt.Errorf("invalid policy shape obs=%d act=%d hidden=%d", obsDim, actDim, hidden)
	}
	g := &Gaussian{
		obsDim:   obsDim,
		actDim:   actDim,
		hidden:   hidden,
		body:     nn.NewMLP("pi.body", []int{obsDim, hidden, hidden}, true, rng),
		head:     nn.NewLinear("pi.mean", hidden, actDim, rng),
		logScale: nn.NewParam("pi.log_std", 1, actDim),
		rng:      rng,
	}
	g.SetLogScale(initLogScale)
	return g, nil
}

// ActionDim returns the number of action dimensions.
func (g *Gaussian) ActionDim() int { return g.actDim }

// SetLogScale overwrites every log-scale entry with v.
func (g *Gaussian) SetLogScale(v float64) {
	data := g.logScale.Data()
	for i := range data {
		data[i] = v
	}
}

// Scale returns exp(logScale) clamped to [MinScale, MaxScale].
func (g *Gaussian) Scale() []float64 {
	ls := g.logScale.Data()
	scale := make([]float64, len(ls))
	for j, v := range ls {
		scale[j] = clamp(math.Exp(v), MinScale, MaxScale)
	}
	return scale
}

// Forward returns the latent means (one row per state) and the shared scale,
// caching activations for Backward.
func (g *Gaussian) Forward(states *mat.Dense) (*mat.Dense, []float64) {
	return g.head.Forward(g.body.Forward(states)), g.Scale()
}

// Mean evaluates the latent mean for a batch without caching.
func (g *Gaussian) Mean(states *mat.Dense) *mat.Dense {
	return g.head.Apply(g.body.Predict(states))
}

// Backward accumulates gradients given dL/dmean (one row per state) and
// dL/dlogScale. Dimensions whose scale sits on a clamp bound get no
// log-scale gradient.
func (g *Gaussian) Backward(dMean *mat.Dense, dLogScale []float64) {
	g.body.Backward(g.head.Backward(dMean))

	grad := g.logScale.GradData()
	for j, v := range g.logScale.Data() {
		if s := math.Exp(v); s < MinScale || s > MaxScale {
			continue
		}
		grad[j] += dLogScale[j]
	}
}

// Sample draws an action for one state with the reparameterised sample
// z = mean + scale·ε, then squashes it. It returns the action together with
// its log-density under the current parameters.
func (g *Gaussian) Sample(state []float64) ([]float64, float64, error) {
	if len(state) != g.obsDim {
		return nil, 0, fmt.Errorf("state has %d features, policy expects %d", len(state), g.obsDim)
	}
	mean := g.Mean(mat.NewDense(1, g.obsDim, append([]float64(nil), state...))).RawRowView(0)
	scale := g.Scale()

	action := make([]float64, g.actDim)
	for j := range action {
		z := mean[j] + scale[j]*g.rng.NormFloat64()
		action[j] = Squash(z)
	}
	return action, LogProb(mean, scale, action), nil
}

// SelectAction implements Policy interface
func (g *Gaussian) SelectAction(observation []float64) ([]float64, error) {
	action, _, err := g.Sample(observation)
	return action, err
}

// Params returns the actor parameters: feature stage, mean head, log-scale.
func (g *Gaussian) Params() []*nn.Param {
	ps := g.body.Params()
	ps = append(ps, g.head.Params()...)
	return append(ps, g.logScale)
}
