// Package ppo implements the Proximal Policy Optimization agent: it owns the
// bounded Gaussian actor, the critic, their optimizers and the trajectory
// buffer, and turns a collected trajectory into clipped-surrogate updates.
package ppo

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/cartridge/learner/internal/buffer"
	"github.com/cartridge/learner/internal/gae"
	"github.com/cartridge/learner/internal/nn"
	"github.com/cartridge/learner/internal/policy"
	"github.com/cartridge/learner/internal/value"
)

// advantageEps guards the advantage normalization against a zero spread.
const advantageEps = 1e-8

// ErrNonFinite is returned when a loss evaluates to NaN or ±Inf. The update
// cycle is abandoned before the offending optimizer step.
var ErrNonFinite = errors.New("non-finite loss")

// Stats summarises one update cycle. Losses and entropy are means over
// every minibatch step taken.
type Stats struct {
	PolicyLoss   float64
	ValueLoss    float64
	Entropy      float64
	ClipFraction float64
	ApproxKL     float64
	Minibatches  int
	Samples      int
}

// Agent is an actor-critic PPO learner. It is not safe for concurrent use:
// the buffer, both networks and the random source are owned by the caller's
// goroutine.
type Agent struct {
	cfg Config
	rng *rand.Rand

	policy *policy.Gaussian
	value  *value.Function
	piOpt  *nn.Adam
	vfOpt  *nn.Adam

	buffer *buffer.Trajectory
}

// New builds an agent from cfg. Parameter initialisation, action sampling
// and minibatch shuffling all draw from one source seeded with cfg.Seed.
func New(cfg Config) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ppo config: %w", err)
	}
	rng := rand.New(rand.NewSource(cfg.Seed))

	pi, err := policy.NewGaussian(cfg.ObsDim, cfg.ActDim, cfg.Hidden, cfg.InitLogStd, rng)
	if err != nil {
		return nil, err
	}
	vf, err := value.New(cfg.ObsDim, cfg.Hidden, rng)
	if err != nil {
		return nil, err
	}

	return &Agent{
		cfg:    cfg,
		rng:    rng,
		policy: pi,
		value:  vf,
		piOpt:  nn.NewAdam(pi.Params(), cfg.PolicyLR),
		vfOpt:  nn.NewAdam(vf.Params(), cfg.ValueLR),
		buffer: buffer.New(cfg.MinibatchSize),
	}, nil
}

// Config returns the configuration currently in effect, including tuned values.
func (a *Agent) Config() Config { return a.cfg }

// Policy exposes the actor, e.g. for evaluation rollouts.
func (a *Agent) Policy() *policy.Gaussian { return a.policy }

// Buffered returns the number of transitions waiting for the next update.
func (a *Agent) Buffered() int { return a.buffer.Len() }

// Act samples an action for state and returns it with its log-density and
// the critic's value estimate.
func (a *Agent) Act(state []float64) (action []float64, logProb, v float64, err error) {
	action, logProb, err = a.policy.Sample(state)
	if err != nil {
		return nil, 0, 0, err
	}
	v, err = a.value.Value(state)
	if err != nil {
		return nil, 0, 0, err
	}
	return action, logProb, v, nil
}

// Remember appends one transition to the buffer.
func (a *Agent) Remember(t buffer.Transition) {
	a.buffer.Append(t)
}

// Discard drops buffered transitions without learning from them, e.g. when
// collection is cancelled mid-phase.
func (a *Agent) Discard() {
	a.buffer.Clear()
}

// Update runs one PPO cycle over everything in the buffer and empties it,
// whether or not the cycle succeeds.
//
// bootstrap is the state that follows the last recorded transition; its
// value closes the GAE recursion. A nil bootstrap uses the last recorded
// state. When that transition ended an episode the bootstrap term is masked
// out anyway.
func (a *Agent) Update(bootstrap []float64) (Stats, error) {
	defer a.buffer.Clear()

	batch, err := a.buffer.ExtractAll()
	if err != nil {
		return Stats{}, err
	}
	if bootstrap == nil {
		bootstrap, _ = a.buffer.LastState()
	}
	adv, ret, err := a.estimate(batch, bootstrap)
	if err != nil {
		return Stats{}, err
	}

	n := batch.Len()
	size := min(a.cfg.MinibatchSize, n)

	var stats Stats
	for epoch := 0; epoch < a.cfg.UpdateEpochs; epoch++ {
		perm := a.rng.Perm(n)
		for start := 0; start < n; start += size {
			mb := gather(batch, adv, ret, perm[start:min(start+size, n)])

			ps, err := a.policyStep(mb)
			if err != nil {
				return Stats{}, fmt.Errorf("epoch %d policy step: %w", epoch, err)
			}
			vl, err := a.valueStep(mb)
			if err != nil {
				return Stats{}, fmt.Errorf("epoch %d value step: %w", epoch, err)
			}

			stats.PolicyLoss += ps.loss
			stats.Entropy += ps.entropy
			stats.ClipFraction += ps.clipFraction
			stats.ApproxKL += ps.approxKL
			stats.ValueLoss += vl
			stats.Minibatches++
		}
	}

	k := float64(stats.Minibatches)
	stats.PolicyLoss /= k
	stats.ValueLoss /= k
	stats.Entropy /= k
	stats.ClipFraction /= k
	stats.ApproxKL /= k
	stats.Samples = n
	return stats, nil
}

// estimate returns normalized advantages and unnormalized returns for batch.
func (a *Agent) estimate(batch *buffer.Batch, bootstrap []float64) (adv, ret []float64, err error) {
	last, err := a.value.Value(bootstrap)
	if err != nil {
		return nil, nil, fmt.Errorf("bootstrap value: %w", err)
	}
	values := append(append(make([]float64, 0, batch.Len()+1), batch.Values...), last)
	adv, ret, err = gae.Compute(batch.Rewards, values, batch.Dones, a.cfg.Gamma, a.cfg.Lambda)
	if err != nil {
		return nil, nil, err
	}
	gae.Normalize(adv, advantageEps)
	return adv, ret, nil
}

type minibatch struct {
	states      *mat.Dense
	actions     *mat.Dense
	oldLogProbs []float64
	advantages  []float64
	returns     []float64
}

func gather(b *buffer.Batch, adv, ret []float64, idx []int) minibatch {
	_, obsDim := b.States.Dims()
	_, actDim := b.Actions.Dims()
	mb := minibatch{
		states:      mat.NewDense(len(idx), obsDim, nil),
		actions:     mat.NewDense(len(idx), actDim, nil),
		oldLogProbs: make([]float64, len(idx)),
		advantages:  make([]float64, len(idx)),
		returns:     make([]float64, len(idx)),
	}
	for i, j := range idx {
		mb.states.SetRow(i, b.States.RawRowView(j))
		mb.actions.SetRow(i, b.Actions.RawRowView(j))
		mb.oldLogProbs[i] = b.LogProbs[j]
		mb.advantages[i] = adv[j]
		mb.returns[i] = ret[j]
	}
	return mb
}

type policyResult struct {
	loss         float64
	entropy      float64
	clipFraction float64
	approxKL     float64
}

// policyStep takes one optimizer step on
// -mean(min(r·A, clip(r)·A)) - entropyCoef·H.
func (a *Agent) policyStep(mb minibatch) (policyResult, error) {
	res, err := a.policyBackward(mb)
	if err != nil {
		return policyResult{}, err
	}
	if a.cfg.MaxGradNorm > 0 {
		nn.ClipGradNorm(a.piOpt.Params(), a.cfg.MaxGradNorm)
	}
	a.piOpt.Step()
	return res, nil
}

// policyBackward evaluates the policy loss on mb and leaves its gradient in
// the actor parameters.
func (a *Agent) policyBackward(mb minibatch) (policyResult, error) {
	a.piOpt.ZeroGrad()

	mean, scale := a.policy.Forward(mb.states)
	rows, actDim := mb.actions.Dims()
	b := float64(rows)

	dMean := mat.NewDense(rows, actDim, nil)
	dLogScale := make([]float64, actDim)

	var surrogate, kl float64
	var clipped int
	for i := 0; i < rows; i++ {
		mu, act := mean.RawRowView(i), mb.actions.RawRowView(i)
		logProb := policy.LogProb(mu, scale, act)
		ratio := math.Exp(logProb - mb.oldLogProbs[i])

		s, dS := clippedSurrogate(ratio, mb.advantages[i], a.cfg.ClipRatio)
		surrogate += s
		kl += mb.oldLogProbs[i] - logProb
		if math.Abs(ratio-1) > a.cfg.ClipRatio {
			clipped++
		}
		// d(-s/B)/dlogp = -dS/dr · r / B
		if dS != 0 {
			policy.AccumulateLogProbGrad(mu, scale, act, -dS*ratio/b, dMean.RawRowView(i), dLogScale)
		}
	}

	// The entropy is state independent, so its batch mean is itself.
	entropy := policy.Entropy(scale)
	loss := -surrogate/b - a.cfg.EntropyCoef*entropy
	if !finite(loss) {
		return policyResult{}, fmt.Errorf("%w: policy loss %v", ErrNonFinite, loss)
	}
	for j := range dLogScale {
		dLogScale[j] -= a.cfg.EntropyCoef
	}

	a.policy.Backward(dMean, dLogScale)
	return policyResult{
		loss:         loss,
		entropy:      entropy,
		clipFraction: float64(clipped) / b,
		approxKL:     kl / b,
	}, nil
}

// valueStep takes one optimizer step on valueCoef·MSE and reports the
// unscaled MSE.
func (a *Agent) valueStep(mb minibatch) (float64, error) {
	a.vfOpt.ZeroGrad()

	pred := a.value.Forward(mb.states)
	loss := value.MSE(pred, mb.returns)
	if !finite(loss) {
		return 0, fmt.Errorf("%w: value loss %v", ErrNonFinite, loss)
	}

	a.value.Backward(pred, mb.returns, a.cfg.ValueCoef)
	if a.cfg.MaxGradNorm > 0 {
		nn.ClipGradNorm(a.vfOpt.Params(), a.cfg.MaxGradNorm)
	}
	a.vfOpt.Step()
	return loss, nil
}

// clippedSurrogate returns min(r·A, clip(r, 1-eps, 1+eps)·A) and its
// derivative with respect to r. The derivative is zero whenever the clipped
// branch is the smaller one.
func clippedSurrogate(ratio, adv, eps float64) (float64, float64) {
	unclipped := ratio * adv
	clipped := math.Max(1-eps, math.Min(1+eps, ratio)) * adv
	if unclipped <= clipped {
		return unclipped, adv
	}
	return clipped, 0
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
