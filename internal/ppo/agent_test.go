package ppo

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/cartridge/learner/internal/buffer"
	"github.com/cartridge/learner/internal/policy"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ObsDim = 3
	cfg.ActDim = 2
	cfg.Hidden = 8
	cfg.MinibatchSize = 4
	cfg.UpdateEpochs = 3
	cfg.Seed = 7
	return cfg
}

func newTestAgent(t *testing.T, cfg Config) *Agent {
	t.Helper()
	a, err := New(cfg)
	require.NoError(t, err)
	return a
}

// collect fills the buffer with n transitions from a deterministic toy
// reward; every fifth step ends an episode.
func collect(t *testing.T, a *Agent, n int) {
	t.Helper()
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < n; i++ {
		state := []float64{rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()}
		action, logProb, v, err := a.Act(state)
		require.NoError(t, err)
		a.Remember(buffer.Transition{
			State:   state,
			Action:  action,
			LogProb: logProb,
			Value:   v,
			Reward:  1 - math.Abs(action[0]-0.7),
			Done:    i%5 == 4,
		})
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.ActDim = 0
	_, err := New(cfg)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.ClipRatio = 1.5
	_, err = New(cfg)
	assert.Error(t, err)
}

func TestClippedSurrogate(t *testing.T) {
	const eps = 0.2

	s, d := clippedSurrogate(1.1, 2, eps)
	assert.InDelta(t, 2.2, s, 1e-12)
	assert.Equal(t, 2.0, d)

	// Positive advantage: flat beyond 1+eps.
	s1, d1 := clippedSurrogate(1.5, 2, eps)
	s2, d2 := clippedSurrogate(3.0, 2, eps)
	assert.InDelta(t, 2.4, s1, 1e-12)
	assert.Equal(t, s1, s2)
	assert.Zero(t, d1)
	assert.Zero(t, d2)

	// Positive advantage below 1-eps keeps the unclipped gradient.
	_, d = clippedSurrogate(0.5, 2, eps)
	assert.Equal(t, 2.0, d)

	// Negative advantage: flat below 1-eps, live above 1+eps.
	s, d = clippedSurrogate(0.5, -1, eps)
	assert.InDelta(t, -0.8, s, 1e-12)
	assert.Zero(t, d)
	s, d = clippedSurrogate(1.5, -1, eps)
	assert.InDelta(t, -1.5, s, 1e-12)
	assert.Equal(t, -1.0, d)
}

func TestEstimate_HandWorkedEpisode(t *testing.T) {
	cfg := testConfig()
	cfg.Gamma, cfg.Lambda = 0.9, 0.9
	a := newTestAgent(t, cfg)

	batch := &buffer.Batch{
		States:   mat.NewDense(3, 3, nil),
		Actions:  mat.NewDense(3, 2, nil),
		LogProbs: []float64{0, 0, 0},
		Values:   []float64{0, 0, 0},
		Rewards:  []float64{1, 1, 1},
		Dones:    []bool{false, false, true},
	}
	adv, ret, err := a.estimate(batch, []float64{5, 5, 5})
	require.NoError(t, err)

	// With zero values the returns are the raw advantages.
	assert.InDeltaSlice(t, []float64{2.4661, 1.81, 1}, ret, 1e-9)

	mean, std := stat.MeanStdDev(adv, nil)
	assert.InDelta(t, 0, mean, 1e-9)
	assert.InDelta(t, 1, std, 1e-6)
	assert.Greater(t, adv[0], adv[1])
	assert.Greater(t, adv[1], adv[2])
}

func TestUpdate_EmptyBuffer(t *testing.T) {
	a := newTestAgent(t, testConfig())
	_, err := a.Update(nil)
	assert.ErrorIs(t, err, buffer.ErrEmpty)
}

func TestUpdate_StatsAndClear(t *testing.T) {
	a := newTestAgent(t, testConfig())
	collect(t, a, 10)
	require.Equal(t, 10, a.Buffered())

	stats, err := a.Update(nil)
	require.NoError(t, err)

	assert.Equal(t, 0, a.Buffered())
	assert.Equal(t, 10, stats.Samples)
	assert.Equal(t, 3*3, stats.Minibatches) // ceil(10/4) per epoch
	assert.False(t, math.IsNaN(stats.PolicyLoss))
	assert.GreaterOrEqual(t, stats.ValueLoss, 0.0)
	assert.InDelta(t, policy.Entropy(a.Policy().Scale()), stats.Entropy, 0.05)
	assert.GreaterOrEqual(t, stats.ClipFraction, 0.0)
	assert.LessOrEqual(t, stats.ClipFraction, 1.0)
}

func TestUpdate_ClearsBufferOnNonFiniteLoss(t *testing.T) {
	a := newTestAgent(t, testConfig())
	collect(t, a, 6)
	a.Remember(buffer.Transition{
		State:  []float64{0, 0, 0},
		Action: []float64{0.5, 0.5},
		Reward: math.NaN(),
		Done:   true,
	})

	before := a.Snapshot()
	_, err := a.Update(nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNonFinite))
	assert.Equal(t, 0, a.Buffered())
	assert.Equal(t, before, a.Snapshot(), "no optimizer step may run after a non-finite loss")
}

func TestUpdate_BootstrapWidthChecked(t *testing.T) {
	a := newTestAgent(t, testConfig())
	collect(t, a, 3)
	_, err := a.Update([]float64{1})
	assert.Error(t, err)
	assert.Equal(t, 0, a.Buffered())
}

func TestUpdate_ReproducibleWithSeed(t *testing.T) {
	run := func() (Stats, []float64) {
		a := newTestAgent(t, testConfig())
		collect(t, a, 12)
		stats, err := a.Update(nil)
		require.NoError(t, err)
		action, _, _, err := a.Act([]float64{0.1, 0.2, 0.3})
		require.NoError(t, err)
		return stats, action
	}
	s1, a1 := run()
	s2, a2 := run()
	assert.Equal(t, s1, s2)
	assert.Equal(t, a1, a2)
}

func TestUpdate_RaisesLikelihoodOfAdvantageousAction(t *testing.T) {
	cfg := testConfig()
	cfg.UpdateEpochs = 1
	cfg.MinibatchSize = 2
	cfg.PolicyLR = 1e-4
	a := newTestAgent(t, cfg)

	state := []float64{0.3, -0.2, 0.9}
	good, bad := []float64{0.8, 0.3}, []float64{0.2, 0.6}
	logProbs := func() (float64, float64) {
		mean := a.Policy().Mean(mat.NewDense(1, 3, append([]float64(nil), state...))).RawRowView(0)
		scale := a.Policy().Scale()
		return policy.LogProb(mean, scale, good), policy.LogProb(mean, scale, bad)
	}

	g0, b0 := logProbs()
	a.Remember(buffer.Transition{State: state, Action: good, LogProb: g0, Reward: 1, Done: true})
	a.Remember(buffer.Transition{State: state, Action: bad, LogProb: b0, Reward: 0, Done: true})
	_, err := a.Update(nil)
	require.NoError(t, err)

	g1, b1 := logProbs()
	assert.Greater(t, g1-b1, g0-b0)
}

// policyObjective recomputes the policy loss without touching the caches.
func policyObjective(a *Agent, mb minibatch) float64 {
	mean := a.policy.Mean(mb.states)
	scale := a.policy.Scale()
	rows, _ := mb.actions.Dims()
	var surrogate float64
	for i := 0; i < rows; i++ {
		lp := policy.LogProb(mean.RawRowView(i), scale, mb.actions.RawRowView(i))
		s, _ := clippedSurrogate(math.Exp(lp-mb.oldLogProbs[i]), mb.advantages[i], a.cfg.ClipRatio)
		surrogate += s
	}
	return -surrogate/float64(rows) - a.cfg.EntropyCoef*policy.Entropy(scale)
}

func TestPolicyBackward_MatchesFiniteDifferences(t *testing.T) {
	cfg := testConfig()
	cfg.EntropyCoef = 0.01
	a := newTestAgent(t, cfg)

	rng := rand.New(rand.NewSource(11))
	mb := minibatch{
		states:      mat.NewDense(4, 3, nil),
		actions:     mat.NewDense(4, 2, nil),
		oldLogProbs: make([]float64, 4),
		advantages:  []float64{1.2, -0.7, 0.4, -1.5},
		returns:     make([]float64, 4),
	}
	// Offsets put two samples well inside the clip range and two well
	// outside it, away from the kinks.
	offsets := []float64{0.05, -0.05, 0.6, -0.6}
	for i := 0; i < 4; i++ {
		for j := 0; j < 3; j++ {
			mb.states.Set(i, j, rng.NormFloat64())
		}
		mb.actions.SetRow(i, []float64{0.1 + 0.8*rng.Float64(), 0.1 + 0.8*rng.Float64()})
	}
	mean := a.policy.Mean(mb.states)
	for i := 0; i < 4; i++ {
		mb.oldLogProbs[i] = policy.LogProb(mean.RawRowView(i), a.policy.Scale(), mb.actions.RawRowView(i)) + offsets[i]
	}

	res, err := a.policyBackward(mb)
	require.NoError(t, err)
	assert.InDelta(t, policyObjective(a, mb), res.loss, 1e-12)
	assert.InDelta(t, 0.5, res.clipFraction, 1e-12)

	const h = 1e-6
	for _, p := range a.policy.Params() {
		data, grad := p.Data(), p.GradData()
		for k := range data {
			orig := data[k]
			data[k] = orig + h
			up := policyObjective(a, mb)
			data[k] = orig - h
			down := policyObjective(a, mb)
			data[k] = orig
			assert.InDelta(t, (up-down)/(2*h), grad[k], 1e-5, "%s[%d]", p.Name, k)
		}
	}
}

func TestValueStep_UsesCoefficientOnlyForGradient(t *testing.T) {
	cfg := testConfig()
	cfg.ValueCoef = 0.25
	a := newTestAgent(t, cfg)

	mb := minibatch{
		states:  mat.NewDense(2, 3, []float64{1, 0, 0, 0, 1, 0}),
		returns: []float64{3, -3},
	}
	pred := a.value.Predict(mb.states)
	want := (math.Pow(pred[0]-3, 2) + math.Pow(pred[1]+3, 2)) / 2

	loss, err := a.valueStep(mb)
	require.NoError(t, err)
	assert.InDelta(t, want, loss, 1e-12)
}
