package gae

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"
)

func randomTrajectory(rng *rand.Rand, n int, withDones bool) ([]float64, []float64, []bool) {
	rewards := make([]float64, n)
	values := make([]float64, n+1)
	dones := make([]bool, n)
	for i := range rewards {
		rewards[i] = rng.NormFloat64()
		values[i] = rng.NormFloat64()
		if withDones {
			dones[i] = rng.Intn(4) == 0
		}
	}
	values[n] = rng.NormFloat64()
	return rewards, values, dones
}

func tdResiduals(rewards, values []float64, dones []bool, gamma float64) []float64 {
	deltas := make([]float64, len(rewards))
	for t := range rewards {
		mask := 1.0
		if dones[t] {
			mask = 0
		}
		deltas[t] = rewards[t] + gamma*values[t+1]*mask - values[t]
	}
	return deltas
}

func TestCompute_HandWorkedEpisode(t *testing.T) {
	adv, ret, err := Compute(
		[]float64{1, 1, 1},
		[]float64{0, 0, 0, 0},
		[]bool{false, false, true},
		0.9, 0.9,
	)
	require.NoError(t, err)

	assert.InDelta(t, 1.0, adv[2], 1e-12)
	assert.InDelta(t, 1.81, adv[1], 1e-12)
	assert.InDelta(t, 2.4661, adv[0], 1e-12)
	// Zero values: returns equal advantages.
	assert.InDeltaSlice(t, adv, ret, 1e-12)
}

func TestCompute_LambdaZeroIsTDResidual(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	rewards, values, dones := randomTrajectory(rng, 32, true)

	adv, _, err := Compute(rewards, values, dones, 0.97, 0)
	require.NoError(t, err)
	assert.Equal(t, tdResiduals(rewards, values, dones, 0.97), adv)
}

func TestCompute_MonteCarloWhenGammaLambdaOne(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	rewards, values, dones := randomTrajectory(rng, 20, false)

	adv, _, err := Compute(rewards, values, dones, 1, 1)
	require.NoError(t, err)

	deltas := tdResiduals(rewards, values, dones, 1)
	for t0 := range adv {
		var sum float64
		for k := t0; k < len(deltas); k++ {
			sum += deltas[k]
		}
		assert.InDelta(t, sum, adv[t0], 1e-9, "t=%d", t0)
	}
}

func TestCompute_DoneMasksBootstrap(t *testing.T) {
	rewards := []float64{0.5, -1, 2, 0.25}
	values := []float64{0.1, 0.2, 0.3, 0.4, 0.5}
	dones := []bool{false, true, false, false}

	before, _, err := Compute(rewards, values, dones, 0.99, 0.95)
	require.NoError(t, err)

	perturbed := append([]float64(nil), values...)
	perturbed[2] += 100 // v[t+1] for the terminal step t=1
	after, _, err := Compute(rewards, perturbed, dones, 0.99, 0.95)
	require.NoError(t, err)

	assert.Equal(t, before[1], after[1])
}

func TestCompute_SingleStep(t *testing.T) {
	adv, ret, err := Compute([]float64{2}, []float64{0.5, 1.5}, []bool{false}, 0.9, 0.95)
	require.NoError(t, err)
	assert.InDelta(t, 2+0.9*1.5-0.5, adv[0], 1e-12)
	assert.InDelta(t, adv[0]+0.5, ret[0], 1e-12)
}

func TestCompute_NeverTerminatingBootstraps(t *testing.T) {
	adv, _, err := Compute([]float64{0, 0}, []float64{0, 0, 10}, []bool{false, false}, 0.5, 1)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, adv[1], 1e-12)
	assert.InDelta(t, 2.5, adv[0], 1e-12)
}

func TestCompute_LengthMismatch(t *testing.T) {
	_, _, err := Compute([]float64{1, 2}, []float64{0, 0}, []bool{false, false}, 0.9, 0.9)
	assert.Error(t, err)

	_, _, err = Compute([]float64{1, 2}, []float64{0, 0, 0}, []bool{false}, 0.9, 0.9)
	assert.Error(t, err)
}

func TestNormalize(t *testing.T) {
	x := []float64{1, 2, 3, 4, 10}
	Normalize(x, 1e-8)

	mean, std := stat.MeanStdDev(x, nil)
	assert.InDelta(t, 0.0, mean, 1e-12)
	assert.InDelta(t, 1.0, std, 1e-6)

	single := []float64{3}
	Normalize(single, 1e-8)
	assert.False(t, math.IsNaN(single[0]))
	assert.Equal(t, 0.0, single[0])
}
