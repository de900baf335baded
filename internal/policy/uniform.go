package policy

import (
	"fmt"
	"math/rand"
)

// Uniform selects allocations uniformly at random from [0,1]^d. It ignores
// the observation and serves as the baseline a trained policy is compared to.
type Uniform struct {
	rng *rand.Rand
	dim int
}

// NewUniform creates a uniform policy over dim action dimensions
func NewUniform(dim int, seed int64) (*Uniform, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("action dimension must be positive, got %d", dim)
	}
	return &Uniform{
		rng: rand.New(rand.NewSource(seed)),
		dim: dim,
	}, nil
}

// SelectAction implements Policy interface
func (u *Uniform) SelectAction(observation []float64) ([]float64, error) {
	action := make([]float64, u.dim)
	for i := range action {
		action[i] = u.rng.Float64()
	}
	return action, nil
}
