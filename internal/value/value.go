// Package value implements the critic: a state-value regressor trained by
// mean-squared error toward GAE returns.
package value

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/cartridge/learner/internal/nn"
)

// Function estimates V(s). Its parameters are independent of the actor's.
type Function struct {
	obsDim int
	net    *nn.MLP
}

// New builds a critic with two hidden ReLU layers of width hidden.
func New(obsDim, hidden int, rng *rand.Rand) (*Function, error) {
	if obsDim <= 0 || hidden <= 0 {
		return nil, fmt.Errorf("invalid value shape obs=%d hidden=%d", obsDim, hidden)
	}
	return &Function{
		obsDim: obsDim,
		net:    nn.NewMLP("vf", []int{obsDim, hidden, hidden, 1}, false, rng),
	}, nil
}

// Forward predicts one value per state row and caches activations for Backward.
func (f *Function) Forward(states *mat.Dense) []float64 {
	return column(f.net.Forward(states))
}

// Predict is Forward without caching.
func (f *Function) Predict(states *mat.Dense) []float64 {
	return column(f.net.Predict(states))
}

// Value evaluates a single state with no gradient bookkeeping.
func (f *Function) Value(state []float64) (float64, error) {
	if len(state) != f.obsDim {
		return 0, fmt.Errorf("state has %d features, critic expects %d", len(state), f.obsDim)
	}
	return f.Predict(mat.NewDense(1, f.obsDim, append([]float64(nil), state...)))[0], nil
}

// Backward accumulates the gradient of coef·MSE(pred, targets) for the
// predictions produced by the last Forward.
func (f *Function) Backward(pred, targets []float64, coef float64) {
	n := len(pred)
	d := mat.NewDense(n, 1, nil)
	for i := range pred {
		d.Set(i, 0, coef*2*(pred[i]-targets[i])/float64(n))
	}
	f.net.Backward(d)
}

// Params returns the critic parameters.
func (f *Function) Params() []*nn.Param { return f.net.Params() }

// MSE is the mean squared error between pred and targets.
func MSE(pred, targets []float64) float64 {
	var sum float64
	for i := range pred {
		d := pred[i] - targets[i]
		sum += d * d
	}
	return sum / float64(len(pred))
}

func column(m *mat.Dense) []float64 {
	return mat.Col(nil, 0, m)
}
