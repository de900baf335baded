// Package nn holds the small dense building blocks the learner trains:
// linear layers, ReLU perceptrons, the Adam optimizer and gradient clipping.
//
// Gradients are derived by hand. Every layer caches what its backward pass
// needs during Forward, so a Forward/Backward pair must not be interleaved
// with another Forward on the same layer.
package nn

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Param is a trainable tensor together with its accumulated gradient.
type Param struct {
	Name  string
	Value *mat.Dense
	Grad  *mat.Dense
}

// NewParam allocates a zeroed rows×cols parameter.
func NewParam(name string, rows, cols int) *Param {
	return &Param{
		Name:  name,
		Value: mat.NewDense(rows, cols, nil),
		Grad:  mat.NewDense(rows, cols, nil),
	}
}

// Data exposes the backing slice of the parameter values.
func (p *Param) Data() []float64 { return p.Value.RawMatrix().Data }

// GradData exposes the backing slice of the gradient.
func (p *Param) GradData() []float64 { return p.Grad.RawMatrix().Data }

// ZeroGrad resets the gradients of params.
func ZeroGrad(params []*Param) {
	for _, p := range params {
		p.Grad.Zero()
	}
}

// GradNorm returns the global L2 norm over all gradients in params.
func GradNorm(params []*Param) float64 {
	var sum float64
	for _, p := range params {
		g := p.GradData()
		sum += floats.Dot(g, g)
	}
	return math.Sqrt(sum)
}

// ClipGradNorm rescales the gradients in place so that their global L2 norm
// does not exceed maxNorm and returns the norm measured before clipping.
func ClipGradNorm(params []*Param, maxNorm float64) float64 {
	total := GradNorm(params)
	coef := maxNorm / (total + 1e-6)
	if coef < 1 {
		for _, p := range params {
			floats.Scale(coef, p.GradData())
		}
	}
	return total
}

// Count returns the number of scalar values held by params.
func Count(params []*Param) int {
	n := 0
	for _, p := range params {
		n += len(p.Data())
	}
	return n
}
