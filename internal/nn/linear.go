package nn

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Linear computes y = xW + b for a batch of row vectors.
type Linear struct {
	W *Param // in×out
	B *Param // 1×out

	in *mat.Dense
}

// NewLinear creates a layer initialised from U(-1/sqrt(in), 1/sqrt(in)).
func NewLinear(name string, in, out int, rng *rand.Rand) *Linear {
	l := &Linear{
		W: NewParam(name+".w", in, out),
		B: NewParam(name+".b", 1, out),
	}
	bound := 1 / math.Sqrt(float64(in))
	for _, p := range []*Param{l.W, l.B} {
		data := p.Data()
		for i := range data {
			data[i] = (2*rng.Float64() - 1) * bound
		}
	}
	return l
}

// Dims returns the input and output widths.
func (l *Linear) Dims() (in, out int) { return l.W.Value.Dims() }

// Apply evaluates the layer without caching anything for Backward.
func (l *Linear) Apply(x *mat.Dense) *mat.Dense {
	rows, _ := x.Dims()
	_, out := l.W.Value.Dims()
	y := mat.NewDense(rows, out, nil)
	y.Mul(x, l.W.Value)
	bias := l.B.Value.RawRowView(0)
	for i := 0; i < rows; i++ {
		floats.Add(y.RawRowView(i), bias)
	}
	return y
}

// Forward evaluates the layer and remembers x for Backward.
func (l *Linear) Forward(x *mat.Dense) *mat.Dense {
	l.in = x
	return l.Apply(x)
}

// Backward accumulates parameter gradients for dy and returns dL/dx.
func (l *Linear) Backward(dy *mat.Dense) *mat.Dense {
	if l.in == nil {
		panic("nn: Linear.Backward called before Forward")
	}
	var dw mat.Dense
	dw.Mul(l.in.T(), dy)
	l.W.Grad.Add(l.W.Grad, &dw)

	gb := l.B.Grad.RawRowView(0)
	rows, _ := dy.Dims()
	for i := 0; i < rows; i++ {
		floats.Add(gb, dy.RawRowView(i))
	}

	var dx mat.Dense
	dx.Mul(dy, l.W.Value.T())
	return &dx
}

// Params returns the weight and bias.
func (l *Linear) Params() []*Param { return []*Param{l.W, l.B} }
