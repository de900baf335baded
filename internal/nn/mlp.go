package nn

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// MLP is a stack of Linear layers with ReLU between them. When
// activateOutput is set the last layer is followed by a ReLU as well, which
// is how feature stages feeding a separate head are built.
type MLP struct {
	layers         []*Linear
	activateOutput bool

	acts []*mat.Dense
}

// NewMLP builds a perceptron with the given layer widths, input first.
func NewMLP(name string, sizes []int, activateOutput bool, rng *rand.Rand) *MLP {
	if len(sizes) < 2 {
		panic("nn: MLP needs at least an input and an output width")
	}
	m := &MLP{activateOutput: activateOutput}
	for i := 0; i+1 < len(sizes); i++ {
		m.layers = append(m.layers, NewLinear(fmt.Sprintf("%s.%d", name, i), sizes[i], sizes[i+1], rng))
	}
	m.acts = make([]*mat.Dense, len(m.layers))
	return m
}

func (m *MLP) activated(i int) bool {
	return i < len(m.layers)-1 || m.activateOutput
}

// Predict evaluates the network without recording anything for Backward.
func (m *MLP) Predict(x *mat.Dense) *mat.Dense {
	h := x
	for i, l := range m.layers {
		h = l.Apply(h)
		if m.activated(i) {
			relu(h)
		}
	}
	return h
}

// Forward evaluates the network and caches activations for Backward.
func (m *MLP) Forward(x *mat.Dense) *mat.Dense {
	h := x
	for i, l := range m.layers {
		h = l.Forward(h)
		if m.activated(i) {
			relu(h)
			m.acts[i] = h
		}
	}
	return h
}

// Backward propagates dy through the cached forward pass, accumulating
// parameter gradients, and returns dL/dx.
func (m *MLP) Backward(dy *mat.Dense) *mat.Dense {
	g := dy
	for i := len(m.layers) - 1; i >= 0; i-- {
		if m.activated(i) {
			g = reluGrad(g, m.acts[i])
		}
		g = m.layers[i].Backward(g)
	}
	return g
}

// Params returns every weight and bias, input layer first.
func (m *MLP) Params() []*Param {
	var ps []*Param
	for _, l := range m.layers {
		ps = append(ps, l.Params()...)
	}
	return ps
}

func relu(x *mat.Dense) {
	data := x.RawMatrix().Data
	for i, v := range data {
		if v < 0 {
			data[i] = 0
		}
	}
}

// reluGrad masks g by the positive entries of the activation out.
func reluGrad(g, out *mat.Dense) *mat.Dense {
	r, c := g.Dims()
	masked := mat.NewDense(r, c, nil)
	masked.Apply(func(i, j int, v float64) float64 {
		if out.At(i, j) > 0 {
			return v
		}
		return 0
	}, g)
	return masked
}
