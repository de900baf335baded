package nn

import "math"

// Adam implements the Adam optimizer over a fixed parameter set.
type Adam struct {
	LR    float64
	Beta1 float64
	Beta2 float64
	Eps   float64

	params []*Param
	m      [][]float64
	v      [][]float64
	t      int
}

// NewAdam creates an optimizer with the usual defaults (0.9, 0.999, 1e-8).
func NewAdam(params []*Param, lr float64) *Adam {
	a := &Adam{
		LR:     lr,
		Beta1:  0.9,
		Beta2:  0.999,
		Eps:    1e-8,
		params: params,
		m:      make([][]float64, len(params)),
		v:      make([][]float64, len(params)),
	}
	for i, p := range params {
		n := len(p.Data())
		a.m[i] = make([]float64, n)
		a.v[i] = make([]float64, n)
	}
	return a
}

// Params returns the parameters the optimizer updates.
func (a *Adam) Params() []*Param { return a.params }

// ZeroGrad clears the gradients of the optimizer's parameters.
func (a *Adam) ZeroGrad() { ZeroGrad(a.params) }

// Step applies one bias-corrected Adam update from the current gradients.
func (a *Adam) Step() {
	a.t++
	bc1 := 1 - math.Pow(a.Beta1, float64(a.t))
	bc2 := 1 - math.Pow(a.Beta2, float64(a.t))
	for i, p := range a.params {
		w, g := p.Data(), p.GradData()
		m, v := a.m[i], a.v[i]
		for j := range w {
			m[j] = a.Beta1*m[j] + (1-a.Beta1)*g[j]
			v[j] = a.Beta2*v[j] + (1-a.Beta2)*g[j]*g[j]
			w[j] -= a.LR * (m[j] / bc1) / (math.Sqrt(v[j]/bc2) + a.Eps)
		}
	}
}
