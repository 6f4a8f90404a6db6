package learn

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Adam keeps first/second moment estimates per parameter name.
type Adam struct {
	LR    float64
	Beta1 float64
	Beta2 float64
	Eps   float64

	T int
	M Params
	V Params
}

func NewAdam(lr float64) *Adam {
	return &Adam{
		LR:    lr,
		Beta1: 0.9,
		Beta2: 0.999,
		Eps:   1e-8,
		M:     Params{},
		V:     Params{},
	}
}

// Step applies one bias-corrected update to params in place.
func (o *Adam) Step(params, grads Params) {
	o.T++
	c1 := 1 - math.Pow(o.Beta1, float64(o.T))
	c2 := 1 - math.Pow(o.Beta2, float64(o.T))
	for _, name := range params.Names() {
		p, g := params[name], grads[name]
		if g == nil {
			continue
		}
		r, c := p.Dims()
		m, ok := o.M[name]
		if !ok {
			m = mat.NewDense(r, c, nil)
			o.M[name] = m
		}
		v, ok := o.V[name]
		if !ok {
			v = mat.NewDense(r, c, nil)
			o.V[name] = v
		}
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				gij := g.At(i, j)
				mij := o.Beta1*m.At(i, j) + (1-o.Beta1)*gij
				vij := o.Beta2*v.At(i, j) + (1-o.Beta2)*gij*gij
				m.Set(i, j, mij)
				v.Set(i, j, vij)
				p.Set(i, j, p.At(i, j)-o.LR*(mij/c1)/(math.Sqrt(vij/c2)+o.Eps))
			}
		}
	}
}

func (o *Adam) state() (int, Params, Params) { return o.T, o.M.Clone(), o.V.Clone() }

func (o *Adam) restore(t int, m, v Params) {
	o.T, o.M, o.V = t, m, v
}

// clipGradNorm rescales grads so their global L2 norm is at most maxNorm and returns the norm
// before clipping.
func clipGradNorm(grads Params, maxNorm float64) float64 {
	var sq float64
	for _, name := range grads.Names() {
		g := grads[name]
		n := floats.Norm(denseData(g), 2)
		sq += n * n
	}
	total := math.Sqrt(sq)
	if coef := maxNorm / (total + 1e-6); coef < 1 {
		for _, g := range grads {
			g.Scale(coef, g)
		}
	}
	return total
}

func finiteParams(p Params) bool {
	for _, m := range p {
		for _, v := range denseData(m) {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}

func denseData(m *mat.Dense) []float64 {
	r, c := m.Dims()
	out := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		out = append(out, m.RawRowView(i)...)
	}
	return out
}
