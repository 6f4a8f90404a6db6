package learn

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// MLP is a two-layer ReLU trunk with a tanh policy head and a linear value head.
type MLP struct {
	obsDim, actDim, hidden int
	p                      Params
}

type forwardPass struct {
	x, z1, h1, z2, h2, a, v *mat.Dense
}

// NewMLP initializes every layer uniformly in ±1/sqrt(fan_in).
func NewMLP(obsDim, actDim, hidden int, src rand.Source) *MLP {
	m := &MLP{obsDim: obsDim, actDim: actDim, hidden: hidden, p: Params{}}
	layer := func(name string, in, out int) {
		bound := 1 / math.Sqrt(float64(in))
		u := distuv.Uniform{Min: -bound, Max: bound, Src: src}
		w := mat.NewDense(in, out, nil)
		b := mat.NewDense(1, out, nil)
		w.Apply(func(_, _ int, _ float64) float64 { return u.Rand() }, w)
		b.Apply(func(_, _ int, _ float64) float64 { return u.Rand() }, b)
		m.p["w"+name] = w
		m.p["b"+name] = b
	}
	layer("1", obsDim, hidden)
	layer("2", hidden, hidden)
	layer("p", hidden, actDim)
	layer("v", hidden, 1)
	return m
}

func (m *MLP) Weights() Params { return m.p }

func (m *MLP) SetWeights(w Params) error {
	if len(w) != len(m.p) {
		return fmt.Errorf("%w: got %d params want %d", ErrShape, len(w), len(m.p))
	}
	for name, cur := range m.p {
		next, ok := w[name]
		if !ok || next == nil {
			return fmt.Errorf("%w: missing param %s", ErrShape, name)
		}
		r, c := cur.Dims()
		nr, nc := next.Dims()
		if r != nr || c != nc {
			return fmt.Errorf("%w: param %s is %dx%d want %dx%d", ErrShape, name, nr, nc, r, c)
		}
	}
	for name, cur := range m.p {
		cur.Copy(w[name])
	}
	return nil
}

func (m *MLP) Predict(obs []float64) ([]float64, float64) {
	x := mat.NewDense(1, m.obsDim, nil)
	for j := 0; j < m.obsDim && j < len(obs); j++ {
		x.Set(0, j, obs[j])
	}
	f := m.forward(x)
	return mat.Row(nil, 0, f.a), f.v.At(0, 0)
}

func (m *MLP) forward(x *mat.Dense) forwardPass {
	f := forwardPass{x: x}
	f.z1 = affine(x, m.p["w1"], m.p["b1"])
	f.h1 = relu(f.z1)
	f.z2 = affine(f.h1, m.p["w2"], m.p["b2"])
	f.h2 = relu(f.z2)
	f.a = affine(f.h2, m.p["wp"], m.p["bp"])
	f.a.Apply(func(_, _ int, v float64) float64 { return math.Tanh(v) }, f.a)
	f.v = affine(f.h2, m.p["wv"], m.p["bv"])
	return f
}

// Gradients evaluates
//
//	loss = -mean(adv * sum((pred - act)^2)) + valueCoef * mean((value - ret)^2)
//
// and returns its gradient with respect to every parameter.
func (m *MLP) Gradients(b Batch, valueCoef float64) (Loss, Params) {
	f := m.forward(b.Observations)
	n, _ := b.Observations.Dims()
	fn := float64(n)

	var loss Loss
	dA := mat.NewDense(n, m.actDim, nil)
	dV := mat.NewDense(n, 1, nil)
	for i := 0; i < n; i++ {
		adv := b.Advantages[i]
		var sq float64
		for j := 0; j < m.actDim; j++ {
			diff := f.a.At(i, j) - b.Actions.At(i, j)
			sq += diff * diff
			dA.Set(i, j, -adv*2*diff/fn)
		}
		loss.Policy -= adv * sq / fn

		dv := f.v.At(i, 0) - b.Returns[i]
		loss.Value += dv * dv / fn
		dV.Set(i, 0, valueCoef*2*dv/fn)
	}
	loss.Total = loss.Policy + valueCoef*loss.Value

	// tanh'(z) = 1 - tanh(z)^2
	dZp := mat.NewDense(n, m.actDim, nil)
	dZp.Apply(func(i, j int, v float64) float64 {
		a := f.a.At(i, j)
		return v * (1 - a*a)
	}, dA)

	g := Params{}
	g["wp"], g["bp"] = linearGrads(f.h2, dZp)
	g["wv"], g["bv"] = linearGrads(f.h2, dV)

	var dH2, tmp mat.Dense
	dH2.Mul(dZp, m.p["wp"].T())
	tmp.Mul(dV, m.p["wv"].T())
	dH2.Add(&dH2, &tmp)
	dZ2 := reluBackward(&dH2, f.z2)
	g["w2"], g["b2"] = linearGrads(f.h1, dZ2)

	var dH1 mat.Dense
	dH1.Mul(dZ2, m.p["w2"].T())
	dZ1 := reluBackward(&dH1, f.z1)
	g["w1"], g["b1"] = linearGrads(f.x, dZ1)

	return loss, g
}

func affine(x, w, b *mat.Dense) *mat.Dense {
	var out mat.Dense
	out.Mul(x, w)
	out.Apply(func(_, j int, v float64) float64 { return v + b.At(0, j) }, &out)
	return &out
}

func relu(z *mat.Dense) *mat.Dense {
	var out mat.Dense
	out.Apply(func(_, _ int, v float64) float64 { return math.Max(0, v) }, z)
	return &out
}

func reluBackward(grad, z *mat.Dense) *mat.Dense {
	var out mat.Dense
	out.Apply(func(i, j int, v float64) float64 {
		if z.At(i, j) > 0 {
			return v
		}
		return 0
	}, grad)
	return &out
}

// linearGrads returns dW = inᵀ·delta and db = column sums of delta.
func linearGrads(in, delta *mat.Dense) (*mat.Dense, *mat.Dense) {
	var dw mat.Dense
	dw.Mul(in.T(), delta)
	r, c := delta.Dims()
	db := mat.NewDense(1, c, nil)
	for j := 0; j < c; j++ {
		var s float64
		for i := 0; i < r; i++ {
			s += delta.At(i, j)
		}
		db.Set(0, j, s)
	}
	return &dw, db
}
