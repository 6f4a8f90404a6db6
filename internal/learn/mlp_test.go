package learn

import (
	"math"
	"math/rand/v2"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func matEqual(a, b *mat.Dense) bool { return mat.Equal(a, b) }

func TestMLP_PredictShapeAndRange(t *testing.T) {
	m := NewMLP(29, 3, 64, rand.NewPCG(1, 2))
	obs := make([]float64, 29)
	for i := range obs {
		obs[i] = float64(i) - 14
	}
	act, _ := m.Predict(obs)
	if len(act) != 3 {
		t.Fatalf("len=%d want 3", len(act))
	}
	for _, a := range act {
		if a < -1 || a > 1 {
			t.Fatalf("action %v outside tanh range", a)
		}
	}
}

func TestMLP_GradientsMatchFiniteDifferences(t *testing.T) {
	src := rand.NewPCG(3, 4)
	m := NewMLP(4, 2, 5, src)
	r := rand.New(rand.NewPCG(5, 6))
	n := 6
	b := Batch{
		Observations: mat.NewDense(n, 4, nil),
		Actions:      mat.NewDense(n, 2, nil),
		Returns:      make([]float64, n),
		Advantages:   make([]float64, n),
	}
	for i := 0; i < n; i++ {
		for j := 0; j < 4; j++ {
			b.Observations.Set(i, j, r.Float64()*2-1)
		}
		for j := 0; j < 2; j++ {
			b.Actions.Set(i, j, r.Float64()*2-1)
		}
		b.Returns[i] = r.Float64()*2 - 1
		b.Advantages[i] = r.Float64()*2 - 1
	}

	_, grads := m.Gradients(b, 0.5)
	const eps = 1e-6
	for _, name := range m.Weights().Names() {
		p := m.Weights()[name]
		rows, cols := p.Dims()
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				orig := p.At(i, j)
				p.Set(i, j, orig+eps)
				up, _ := m.Gradients(b, 0.5)
				p.Set(i, j, orig-eps)
				down, _ := m.Gradients(b, 0.5)
				p.Set(i, j, orig)

				num := (up.Total - down.Total) / (2 * eps)
				got := grads[name].At(i, j)
				if math.Abs(num-got) > 1e-5*math.Max(1, math.Abs(num)) {
					t.Fatalf("%s[%d,%d] grad=%v numeric=%v", name, i, j, got, num)
				}
			}
		}
	}
}

func TestMLP_SetWeightsRejectsMismatch(t *testing.T) {
	m := NewMLP(4, 2, 5, rand.NewPCG(1, 1))
	other := NewMLP(4, 2, 6, rand.NewPCG(1, 1))
	before := m.Weights().Clone()
	if err := m.SetWeights(other.Weights()); err == nil {
		t.Fatalf("expected shape error")
	}
	for name, w := range m.Weights() {
		if !matEqual(w, before[name]) {
			t.Fatalf("param %s modified by rejected SetWeights", name)
		}
	}
	delete(before, "bv")
	if err := m.SetWeights(before); err == nil {
		t.Fatalf("expected missing param error")
	}
}

func TestClipGradNorm(t *testing.T) {
	g := Params{
		"a": mat.NewDense(1, 2, []float64{3, 0}),
		"b": mat.NewDense(1, 1, []float64{4}),
	}
	if total := clipGradNorm(g, 0.5); math.Abs(total-5) > 1e-12 {
		t.Fatalf("total=%v want 5", total)
	}
	var sq float64
	for _, m := range g {
		for _, v := range denseData(m) {
			sq += v * v
		}
	}
	if n := math.Sqrt(sq); math.Abs(n-0.5) > 1e-6 {
		t.Fatalf("clipped norm=%v want 0.5", n)
	}

	small := Params{"a": mat.NewDense(1, 1, []float64{0.1})}
	clipGradNorm(small, 0.5)
	if small["a"].At(0, 0) != 0.1 {
		t.Fatalf("small gradient should be untouched, got %v", small["a"].At(0, 0))
	}
}
