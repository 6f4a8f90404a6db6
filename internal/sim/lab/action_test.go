package lab

import (
	"testing"

	"worldlab.ai/internal/protocol"
)

func TestVectorToAction(t *testing.T) {
	cases := []struct {
		in       []float64
		wantType string
		wantName string
		wantMove [3]float32
	}{
		{[]float64{0.5, 0, 0.9}, protocol.ActionMove, protocol.NameMoving, [3]float32{2.5, 0, 0}},
		{[]float64{0, -0.2, 0}, protocol.ActionMove, protocol.NameMoving, [3]float32{0, 0, -1}},
		{[]float64{0.1, 0.1, 1}, protocol.ActionIdle, protocol.NameIdle, [3]float32{0.5, 0, 0.5}},
		{[]float64{0.05, -0.05, 0}, protocol.ActionIdle, protocol.NameIdle, [3]float32{0.25, 0, -0.25}},
		{nil, protocol.ActionIdle, protocol.NameIdle, [3]float32{}},
	}
	for _, c := range cases {
		got := vectorToAction(c.in)
		if got.Type != c.wantType || got.Name != c.wantName {
			t.Fatalf("vectorToAction(%v)=%+v want type=%s name=%s", c.in, got, c.wantType, c.wantName)
		}
		if got.Movement != c.wantMove {
			t.Fatalf("vectorToAction(%v).Movement=%v want %v", c.in, got.Movement, c.wantMove)
		}
	}
}
