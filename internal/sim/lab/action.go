package lab

import (
	"math"

	"worldlab.ai/internal/protocol"
)

const (
	moveThreshold = 0.1
	moveScale     = 5
)

// vectorToAction maps a trainer action vector onto a discrete action: the first two
// components steer in the horizontal plane, anything below the threshold is idle.
func vectorToAction(v []float64) protocol.Action {
	if len(v) < 2 {
		return protocol.Action{Type: protocol.ActionIdle, Name: protocol.NameIdle}
	}
	if math.Abs(v[0]) > moveThreshold || math.Abs(v[1]) > moveThreshold {
		return protocol.Action{
			Type:     protocol.ActionMove,
			Movement: [3]float32{float32(v[0] * moveScale), 0, float32(v[1] * moveScale)},
			Name:     protocol.NameMoving,
		}
	}
	return protocol.Action{
		Type:     protocol.ActionIdle,
		Movement: [3]float32{float32(v[0] * moveScale), 0, float32(v[1] * moveScale)},
		Name:     protocol.NameIdle,
	}
}
