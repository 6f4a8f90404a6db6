package agent

import (
	"github.com/goki/mat32"

	"worldlab.ai/internal/protocol"
)

const (
	SelfFeatures      = 9
	MaxNearbyObjects  = 5
	FeaturesPerObject = 4
	ObservationSize   = SelfFeatures + MaxNearbyObjects*FeaturesPerObject
)

// Observation is the fixed-size feature vector an agent derives from a world snapshot:
// position(3), velocity(3), rotation, health/100, energy/100, then up to five nearby objects as
// (dx, dy, dz, distance), zero padded.
type Observation [ObservationSize]float32

// Float64s widens the observation for the learner.
func (o Observation) Float64s() []float64 {
	out := make([]float64, ObservationSize)
	for i, v := range o {
		out[i] = float64(v)
	}
	return out
}

// encodeObservation is a pure function of the body state and the snapshot.
//
// Only the first MaxNearbyObjects entries of the object list are examined, in input order;
// objects are not pre-sorted by distance.
func encodeObservation(b body, ws protocol.WorldSnapshot, radius float32) Observation {
	var obs Observation
	obs[0], obs[1], obs[2] = b.pos.X, b.pos.Y, b.pos.Z
	obs[3], obs[4], obs[5] = b.vel.X, b.vel.Y, b.vel.Z
	obs[6] = b.rot
	obs[7] = float32(b.health / 100.0)
	obs[8] = float32(b.energy / 100.0)

	objs := ws.Objects
	if len(objs) > MaxNearbyObjects {
		objs = objs[:MaxNearbyObjects]
	}
	i := SelfFeatures
	for _, o := range objs {
		if o.Position == nil {
			continue
		}
		p := *o.Position
		rel := mat32.Vec3{X: p[0], Y: p[1], Z: p[2]}.Sub(b.pos)
		dist := rel.Length()
		if dist >= radius {
			continue
		}
		obs[i], obs[i+1], obs[i+2], obs[i+3] = rel.X, rel.Y, rel.Z, dist
		i += FeaturesPerObject
	}
	return obs
}
