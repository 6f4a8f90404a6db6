package protocol

// WorldSnapshot is what an agent perceives on each tick. Producers (scene generator, physics
// wrapper, callers of the REST surface) may attach extra keys; only Objects is read here.
type WorldSnapshot struct {
	Objects []SceneObject `json:"objects"`
}

// SceneObject is one entry of WorldSnapshot.Objects. Objects without a position are not
// perceivable.
type SceneObject struct {
	ID       string      `json:"id,omitempty"`
	Type     string      `json:"type,omitempty"`
	Position *[3]float32 `json:"position,omitempty"`
}
