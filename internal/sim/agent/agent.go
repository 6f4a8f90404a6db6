package agent

import (
	"math/rand/v2"

	"github.com/goki/mat32"
	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat/distuv"

	"worldlab.ai/internal/protocol"
)

const (
	MaxHealth = 100.0
	MaxEnergy = 100.0

	// LowEnergy is the threshold under which the agent always rests and is penalized.
	LowEnergy = 20.0

	// DefaultDT is one frame at 60 Hz.
	DefaultDT = 1.0 / 60.0

	BoundaryRadius = 10.0
	MinMoveSpeed   = 0.5
)

var spawnPosition = mat32.Vec3{X: 0, Y: 0.5, Z: 0}

type Config struct {
	Name              string
	Goal              string
	Personality       string
	LearningRate      float64
	MaxSpeed          float32
	ObservationRadius float32
	LongTermCapacity  int

	// Seed drives action sampling; 0 picks a random seed.
	Seed uint64
}

func (c *Config) applyDefaults() {
	if c.Personality == "" {
		c.Personality = "neutral"
	}
	if c.LearningRate <= 0 {
		c.LearningRate = 3e-4
	}
	if c.MaxSpeed <= 0 {
		c.MaxSpeed = 5
	}
	if c.ObservationRadius <= 0 {
		c.ObservationRadius = 10
	}
	if c.LongTermCapacity <= 0 {
		c.LongTermCapacity = DefaultLongTermCapacity
	}
}

type body struct {
	pos    mat32.Vec3
	vel    mat32.Vec3
	rot    float32
	health float64
	energy float64
}

// Agent is an embodied agent. It is not safe for concurrent use: callers serialize steps per
// agent.
type Agent struct {
	ID     string
	cfg    Config
	Memory *Memory

	body

	currentAction  string
	emotionalState string

	totalReward float64
	steps       int

	src      rand.Source
	kind     distuv.Categorical
	dirNoise distuv.Normal
	speed    distuv.Uniform
}

type Stats struct {
	TotalReward float64     `json:"total_reward"`
	Steps       int         `json:"episode_steps"`
	Memory      MemoryStats `json:"memory"`
}

var actionKinds = [...]string{protocol.ActionMove, protocol.ActionInteract, protocol.ActionIdle}

func New(cfg Config) *Agent {
	cfg.applyDefaults()
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	src := rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
	a := &Agent{
		ID:     uuid.NewString(),
		cfg:    cfg,
		Memory: NewMemory(cfg.LongTermCapacity),
		src:    src,
		kind:   distuv.NewCategorical([]float64{0.7, 0.2, 0.1}, src),
		dirNoise: distuv.Normal{
			Mu:    0,
			Sigma: 1,
			Src:   src,
		},
		speed: distuv.Uniform{
			Min: MinMoveSpeed,
			Max: float64(cfg.MaxSpeed),
			Src: src,
		},
	}
	a.resetBody(spawnPosition)
	return a
}

func (a *Agent) Config() Config { return a.cfg }

func (a *Agent) resetBody(pos mat32.Vec3) {
	a.body = body{
		pos:    pos,
		health: MaxHealth,
		energy: MaxEnergy,
	}
	a.currentAction = protocol.NameIdle
	a.emotionalState = protocol.EmotionNeutral
	a.totalReward = 0
	a.steps = 0
}

// SetPosition teleports the agent; used when spawning at a requested location.
func (a *Agent) SetPosition(p [3]float32) {
	a.pos = mat32.Vec3{X: p[0], Y: p[1], Z: p[2]}
}

func (a *Agent) Energy() float64 { return a.energy }
func (a *Agent) Health() float64 { return a.health }

// SetEnergy is clamped to [0, MaxEnergy].
func (a *Agent) SetEnergy(e float64) { a.energy = clamp(e, 0, MaxEnergy) }

// Perceive encodes the snapshot from the agent's current body state.
func (a *Agent) Perceive(ws protocol.WorldSnapshot) Observation {
	return encodeObservation(a.body, ws, a.cfg.ObservationRadius)
}

// DecideAction drains 0.1 energy and then picks an action. Low energy forces rest regardless
// of the sampled policy.
func (a *Agent) DecideAction(_ Observation) protocol.Action {
	a.energy = max(0, a.energy-0.1)

	if a.energy < LowEnergy {
		return protocol.Action{Type: protocol.ActionRest, Name: protocol.NameResting}
	}

	switch actionKinds[int(a.kind.Rand())] {
	case protocol.ActionMove:
		dir := mat32.Vec3{X: float32(a.dirNoise.Rand()), Y: 0, Z: float32(a.dirNoise.Rand())}
		dir = dir.MulScalar(1 / (dir.Length() + 1e-8))
		mv := dir.MulScalar(float32(a.speed.Rand()))
		return protocol.Action{
			Type:     protocol.ActionMove,
			Movement: [3]float32{mv.X, 0, mv.Z},
			Name:     protocol.NameMoving,
		}
	case protocol.ActionInteract:
		return protocol.Action{Type: protocol.ActionInteract, Name: protocol.NameInteracting}
	default:
		return protocol.Action{Type: protocol.ActionIdle, Name: protocol.NameIdle}
	}
}

// Act applies the action over dt seconds (DefaultDT when dt <= 0).
func (a *Agent) Act(act protocol.Action, dt float32) {
	if dt <= 0 {
		dt = DefaultDT
	}
	a.currentAction = act.Name
	if a.currentAction == "" {
		a.currentAction = protocol.NameIdle
	}

	switch act.Type {
	case protocol.ActionMove:
		mv := mat32.Vec3{X: act.Movement[0], Y: act.Movement[1], Z: act.Movement[2]}
		a.vel = mv
		a.pos = a.pos.Add(a.vel.MulScalar(dt))
		// Near-zero moves keep the previous heading.
		if mv.Length() > 0.01 {
			a.rot = mat32.Atan2(mv.Z, mv.X)
		}
		a.energy = max(0, a.energy-0.2)
	case protocol.ActionRest:
		a.vel = mat32.Vec3{}
		a.energy = min(MaxEnergy, a.energy+1.0)
	case protocol.ActionInteract:
		a.vel = mat32.Vec3{}
		a.energy = max(0, a.energy-0.5)
	}
	a.health = clamp(a.health, 0, MaxHealth)
	a.steps++
}

// CalculateReward scores the current state. Terms are independent and summed.
func (a *Agent) CalculateReward(_ protocol.WorldSnapshot) float64 {
	r := 0.1
	if a.energy < LowEnergy {
		r -= 0.5
	}
	if a.currentAction == protocol.NameIdle {
		r -= 0.05
	}
	if a.currentAction == protocol.NameInteracting {
		r += 0.3
	}
	if mat32.NewVec2(a.pos.X, a.pos.Z).Length() > BoundaryRadius {
		r -= 1.0
	}
	a.totalReward += r
	return r
}

// UpdateEmotionalState labels the mean reward of the last ten short-term experiences.
func (a *Agent) UpdateEmotionalState() string {
	recent := a.Memory.Recent(10)
	if len(recent) == 0 {
		a.emotionalState = protocol.EmotionNeutral
		return a.emotionalState
	}
	var sum float64
	for _, e := range recent {
		sum += e.Reward
	}
	mean := sum / float64(len(recent))
	switch {
	case mean > 0.2:
		a.emotionalState = protocol.EmotionHappy
	case mean < -0.2:
		a.emotionalState = protocol.EmotionFrustrated
	default:
		a.emotionalState = protocol.EmotionNeutral
	}
	return a.emotionalState
}

// Reset restores the initial body and counters. Short and long-term memory survive; the
// episodic log is cleared.
func (a *Agent) Reset(pos *[3]float32) {
	p := spawnPosition
	if pos != nil {
		p = mat32.Vec3{X: pos[0], Y: pos[1], Z: pos[2]}
	}
	a.resetBody(p)
	a.Memory.ClearEpisodic()
}

func (a *Agent) State() protocol.AgentState {
	return protocol.AgentState{
		ID:             a.ID,
		Name:           a.cfg.Name,
		Position:       [3]float32{a.pos.X, a.pos.Y, a.pos.Z},
		Velocity:       [3]float32{a.vel.X, a.vel.Y, a.vel.Z},
		Rotation:       a.rot,
		Health:         a.health,
		Energy:         a.energy,
		Goal:           a.cfg.Goal,
		CurrentAction:  a.currentAction,
		EmotionalState: a.emotionalState,
	}
}

func (a *Agent) Stats() Stats {
	return Stats{
		TotalReward: a.totalReward,
		Steps:       a.steps,
		Memory:      a.Memory.Stats(),
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
