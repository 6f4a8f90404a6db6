package protocol

// Action kinds.
const (
	ActionMove     = "move"
	ActionInteract = "interact"
	ActionIdle     = "idle"
	ActionRest     = "rest"
)

// Action display names (also the agent's current action label).
const (
	NameMoving      = "moving"
	NameInteracting = "interacting"
	NameIdle        = "idle"
	NameResting     = "resting"
)

// Emotional states.
const (
	EmotionHappy      = "happy"
	EmotionNeutral    = "neutral"
	EmotionFrustrated = "frustrated"
)

type Action struct {
	Type     string     `json:"type"`
	Movement [3]float32 `json:"movement"`
	Name     string     `json:"name"`
}

type AgentState struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Position       [3]float32 `json:"position"`
	Velocity       [3]float32 `json:"velocity"`
	Rotation       float32    `json:"rotation"`
	Health         float64    `json:"health"`
	Energy         float64    `json:"energy"`
	Goal           string     `json:"goal"`
	CurrentAction  string     `json:"current_action"`
	EmotionalState string     `json:"emotional_state"`
}
