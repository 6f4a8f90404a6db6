package protocol

import "encoding/json"

type CreateAgentRequest struct {
	Name        string      `json:"name"`
	Goal        string      `json:"goal"`
	Personality string      `json:"personality,omitempty"`
	Position    *[3]float32 `json:"position,omitempty"`
	// Heuristic agents have no trainer and pick actions by sampling.
	Heuristic bool `json:"heuristic,omitempty"`
}

type StepRequest struct {
	WorldState json.RawMessage `json:"world_state"`
	// Done marks the transition as the last one of a training episode.
	Done bool `json:"done,omitempty"`
}

type StepResponse struct {
	AgentState AgentState `json:"agent_state"`
	Action     Action     `json:"action"`
	Reward     float64    `json:"reward"`
}

type TrainMetrics struct {
	Loss       float64 `json:"loss"`
	PolicyLoss float64 `json:"policy_loss"`
	ValueLoss  float64 `json:"value_loss"`
	MeanReturn float64 `json:"mean_return"`
}

type TrainerStats struct {
	TrainingSteps    int     `json:"training_steps"`
	BufferSize       int     `json:"buffer_size"`
	AvgEpisodeReward float64 `json:"avg_episode_reward"`
}

type TrainResponse struct {
	Metrics TrainMetrics `json:"metrics"`
	Stats   TrainerStats `json:"stats"`
	Skipped bool         `json:"skipped,omitempty"`
}

type StartEpisodeRequest struct {
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type LogFrameRequest struct {
	Timestamp   float64           `json:"timestamp"`
	AgentsState []json.RawMessage `json:"agents_state"`
	WorldState  json.RawMessage   `json:"world_state"`
	Events      []json.RawMessage `json:"events,omitempty"`
}

// Broadcast envelopes.

type AgentUpdateMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	Agent           AgentState `json:"agent"`
	Action          Action     `json:"action"`
	Reward          float64    `json:"reward"`
}

type AgentRemovedMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	AgentID         string `json:"agent_id"`
}

type EpisodeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	EpisodeID       string `json:"episode_id"`
	Frames          int    `json:"num_frames,omitempty"`
}

type TrainingUpdateMsg struct {
	Type            string       `json:"type"`
	ProtocolVersion string       `json:"protocol_version"`
	AgentID         string       `json:"agent_id"`
	Metrics         TrainMetrics `json:"metrics"`
	Stats           TrainerStats `json:"stats"`
}
