package protocol

import "encoding/json"

const Version = "1.0"

// Broadcast message types.
const (
	TypeAgentUpdate    = "agent_update"
	TypeAgentRemoved   = "agent_removed"
	TypeEpisodeStarted = "episode_started"
	TypeEpisodeEnded   = "episode_ended"
	TypeTrainingUpdate = "training_update"
)

// BaseMessage lets subscribers route broadcast messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
