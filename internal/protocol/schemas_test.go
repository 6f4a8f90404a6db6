package protocol_test

import (
	"encoding/json"
	"testing"

	"worldlab.ai/internal/protocol"
)

func TestSchemas_ValidateSamples(t *testing.T) {
	world := []byte(`{
	  "objects":[
	    {"id":"tree_1","type":"tree","position":[1,0,2]},
	    {"id":"sky","type":"backdrop"}
	  ],
	  "lighting":{"ambient":0.4}
	}`)
	if err := protocol.Validate(protocol.SchemaWorldSnapshot, world); err != nil {
		t.Fatalf("world: %v", err)
	}

	state, _ := json.Marshal(protocol.AgentState{
		ID:             "A1",
		Name:           "alice",
		Position:       [3]float32{0, 0.5, 0},
		Health:         100,
		Energy:         99.7,
		CurrentAction:  protocol.NameMoving,
		EmotionalState: protocol.EmotionNeutral,
	})
	if err := protocol.Validate(protocol.SchemaAgentState, state); err != nil {
		t.Fatalf("agent state: %v", err)
	}

	episode := []byte(`{
	  "episode_id":"e1",
	  "metadata":{"name":"demo"},
	  "start_time":"2026-01-02T03:04:05Z",
	  "end_time":null,
	  "num_frames":1,
	  "frames":[{"timestamp":0.5,"agents_state":[{}],"world_state":{},"events":[]}]
	}`)
	if err := protocol.Validate(protocol.SchemaEpisode, episode); err != nil {
		t.Fatalf("episode: %v", err)
	}
}

func TestSchemas_RejectBadPosition(t *testing.T) {
	bad := []byte(`{"objects":[{"position":[1,2]}]}`)
	if err := protocol.Validate(protocol.SchemaWorldSnapshot, bad); err == nil {
		t.Fatalf("expected 2-component position to be rejected")
	}
	state := []byte(`{"id":"A1","name":"a","position":[0,0,0],"velocity":[0,0,0],"rotation":0,
	  "health":120,"energy":50,"current_action":"idle","emotional_state":"neutral"}`)
	if err := protocol.Validate(protocol.SchemaAgentState, state); err == nil {
		t.Fatalf("expected health above 100 to be rejected")
	}
}

func TestDecodeWorldSnapshot(t *testing.T) {
	ws, err := protocol.DecodeWorldSnapshot([]byte(`{"objects":[{"position":[1,2,3]},{"type":"light"}]}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(ws.Objects) != 2 {
		t.Fatalf("objects=%d want 2", len(ws.Objects))
	}
	if ws.Objects[0].Position == nil || ws.Objects[0].Position[2] != 3 {
		t.Fatalf("unexpected first object: %+v", ws.Objects[0])
	}
	if ws.Objects[1].Position != nil {
		t.Fatalf("expected missing position to stay nil")
	}

	empty, err := protocol.DecodeWorldSnapshot(nil)
	if err != nil || len(empty.Objects) != 0 {
		t.Fatalf("empty decode: %+v %v", empty, err)
	}
}
