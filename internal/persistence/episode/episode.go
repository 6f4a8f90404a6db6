// Package episode records simulation runs frame by frame and stores each finished run as one
// compressed JSON document.
package episode

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNoActiveEpisode is returned by LogFrame and End when nothing is being recorded.
	ErrNoActiveEpisode = errors.New("no active episode")
	ErrNotFound        = errors.New("episode not found")
	ErrInvalidID       = errors.New("invalid episode id")
)

type Frame struct {
	Timestamp   float64           `json:"timestamp"`
	AgentsState []json.RawMessage `json:"agents_state"`
	WorldState  json.RawMessage   `json:"world_state"`
	Events      []json.RawMessage `json:"events"`
}

// normalized fills the empty collections so the persisted document never carries nulls
// where arrays or objects are expected.
func (f Frame) normalized() Frame {
	if f.AgentsState == nil {
		f.AgentsState = []json.RawMessage{}
	}
	if len(f.WorldState) == 0 || string(f.WorldState) == "null" {
		f.WorldState = json.RawMessage(`{}`)
	}
	if f.Events == nil {
		f.Events = []json.RawMessage{}
	}
	return f
}

// Episode is the persisted record. EndTime is nil while recording.
type Episode struct {
	ID        string         `json:"episode_id"`
	Metadata  map[string]any `json:"metadata"`
	StartTime time.Time      `json:"start_time"`
	EndTime   *time.Time     `json:"end_time"`
	NumFrames int            `json:"num_frames"`
	Frames    []Frame        `json:"frames"`
}

// Summary is an Episode without its frames.
type Summary struct {
	ID        string         `json:"episode_id"`
	Metadata  map[string]any `json:"metadata"`
	StartTime time.Time      `json:"start_time"`
	EndTime   *time.Time     `json:"end_time"`
	NumFrames int            `json:"num_frames"`
	Duration  float64        `json:"duration"`
}

func (e *Episode) Summary() Summary {
	s := Summary{
		ID:        e.ID,
		Metadata:  e.Metadata,
		StartTime: e.StartTime,
		EndTime:   e.EndTime,
		NumFrames: len(e.Frames),
	}
	if e.EndTime != nil {
		s.Duration = e.EndTime.Sub(e.StartTime).Seconds()
	}
	return s
}
