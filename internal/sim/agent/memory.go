package agent

import "worldlab.ai/internal/protocol"

const (
	ShortTermCapacity       = 100
	DefaultLongTermCapacity = 1000
)

// Experience is one recorded step. It is stored by value and never mutated afterwards.
type Experience struct {
	Observation     Observation
	Action          protocol.Action
	Reward          float64
	NextObservation Observation
	Done            bool
}

type MemoryStats struct {
	ShortTermSize int `json:"short_term_size"`
	LongTermSize  int `json:"long_term_size"`
	EpisodicSize  int `json:"episodic_size"`
}

// Memory holds two recency windows over the same experience stream plus an episodic log of
// significant events.
type Memory struct {
	shortTerm *Ring[Experience]
	longTerm  *Ring[Experience]
	episodic  []map[string]any
}

func NewMemory(longTermCapacity int) *Memory {
	if longTermCapacity <= 0 {
		longTermCapacity = DefaultLongTermCapacity
	}
	return &Memory{
		shortTerm: NewRing[Experience](ShortTermCapacity),
		longTerm:  NewRing[Experience](longTermCapacity),
	}
}

func (m *Memory) AddExperience(obs Observation, act protocol.Action, reward float64, next Observation, done bool) {
	e := Experience{
		Observation:     obs,
		Action:          act,
		Reward:          reward,
		NextObservation: next,
		Done:            done,
	}
	m.shortTerm.Push(e)
	m.longTerm.Push(e)
}

// Recent returns up to n of the latest short-term experiences in chronological order.
func (m *Memory) Recent(n int) []Experience { return m.shortTerm.Last(n) }

// LongTerm returns up to n of the latest long-term experiences in chronological order.
func (m *Memory) LongTerm(n int) []Experience { return m.longTerm.Last(n) }

func (m *Memory) AddEpisodic(event map[string]any) {
	m.episodic = append(m.episodic, event)
}

func (m *Memory) Episodic() []map[string]any {
	out := make([]map[string]any, len(m.episodic))
	copy(out, m.episodic)
	return out
}

func (m *Memory) ClearEpisodic() { m.episodic = m.episodic[:0] }

func (m *Memory) Stats() MemoryStats {
	return MemoryStats{
		ShortTermSize: m.shortTerm.Len(),
		LongTermSize:  m.longTerm.Len(),
		EpisodicSize:  len(m.episodic),
	}
}
