package learn

// Transition is one buffered step.
type Transition struct {
	Observation []float64
	Action      []float64
	Reward      float64
	Value       float64
	LogProb     float64
	Done        bool
}

// TransitionBuffer stores transitions as parallel sequences. Append is the only way to grow
// it, so all six sequences always have the same length.
type TransitionBuffer struct {
	observations [][]float64
	actions      [][]float64
	rewards      []float64
	values       []float64
	logProbs     []float64
	dones        []bool
}

func (b *TransitionBuffer) Append(t Transition) {
	b.observations = append(b.observations, append([]float64(nil), t.Observation...))
	b.actions = append(b.actions, append([]float64(nil), t.Action...))
	b.rewards = append(b.rewards, t.Reward)
	b.values = append(b.values, t.Value)
	b.logProbs = append(b.logProbs, t.LogProb)
	b.dones = append(b.dones, t.Done)
}

func (b *TransitionBuffer) Len() int { return len(b.rewards) }

func (b *TransitionBuffer) Reset() {
	b.observations = b.observations[:0]
	b.actions = b.actions[:0]
	b.rewards = b.rewards[:0]
	b.values = b.values[:0]
	b.logProbs = b.logProbs[:0]
	b.dones = b.dones[:0]
}

// lens reports the length of each sequence; used to assert the invariant in tests.
func (b *TransitionBuffer) lens() [6]int {
	return [6]int{
		len(b.observations),
		len(b.actions),
		len(b.rewards),
		len(b.values),
		len(b.logProbs),
		len(b.dones),
	}
}
