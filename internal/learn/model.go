// Package learn implements a small on-policy learner: a policy/value approximator trained from
// a buffer of transitions with discounted, normalized returns.
//
// The update is a loose approximation of PPO. Advantages use the value estimate captured at
// action-selection time, returns are normalized across the whole buffer even when it spans
// several episodes, and log-probabilities are placeholders. Numeric outputs depend on these
// choices.
package learn

import (
	"errors"
	"sort"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrCheckpoint marks checkpoints that are missing, corrupt or do not fit the model.
	ErrCheckpoint = errors.New("invalid checkpoint")
	// ErrNonFinite is returned when an optimization pass produces NaN or Inf.
	ErrNonFinite = errors.New("non-finite loss or gradient")
	// ErrShape is returned for transitions whose vectors do not match the trainer dimensions.
	ErrShape = errors.New("transition shape mismatch")
)

// Params is a named set of parameter matrices. Biases are 1xN rows.
type Params map[string]*mat.Dense

// Names returns the parameter names in a stable order.
func (p Params) Names() []string {
	names := make([]string, 0, len(p))
	for k := range p {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Clone deep-copies every matrix.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, m := range p {
		out[k] = mat.DenseCopyOf(m)
	}
	return out
}

// Approximator maps an observation to a continuous action in [-1, 1] and a scalar value.
type Approximator interface {
	Predict(obs []float64) (action []float64, value float64)
}

// Batch is one optimization pass worth of data. Row i of every field is one transition.
type Batch struct {
	Observations *mat.Dense
	Actions      *mat.Dense
	Returns      []float64
	Advantages   []float64
}

type Loss struct {
	Total  float64
	Policy float64
	Value  float64
}

// Model is an Approximator the trainer can optimize. Weights returns the live parameters so
// the optimizer can update them in place.
type Model interface {
	Approximator
	Gradients(b Batch, valueCoef float64) (Loss, Params)
	Weights() Params
	SetWeights(Params) error
}
