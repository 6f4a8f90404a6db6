package learn

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

type Config struct {
	ObsDim       int
	ActionDim    int
	Hidden       int
	LearningRate float64
	Gamma        float64
	// Epsilon is the PPO clip range. It is carried in checkpoints and stats but the
	// simplified objective does not clip ratios.
	Epsilon     float64
	NoiseSigma  float64
	MinBatch    int
	Epochs      int
	MaxGradNorm float64
	ValueCoef   float64

	// Seed drives weight init and exploration noise; 0 picks a random seed.
	Seed uint64
}

func DefaultConfig() Config {
	return Config{
		ObsDim:       29,
		ActionDim:    3,
		Hidden:       64,
		LearningRate: 3e-4,
		Gamma:        0.99,
		Epsilon:      0.2,
		NoiseSigma:   0.1,
		MinBatch:     10,
		Epochs:       4,
		MaxGradNorm:  0.5,
		ValueCoef:    0.5,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.ObsDim <= 0 {
		c.ObsDim = d.ObsDim
	}
	if c.ActionDim <= 0 {
		c.ActionDim = d.ActionDim
	}
	if c.Hidden <= 0 {
		c.Hidden = d.Hidden
	}
	if c.LearningRate <= 0 {
		c.LearningRate = d.LearningRate
	}
	if c.Gamma <= 0 {
		c.Gamma = d.Gamma
	}
	if c.Epsilon <= 0 {
		c.Epsilon = d.Epsilon
	}
	if c.NoiseSigma <= 0 {
		c.NoiseSigma = d.NoiseSigma
	}
	if c.MinBatch <= 0 {
		c.MinBatch = d.MinBatch
	}
	if c.Epochs <= 0 {
		c.Epochs = d.Epochs
	}
	if c.MaxGradNorm <= 0 {
		c.MaxGradNorm = d.MaxGradNorm
	}
	if c.ValueCoef <= 0 {
		c.ValueCoef = d.ValueCoef
	}
}

type Metrics struct {
	Loss       float64 `json:"loss"`
	PolicyLoss float64 `json:"policy_loss"`
	ValueLoss  float64 `json:"value_loss"`
	MeanReturn float64 `json:"mean_return"`
}

type Stats struct {
	TrainingSteps    int     `json:"training_steps"`
	BufferSize       int     `json:"buffer_size"`
	AvgEpisodeReward float64 `json:"avg_episode_reward"`
}

const episodeRewardWindow = 100

// Trainer buffers transitions for one agent and periodically fits its model to them. It is
// not safe for concurrent use; StoreTransition and Update must not interleave.
type Trainer struct {
	cfg   Config
	model Model
	opt   *Adam
	buf   TransitionBuffer
	noise distuv.Normal

	trainingSteps  int
	episodeRewards []float64
}

func NewTrainer(cfg Config) *Trainer {
	cfg.applyDefaults()
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	src := rand.NewPCG(seed, seed^0xbf58476d1ce4e5b9)
	return NewTrainerWithModel(cfg, NewMLP(cfg.ObsDim, cfg.ActionDim, cfg.Hidden, src), src)
}

// NewTrainerWithModel lets callers substitute any Model for the default MLP.
func NewTrainerWithModel(cfg Config, m Model, src rand.Source) *Trainer {
	cfg.applyDefaults()
	return &Trainer{
		cfg:   cfg,
		model: m,
		opt:   NewAdam(cfg.LearningRate),
		noise: distuv.Normal{Mu: 0, Sigma: cfg.NoiseSigma, Src: src},
	}
}

func (t *Trainer) Config() Config { return t.cfg }
func (t *Trainer) Model() Model   { return t.model }

func (t *Trainer) TrainingSteps() int { return t.trainingSteps }
func (t *Trainer) BufferLen() int     { return t.buf.Len() }

// Ready reports whether Update would run an optimization step.
func (t *Trainer) Ready() bool { return t.buf.Len() >= t.cfg.MinBatch }

// SelectAction returns a noisy action clipped to [-1, 1], a placeholder log-probability of 0
// and the model's value estimate.
func (t *Trainer) SelectAction(obs []float64) ([]float64, float64, float64) {
	action, value := t.model.Predict(obs)
	out := make([]float64, len(action))
	for i, a := range action {
		out[i] = math.Max(-1, math.Min(1, a+t.noise.Rand()))
	}
	return out, 0, value
}

// CheckShape reports whether a transition with these vectors would be accepted.
func (t *Trainer) CheckShape(obs, action []float64) error {
	if len(obs) != t.cfg.ObsDim {
		return fmt.Errorf("%w: observation has %d values want %d", ErrShape, len(obs), t.cfg.ObsDim)
	}
	if len(action) != t.cfg.ActionDim {
		return fmt.Errorf("%w: action has %d values want %d", ErrShape, len(action), t.cfg.ActionDim)
	}
	return nil
}

func (t *Trainer) StoreTransition(tr Transition) error {
	if err := t.CheckShape(tr.Observation, tr.Action); err != nil {
		return err
	}
	t.buf.Append(tr)
	return nil
}

// ComputeReturns walks the buffer backwards accumulating R = reward + gamma*R, zeroing R at
// every done entry first, then normalizes the whole sequence to zero mean and unit variance.
func (t *Trainer) ComputeReturns() []float64 {
	n := t.buf.Len()
	returns := make([]float64, n)
	var r float64
	for i := n - 1; i >= 0; i-- {
		if t.buf.dones[i] {
			r = 0
		}
		r = t.buf.rewards[i] + t.cfg.Gamma*r
		returns[i] = r
	}
	if n == 0 {
		return returns
	}
	mean, std := stat.PopMeanStdDev(returns, nil)
	for i := range returns {
		returns[i] = (returns[i] - mean) / (std + 1e-8)
	}
	return returns
}

// Update runs Epochs optimization passes over the whole buffer and clears it. With fewer
// than MinBatch transitions it does nothing and returns zero metrics. On error the model,
// optimizer, step counter and buffer are left as they were.
func (t *Trainer) Update() (Metrics, error) {
	n := t.buf.Len()
	if n < t.cfg.MinBatch {
		return Metrics{}, nil
	}

	returns := t.ComputeReturns()
	batch := Batch{
		Observations: mat.NewDense(n, t.cfg.ObsDim, nil),
		Actions:      mat.NewDense(n, t.cfg.ActionDim, nil),
		Returns:      returns,
		Advantages:   make([]float64, n),
	}
	for i := 0; i < n; i++ {
		batch.Observations.SetRow(i, t.buf.observations[i])
		batch.Actions.SetRow(i, t.buf.actions[i])
		// Advantages use the value recorded at selection time for every epoch.
		batch.Advantages[i] = returns[i] - t.buf.values[i]
	}

	saved := t.model.Weights().Clone()
	optT, optM, optV := t.opt.state()
	rollback := func() {
		_ = t.model.SetWeights(saved)
		t.opt.restore(optT, optM, optV)
	}

	var loss Loss
	for epoch := 0; epoch < t.cfg.Epochs; epoch++ {
		var grads Params
		loss, grads = t.model.Gradients(batch, t.cfg.ValueCoef)
		if math.IsNaN(loss.Total) || math.IsInf(loss.Total, 0) || !finiteParams(grads) {
			rollback()
			return Metrics{}, fmt.Errorf("update epoch %d: %w", epoch, ErrNonFinite)
		}
		clipGradNorm(grads, t.cfg.MaxGradNorm)
		t.opt.Step(t.model.Weights(), grads)
		if !finiteParams(t.model.Weights()) {
			rollback()
			return Metrics{}, fmt.Errorf("update epoch %d: %w", epoch, ErrNonFinite)
		}
	}

	t.trainingSteps++
	t.buf.Reset()
	return Metrics{
		Loss:       loss.Total,
		PolicyLoss: loss.Policy,
		ValueLoss:  loss.Value,
		MeanReturn: stat.Mean(returns, nil),
	}, nil
}

// RecordEpisodeReward feeds the rolling average reported by Stats.
func (t *Trainer) RecordEpisodeReward(r float64) {
	t.episodeRewards = append(t.episodeRewards, r)
	if len(t.episodeRewards) > episodeRewardWindow {
		t.episodeRewards = t.episodeRewards[len(t.episodeRewards)-episodeRewardWindow:]
	}
}

func (t *Trainer) Stats() Stats {
	s := Stats{TrainingSteps: t.trainingSteps, BufferSize: t.buf.Len()}
	if len(t.episodeRewards) > 0 {
		s.AvgEpisodeReward = stat.Mean(t.episodeRewards, nil)
	}
	return s
}
