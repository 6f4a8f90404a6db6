package tuning

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	Agent     Agent     `yaml:"agent" json:"agent"`
	Trainer   Trainer   `yaml:"trainer" json:"trainer"`
	Recorder  Recorder  `yaml:"recorder" json:"recorder"`
	Broadcast Broadcast `yaml:"broadcast" json:"broadcast"`
	Index     Index     `yaml:"index" json:"index"`
}

type Agent struct {
	MaxSpeed          float32 `yaml:"max_speed" json:"max_speed"`
	ObservationRadius float32 `yaml:"observation_radius" json:"observation_radius"`
	LongTermCapacity  int     `yaml:"long_term_capacity" json:"long_term_capacity"`
	LearningRate      float64 `yaml:"learning_rate" json:"learning_rate"`
}

type Trainer struct {
	ObsDim       int     `yaml:"obs_dim" json:"obs_dim"`
	ActionDim    int     `yaml:"action_dim" json:"action_dim"`
	Hidden       int     `yaml:"hidden" json:"hidden"`
	LearningRate float64 `yaml:"learning_rate" json:"learning_rate"`
	Gamma        float64 `yaml:"gamma" json:"gamma"`
	Epsilon      float64 `yaml:"epsilon" json:"epsilon"`
	NoiseSigma   float64 `yaml:"noise_sigma" json:"noise_sigma"`
	MinBatch     int     `yaml:"min_batch" json:"min_batch"`
	Epochs       int     `yaml:"epochs" json:"epochs"`
	MaxGradNorm  float64 `yaml:"max_grad_norm" json:"max_grad_norm"`
	ValueCoef    float64 `yaml:"value_coef" json:"value_coef"`
}

type Recorder struct {
	// EpisodesDir is resolved against the data dir when relative.
	EpisodesDir string `yaml:"episodes_dir" json:"episodes_dir"`
}

type Broadcast struct {
	QueueSize      int `yaml:"queue_size" json:"queue_size"`
	WriteTimeoutMs int `yaml:"write_timeout_ms" json:"write_timeout_ms"`
}

type Index struct {
	QueueSize int `yaml:"queue_size" json:"queue_size"`
}

func Defaults() Tuning {
	return Tuning{
		Agent: Agent{
			MaxSpeed:          5,
			ObservationRadius: 10,
			LongTermCapacity:  1000,
			LearningRate:      3e-4,
		},
		Trainer: Trainer{
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
		},
		Recorder:  Recorder{EpisodesDir: "episodes"},
		Broadcast: Broadcast{QueueSize: 64, WriteTimeoutMs: 2000},
		Index:     Index{QueueSize: 65536},
	}
}

// Load reads a YAML file over Defaults; keys missing from the file keep their default.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	var errs []error
	positive := func(name string, v float64) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0 (got %v)", name, v))
		}
	}
	positive("agent.max_speed", float64(t.Agent.MaxSpeed))
	positive("agent.observation_radius", float64(t.Agent.ObservationRadius))
	positive("agent.long_term_capacity", float64(t.Agent.LongTermCapacity))
	positive("trainer.obs_dim", float64(t.Trainer.ObsDim))
	positive("trainer.action_dim", float64(t.Trainer.ActionDim))
	positive("trainer.hidden", float64(t.Trainer.Hidden))
	positive("trainer.learning_rate", t.Trainer.LearningRate)
	positive("trainer.min_batch", float64(t.Trainer.MinBatch))
	positive("trainer.epochs", float64(t.Trainer.Epochs))
	positive("trainer.max_grad_norm", t.Trainer.MaxGradNorm)
	positive("trainer.epsilon", t.Trainer.Epsilon)
	positive("trainer.noise_sigma", t.Trainer.NoiseSigma)
	positive("trainer.value_coef", t.Trainer.ValueCoef)
	positive("broadcast.queue_size", float64(t.Broadcast.QueueSize))
	positive("broadcast.write_timeout_ms", float64(t.Broadcast.WriteTimeoutMs))
	positive("index.queue_size", float64(t.Index.QueueSize))
	if t.Trainer.Gamma <= 0 || t.Trainer.Gamma > 1 {
		errs = append(errs, fmt.Errorf("trainer.gamma must be in (0,1] (got %v)", t.Trainer.Gamma))
	}
	if t.Trainer.ObsDim != 29 {
		errs = append(errs, fmt.Errorf("trainer.obs_dim must match the observation size 29 (got %d)", t.Trainer.ObsDim))
	}
	if t.Trainer.ActionDim < 2 {
		errs = append(errs, fmt.Errorf("trainer.action_dim must be >= 2 (got %d)", t.Trainer.ActionDim))
	}
	if t.Recorder.EpisodesDir == "" {
		errs = append(errs, errors.New("recorder.episodes_dir must be set"))
	}
	return errors.Join(errs...)
}
