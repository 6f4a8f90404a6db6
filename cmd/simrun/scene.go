package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"worldlab.ai/internal/protocol"
)

type Scene struct {
	Name         string        `yaml:"name"`
	Ticks        int           `yaml:"ticks"`
	TrainEvery   int           `yaml:"train_every"`
	EpisodeTicks int           `yaml:"episode_ticks"`
	Record       bool          `yaml:"record"`
	Objects      []SceneObject `yaml:"objects"`
	Agents       []SceneAgent  `yaml:"agents"`
}

type SceneObject struct {
	ID       string     `yaml:"id"`
	Type     string     `yaml:"type"`
	Position [3]float32 `yaml:"position"`
}

type SceneAgent struct {
	Name      string      `yaml:"name"`
	Goal      string      `yaml:"goal"`
	Position  *[3]float32 `yaml:"position"`
	Heuristic bool        `yaml:"heuristic"`
}

func LoadScene(path string) (Scene, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Scene{}, err
	}
	var s Scene
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return Scene{}, fmt.Errorf("scene %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return Scene{}, fmt.Errorf("scene %s: %w", path, err)
	}
	return s, nil
}

func (s Scene) Validate() error {
	var errs []error
	if s.Ticks <= 0 {
		errs = append(errs, errors.New("ticks must be > 0"))
	}
	if s.TrainEvery < 0 || s.EpisodeTicks < 0 {
		errs = append(errs, errors.New("train_every and episode_ticks must be >= 0"))
	}
	if len(s.Agents) == 0 {
		errs = append(errs, errors.New("no agents"))
	}
	for i, a := range s.Agents {
		if a.Name == "" {
			errs = append(errs, fmt.Errorf("agents[%d]: empty name", i))
		}
	}
	return errors.Join(errs...)
}

// World returns the static snapshot every agent perceives, plus its JSON form for frames.
func (s Scene) World() (protocol.WorldSnapshot, json.RawMessage, error) {
	ws := protocol.WorldSnapshot{Objects: make([]protocol.SceneObject, 0, len(s.Objects))}
	for _, o := range s.Objects {
		pos := o.Position
		ws.Objects = append(ws.Objects, protocol.SceneObject{ID: o.ID, Type: o.Type, Position: &pos})
	}
	raw, err := json.Marshal(ws)
	if err != nil {
		return ws, nil, err
	}
	return ws, raw, nil
}
