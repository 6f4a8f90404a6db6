// Package lab owns every live agent, its trainer, the episode recorder and the sinks that
// observe them. One Lab is opened at process start and closed at shutdown.
package lab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"worldlab.ai/internal/learn"
	"worldlab.ai/internal/persistence/episode"
	"worldlab.ai/internal/persistence/indexdb"
	persistlog "worldlab.ai/internal/persistence/log"
	"worldlab.ai/internal/protocol"
	"worldlab.ai/internal/sim/agent"
	"worldlab.ai/internal/sim/tuning"
)

var (
	ErrAgentNotFound = errors.New("agent not found")
	// ErrNoTrainer is returned for training operations on heuristic agents.
	ErrNoTrainer = errors.New("agent has no trainer")
)

// Broadcaster receives best-effort state pushes.
type Broadcaster interface {
	Broadcast(v any) int
}

type Options struct {
	DataDir string
	Tuning  tuning.Tuning
	// Seed makes agents and trainers deterministic; 0 seeds them randomly.
	Seed        uint64
	Logger      *log.Logger
	Broadcaster Broadcaster

	DisableIndex bool
	DisableLogs  bool
}

type Lab struct {
	tune    tuning.Tuning
	dataDir string
	log     *log.Logger
	bcast   Broadcaster

	store    *episode.Store
	recorder *episode.Recorder
	steps    *persistlog.StepLogger
	train    *persistlog.TrainLogger
	index    *indexdb.SQLiteIndex

	seed     uint64
	seedNext atomic.Uint64

	mu      sync.RWMutex
	entries map[string]*entry

	stepsTotal   atomic.Uint64
	updatesTotal atomic.Uint64
	closeOnce    sync.Once
}

type entry struct {
	mu      sync.Mutex
	agent   *agent.Agent
	trainer *learn.Trainer

	// reward accumulated since the last done step
	episodeReward float64
}

func Open(opts Options) (*Lab, error) {
	if opts.DataDir == "" {
		return nil, errors.New("lab: empty data dir")
	}
	if err := opts.Tuning.Validate(); err != nil {
		return nil, fmt.Errorf("lab: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	epDir := opts.Tuning.Recorder.EpisodesDir
	if !filepath.IsAbs(epDir) {
		epDir = filepath.Join(opts.DataDir, epDir)
	}
	store, err := episode.OpenStore(epDir, logger)
	if err != nil {
		return nil, err
	}

	l := &Lab{
		tune:     opts.Tuning,
		dataDir:  opts.DataDir,
		log:      logger,
		bcast:    opts.Broadcaster,
		store:    store,
		recorder: episode.NewRecorder(store),
		seed:     opts.Seed,
		entries:  map[string]*entry{},
	}
	if !opts.DisableLogs {
		l.steps = persistlog.NewStepLogger(opts.DataDir)
		l.train = persistlog.NewTrainLogger(opts.DataDir)
	}
	if !opts.DisableIndex {
		idx, err := indexdb.OpenSQLite(filepath.Join(opts.DataDir, "index", "lab.sqlite"), opts.Tuning.Index.QueueSize)
		if err != nil {
			l.closeLogs()
			return nil, fmt.Errorf("lab: open index: %w", err)
		}
		if err := idx.UpsertConfig("tuning", opts.Tuning); err != nil {
			logger.Printf("index: upsert tuning: %v", err)
		}
		l.index = idx
	}
	return l, nil
}

// Close saves an episode still being recorded, then flushes and closes the logs and index.
func (l *Lab) Close() error {
	var errs []error
	l.closeOnce.Do(func() {
		if id, frames, ok := l.recorder.Active(); ok {
			if _, err := l.EndEpisode(); err != nil {
				errs = append(errs, err)
			} else {
				l.log.Printf("lab: saved episode %s (%d frames) on shutdown", id, frames)
			}
		}
		errs = append(errs, l.closeLogs())
		if l.index != nil {
			errs = append(errs, l.index.Close())
		}
	})
	return errors.Join(errs...)
}

func (l *Lab) closeLogs() error {
	var errs []error
	if l.steps != nil {
		errs = append(errs, l.steps.Close())
	}
	if l.train != nil {
		errs = append(errs, l.train.Close())
	}
	return errors.Join(errs...)
}

func (l *Lab) Tuning() tuning.Tuning           { return l.tune }
func (l *Lab) Index() *indexdb.SQLiteIndex     { return l.index }
func (l *Lab) Episodes() *episode.Store        { return l.store }
func (l *Lab) Recorder() *episode.Recorder     { return l.recorder }
func (l *Lab) CheckpointPath(id string) string { return filepath.Join(l.dataDir, "checkpoints", id+".ckpt.zst") }

func (l *Lab) nextSeed() uint64 {
	if l.seed == 0 {
		return 0
	}
	return l.seed + l.seedNext.Add(1)*0x9e3779b97f4a7c15
}

func (l *Lab) broadcast(v any) {
	if l.bcast != nil {
		l.bcast.Broadcast(v)
	}
}

func (l *Lab) get(id string) (*entry, error) {
	l.mu.RLock()
	e, ok := l.entries[id]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return e, nil
}

func (l *Lab) CreateAgent(req protocol.CreateAgentRequest) (protocol.AgentState, error) {
	if req.Name == "" {
		return protocol.AgentState{}, errors.New("create agent: name is required")
	}
	at := l.tune.Agent
	a := agent.New(agent.Config{
		Name:              req.Name,
		Goal:              req.Goal,
		Personality:       req.Personality,
		LearningRate:      at.LearningRate,
		MaxSpeed:          at.MaxSpeed,
		ObservationRadius: at.ObservationRadius,
		LongTermCapacity:  at.LongTermCapacity,
		Seed:              l.nextSeed(),
	})
	if req.Position != nil {
		a.SetPosition(*req.Position)
	}
	e := &entry{agent: a}
	if !req.Heuristic {
		tt := l.tune.Trainer
		e.trainer = learn.NewTrainer(learn.Config{
			ObsDim:       tt.ObsDim,
			ActionDim:    tt.ActionDim,
			Hidden:       tt.Hidden,
			LearningRate: tt.LearningRate,
			Gamma:        tt.Gamma,
			Epsilon:      tt.Epsilon,
			NoiseSigma:   tt.NoiseSigma,
			MinBatch:     tt.MinBatch,
			Epochs:       tt.Epochs,
			MaxGradNorm:  tt.MaxGradNorm,
			ValueCoef:    tt.ValueCoef,
			Seed:         l.nextSeed(),
		})
	}

	l.mu.Lock()
	l.entries[a.ID] = e
	l.mu.Unlock()
	return a.State(), nil
}

// ListAgents returns every agent ordered by name, then id.
func (l *Lab) ListAgents() []protocol.AgentState {
	l.mu.RLock()
	es := make([]*entry, 0, len(l.entries))
	for _, e := range l.entries {
		es = append(es, e)
	}
	l.mu.RUnlock()

	out := make([]protocol.AgentState, 0, len(es))
	for _, e := range es {
		e.mu.Lock()
		out = append(out, e.agent.State())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (l *Lab) Agent(id string) (protocol.AgentState, error) {
	e, err := l.get(id)
	if err != nil {
		return protocol.AgentState{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.agent.State(), nil
}

type AgentStats struct {
	Agent   agent.Stats  `json:"agent"`
	Trainer *learn.Stats `json:"trainer,omitempty"`
}

func (l *Lab) AgentStats(id string) (AgentStats, error) {
	e, err := l.get(id)
	if err != nil {
		return AgentStats{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s := AgentStats{Agent: e.agent.Stats()}
	if e.trainer != nil {
		ts := e.trainer.Stats()
		s.Trainer = &ts
	}
	return s, nil
}

func (l *Lab) DeleteAgent(id string) error {
	l.mu.Lock()
	_, ok := l.entries[id]
	delete(l.entries, id)
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("delete agent: %w: %s", ErrAgentNotFound, id)
	}
	l.broadcast(protocol.AgentRemovedMsg{Type: protocol.TypeAgentRemoved, ProtocolVersion: protocol.Version, AgentID: id})
	return nil
}

func (l *Lab) ResetAgent(id string, pos *[3]float32) (protocol.AgentState, error) {
	e, err := l.get(id)
	if err != nil {
		return protocol.AgentState{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.agent.Reset(pos)
	e.episodeReward = 0
	return e.agent.State(), nil
}

// Step runs one perceive, decide, act, reward cycle for an agent. done marks the transition as
// the end of a training episode.
func (l *Lab) Step(id string, ws protocol.WorldSnapshot, done bool) (protocol.StepResponse, error) {
	e, err := l.get(id)
	if err != nil {
		return protocol.StepResponse{}, fmt.Errorf("step: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	a := e.agent

	obs := a.Perceive(ws)
	var (
		act         protocol.Action
		vec         []float64
		logp, value float64
	)
	if e.trainer != nil {
		vec, logp, value = e.trainer.SelectAction(obs.Float64s())
		// Rejected before Act so a failed step leaves the agent untouched.
		if err := e.trainer.CheckShape(obs.Float64s(), vec); err != nil {
			return protocol.StepResponse{}, fmt.Errorf("step agent %s: %w", id, err)
		}
		act = vectorToAction(vec)
	} else {
		act = a.DecideAction(obs)
	}
	a.Act(act, 0)
	reward := a.CalculateReward(ws)

	if e.trainer != nil {
		if err := e.trainer.StoreTransition(learn.Transition{
			Observation: obs.Float64s(),
			Action:      vec,
			Reward:      reward,
			Value:       value,
			LogProb:     logp,
			Done:        done,
		}); err != nil {
			return protocol.StepResponse{}, fmt.Errorf("step agent %s: %w", id, err)
		}
	}
	a.Memory.AddExperience(obs, act, reward, a.Perceive(ws), done)
	emotion := a.UpdateEmotionalState()

	e.episodeReward += reward
	if done {
		a.Memory.AddEpisodic(map[string]any{
			"kind":           "episode_end",
			"step":           a.Stats().Steps,
			"episode_reward": e.episodeReward,
		})
		if e.trainer != nil {
			e.trainer.RecordEpisodeReward(e.episodeReward)
		}
		e.episodeReward = 0
	}

	state := a.State()
	stats := a.Stats()
	l.stepsTotal.Add(1)
	l.broadcast(protocol.AgentUpdateMsg{
		Type:            protocol.TypeAgentUpdate,
		ProtocolVersion: protocol.Version,
		Agent:           state,
		Action:          act,
		Reward:          reward,
	})
	se := persistlog.StepEntry{
		Time:        time.Now().UTC(),
		AgentID:     id,
		Step:        stats.Steps,
		Action:      act,
		Reward:      reward,
		TotalReward: stats.TotalReward,
		Position:    state.Position,
		Health:      state.Health,
		Energy:      state.Energy,
		Emotion:     emotion,
		Done:        done,
	}
	if l.steps != nil {
		if err := l.steps.WriteStep(se); err != nil {
			l.log.Printf("step log: %v", err)
		}
	}
	l.index.RecordStep(se)

	return protocol.StepResponse{AgentState: state, Action: act, Reward: reward}, nil
}

// Train runs one trainer update. Below the minimum batch nothing happens and the response is
// marked skipped.
func (l *Lab) Train(id string) (protocol.TrainResponse, error) {
	e, err := l.get(id)
	if err != nil {
		return protocol.TrainResponse{}, fmt.Errorf("train: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.trainer == nil {
		return protocol.TrainResponse{}, fmt.Errorf("train agent %s: %w", id, ErrNoTrainer)
	}
	t := e.trainer
	if !t.Ready() {
		return protocol.TrainResponse{Stats: trainerStats(t.Stats()), Skipped: true}, nil
	}
	samples := t.BufferLen()
	m, err := t.Update()
	if err != nil {
		return protocol.TrainResponse{}, fmt.Errorf("train agent %s: %w", id, err)
	}
	l.updatesTotal.Add(1)

	resp := protocol.TrainResponse{Metrics: trainMetrics(m), Stats: trainerStats(t.Stats())}
	l.broadcast(protocol.TrainingUpdateMsg{
		Type:            protocol.TypeTrainingUpdate,
		ProtocolVersion: protocol.Version,
		AgentID:         id,
		Metrics:         resp.Metrics,
		Stats:           resp.Stats,
	})
	te := persistlog.TrainEntry{
		Time:          time.Now().UTC(),
		AgentID:       id,
		TrainingSteps: t.TrainingSteps(),
		Samples:       samples,
		Metrics:       m,
	}
	if l.train != nil {
		if err := l.train.WriteTrain(te); err != nil {
			l.log.Printf("train log: %v", err)
		}
	}
	l.index.RecordTrain(te)
	return resp, nil
}

func trainMetrics(m learn.Metrics) protocol.TrainMetrics {
	return protocol.TrainMetrics{Loss: m.Loss, PolicyLoss: m.PolicyLoss, ValueLoss: m.ValueLoss, MeanReturn: m.MeanReturn}
}

func trainerStats(s learn.Stats) protocol.TrainerStats {
	return protocol.TrainerStats{TrainingSteps: s.TrainingSteps, BufferSize: s.BufferSize, AvgEpisodeReward: s.AvgEpisodeReward}
}

func (l *Lab) SaveCheckpoint(id string) (string, error) {
	e, err := l.get(id)
	if err != nil {
		return "", fmt.Errorf("save checkpoint: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.trainer == nil {
		return "", fmt.Errorf("save checkpoint %s: %w", id, ErrNoTrainer)
	}
	path := l.CheckpointPath(id)
	if err := e.trainer.SaveCheckpoint(path); err != nil {
		return "", err
	}
	return path, nil
}

// LoadCheckpoint restores the agent's trainer from path, or from its default checkpoint path
// when path is empty.
func (l *Lab) LoadCheckpoint(id, path string) error {
	e, err := l.get(id)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.trainer == nil {
		return fmt.Errorf("load checkpoint %s: %w", id, ErrNoTrainer)
	}
	if path == "" {
		path = l.CheckpointPath(id)
	}
	return e.trainer.LoadCheckpoint(path)
}

// StartEpisode begins recording. Name and description are folded into the metadata.
func (l *Lab) StartEpisode(req protocol.StartEpisodeRequest) string {
	md := make(map[string]any, len(req.Metadata)+2)
	for k, v := range req.Metadata {
		md[k] = v
	}
	if req.Name != "" {
		md["name"] = req.Name
	}
	if req.Description != "" {
		md["description"] = req.Description
	}
	id, discarded := l.recorder.Start(md)
	if discarded > 0 {
		l.log.Printf("episode: discarded %d unsaved frames when starting %s", discarded, id)
	}
	l.broadcast(protocol.EpisodeMsg{Type: protocol.TypeEpisodeStarted, ProtocolVersion: protocol.Version, EpisodeID: id})
	return id
}

func (l *Lab) LogFrame(req protocol.LogFrameRequest) error {
	return l.recorder.LogFrame(episode.Frame{
		Timestamp:   req.Timestamp,
		AgentsState: req.AgentsState,
		WorldState:  req.WorldState,
		Events:      req.Events,
	})
}

// CaptureFrame logs a frame holding the current state of every agent.
func (l *Lab) CaptureFrame(timestamp float64, world json.RawMessage, events []json.RawMessage) error {
	states := l.ListAgents()
	raw := make([]json.RawMessage, 0, len(states))
	for _, s := range states {
		b, err := json.Marshal(s)
		if err != nil {
			return err
		}
		raw = append(raw, b)
	}
	return l.LogFrame(protocol.LogFrameRequest{Timestamp: timestamp, AgentsState: raw, WorldState: world, Events: events})
}

func (l *Lab) EndEpisode() (episode.Summary, error) {
	sum, err := l.recorder.End()
	if err != nil {
		return sum, err
	}
	l.index.RecordEpisode(sum)
	l.broadcast(protocol.EpisodeMsg{Type: protocol.TypeEpisodeEnded, ProtocolVersion: protocol.Version, EpisodeID: sum.ID, Frames: sum.NumFrames})
	return sum, nil
}

func (l *Lab) DeleteEpisode(id string) error {
	if err := l.store.Delete(id); err != nil {
		return err
	}
	l.index.RemoveEpisode(id)
	return nil
}

type Metrics struct {
	Agents          int
	Trainers        int
	Recording       bool
	EpisodeFrames   int
	StepsTotal      uint64
	UpdatesTotal    uint64
	IndexQueueDepth int
	IndexDropsTotal uint64
}

func (l *Lab) Metrics() Metrics {
	l.mu.RLock()
	m := Metrics{Agents: len(l.entries)}
	for _, e := range l.entries {
		if e.trainer != nil {
			m.Trainers++
		}
	}
	l.mu.RUnlock()
	_, m.EpisodeFrames, m.Recording = l.recorder.Active()
	m.StepsTotal = l.stepsTotal.Load()
	m.UpdatesTotal = l.updatesTotal.Load()
	st := l.index.Stats()
	m.IndexQueueDepth = st.QueueDepth
	m.IndexDropsTotal = st.DropStepTotal + st.DropTrainTotal + st.DropEpisodeTotal + st.DropRemovalsTotal
	return m
}

// SyncIndex waits for queued index writes to commit.
func (l *Lab) SyncIndex(ctx context.Context) error { return l.index.Sync(ctx) }
