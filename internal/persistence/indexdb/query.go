package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"worldlab.ai/internal/learn"
	"worldlab.ai/internal/persistence/episode"
	persistlog "worldlab.ai/internal/persistence/log"
	"worldlab.ai/internal/protocol"
)

type AgentSteps struct {
	AgentID        string          `json:"agent_id"`
	Steps          int             `json:"steps"`
	TotalReward    float64         `json:"total_reward"`
	LastReward     float64         `json:"last_reward"`
	LastAction     protocol.Action `json:"last_action"`
	EmotionalState string          `json:"emotional_state"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func (s *SQLiteIndex) AgentSteps(ctx context.Context) ([]AgentSteps, error) {
	rows, err := s.rdb.QueryContext(ctx, `SELECT agent_id,steps,total_reward,last_reward,last_action,emotional_state,updated_at
		FROM agent_steps ORDER BY agent_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AgentSteps
	for rows.Next() {
		var (
			a       AgentSteps
			act, at string
		)
		if err := rows.Scan(&a.AgentID, &a.Steps, &a.TotalReward, &a.LastReward, &act, &a.EmotionalState, &at); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(act), &a.LastAction)
		a.UpdatedAt, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, a)
	}
	return out, rows.Err()
}

// TrainUpdates returns the most recent updates for one agent, newest first.
func (s *SQLiteIndex) TrainUpdates(ctx context.Context, agentID string, limit int) ([]persistlog.TrainEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.rdb.QueryContext(ctx, `SELECT agent_id,training_steps,samples,loss,policy_loss,value_loss,mean_return,recorded_at
		FROM train_updates WHERE agent_id=? ORDER BY training_steps DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []persistlog.TrainEntry
	for rows.Next() {
		var (
			e  persistlog.TrainEntry
			m  learn.Metrics
			at string
		)
		if err := rows.Scan(&e.AgentID, &e.TrainingSteps, &e.Samples, &m.Loss, &m.PolicyLoss, &m.ValueLoss, &m.MeanReturn, &at); err != nil {
			return nil, err
		}
		e.Metrics = m
		e.Time, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Episodes returns indexed episode summaries, newest first.
func (s *SQLiteIndex) Episodes(ctx context.Context, limit int) ([]episode.Summary, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.rdb.QueryContext(ctx, `SELECT episode_id,start_time,end_time,num_frames,duration,metadata_json
		FROM episodes ORDER BY start_time DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []episode.Summary
	for rows.Next() {
		var (
			sum   episode.Summary
			start string
			end   sql.NullString
			md    string
		)
		if err := rows.Scan(&sum.ID, &start, &end, &sum.NumFrames, &sum.Duration, &md); err != nil {
			return nil, err
		}
		sum.StartTime, _ = time.Parse(time.RFC3339Nano, start)
		if end.Valid {
			if t, err := time.Parse(time.RFC3339Nano, end.String); err == nil {
				sum.EndTime = &t
			}
		}
		_ = json.Unmarshal([]byte(md), &sum.Metadata)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// ConfigDigest returns the digest stored by UpsertConfig, or "" when absent.
func (s *SQLiteIndex) ConfigDigest(ctx context.Context, name string) (string, error) {
	var d string
	err := s.rdb.QueryRowContext(ctx, `SELECT digest FROM configs WHERE name=?`, name).Scan(&d)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return d, err
}
