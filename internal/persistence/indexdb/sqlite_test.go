package indexdb

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"worldlab.ai/internal/learn"
	"worldlab.ai/internal/persistence/episode"
	persistlog "worldlab.ai/internal/persistence/log"
	"worldlab.ai/internal/protocol"
)

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.ch <- req{kind: reqStep}

	s.RecordStep(persistlog.StepEntry{AgentID: "a"})
	s.RecordTrain(persistlog.TrainEntry{AgentID: "a"})
	s.RecordEpisode(episode.Summary{ID: "e"})
	s.RemoveEpisode("e")

	st := s.Stats()
	if st.DropStepTotal != 1 {
		t.Fatalf("DropStepTotal=%d want=1", st.DropStepTotal)
	}
	if st.DropTrainTotal != 1 {
		t.Fatalf("DropTrainTotal=%d want=1", st.DropTrainTotal)
	}
	if st.DropEpisodeTotal != 1 {
		t.Fatalf("DropEpisodeTotal=%d want=1", st.DropEpisodeTotal)
	}
	if st.DropRemovalsTotal != 1 {
		t.Fatalf("DropRemovalsTotal=%d want=1", st.DropRemovalsTotal)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}

func TestSQLiteIndex_NilIsNoop(t *testing.T) {
	var s *SQLiteIndex
	s.RecordStep(persistlog.StepEntry{})
	s.RecordEpisode(episode.Summary{})
	if err := s.Sync(context.Background()); err != nil {
		t.Fatalf("Sync on nil: %v", err)
	}
	if st := s.Stats(); st != (Stats{}) {
		t.Fatalf("stats=%+v", st)
	}
}

func openTestIndex(t *testing.T) *SQLiteIndex {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "index", "lab.sqlite"), 0)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteIndex_StepsAndTrainUpdates(t *testing.T) {
	s := openTestIndex(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 1; i <= 3; i++ {
		s.RecordStep(persistlog.StepEntry{
			Time:        now,
			AgentID:     "a1",
			Step:        i,
			Action:      protocol.Action{Type: protocol.ActionMove, Name: protocol.NameMoving},
			Reward:      0.1,
			TotalReward: 0.1 * float64(i),
			Emotion:     protocol.EmotionNeutral,
		})
	}
	for i := 1; i <= 4; i++ {
		s.RecordTrain(persistlog.TrainEntry{Time: now, AgentID: "a1", TrainingSteps: i, Samples: 10, Metrics: learn.Metrics{Loss: float64(i)}})
	}
	s.RecordTrain(persistlog.TrainEntry{Time: now, AgentID: "other", TrainingSteps: 1, Samples: 10})
	if err := s.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	steps, err := s.AgentSteps(ctx)
	if err != nil {
		t.Fatalf("AgentSteps: %v", err)
	}
	if len(steps) != 1 || steps[0].Steps != 3 || steps[0].LastAction.Type != protocol.ActionMove {
		t.Fatalf("steps=%+v", steps)
	}

	ups, err := s.TrainUpdates(ctx, "a1", 2)
	if err != nil {
		t.Fatalf("TrainUpdates: %v", err)
	}
	if len(ups) != 2 || ups[0].TrainingSteps != 4 || ups[1].TrainingSteps != 3 {
		t.Fatalf("updates=%+v", ups)
	}
	if ups[0].Metrics.Loss != 4 {
		t.Fatalf("loss=%v want 4", ups[0].Metrics.Loss)
	}
}

func TestSQLiteIndex_Episodes(t *testing.T) {
	s := openTestIndex(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	for i, id := range []string{"e1", "e2", "e3"} {
		start := base.Add(time.Duration(i) * time.Minute).Add(time.Duration(i) * 500 * time.Millisecond)
		end := start.Add(time.Second)
		s.RecordEpisode(episode.Summary{ID: id, Metadata: map[string]any{"n": i}, StartTime: start, EndTime: &end, NumFrames: i, Duration: 1})
	}
	s.RemoveEpisode("e2")
	if err := s.Sync(ctx); err != nil {
		t.Fatal(err)
	}

	eps, err := s.Episodes(ctx, 0)
	if err != nil {
		t.Fatalf("Episodes: %v", err)
	}
	if len(eps) != 2 || eps[0].ID != "e3" || eps[1].ID != "e1" {
		t.Fatalf("episodes=%+v", eps)
	}
	if eps[0].EndTime == nil || eps[0].NumFrames != 2 {
		t.Fatalf("summary=%+v", eps[0])
	}
}

func TestSQLiteIndex_UpsertConfig(t *testing.T) {
	s := openTestIndex(t)
	ctx := context.Background()
	if err := s.UpsertConfig("tuning", map[string]int{"a": 1}); err != nil {
		t.Fatalf("UpsertConfig: %v", err)
	}
	d1, err := s.ConfigDigest(ctx, "tuning")
	if err != nil || d1 == "" {
		t.Fatalf("digest=%q err=%v", d1, err)
	}
	if err := s.UpsertConfig("tuning", map[string]int{"a": 2}); err != nil {
		t.Fatal(err)
	}
	d2, _ := s.ConfigDigest(ctx, "tuning")
	if d2 == d1 {
		t.Fatalf("digest should change with content")
	}
	if d, _ := s.ConfigDigest(ctx, "missing"); d != "" {
		t.Fatalf("missing digest=%q", d)
	}
}

func TestSQLiteIndex_RecordRacingClose(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "idx.sqlite"), 16)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; ; i++ {
				select {
				case <-stop:
					return
				default:
				}
				s.RecordStep(persistlog.StepEntry{AgentID: "a", Step: i})
				s.RecordTrain(persistlog.TrainEntry{AgentID: "a", TrainingSteps: i})
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Records after close are ignored.
	time.Sleep(10 * time.Millisecond)
	close(stop)
	wg.Wait()

	s.RecordEpisode(episode.Summary{ID: "late"})
	if err := s.Sync(context.Background()); err != nil {
		t.Fatalf("Sync after Close: %v", err)
	}
}
