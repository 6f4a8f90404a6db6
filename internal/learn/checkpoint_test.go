package learn

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestCheckpoint_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ckpt", "agent.ckpt.zst")

	a := testTrainer(t, 10)
	fill(t, a, 12, func(i int) float64 { return float64(i % 3) }, func(i int) bool { return i == 11 })
	if _, err := a.Update(); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := a.SaveCheckpoint(path); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind: %v", err)
	}

	h, err := ReadCheckpointHeader(path)
	if err != nil {
		t.Fatalf("ReadCheckpointHeader: %v", err)
	}
	if h.TrainingSteps != 1 || h.ObsDim != 6 || h.ActionDim != 3 || h.Hidden != 16 {
		t.Fatalf("header=%+v", h)
	}

	b := testTrainer(t, 99)
	if err := b.LoadCheckpoint(path); err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if b.TrainingSteps() != 1 {
		t.Fatalf("steps=%d want 1", b.TrainingSteps())
	}
	for name, w := range a.model.Weights() {
		if !matEqual(w, b.model.Weights()[name]) {
			t.Fatalf("param %s differs after load", name)
		}
	}
	if b.opt.T != a.opt.T {
		t.Fatalf("adam t=%d want %d", b.opt.T, a.opt.T)
	}
	for name, m := range a.opt.M {
		if !matEqual(m, b.opt.M[name]) {
			t.Fatalf("adam m[%s] differs after load", name)
		}
	}

	obs := []float64{0.1, 0.2, 0.3, -0.1, -0.2, -0.3}
	av, vv := a.model.Predict(obs)
	bv, bvv := b.model.Predict(obs)
	if vv != bvv {
		t.Fatalf("value=%v want %v", bvv, vv)
	}
	for i := range av {
		if av[i] != bv[i] {
			t.Fatalf("action[%d]=%v want %v", i, bv[i], av[i])
		}
	}
}

func TestCheckpoint_Missing(t *testing.T) {
	tr := testTrainer(t, 1)
	err := tr.LoadCheckpoint(filepath.Join(t.TempDir(), "nope.ckpt.zst"))
	if !errors.Is(err, ErrCheckpoint) {
		t.Fatalf("expected ErrCheckpoint, got %v", err)
	}
}

func TestCheckpoint_CorruptLeavesModelUntouched(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.ckpt.zst")
	if err := os.WriteFile(path, []byte("definitely not zstd"), 0o644); err != nil {
		t.Fatal(err)
	}
	tr := testTrainer(t, 1)
	before := tr.model.Weights().Clone()
	if err := tr.LoadCheckpoint(path); !errors.Is(err, ErrCheckpoint) {
		t.Fatalf("expected ErrCheckpoint, got %v", err)
	}
	for name, w := range tr.model.Weights() {
		if !matEqual(w, before[name]) {
			t.Fatalf("param %s changed by failed load", name)
		}
	}
}

func TestCheckpoint_DimensionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.ckpt.zst")
	if err := testTrainer(t, 1).SaveCheckpoint(path); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	other := NewTrainer(Config{ObsDim: 6, ActionDim: 3, Hidden: 8, Seed: 1})
	if err := other.LoadCheckpoint(path); !errors.Is(err, ErrCheckpoint) {
		t.Fatalf("expected ErrCheckpoint, got %v", err)
	}
	if other.TrainingSteps() != 0 {
		t.Fatalf("steps=%d want 0", other.TrainingSteps())
	}
}
