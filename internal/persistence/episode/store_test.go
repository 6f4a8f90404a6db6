package episode

import (
	"bytes"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func saveEpisode(t *testing.T, st *Store, id string, start time.Time, frames int) {
	t.Helper()
	end := start.Add(time.Duration(frames) * time.Second)
	ep := &Episode{ID: id, Metadata: map[string]any{}, StartTime: start, EndTime: &end, Frames: []Frame{}}
	for i := 0; i < frames; i++ {
		ep.Frames = append(ep.Frames, frame(i).normalized())
	}
	ep.NumFrames = len(ep.Frames)
	if err := st.Save(ep); err != nil {
		t.Fatalf("Save: %v", err)
	}
}

func TestStore_FramesSlice(t *testing.T) {
	st, err := OpenStore(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	saveEpisode(t, st, "ep10", time.Now().UTC(), 10)

	got, err := st.Frames("ep10", 2, 5)
	if err != nil {
		t.Fatalf("Frames: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len=%d want 3", len(got))
	}
	for i, f := range got {
		if want := float64(i+2) / 60; f.Timestamp != want {
			t.Fatalf("frame %d timestamp=%v want %v", i, f.Timestamp, want)
		}
	}

	all, err := st.Frames("ep10", 0, ToEnd)
	if err != nil || len(all) != 10 {
		t.Fatalf("full range len=%d err=%v", len(all), err)
	}
	for _, tc := range []struct {
		start, end int
		want       []int
	}{
		{-2, -1, []int{8}},
		{0, -1, []int{0, 1, 2, 3, 4, 5, 6, 7, 8}},
		{-3, ToEnd, []int{7, 8, 9}},
		{-50, 2, []int{0, 1}},
	} {
		got, err := st.Frames("ep10", tc.start, tc.end)
		if err != nil {
			t.Fatalf("Frames(%d,%d): %v", tc.start, tc.end, err)
		}
		if len(got) != len(tc.want) {
			t.Fatalf("Frames(%d,%d) len=%d want %d", tc.start, tc.end, len(got), len(tc.want))
		}
		for i, f := range got {
			if want := float64(tc.want[i]) / 60; f.Timestamp != want {
				t.Fatalf("Frames(%d,%d)[%d] timestamp=%v want %v", tc.start, tc.end, i, f.Timestamp, want)
			}
		}
	}
	if tail, _ := st.Frames("ep10", 8, 50); len(tail) != 2 {
		t.Fatalf("clamped len=%d want 2", len(tail))
	}
	if empty, _ := st.Frames("ep10", 6, 3); len(empty) != 0 {
		t.Fatalf("inverted range len=%d want 0", len(empty))
	}
	if _, err := st.Frames("missing", 0, ToEnd); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_ListNewestFirstSkipsCorrupt(t *testing.T) {
	dir := t.TempDir()
	var logs bytes.Buffer
	st, err := OpenStore(dir, log.New(&logs, "", 0))
	if err != nil {
		t.Fatal(err)
	}
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	saveEpisode(t, st, "old", base, 1)
	saveEpisode(t, st, "new", base.Add(time.Hour), 4)
	saveEpisode(t, st, "mid", base.Add(time.Minute), 2)
	if err := os.WriteFile(filepath.Join(dir, "broken"+fileExt), []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}

	list, err := st.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("len=%d want 3: %+v", len(list), list)
	}
	for i, want := range []string{"new", "mid", "old"} {
		if list[i].ID != want {
			t.Fatalf("list[%d]=%s want %s", i, list[i].ID, want)
		}
	}
	if list[0].NumFrames != 4 || list[0].Duration != 4 {
		t.Fatalf("summary=%+v", list[0])
	}
	if !strings.Contains(logs.String(), "broken"+fileExt) {
		t.Fatalf("expected corrupt file to be logged, got %q", logs.String())
	}
}

func TestStore_DeleteIdempotent(t *testing.T) {
	st, err := OpenStore(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	saveEpisode(t, st, "gone", time.Now().UTC(), 1)
	if err := st.Delete("gone"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := st.Delete("gone"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if err := st.Delete("never-existed"); err != nil {
		t.Fatalf("Delete absent: %v", err)
	}
	if _, err := st.Load("gone"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_RejectsPathIDs(t *testing.T) {
	st, err := OpenStore(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"", "..", "../x", `a\b`} {
		if _, err := st.Load(id); !errors.Is(err, ErrInvalidID) {
			t.Fatalf("Load(%q) err=%v want ErrInvalidID", id, err)
		}
		if err := st.Delete(id); !errors.Is(err, ErrInvalidID) {
			t.Fatalf("Delete(%q) err=%v want ErrInvalidID", id, err)
		}
	}
}

func TestStore_SaveOverwrites(t *testing.T) {
	st, err := OpenStore(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now().UTC()
	saveEpisode(t, st, "same", start, 5)
	saveEpisode(t, st, "same", start, 2)
	ep, err := st.Load("same")
	if err != nil {
		t.Fatal(err)
	}
	if ep.NumFrames != 2 || len(ep.Frames) != 2 {
		t.Fatalf("num_frames=%d frames=%d want 2", ep.NumFrames, len(ep.Frames))
	}
}
