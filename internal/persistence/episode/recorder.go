package episode

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Recorder holds the single in-progress episode for the process. Starting a new episode
// replaces the current one without saving it.
type Recorder struct {
	store *Store
	now   func() time.Time

	mu  sync.Mutex
	cur *Episode
}

func NewRecorder(store *Store) *Recorder {
	return &Recorder{store: store, now: func() time.Time { return time.Now().UTC() }}
}

func (r *Recorder) Store() *Store { return r.store }

// Start begins recording and returns the new episode id along with the frame count of any
// episode it discarded.
func (r *Recorder) Start(metadata map[string]any) (id string, discarded int) {
	md := make(map[string]any, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	ep := &Episode{
		ID:        uuid.NewString(),
		Metadata:  md,
		StartTime: r.now(),
		Frames:    []Frame{},
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur != nil {
		discarded = len(r.cur.Frames)
	}
	r.cur = ep
	return ep.ID, discarded
}

func (r *Recorder) LogFrame(f Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur == nil {
		return fmt.Errorf("log frame: %w", ErrNoActiveEpisode)
	}
	r.cur.Frames = append(r.cur.Frames, f.normalized())
	return nil
}

// End stamps the end time and saves the episode. The slot is cleared only once the save
// succeeds; after a failed save the episode goes back to recording (no end time) and End may
// be called again.
func (r *Recorder) End() (Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur == nil {
		return Summary{}, fmt.Errorf("end episode: %w", ErrNoActiveEpisode)
	}
	end := r.now()
	if end.Before(r.cur.StartTime) {
		end = r.cur.StartTime
	}
	r.cur.EndTime = &end
	r.cur.NumFrames = len(r.cur.Frames)
	if err := r.store.Save(r.cur); err != nil {
		r.cur.EndTime = nil
		r.cur.NumFrames = 0
		return Summary{}, err
	}
	sum := r.cur.Summary()
	r.cur = nil
	return sum, nil
}

// Active reports the id and frame count of the episode being recorded, if any.
func (r *Recorder) Active() (id string, frames int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur == nil {
		return "", 0, false
	}
	return r.cur.ID, len(r.cur.Frames), true
}
