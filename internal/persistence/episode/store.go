package episode

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"
)

const fileExt = ".json.zst"

// ToEnd as the end bound of Frames selects through the last frame.
const ToEnd = math.MaxInt

// Store keeps one zstd-compressed JSON document per episode under a directory.
type Store struct {
	dir    string
	logger *log.Logger
}

func OpenStore(dir string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("open episode store %s: %w", dir, err)
	}
	return &Store{dir: dir, logger: logger}, nil
}

func (s *Store) Dir() string { return s.dir }

func checkID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

func (s *Store) path(id string) string { return filepath.Join(s.dir, id+fileExt) }

// Save writes the whole episode, replacing any earlier document with the same id.
func (s *Store) Save(ep *Episode) error {
	if err := checkID(ep.ID); err != nil {
		return fmt.Errorf("save episode: %w", err)
	}
	path := s.path(ep.ID)
	tmp := path + ".tmp"
	if err := writeDoc(tmp, ep); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("save episode %s: %w", ep.ID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("save episode %s: %w", ep.ID, err)
	}
	return nil
}

func writeDoc(path string, ep *Episode) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = f.Close()
		return err
	}
	bw := bufio.NewWriterSize(enc, 64*1024)
	if err := json.NewEncoder(bw).Encode(ep); err != nil {
		_ = enc.Close()
		_ = f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = enc.Close()
		_ = f.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// LoadRaw returns the decompressed JSON document.
func (s *Store) LoadRaw(id string) ([]byte, error) {
	if err := checkID(id); err != nil {
		return nil, fmt.Errorf("load episode: %w", err)
	}
	b, err := readDoc(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load episode %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load episode %s: %w", id, err)
	}
	return b, nil
}

func (s *Store) Load(id string) (*Episode, error) {
	b, err := s.LoadRaw(id)
	if err != nil {
		return nil, err
	}
	var ep Episode
	if err := json.Unmarshal(b, &ep); err != nil {
		return nil, fmt.Errorf("load episode %s: %w", id, err)
	}
	return &ep, nil
}

func readDoc(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return io.ReadAll(dec)
}

// Frames returns frames[start:end] of a stored episode with slice semantics: a negative bound
// counts from the end and out-of-range bounds are clamped. Pass ToEnd to read through the last
// frame.
func (s *Store) Frames(id string, start, end int) ([]Frame, error) {
	ep, err := s.Load(id)
	if err != nil {
		return nil, err
	}
	n := len(ep.Frames)
	start, end = sliceBound(start, n), sliceBound(end, n)
	if start >= end {
		return []Frame{}, nil
	}
	return ep.Frames[start:end], nil
}

func sliceBound(i, n int) int {
	if i < 0 {
		i += n
	}
	return max(0, min(i, n))
}

// List returns summaries of every readable episode, newest first. Unreadable documents are
// logged and skipped.
func (s *Store) List() ([]Summary, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list episodes: %w", err)
	}
	out := make([]Summary, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		b, err := readDoc(filepath.Join(s.dir, name))
		if err != nil {
			s.logger.Printf("list episodes: skip %s: %v", name, err)
			continue
		}
		var ep Episode
		if err := json.Unmarshal(b, &ep); err != nil {
			s.logger.Printf("list episodes: skip %s: %v", name, err)
			continue
		}
		if ep.ID == "" {
			s.logger.Printf("list episodes: skip %s: missing episode_id", name)
			continue
		}
		sum := ep.Summary()
		// Trust the stored count over the frames actually present.
		sum.NumFrames = ep.NumFrames
		out = append(out, sum)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	return out, nil
}

// Delete removes a stored episode. Deleting an id that does not exist is not an error.
func (s *Store) Delete(id string) error {
	if err := checkID(id); err != nil {
		return fmt.Errorf("delete episode: %w", err)
	}
	if err := os.Remove(s.path(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete episode %s: %w", id, err)
	}
	return nil
}
