package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"worldlab.ai/internal/learn"
	"worldlab.ai/internal/protocol"
)

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("log writer closed")

// JSONLZstdWriter appends JSON lines to hourly zstd files named <prefix>-YYYY-MM-DD-HH.jsonl.zst.
// A file is a complete zstd stream only after the writer rotates away from it or is closed.
type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
	closed  bool
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		now:     time.Now,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}

	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour || w.w == nil {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.baseDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// ListFiles returns the log files for prefix in dir, oldest hour first.
func ListFiles(dir, prefix string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, prefix+"-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, filepath.Join(dir, name))
	}
	return out, nil
}

// ReadLines calls fn with every line of one log file.
func ReadLines(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for sc.Scan() {
		if err := fn(sc.Bytes()); err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
	}
	return sc.Err()
}

const (
	StepPrefix  = "steps"
	TrainPrefix = "train"
)

// StepEntry is one agent step.
type StepEntry struct {
	Time        time.Time       `json:"time"`
	AgentID     string          `json:"agent_id"`
	Step        int             `json:"step"`
	Action      protocol.Action `json:"action"`
	Reward      float64         `json:"reward"`
	TotalReward float64         `json:"total_reward"`
	Position    [3]float32      `json:"position"`
	Health      float64         `json:"health"`
	Energy      float64         `json:"energy"`
	Emotion     string          `json:"emotional_state"`
	Done        bool            `json:"done,omitempty"`
}

// TrainEntry is one trainer update that actually ran.
type TrainEntry struct {
	Time          time.Time     `json:"time"`
	AgentID       string        `json:"agent_id"`
	TrainingSteps int           `json:"training_steps"`
	Samples       int           `json:"samples"`
	Metrics       learn.Metrics `json:"metrics"`
}

// StepLogger writes one JSONL entry per agent step (compressed).
type StepLogger struct{ w *JSONLZstdWriter }

func NewStepLogger(dataDir string) *StepLogger {
	return &StepLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "logs"), StepPrefix)}
}

func (l *StepLogger) WriteStep(v StepEntry) error { return l.w.Write(v) }
func (l *StepLogger) Close() error                { return l.w.Close() }

// TrainLogger writes one JSONL entry per trainer update (compressed).
type TrainLogger struct{ w *JSONLZstdWriter }

func NewTrainLogger(dataDir string) *TrainLogger {
	return &TrainLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "logs"), TrainPrefix)}
}

func (l *TrainLogger) WriteTrain(v TrainEntry) error { return l.w.Write(v) }
func (l *TrainLogger) Close() error                  { return l.w.Close() }
