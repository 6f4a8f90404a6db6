package learn

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"gonum.org/v1/gonum/mat"
)

const checkpointVersion = 1

type CheckpointHeader struct {
	Version       int `json:"version"`
	ObsDim        int `json:"obs_dim"`
	ActionDim     int `json:"action_dim"`
	Hidden        int `json:"hidden"`
	TrainingSteps int `json:"training_steps"`
}

type checkpointV1 struct {
	Header CheckpointHeader

	Weights map[string]matrixV1

	AdamT int
	AdamM map[string]matrixV1
	AdamV map[string]matrixV1

	TrainingSteps int
}

type matrixV1 struct {
	Rows, Cols int
	Data       []float64
}

func encodeParams(p Params) map[string]matrixV1 {
	out := make(map[string]matrixV1, len(p))
	for name, m := range p {
		r, c := m.Dims()
		out[name] = matrixV1{Rows: r, Cols: c, Data: denseData(m)}
	}
	return out
}

func decodeParams(in map[string]matrixV1) (Params, error) {
	out := make(Params, len(in))
	for name, m := range in {
		if m.Rows <= 0 || m.Cols <= 0 || len(m.Data) != m.Rows*m.Cols {
			return nil, fmt.Errorf("param %s: bad shape %dx%d with %d values", name, m.Rows, m.Cols, len(m.Data))
		}
		out[name] = mat.NewDense(m.Rows, m.Cols, append([]float64(nil), m.Data...))
	}
	return out, nil
}

// SaveCheckpoint writes model weights, optimizer state and the training step counter as one
// file. The file is written beside path and renamed into place.
func (t *Trainer) SaveCheckpoint(path string) error {
	ck := checkpointV1{
		Header: CheckpointHeader{
			Version:       checkpointVersion,
			ObsDim:        t.cfg.ObsDim,
			ActionDim:     t.cfg.ActionDim,
			Hidden:        t.cfg.Hidden,
			TrainingSteps: t.trainingSteps,
		},
		Weights:       encodeParams(t.model.Weights()),
		AdamT:         t.opt.T,
		AdamM:         encodeParams(t.opt.M),
		AdamV:         encodeParams(t.opt.V),
		TrainingSteps: t.trainingSteps,
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := writeCheckpoint(tmp, ck); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("save checkpoint %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("save checkpoint %s: %w", path, err)
	}
	return nil
}

func writeCheckpoint(path string, ck checkpointV1) error {
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

	hb, _ := json.Marshal(ck.Header)
	if _, err := bw.Write(append(hb, '\n')); err != nil {
		_ = enc.Close()
		_ = f.Close()
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&ck); err != nil {
		_ = enc.Close()
		_ = f.Close()
		return fmt.Errorf("gob encode: %w", err)
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
	return f.Close()
}

// ReadCheckpointHeader returns only the JSON header line of a checkpoint.
func ReadCheckpointHeader(path string) (CheckpointHeader, error) {
	var h CheckpointHeader
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()
	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, err
	}
	err = json.Unmarshal(line, &h)
	return h, err
}

// LoadCheckpoint restores a checkpoint written by SaveCheckpoint. Nothing is applied unless the
// whole file decodes and every tensor matches the current model.
func (t *Trainer) LoadCheckpoint(path string) error {
	ck, err := readCheckpoint(path)
	if err != nil {
		return fmt.Errorf("load checkpoint %s: %w: %w", path, ErrCheckpoint, err)
	}
	if ck.Header.Version != checkpointVersion {
		return fmt.Errorf("load checkpoint %s: %w: version %d", path, ErrCheckpoint, ck.Header.Version)
	}
	if ck.Header.ObsDim != t.cfg.ObsDim || ck.Header.ActionDim != t.cfg.ActionDim || ck.Header.Hidden != t.cfg.Hidden {
		return fmt.Errorf("load checkpoint %s: %w: dims %d/%d/%d want %d/%d/%d", path, ErrCheckpoint,
			ck.Header.ObsDim, ck.Header.ActionDim, ck.Header.Hidden, t.cfg.ObsDim, t.cfg.ActionDim, t.cfg.Hidden)
	}
	weights, err := decodeParams(ck.Weights)
	if err != nil {
		return fmt.Errorf("load checkpoint %s: %w: %w", path, ErrCheckpoint, err)
	}
	m, err := decodeParams(ck.AdamM)
	if err != nil {
		return fmt.Errorf("load checkpoint %s: %w: %w", path, ErrCheckpoint, err)
	}
	v, err := decodeParams(ck.AdamV)
	if err != nil {
		return fmt.Errorf("load checkpoint %s: %w: %w", path, ErrCheckpoint, err)
	}
	live := t.model.Weights()
	for _, moments := range []Params{m, v} {
		for name, mm := range moments {
			cur, ok := live[name]
			if !ok {
				return fmt.Errorf("load checkpoint %s: %w: optimizer state for unknown param %s", path, ErrCheckpoint, name)
			}
			r, c := cur.Dims()
			if mr, mc := mm.Dims(); mr != r || mc != c {
				return fmt.Errorf("load checkpoint %s: %w: optimizer state %s is %dx%d", path, ErrCheckpoint, name, mr, mc)
			}
		}
	}
	if err := t.model.SetWeights(weights); err != nil {
		return fmt.Errorf("load checkpoint %s: %w: %w", path, ErrCheckpoint, err)
	}
	t.opt.restore(ck.AdamT, m, v)
	t.trainingSteps = ck.TrainingSteps
	return nil
}

func readCheckpoint(path string) (checkpointV1, error) {
	var ck checkpointV1
	f, err := os.Open(path)
	if err != nil {
		return ck, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return ck, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 64*1024)
	// The header is repeated inside the gob body.
	if _, err := br.ReadBytes('\n'); err != nil {
		return ck, err
	}
	if err := gob.NewDecoder(br).Decode(&ck); err != nil {
		return ck, fmt.Errorf("gob decode: %w", err)
	}
	return ck, nil
}
