// Package checkpoint reads and writes model.pth: the best model state of a
// training run together with its optimizer state and validation accuracy.
package checkpoint

import (
	"bufio"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	flow "highlight/src"
)

// FileName is the checkpoint written into the output directory.
const FileName = "model.pth"

const (
	formatCheckpoint = "highlight-checkpoint/v1"
	formatWeights    = "highlight-weights/v1"
)

var ErrFormat = errors.New("checkpoint: unrecognised file format")

// Meta describes how the checkpointed model was built.
type Meta struct {
	RunID      string
	Arch       string
	ImageSize  int
	StemWidth  int
	Widths     []int
	Strides    []int
	HeadHidden int
	NumClasses int
	CreatedAt  time.Time
}

// Checkpoint is the content of model.pth. Epoch is 0-based.
type Checkpoint struct {
	Epoch       int
	ValAccuracy float64
	Model       flow.StateDict
	Optimizer   flow.OptimizerState
	Meta        Meta
}

type header struct {
	Format string
}

// Path returns the checkpoint location inside dir.
func Path(dir string) string {
	return filepath.Join(dir, FileName)
}

// Save writes ck to path, replacing any previous file. The data goes to a
// temporary file in the same directory first so a crash never leaves a
// truncated checkpoint behind.
func Save(path string, ck *Checkpoint) error {
	return writeAtomic(path, formatCheckpoint, ck)
}

// SaveWeights writes a bare state dict usable as --backbone-weights.
func SaveWeights(path string, sd flow.StateDict) error {
	return writeAtomic(path, formatWeights, sd)
}

func writeAtomic(path, format string, payload any) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("checkpoint: create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	w := bufio.NewWriter(tmp)
	enc := gob.NewEncoder(w)
	if err = enc.Encode(header{Format: format}); err != nil {
		return fmt.Errorf("checkpoint: encode header: %w", err)
	}
	if err = enc.Encode(payload); err != nil {
		return fmt.Errorf("checkpoint: encode: %w", err)
	}
	if err = w.Flush(); err != nil {
		return fmt.Errorf("checkpoint: write: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("checkpoint: sync: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("checkpoint: close: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("checkpoint: rename: %w", err)
	}
	return nil
}

func open(path string) (*os.File, *gob.Decoder, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, "", fmt.Errorf("checkpoint: %w", err)
	}
	dec := gob.NewDecoder(bufio.NewReader(f))
	var h header
	if err := dec.Decode(&h); err != nil {
		f.Close()
		return nil, nil, "", fmt.Errorf("%w: %s: %v", ErrFormat, path, err)
	}
	return f, dec, h.Format, nil
}

// Load reads a checkpoint written by Save.
func Load(path string) (*Checkpoint, error) {
	f, dec, format, err := open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if format != formatCheckpoint {
		return nil, fmt.Errorf("%w: %s is %q", ErrFormat, path, format)
	}
	var ck Checkpoint
	if err := dec.Decode(&ck); err != nil {
		return nil, fmt.Errorf("checkpoint: decode %s: %w", path, err)
	}
	return &ck, nil
}

// LoadWeights returns the model state from either a checkpoint or a bare
// weights file.
func LoadWeights(path string) (flow.StateDict, error) {
	f, dec, format, err := open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	switch format {
	case formatCheckpoint:
		var ck Checkpoint
		if err := dec.Decode(&ck); err != nil {
			return nil, fmt.Errorf("checkpoint: decode %s: %w", path, err)
		}
		return ck.Model, nil
	case formatWeights:
		var sd flow.StateDict
		if err := dec.Decode(&sd); err != nil {
			return nil, fmt.Errorf("checkpoint: decode %s: %w", path, err)
		}
		return sd, nil
	default:
		return nil, fmt.Errorf("%w: %s is %q", ErrFormat, path, format)
	}
}
