// Package manifest loads and validates the dataset description consumed by
// the trainer: a JSON document with index-aligned frame paths and integer
// class labels.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Class labels written by the dataset preparer.
const (
	LabelNormal    = 0
	LabelHighlight = 1
	NumClasses     = 2
)

var (
	ErrMalformed      = errors.New("manifest: malformed JSON")
	ErrMissingField   = errors.New("manifest: missing required field")
	ErrEmpty          = errors.New("manifest: no samples")
	ErrLengthMismatch = errors.New("manifest: frames and labels differ in length")
	ErrLabelRange     = errors.New("manifest: label out of range")
	ErrEmptyPath      = errors.New("manifest: empty frame path")
	ErrFrameMissing   = errors.New("manifest: frame not found")
)

// Manifest is the parsed dataset description. Frames[i] is labelled
// Labels[i].
type Manifest struct {
	Frames []string
	Labels []int

	// Path is the file the manifest was read from, Dir its directory.
	// Relative frame paths resolve against Dir.
	Path string
	Dir  string
}

type document struct {
	Frames *[]string `json:"frames"`
	Labels *[]int    `json:"labels"`
}

// Load reads the manifest at path. It checks the document shape only; call
// Validate before using it.
func Load(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	m, err := Parse(f, filepath.Dir(abs))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.Path = abs
	return m, nil
}

// Parse decodes a manifest document. dir is used to resolve relative frame
// paths.
func Parse(r io.Reader, dir string) (*Manifest, error) {
	var doc document
	dec := json.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after the manifest object", ErrMalformed)
	}
	if doc.Frames == nil {
		return nil, fmt.Errorf("%w: frames", ErrMissingField)
	}
	if doc.Labels == nil {
		return nil, fmt.Errorf("%w: labels", ErrMissingField)
	}
	return &Manifest{Frames: *doc.Frames, Labels: *doc.Labels, Dir: dir}, nil
}

// Len is the number of samples.
func (m *Manifest) Len() int {
	return len(m.Frames)
}

// Validate checks the invariants training relies on: equal lengths, at
// least one sample, non-empty paths and labels in [0, numClasses).
func (m *Manifest) Validate(numClasses int) error {
	if len(m.Frames) != len(m.Labels) {
		return fmt.Errorf("%w: %d frames, %d labels", ErrLengthMismatch, len(m.Frames), len(m.Labels))
	}
	if len(m.Frames) == 0 {
		return ErrEmpty
	}
	for i, p := range m.Frames {
		if p == "" {
			return fmt.Errorf("%w at index %d", ErrEmptyPath, i)
		}
	}
	for i, l := range m.Labels {
		if l < 0 || l >= numClasses {
			return fmt.Errorf("%w: index %d has label %d, want 0..%d", ErrLabelRange, i, l, numClasses-1)
		}
	}
	return nil
}

// Resolve returns the filesystem path of frame i.
func (m *Manifest) Resolve(i int) string {
	p := m.Frames[i]
	if filepath.IsAbs(p) || m.Dir == "" {
		return p
	}
	return filepath.Join(m.Dir, p)
}

// Paths resolves every frame path.
func (m *Manifest) Paths() []string {
	out := make([]string, len(m.Frames))
	for i := range m.Frames {
		out[i] = m.Resolve(i)
	}
	return out
}

// VerifyFrames checks that every frame exists and is a regular file. At
// most limit problems are reported (all of them when limit <= 0).
func (m *Manifest) VerifyFrames(limit int) error {
	var errs []error
	missing := 0
	for i := range m.Frames {
		p := m.Resolve(i)
		info, err := os.Stat(p)
		switch {
		case err != nil:
			missing++
			if limit <= 0 || len(errs) < limit {
				errs = append(errs, fmt.Errorf("index %d: %w", i, err))
			}
		case !info.Mode().IsRegular():
			missing++
			if limit <= 0 || len(errs) < limit {
				errs = append(errs, fmt.Errorf("index %d: %s is not a regular file", i, p))
			}
		}
	}
	if missing == 0 {
		return nil
	}
	return fmt.Errorf("%w: %d of %d frames: %w", ErrFrameMissing, missing, len(m.Frames), errors.Join(errs...))
}

// Counts returns the number of samples per class. Out-of-range labels are
// ignored.
func (m *Manifest) Counts(numClasses int) []int {
	counts := make([]int, numClasses)
	for _, l := range m.Labels {
		if l >= 0 && l < numClasses {
			counts[l]++
		}
	}
	return counts
}
