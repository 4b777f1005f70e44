package flow

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Sentinel errors returned (possibly wrapped) by the engine.
var (
	ErrNotBuilt     = errors.New("flow: network not built - call Build() first")
	ErrNotCompiled  = errors.New("flow: network not compiled - call Compile() first")
	ErrEmptySource  = errors.New("flow: batch source yields no samples")
	ErrNonFinite    = errors.New("flow: non-finite value")
	ErrStateMissing = errors.New("flow: state dict is missing entries")
)

// TensorInfo captures tensor state for error reporting
type TensorInfo struct {
	Shape      []int
	Size       int
	NaNCount   int
	InfCount   int
	MinValue   float64
	MaxValue   float64
	BadIndices []int // first 10 corrupted indices
}

// Format returns a compact string representation
func (t *TensorInfo) Format() string {
	s := fmt.Sprintf("%v size=%d", t.Shape, t.Size)
	if t.NaNCount > 0 || t.InfCount > 0 {
		s += fmt.Sprintf(" (corrupt: %d NaN, %d Inf)", t.NaNCount, t.InfCount)
	} else {
		s += fmt.Sprintf(" range=[%.4f, %.4f]", t.MinValue, t.MaxValue)
	}
	return s
}

// Corrupt reports whether the tensor held any NaN or Inf.
func (t *TensorInfo) Corrupt() bool {
	return t.NaNCount > 0 || t.InfCount > 0
}

// FlowError is the structured error type for failures inside a layer or
// the training loop.
type FlowError struct {
	Component    string      // "Conv2D", "Fit", "SoftmaxCrossEntropy"
	ErrorType    string      // "shape mismatch", "NaN detected"
	LayerIndex   int         // -1 when not tied to a layer
	LayerName    string      // registered layer name or ""
	Phase        string      // "forward", "backward", "build", "loss"
	Epoch        int         // 1-based, 0 outside Fit
	Batch        int         // 1-based, 0 outside Fit
	InputInfo    *TensorInfo // nil if not relevant
	OutputInfo   *TensorInfo // nil if not relevant
	ExpectedInfo string
	Cause        string
	Err          error // wrapped sentinel, may be nil
}

// Error implements the error interface
func (e *FlowError) Error() string {
	var b strings.Builder

	fmt.Fprintf(&b, "flow: %s %s", e.Component, e.ErrorType)
	if e.LayerIndex >= 0 {
		fmt.Fprintf(&b, " at layer %d", e.LayerIndex)
	}
	if e.LayerName != "" {
		fmt.Fprintf(&b, " %q", e.LayerName)
	}
	if e.Phase != "" {
		fmt.Fprintf(&b, " during %s", e.Phase)
	}
	if e.Epoch > 0 {
		fmt.Fprintf(&b, " (epoch %d, batch %d)", e.Epoch, e.Batch)
	}

	if e.InputInfo != nil {
		fmt.Fprintf(&b, "\n  input:    %s", e.InputInfo.Format())
	}
	if e.OutputInfo != nil {
		fmt.Fprintf(&b, "\n  output:   %s", e.OutputInfo.Format())
	}
	if e.ExpectedInfo != "" {
		fmt.Fprintf(&b, "\n  expected: %s", e.ExpectedInfo)
	}
	if e.Cause != "" {
		fmt.Fprintf(&b, "\n  cause:    %s", e.Cause)
	}

	return b.String()
}

// Unwrap exposes the wrapped sentinel to errors.Is.
func (e *FlowError) Unwrap() error {
	return e.Err
}

// scanTensor checks for NaN/Inf and collects stats
func scanTensor(t *tensor) *TensorInfo {
	if t == nil {
		return nil
	}

	info := &TensorInfo{
		Shape:      append([]int(nil), t.shape...),
		Size:       len(t.data),
		MinValue:   math.Inf(1),
		MaxValue:   math.Inf(-1),
		BadIndices: make([]int, 0, 10),
	}

	for i, v := range t.data {
		switch {
		case math.IsNaN(v):
			info.NaNCount++
			if len(info.BadIndices) < 10 {
				info.BadIndices = append(info.BadIndices, i)
			}
		case math.IsInf(v, 0):
			info.InfCount++
			if len(info.BadIndices) < 10 {
				info.BadIndices = append(info.BadIndices, i)
			}
		default:
			info.MinValue = math.Min(info.MinValue, v)
			info.MaxValue = math.Max(info.MaxValue, v)
		}
	}

	// empty or all-corrupt
	if math.IsInf(info.MinValue, 1) {
		info.MinValue = 0
	}
	if math.IsInf(info.MaxValue, -1) {
		info.MaxValue = 0
	}

	return info
}

// checkNumerics returns a *FlowError wrapping ErrNonFinite when t holds
// NaN or Inf.
func checkNumerics(t *tensor, component, phase string) error {
	info := scanTensor(t)
	if info == nil || !info.Corrupt() {
		return nil
	}
	errType := "NaN detected"
	cause := fmt.Sprintf("%d NaN values at indices %v", info.NaNCount, info.BadIndices)
	if info.NaNCount == 0 {
		errType = "Inf detected"
		cause = fmt.Sprintf("%d Inf values at indices %v - likely overflow, try a lower learning rate", info.InfCount, info.BadIndices)
	}
	return &FlowError{
		Component:  component,
		ErrorType:  errType,
		LayerIndex: -1,
		Phase:      phase,
		OutputInfo: info,
		Cause:      cause,
		Err:        ErrNonFinite,
	}
}

// layerError decorates a layer failure with its position in the network.
func layerError(err error, index int, name, phase string, input *tensor) error {
	var fe *FlowError
	if errors.As(err, &fe) {
		if fe.LayerIndex < 0 {
			fe.LayerIndex = index
			fe.LayerName = name
		}
		return fe
	}
	return &FlowError{
		Component:  "Network",
		ErrorType:  "layer failure",
		LayerIndex: index,
		LayerName:  name,
		Phase:      phase,
		InputInfo:  scanTensor(input),
		Cause:      err.Error(),
		Err:        err,
	}
}

// errorf creates a formatted error
func errorf(format string, args ...any) error {
	return fmt.Errorf("flow: "+format, args...)
}
