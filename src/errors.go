package flow

import (
	"fmt"
	"math"
	"strings"
)

// =============================================================================
// FLOW ERROR TYPES
// Concise, informative error messages with location and context
// =============================================================================

// ValidationLevel controls how much output checking a network performs
type ValidationLevel int

const (
	ValidationStandard ValidationLevel = iota // Spot checks on the first step
	ValidationStrict                          // All checks, every step
	ValidationUnsafe                          // No validation
)

// TensorInfo captures tensor state for error reporting
type TensorInfo struct {
	Shape      []int
	Size       int
	NaNCount   int
	InfCount   int
	MinValue   float64
	MaxValue   float64
	BadIndices []int // First 10 corrupted indices
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

// FlowError is the standard error type for Flow
type FlowError struct {
	Component    string      // "Dense", "Conv2D", "Network", ...
	ErrorType    string      // "shape mismatch", "NaN detected"
	LayerIndex   int         // 0-indexed position, -1 for the network itself
	Phase        string      // "forward", "backward", "loss"
	OutputInfo   *TensorInfo // nil if not relevant
	ExpectedInfo string      // what was expected
	Cause        string      // human-readable cause
}

// Error implements the error interface
func (e *FlowError) Error() string {
	var b strings.Builder

	fmt.Fprintf(&b, "flow: %s %s", e.Component, e.ErrorType)
	if e.LayerIndex >= 0 {
		fmt.Fprintf(&b, " at layer %d", e.LayerIndex)
	}
	if e.Phase != "" {
		fmt.Fprintf(&b, " during %s", e.Phase)
	}
	if e.OutputInfo != nil {
		fmt.Fprintf(&b, "; output %s", e.OutputInfo.Format())
	}
	if e.ExpectedInfo != "" {
		fmt.Fprintf(&b, "; expected %s", e.ExpectedInfo)
	}
	fmt.Fprintf(&b, ": %s", e.Cause)

	return b.String()
}

func scanTensor(t *tensor) *TensorInfo {
	info := &TensorInfo{
		Shape:      t.shape,
		Size:       len(t.data),
		MinValue:   math.Inf(1),
		MaxValue:   math.Inf(-1),
		BadIndices: make([]int, 0, 10),
	}

	for i, v := range t.data {
		switch {
		case math.IsNaN(v):
			info.NaNCount++
		case math.IsInf(v, 0):
			info.InfCount++
		default:
			info.MinValue = math.Min(info.MinValue, v)
			info.MaxValue = math.Max(info.MaxValue, v)
			continue
		}
		if len(info.BadIndices) < 10 {
			info.BadIndices = append(info.BadIndices, i)
		}
	}

	if math.IsInf(info.MinValue, 1) {
		info.MinValue = 0
	}
	if math.IsInf(info.MaxValue, -1) {
		info.MaxValue = 0
	}

	return info
}

// validateOutput checks a layer output for size and non-finite values.
func validateOutput(t *tensor, expectedSize int, component string, layerIndex int) error {
	if expectedSize > 0 && len(t.data) != expectedSize {
		return &FlowError{
			Component:    component,
			ErrorType:    "size mismatch",
			LayerIndex:   layerIndex,
			Phase:        "forward",
			OutputInfo:   scanTensor(t),
			ExpectedInfo: fmt.Sprintf("size=%d", expectedSize),
			Cause:        fmt.Sprintf("output has %d elements, expected %d", len(t.data), expectedSize),
		}
	}

	info := scanTensor(t)
	if info.NaNCount > 0 {
		return &FlowError{
			Component:  component,
			ErrorType:  "NaN detected",
			LayerIndex: layerIndex,
			Phase:      "forward",
			OutputInfo: info,
			Cause:      fmt.Sprintf("%d NaN values at indices %v", info.NaNCount, info.BadIndices),
		}
	}
	if info.InfCount > 0 {
		return &FlowError{
			Component:  component,
			ErrorType:  "Inf detected",
			LayerIndex: layerIndex,
			Phase:      "forward",
			OutputInfo: info,
			Cause:      fmt.Sprintf("%d Inf values at indices %v - likely overflow", info.InfCount, info.BadIndices),
		}
	}

	return nil
}
