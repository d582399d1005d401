package classifier

import (
	"fmt"
)

// Labels are caller supplied targets. Exactly one of Classes or Values is
// set; the one chosen is the label dtype.
type Labels struct {
	Classes []int
	Values  []float32
	// Shape defaults to one dimension spanning every element.
	Shape []int
}

// IntLabels builds integer targets.
func IntLabels(classes []int, shape ...int) *Labels {
	return &Labels{Classes: classes, Shape: shape}
}

// FloatLabels builds floating point targets.
func FloatLabels(values []float32, shape ...int) *Labels {
	return &Labels{Values: values, Shape: shape}
}

func (l *Labels) IsInteger() bool {
	return l != nil && l.Classes != nil
}

func (l *Labels) Len() int {
	if l.IsInteger() {
		return len(l.Classes)
	}
	return len(l.Values)
}

func (l *Labels) dims() []int {
	if len(l.Shape) == 0 {
		return []int{l.Len()}
	}
	return l.Shape
}

func (l *Labels) validate() error {
	if l.Classes != nil && l.Values != nil {
		return fmt.Errorf("%w: labels carry both classes and values", ErrLabelDType)
	}
	n := 1
	for _, d := range l.dims() {
		n *= d
	}
	if n != l.Len() {
		return fmt.Errorf("%w: label shape %v holds %d elements, got %d", ErrShapeMismatch, l.Shape, n, l.Len())
	}
	return nil
}

func (l *Labels) float64s() []float64 {
	out := make([]float64, l.Len())
	if l.IsInteger() {
		for i, c := range l.Classes {
			out[i] = float64(c)
		}
		return out
	}
	for i, v := range l.Values {
		out[i] = float64(v)
	}
	return out
}
