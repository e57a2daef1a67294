package ir

import "math"

// OrderedFloat is a float64 stored by bit pattern. Equality is bitwise, so
// NaN compares equal to itself and the type works as a hash-map key.
// Ordering places NaN above every finite value.
type OrderedFloat uint64

// NewOrderedFloat wraps a float64.
func NewOrderedFloat(v float64) OrderedFloat {
	return OrderedFloat(math.Float64bits(v))
}

// Value returns the wrapped float64.
func (f OrderedFloat) Value() float64 {
	return math.Float64frombits(uint64(f))
}

// IsNaN reports whether the wrapped value is a NaN.
func (f OrderedFloat) IsNaN() bool {
	return math.IsNaN(f.Value())
}

// Less orders floats numerically with NaN greater than everything else.
func (f OrderedFloat) Less(other OrderedFloat) bool {
	a, b := f.Value(), other.Value()
	switch {
	case math.IsNaN(a):
		return false
	case math.IsNaN(b):
		return true
	default:
		return a < b
	}
}
