package tensor

import (
	"fmt"
	"slices"
)

// Value is the tensor handle exchanged across the agent boundary. A Value
// returned from the agent is owned by the caller; a Value passed into a
// resume or backward call is consumed (the agent copies what it keeps).
type Value struct {
	dims []int64
	data []float32
}

// New builds a Value over data with the given dimensions. The data slice is
// retained, not copied.
func New(dims []int64, data []float32) (*Value, error) {
	n := int64(1)
	for _, d := range dims {
		if d < 0 {
			return nil, fmt.Errorf("negative dimension %d", d)
		}
		n *= d
	}
	if n != int64(len(data)) {
		return nil, fmt.Errorf("dimensions %v imply %d elements, got %d", dims, n, len(data))
	}
	return &Value{dims: dims, data: data}, nil
}

// Scalar builds a rank-0 Value.
func Scalar(v float32) *Value {
	return &Value{data: []float32{v}}
}

// Vector builds a rank-1 Value.
func Vector(data ...float32) *Value {
	return &Value{dims: []int64{int64(len(data))}, data: data}
}

func (v *Value) Dims() []int64 {
	return slices.Clone(v.dims)
}

// Floats returns the backing data. Callers must not mutate it unless they
// own the Value.
func (v *Value) Floats() []float32 {
	return v.data
}

func (v *Value) NumElements() int {
	return len(v.data)
}

// Clone makes an independent copy. This is the ownership-transfer point when
// values cross the agent boundary.
func (v *Value) Clone() *Value {
	return &Value{
		dims: slices.Clone(v.dims),
		data: slices.Clone(v.data),
	}
}

// SameShape reports whether two values have identical dimensions.
func SameShape(a, b *Value) bool {
	return slices.Equal(a.dims, b.dims)
}

func (v *Value) String() string {
	return fmt.Sprintf("tensor%v", v.dims)
}
