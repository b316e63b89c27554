package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	v, err := New([]int64{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3}, v.Dims())
	assert.Equal(t, 6, v.NumElements())

	_, err = New([]int64{2, 3}, []float32{1, 2, 3})
	assert.Error(t, err, "element count must match dimensions")

	_, err = New([]int64{-1}, nil)
	assert.Error(t, err, "negative dimensions are rejected")
}

func TestScalarAndVector(t *testing.T) {
	s := Scalar(7)
	assert.Empty(t, s.Dims())
	assert.Equal(t, []float32{7}, s.Floats())

	v := Vector(1, 2, 3)
	assert.Equal(t, []int64{3}, v.Dims())
	assert.Equal(t, 3, v.NumElements())
}

func TestCloneIsIndependent(t *testing.T) {
	original := Vector(1, 2, 3)
	clone := original.Clone()

	clone.Floats()[0] = 99
	assert.Equal(t, float32(1), original.Floats()[0])
	assert.True(t, SameShape(original, clone))
}

func TestSameShape(t *testing.T) {
	a := Vector(1, 2)
	b := Vector(3, 4)
	c := Scalar(1)
	assert.True(t, SameShape(a, b))
	assert.False(t, SameShape(a, c))
}
