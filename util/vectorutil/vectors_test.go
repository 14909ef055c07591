package vectorutil

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSoftMax(t *testing.T) {
	scores := SoftMax([]float32{1, 1, 1, 1})
	for _, s := range scores {
		assert.InDelta(t, 0.25, s, 1e-6)
	}
	scores = SoftMax([]float32{0, 100})
	assert.InDelta(t, 1.0, scores[1], 1e-6)
	assert.InDelta(t, 1.0, SumSlice(SoftMax([]float64{-3, 0.5, 2})), 1e-9)
	assert.Nil(t, SoftMax([]float32{}))
}

func TestArgMax(t *testing.T) {
	idx, value, err := ArgMax([]float32{0.1, 3, -2, 3})
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
	assert.Equal(t, float32(3), value)
	_, _, err = ArgMax([]float32{})
	assert.Error(t, err)
}

func TestKth(t *testing.T) {
	values := []float32{5, 1, 4, 2, 3}
	assert.Equal(t, float32(5), KthLargest(values, 1))
	assert.Equal(t, float32(3), KthLargest(values, 3))
	assert.Equal(t, float32(1), KthLargest(values, 10))
	assert.Equal(t, float32(2), KthSmallest(values, 2))
	assert.Equal(t, float32(1), KthSmallest(values, 0))
	// the input must not be reordered
	assert.Equal(t, []float32{5, 1, 4, 2, 3}, values)
}

func TestSigmoid(t *testing.T) {
	assert.InDelta(t, 0.5, Sigmoid(0), 1e-12)
	assert.InDelta(t, 1/(1+math.Exp(3)), Sigmoid(-3), 1e-12)
}
