package pipelines

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMultinomial(t *testing.T) {
	seed := uint64(7)
	s := NewSampler(&seed)
	for range 50 {
		assert.Equal(t, 2, s.Multinomial([]float32{0, 0, 1, 0}))
	}
	counts := make([]int, 2)
	for range 2000 {
		counts[s.Multinomial([]float32{0.25, 0.75})]++
	}
	assert.InDelta(t, 0.75, float64(counts[1])/2000, 0.05)

	// degenerate distributions fall back to the arg max
	assert.Equal(t, 0, s.Multinomial([]float32{0, 0, 0}))
	assert.Equal(t, 1, s.Multinomial([]float32{-1, 0, -2}))
}

func TestSamplerSeeded(t *testing.T) {
	seed := uint64(10086)
	a, b := NewSampler(&seed), NewSampler(&seed)
	for range 10 {
		assert.Equal(t, a.Gumbel(), b.Gumbel())
	}
}

func TestTopKFilter(t *testing.T) {
	logits := TopKFilter([]float32{1, 5, 3, 4}, 2)
	assert.Equal(t, float32(5), logits[1])
	assert.Equal(t, float32(4), logits[3])
	assert.True(t, math.IsInf(float64(logits[0]), -1))
	assert.True(t, math.IsInf(float64(logits[2]), -1))

	untouched := TopKFilter([]float32{1, 2}, 0)
	assert.Equal(t, []float32{1, 2}, untouched)
}

func TestSchedules(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSchedule(0), 1e-9)
	assert.InDelta(t, 0.0, CosineSchedule(1), 1e-9)
	assert.InDelta(t, 0.5, LinearSchedule(0.5), 1e-9)
	assert.InDelta(t, 1e-6, LinearSchedule(1), 1e-12)
	assert.InDelta(t, 0.75, PowSchedule(2)(0.5), 1e-9)

	sigmoid, err := GetMaskSchedule("sigmoid", nil)
	assert.NoError(t, err)
	assert.InDelta(t, 1.0, sigmoid(0), 1e-9)
	assert.InDelta(t, 0.5, sigmoid(0.5), 1e-9)
	assert.InDelta(t, 1e-6, sigmoid(1), 1e-9)

	pow, err := GetMaskSchedule("pow", map[string]any{"exponent": 3})
	assert.NoError(t, err)
	assert.InDelta(t, 0.875, pow(0.5), 1e-9)

	for exponent, name := range map[float64]string{2: "pow2", 3: "pow3", 2.5: "pow2.5"} {
		named, err := GetMaskSchedule(name, nil)
		require.NoError(t, err, name)
		for _, ratio := range []float64{0.1, 0.5, 0.9} {
			assert.InDelta(t, PowSchedule(exponent)(ratio), named(ratio), 1e-12, name)
		}
	}
	_, err = GetMaskSchedule("powx", nil)
	assert.Error(t, err)
	_, err = GetMaskSchedule("pow-1", nil)
	assert.Error(t, err)

	cosine, err := GetMaskSchedule("", nil)
	assert.NoError(t, err)
	assert.InDelta(t, CosineSchedule(0.3), cosine(0.3), 1e-12)

	_, err = GetMaskSchedule("pow", map[string]any{"exponent": "two"})
	assert.Error(t, err)
	_, err = GetMaskSchedule("exponential", nil)
	assert.Error(t, err)
}
