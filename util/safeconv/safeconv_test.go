package safeconv

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInt64Conversions(t *testing.T) {
	assert.Equal(t, []uint32{0, 7}, Int64SliceToUint32Slice([]int64{-1, 7}))
	assert.Equal(t, []int64{1, 2}, Uint32SliceToInt64Slice([]uint32{1, 2}))
	assert.Equal(t, []int64{4, -4}, IntSliceToInt64Slice([]int{4, -4}))
	assert.Equal(t, []int{4, -4}, Int64SliceToIntSlice([]int64{4, -4}))
}

func TestClampInt64(t *testing.T) {
	assert.Equal(t, int64(0), ClampInt64(-5, 0, 8191))
	assert.Equal(t, int64(8191), ClampInt64(9000, 0, 8191))
	assert.Equal(t, int64(42), ClampInt64(42, 0, 8191))
}

func TestFloat32ToUint8(t *testing.T) {
	assert.Equal(t, uint8(0), Float32ToUint8(-0.5))
	assert.Equal(t, uint8(255), Float32ToUint8(1.0))
	assert.Equal(t, uint8(255), Float32ToUint8(3.0))
	assert.Equal(t, uint8(127), Float32ToUint8(0.5))
	assert.Equal(t, uint8(0), Float32ToUint8(float32(math.NaN())))
}

func TestDurations(t *testing.T) {
	assert.Equal(t, uint64(0), DurationToU64(-time.Second))
	assert.Equal(t, uint64(time.Second), DurationToU64(time.Second))
	assert.Equal(t, time.Duration(math.MaxInt64), U64ToDuration(math.MaxUint64))
}
