package safeconv

import (
	"math"
	"time"
)

// IntSliceToInt64Slice widens a slice of int to int64.
func IntSliceToInt64Slice(input []int) []int64 {
	out := make([]int64, len(input))
	for i, v := range input {
		out[i] = int64(v)
	}
	return out
}

// Uint32SliceToInt64Slice widens a slice of uint32 to int64.
func Uint32SliceToInt64Slice(input []uint32) []int64 {
	out := make([]int64, len(input))
	for i, v := range input {
		out[i] = int64(v)
	}
	return out
}

// Int64SliceToUint32Slice converts token ids to uint32, clamping into [0, MaxUint32].
func Int64SliceToUint32Slice(input []int64) []uint32 {
	out := make([]uint32, len(input))
	for i, v := range input {
		out[i] = Int64ToUint32(v)
	}
	return out
}

// Int64SliceToIntSlice converts token ids to int, clamping to the platform int range.
func Int64SliceToIntSlice(input []int64) []int {
	out := make([]int, len(input))
	for i, v := range input {
		switch {
		case v > math.MaxInt:
			out[i] = math.MaxInt
		case v < math.MinInt:
			out[i] = math.MinInt
		default:
			out[i] = int(v)
		}
	}
	return out
}

// Int64ToUint32 converts int64 to uint32 with clamping into [0, MaxUint32].
func Int64ToUint32(v int64) uint32 {
	if v < 0 {
		return 0
	}
	if v > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(v)
}

// ClampInt64 restricts v to [lo, hi].
func ClampInt64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Float32ToUint8 scales a value in [0, 1] to a byte, clamping out of range values.
func Float32ToUint8(v float32) uint8 {
	if v != v || v <= 0 { // NaN maps to 0
		return 0
	}
	scaled := v * 255.0
	if scaled >= 255 {
		return 255
	}
	return uint8(scaled) // #nosec G115 scaled is clamped to [0, 255) above.
}

// DurationToU64 converts a duration to an unsigned nanoseconds counter safely.
// Negative durations are mapped to 0.
func DurationToU64(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64(d) // #nosec G115
}

// U64ToDuration converts an unsigned nanoseconds count to time.Duration safely.
// Values larger than MaxInt64 are clamped to time.Duration(math.MaxInt64).
func U64ToDuration(u uint64) time.Duration {
	if u > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(int64(u))
}
