package vectorutil

import (
	"fmt"
	"math"
	"slices"

	"golang.org/x/exp/constraints"
)

// SoftMax take a vector and calculate softmax scores of its values.
func SoftMax[T constraints.Float](vector []T) []T {
	if len(vector) == 0 {
		return nil
	}
	maxLogit := slices.Max(vector)
	shiftedExp := make([]float64, len(vector))
	for i, logit := range vector {
		shiftedExp[i] = math.Exp(float64(logit - maxLogit))
	}
	sumExp := SumSlice(shiftedExp)
	scores := make([]T, len(vector))
	for i, exp := range shiftedExp {
		scores[i] = T(exp / sumExp)
	}
	return scores
}

func SumSlice[T constraints.Integer | constraints.Float](s []T) T {
	var sum T
	for _, v := range s {
		sum += v
	}
	return sum
}

// ArgMax find both index of max value in s and max value.
func ArgMax[T constraints.Integer | constraints.Float](s []T) (int, T, error) {
	if len(s) == 0 {
		return 0, 0, fmt.Errorf("attempted to calculate argmax of empty slice")
	}
	maxIndex := 0
	maxValue := s[0]
	for i, v := range s {
		if v > maxValue {
			maxValue = v
			maxIndex = i
		}
	}
	return maxIndex, maxValue, nil
}

// KthLargest returns the k-th largest value of s (k starts at 1). k is clamped to the slice length.
func KthLargest[T constraints.Float](s []T, k int) T {
	sorted := slices.Clone(s)
	slices.SortFunc(sorted, func(a, b T) int {
		switch {
		case a > b:
			return -1
		case a < b:
			return 1
		}
		return 0
	})
	k = max(1, min(k, len(sorted)))
	return sorted[k-1]
}

// KthSmallest returns the k-th smallest value of s (k starts at 1). k is clamped to the slice length.
func KthSmallest[T constraints.Float](s []T, k int) T {
	sorted := slices.Clone(s)
	slices.Sort(sorted)
	k = max(1, min(k, len(sorted)))
	return sorted[k-1]
}

func Sigmoid(v float64) float64 {
	return 1.0 / (1.0 + math.Exp(-v))
}

// Scale multiplies every element of v by factor in place.
func Scale[T constraints.Float](v []T, factor T) []T {
	for i := range v {
		v[i] *= factor
	}
	return v
}
