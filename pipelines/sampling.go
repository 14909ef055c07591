package pipelines

import (
	"math"
	"time"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
	"gonum.org/v1/gonum/stat/sampleuv"

	"github.com/knights-analytics/showo/util/vectorutil"
)

// Sampler draws the random numbers used while decoding. It is not safe for
// concurrent use.
type Sampler struct {
	src    rand.Source
	gumbel distuv.GumbelRight
}

// NewSampler returns a sampler seeded with seed, or from the clock when seed is nil.
func NewSampler(seed *uint64) *Sampler {
	s := uint64(time.Now().UnixNano()) // #nosec G115 any bit pattern is a valid seed
	if seed != nil {
		s = *seed
	}
	src := rand.NewSource(s)
	return &Sampler{
		src:    src,
		gumbel: distuv.GumbelRight{Mu: 0, Beta: 1, Src: src},
	}
}

// Multinomial draws an index with probability proportional to probs.
// Degenerate distributions fall back to the arg max.
func (s *Sampler) Multinomial(probs []float32) int {
	weights := make([]float64, len(probs))
	var sum float64
	for i, p := range probs {
		if p > 0 && !math.IsInf(float64(p), 0) && !math.IsNaN(float64(p)) {
			weights[i] = float64(p)
			sum += weights[i]
		}
	}
	if sum == 0 {
		index, _, _ := vectorutil.ArgMax(probs)
		return index
	}
	if index, ok := sampleuv.NewWeighted(weights, s.src).Take(); ok {
		return index
	}
	index, _, _ := vectorutil.ArgMax(probs)
	return index
}

// Gumbel draws standard Gumbel noise.
func (s *Sampler) Gumbel() float64 {
	return s.gumbel.Rand()
}

// TopKFilter keeps the k largest logits and sets the rest to negative infinity
// in place. k <= 0 keeps everything.
func TopKFilter(logits []float32, k int) []float32 {
	if k <= 0 || k >= len(logits) {
		return logits
	}
	threshold := vectorutil.KthLargest(logits, k)
	negInf := float32(math.Inf(-1))
	for i, v := range logits {
		if v < threshold {
			logits[i] = negInf
		}
	}
	return logits
}
