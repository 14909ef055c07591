package prompting

import (
	"errors"
	"fmt"
	"math"
)

// AttentionMask holds, for every sequence in a batch, which key positions each
// query position may attend to. Allowed is laid out as [batch][query][key].
type AttentionMask struct {
	Allowed   []bool
	BatchSize int
	Length    int
}

func NewAttentionMask(batchSize, length int) *AttentionMask {
	return &AttentionMask{
		BatchSize: batchSize,
		Length:    length,
		Allowed:   make([]bool, batchSize*length*length),
	}
}

func (m *AttentionMask) index(b, query, key int) int {
	return (b*m.Length+query)*m.Length + key
}

func (m *AttentionMask) At(b, query, key int) bool {
	return m.Allowed[m.index(b, query, key)]
}

func (m *AttentionMask) Set(b, query, key int, allowed bool) {
	m.Allowed[m.index(b, query, key)] = allowed
}

// Shape is the shape of the additive mask, [batch, 1, length, length].
func (m *AttentionMask) Shape() []int64 {
	return []int64{int64(m.BatchSize), 1, int64(m.Length), int64(m.Length)}
}

// Additive returns the mask as added to attention scores: 0 where attention is
// allowed and the lowest float32 where it is blocked.
func (m *AttentionMask) Additive() []float32 {
	out := make([]float32, len(m.Allowed))
	blocked := float32(-math.MaxFloat32)
	for i, allowed := range m.Allowed {
		if !allowed {
			out[i] = blocked
		}
	}
	return out
}

// Extend grows the mask by one position for autoregressive decoding. Existing
// queries cannot see the new key; the new query sees what the previous last
// query saw plus itself.
func (m *AttentionMask) Extend() *AttentionMask {
	extended := NewAttentionMask(m.BatchSize, m.Length+1)
	for b := range m.BatchSize {
		for q := range m.Length {
			for k := range m.Length {
				extended.Set(b, q, k, m.At(b, q, k))
			}
		}
		if m.Length > 0 {
			for k := range m.Length {
				extended.Set(b, m.Length, k, m.At(b, m.Length-1, k))
			}
		}
		extended.Set(b, m.Length, m.Length, true)
	}
	return extended
}

func sequenceLength(sequences [][]int64) (int, error) {
	if len(sequences) == 0 {
		return 0, errors.New("no sequences")
	}
	length := len(sequences[0])
	for i, s := range sequences {
		if len(s) != length {
			return 0, fmt.Errorf("sequence %d has length %d, expected %d", i, len(s), length)
		}
	}
	if length == 0 {
		return 0, errors.New("empty sequences")
	}
	return length, nil
}

// PredictNext builds the mask for masked image token prediction. Text
// positions are causal; positions inside an image segment (soi to eoi
// inclusive) attend to every position. With rmPadInImage, image positions
// never attend padding and text positions after the last pad never attend
// the padded prefix.
func PredictNext(sequences [][]int64, padID, soiID, eoiID int64, rmPadInImage bool) (*AttentionMask, error) {
	length, err := sequenceLength(sequences)
	if err != nil {
		return nil, err
	}
	mask := NewAttentionMask(len(sequences), length)
	for b, seq := range sequences {
		inImage := make([]bool, length)
		starts, ends := 0, 0
		firstSOI := -1
		lastPad := -1
		for i, id := range seq {
			if id == soiID {
				starts++
				if firstSOI < 0 {
					firstSOI = i
				}
			}
			if id == eoiID {
				ends++
			}
			inImage[i] = starts > ends || id == soiID || id == eoiID
			if id == padID {
				lastPad = i
			}
		}
		for q := range length {
			if inImage[q] {
				for k := range length {
					allowed := true
					if rmPadInImage && firstSOI >= 0 && q >= firstSOI && seq[k] == padID {
						allowed = false
					}
					mask.Set(b, q, k, allowed)
				}
				continue
			}
			for k := 0; k <= q; k++ {
				allowed := true
				if rmPadInImage && lastPad >= 0 && q > lastPad && k <= lastPad {
					allowed = false
				}
				mask.Set(b, q, k, allowed)
			}
		}
	}
	return mask, nil
}

// ForMMU builds the understanding mask: causal, plus every position attends
// to the whole prefix up to and including the first eoi.
func ForMMU(sequences [][]int64, eoiID int64) (*AttentionMask, error) {
	length, err := sequenceLength(sequences)
	if err != nil {
		return nil, err
	}
	mask := NewAttentionMask(len(sequences), length)
	for b, seq := range sequences {
		prefix := firstIndex(seq, eoiID)
		if prefix < 0 {
			return nil, fmt.Errorf("sequence %d has no end of image token", b)
		}
		for q := range length {
			for k := range length {
				mask.Set(b, q, k, k <= q || k <= prefix)
			}
		}
	}
	return mask, nil
}

// ForLML builds the revision mask: like ForMMU over the prompt and image
// prefix. With rmPadInImage, non pad positions never attend pad positions and
// pad positions are purely causal.
func ForLML(sequences [][]int64, padID, eoiID int64, rmPadInImage bool) (*AttentionMask, error) {
	mask, err := ForMMU(sequences, eoiID)
	if err != nil || !rmPadInImage {
		return mask, err
	}
	for b, seq := range sequences {
		for q := range mask.Length {
			for k := range mask.Length {
				switch {
				case seq[q] == padID:
					mask.Set(b, q, k, k <= q)
				case seq[k] == padID:
					mask.Set(b, q, k, false)
				}
			}
		}
	}
	return mask, nil
}

func firstIndex(seq []int64, id int64) int {
	for i, v := range seq {
		if v == id {
			return i
		}
	}
	return -1
}
