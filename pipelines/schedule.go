package pipelines

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/knights-analytics/showo/util/vectorutil"
)

// MaskSchedule maps decoding progress in (0, 1] to the fraction of image
// tokens that stay masked.
type MaskSchedule func(t float64) float64

func CosineSchedule(t float64) float64 {
	return math.Cos(t * math.Pi * 0.5)
}

func LinearSchedule(t float64) float64 {
	return clip(1-t, 1e-6, 1)
}

func PowSchedule(exponent float64) MaskSchedule {
	return func(t float64) float64 {
		return clip(1-math.Pow(t, exponent), 1e-6, 1)
	}
}

func SigmoidSchedule(start, end, tau, clipMin float64) MaskSchedule {
	vStart := vectorutil.Sigmoid(start / tau)
	vEnd := vectorutil.Sigmoid(end / tau)
	return func(t float64) float64 {
		output := vectorutil.Sigmoid((t*(end-start) + start) / tau)
		output = (vEnd - output) / (vEnd - vStart)
		return clip(output, clipMin, 1)
	}
}

// GetMaskSchedule resolves a schedule by name. Parameters come from
// mask_schedule.params: exponent for pow; start, end, tau and clip_min for sigmoid.
// The exponent can also be part of the name, as in pow2 or pow2.5.
func GetMaskSchedule(name string, params map[string]any) (MaskSchedule, error) {
	switch name {
	case "", "cosine":
		return CosineSchedule, nil
	case "linear":
		return LinearSchedule, nil
	case "pow":
		exponent, err := floatParam(params, "exponent", 2)
		if err != nil {
			return nil, err
		}
		return PowSchedule(exponent), nil
	case "sigmoid":
		start, err := floatParam(params, "start", -3)
		if err != nil {
			return nil, err
		}
		end, err := floatParam(params, "end", 3)
		if err != nil {
			return nil, err
		}
		tau, err := floatParam(params, "tau", 1)
		if err != nil {
			return nil, err
		}
		clipMin, err := floatParam(params, "clip_min", 1e-6)
		if err != nil {
			return nil, err
		}
		if tau == 0 || start == end {
			return nil, fmt.Errorf("invalid sigmoid schedule parameters start=%v end=%v tau=%v", start, end, tau)
		}
		return SigmoidSchedule(start, end, tau, clipMin), nil
	default:
		if suffix, ok := strings.CutPrefix(name, "pow"); ok {
			exponent, err := strconv.ParseFloat(suffix, 64)
			if err != nil || exponent <= 0 {
				return nil, fmt.Errorf("invalid pow schedule %s", name)
			}
			return PowSchedule(exponent), nil
		}
		return nil, fmt.Errorf("unknown schedule type %s", name)
	}
}

func floatParam(params map[string]any, key string, fallback float64) (float64, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return fallback, nil
	}
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("mask schedule parameter %s has type %T, expected a number", key, raw)
	}
}

func clip(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
