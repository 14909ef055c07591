package pipelines

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"strings"

	"github.com/knights-analytics/showo/backends"
	"github.com/knights-analytics/showo/util/imageutil"
)

// ImageTokenizer maps images to discrete codes and back.
type ImageTokenizer interface {
	DecodeCode(ctx context.Context, codes [][]int64) ([]image.Image, error)
	GetCode(ctx context.Context, images []image.Image) ([][]int64, error)
}

const defaultVQResolution = 256

// MAGVITv2 runs an exported MAGVIT-v2 decoder graph (codes int64 [B,N] to
// pixels float32 [B,3,H,W] in [-1,1]) and, if present, its encoder graph.
type MAGVITv2 struct {
	Decoder    *backends.Model
	Encoder    *backends.Model
	Resolution int
}

// NewVQModel returns the image tokenizer for a vq_model.type.
func NewVQModel(modelType string, decoder *backends.Model, encoder *backends.Model) (ImageTokenizer, error) {
	switch strings.ToLower(modelType) {
	case "magvitv2":
		if decoder == nil {
			return nil, errors.New("magvitv2 requires a decoder graph")
		}
		vq := &MAGVITv2{Decoder: decoder, Encoder: encoder, Resolution: defaultVQResolution}
		for _, m := range []*backends.Model{decoder, encoder} {
			if m == nil {
				continue
			}
			resolution, ok, err := m.ConfigInt("resolution")
			if err != nil {
				return nil, err
			}
			if ok && resolution > 0 {
				vq.Resolution = resolution
			}
		}
		return vq, nil
	default:
		return nil, fmt.Errorf("model_type %s not supported", modelType)
	}
}

func (m *MAGVITv2) DecodeCode(ctx context.Context, codes [][]int64) ([]image.Image, error) {
	if len(codes) == 0 {
		return nil, errors.New("no codes to decode")
	}
	n := len(codes[0])
	flat := make([]int64, 0, len(codes)*n)
	for i, row := range codes {
		if len(row) != n {
			return nil, fmt.Errorf("code row %d has %d tokens, expected %d", i, len(row), n)
		}
		flat = append(flat, row...)
	}
	if len(m.Decoder.InputsMeta) == 0 {
		return nil, fmt.Errorf("decoder graph %s declares no inputs", m.Decoder.ID)
	}
	input := backends.NewInt64Tensor(m.Decoder.InputsMeta[0].Name, backends.NewShape(int64(len(codes)), int64(n)), flat)
	outputs, err := backends.RunModel(ctx, m.Decoder, []backends.Tensor{input})
	if err != nil {
		return nil, err
	}
	if len(outputs) == 0 {
		return nil, errors.New("decoder graph returned no outputs")
	}
	pixels, err := outputs[0].Float32Data()
	if err != nil {
		return nil, err
	}
	return imageutil.TensorToImages(pixels, outputs[0].Shape)
}

func (m *MAGVITv2) GetCode(ctx context.Context, images []image.Image) ([][]int64, error) {
	if m.Encoder == nil {
		return nil, errors.New("no encoder graph loaded for the image tokenizer")
	}
	if len(m.Encoder.InputsMeta) == 0 {
		return nil, fmt.Errorf("encoder graph %s declares no inputs", m.Encoder.ID)
	}
	preprocess, normalize := imageutil.ImageTransform(m.Resolution)
	pixels, shape, err := imageutil.ImagesToTensor(images, preprocess, normalize)
	if err != nil {
		return nil, err
	}
	input := backends.NewFloat32Tensor(m.Encoder.InputsMeta[0].Name, shape, pixels)
	outputs, err := backends.RunModel(ctx, m.Encoder, []backends.Tensor{input})
	if err != nil {
		return nil, err
	}
	if len(outputs) == 0 {
		return nil, errors.New("encoder graph returned no outputs")
	}
	out := outputs[0]
	var flat []int64
	switch data := out.Data.(type) {
	case []int64:
		flat = data
	case []float32:
		flat = make([]int64, len(data))
		for i, v := range data {
			flat[i] = int64(math.Round(float64(v)))
		}
	default:
		return nil, fmt.Errorf("encoder output has unsupported type %T", out.Data)
	}
	batch := len(images)
	if len(flat)%batch != 0 {
		return nil, fmt.Errorf("encoder returned %d codes for %d images", len(flat), batch)
	}
	n := len(flat) / batch
	codes := make([][]int64, batch)
	for i := range batch {
		codes[i] = append([]int64(nil), flat[i*n:(i+1)*n]...)
	}
	return codes, nil
}
