package pipelines

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"sync/atomic"
	"time"

	"github.com/knights-analytics/showo/backends"
	"github.com/knights-analytics/showo/metrics"
	"github.com/knights-analytics/showo/options"
	"github.com/knights-analytics/showo/util/safeconv"
	"github.com/knights-analytics/showo/util/vectorutil"
)

// TextToImagePipeline generates image tokens for prompts by iterative
// masked-token decoding and decodes them to images.
type TextToImagePipeline struct {
	*backends.BasePipeline
	ShowoCore
	Schedule       MaskSchedule
	NoiseType      string
	scheduleName   string
	scheduleParams map[string]any
	GuidanceScale  float32
	Timesteps      int
	Temperature    float64
}

type TextToImageOutput struct {
	Prompts []string
	Codes   [][]int64
	Images  []image.Image
}

const (
	defaultTimesteps   = 18
	defaultTemperature = 1.0
	noiseTypeMask      = "mask"
	minProbability     = 1e-20
)

// WithGuidanceScale enables classifier free guidance when scale > 0.
func WithGuidanceScale(scale float32) backends.PipelineOption[*TextToImagePipeline] {
	return func(p *TextToImagePipeline) error {
		if scale < 0 {
			return fmt.Errorf("guidance_scale must not be negative, got %f", scale)
		}
		p.GuidanceScale = scale
		return nil
	}
}

func WithGenerationTimesteps(timesteps int) backends.PipelineOption[*TextToImagePipeline] {
	return func(p *TextToImagePipeline) error {
		if timesteps <= 0 {
			return fmt.Errorf("generation_timesteps must be positive, got %d", timesteps)
		}
		p.Timesteps = timesteps
		return nil
	}
}

func WithGenerationTemperature(temperature float64) backends.PipelineOption[*TextToImagePipeline] {
	return func(p *TextToImagePipeline) error {
		p.Temperature = temperature
		return nil
	}
}

// WithMaskSchedule selects the re-masking schedule by name with its parameters.
func WithMaskSchedule(name string, params map[string]any) backends.PipelineOption[*TextToImagePipeline] {
	return func(p *TextToImagePipeline) error {
		p.scheduleName = name
		p.scheduleParams = params
		return nil
	}
}

func WithNoiseType(noiseType string) backends.PipelineOption[*TextToImagePipeline] {
	return func(p *TextToImagePipeline) error {
		p.NoiseType = noiseType
		return nil
	}
}

// NewTextToImagePipeline initializes a text to image pipeline.
func NewTextToImagePipeline(config backends.PipelineConfig[*TextToImagePipeline], s *options.Options, components Components) (*TextToImagePipeline, error) {
	pipeline := &TextToImagePipeline{
		BasePipeline: backends.NewBasePipeline(config, s),
		Timesteps:    defaultTimesteps,
		Temperature:  defaultTemperature,
		NoiseType:    noiseTypeMask,
	}
	for _, o := range config.Options {
		if err := o(pipeline); err != nil {
			return nil, err
		}
	}
	if err := pipeline.load(s, components); err != nil {
		return nil, err
	}
	schedule, err := GetMaskSchedule(pipeline.scheduleName, pipeline.scheduleParams)
	if err != nil {
		return nil, err
	}
	pipeline.Schedule = schedule

	if err = pipeline.Validate(); err != nil {
		return nil, err
	}
	return pipeline, nil
}

// INTERFACE IMPLEMENTATION

func (p *TextToImagePipeline) GetModels() []*backends.Model {
	return p.Models
}

func (p *TextToImagePipeline) GetStatistics() backends.PipelineStatistics {
	return p.statistics(p.BasePipeline)
}

// GetStats returns the runtime statistics for the pipeline.
func (p *TextToImagePipeline) GetStats() []string {
	return statsLines(p.PipelineName, p.GetStatistics())
}

// Validate checks that the pipeline is valid.
func (p *TextToImagePipeline) Validate() error {
	validationErrors := p.validate()
	if p.Schedule == nil {
		validationErrors = append(validationErrors, errors.New("mask schedule is not set"))
	}
	if p.NoiseType != noiseTypeMask {
		validationErrors = append(validationErrors, fmt.Errorf("noise_type %s not supported", p.NoiseType))
	}
	if p.Timesteps <= 0 {
		validationErrors = append(validationErrors, fmt.Errorf("generation_timesteps must be positive, got %d", p.Timesteps))
	}
	return errors.Join(validationErrors...)
}

// RunPipeline generates one image per prompt.
func (p *TextToImagePipeline) RunPipeline(ctx context.Context, prompts []string) (*TextToImageOutput, error) {
	start := time.Now()
	codes, err := p.GenerateCodes(ctx, prompts)
	if err != nil {
		return nil, err
	}
	images, err := p.DecodeCodes(ctx, codes)
	if err != nil {
		return nil, err
	}
	atomic.AddUint64(&p.PipelineTimings.NumCalls, 1)
	atomic.AddUint64(&p.PipelineTimings.TotalNS, safeconv.DurationToU64(time.Since(start)))
	return &TextToImageOutput{Prompts: prompts, Codes: codes, Images: images}, nil
}

// DecodeCodes clamps codes into the codebook and runs the image decoder.
func (p *TextToImagePipeline) DecodeCodes(ctx context.Context, codes [][]int64) ([]image.Image, error) {
	upper := int64(p.Config.CodebookSize - 1)
	clamped := make([][]int64, len(codes))
	for i, row := range codes {
		clamped[i] = make([]int64, len(row))
		for j, c := range row {
			clamped[i][j] = safeconv.ClampInt64(c, 0, upper)
		}
	}
	images, err := p.VQModel.DecodeCode(ctx, clamped)
	if err != nil {
		return nil, fmt.Errorf("decoding image tokens: %w", err)
	}
	metrics.RecordImages(len(images))
	return images, nil
}

// GenerateCodes returns num_vq_tokens codebook indices per prompt.
func (p *TextToImagePipeline) GenerateCodes(ctx context.Context, prompts []string) ([][]int64, error) {
	if len(prompts) == 0 {
		return nil, errors.New("no prompts to generate")
	}
	batchSize := len(prompts)
	numTokens := p.Config.NumVQTokens
	codebook := p.Config.CodebookSize
	maskID := p.Config.MaskTokenID
	offset := p.Prompting.ImageTokenOffset()

	imageTokens := make([][]int64, batchSize)
	for i := range imageTokens {
		imageTokens[i] = make([]int64, numTokens)
		for j := range imageTokens[i] {
			imageTokens[i][j] = maskID
		}
	}
	ids, err := p.Prompting.T2IGen(prompts, imageTokens)
	if err != nil {
		return nil, err
	}
	guided := p.GuidanceScale > 0
	if guided {
		empty := make([]string, batchSize)
		uncond, uncondErr := p.Prompting.T2IGen(empty, imageTokens)
		if uncondErr != nil {
			return nil, uncondErr
		}
		textLen := p.Prompting.MaxTextLen
		for b := range batchSize {
			row := make([]int64, 0, len(ids[b]))
			row = append(row, uncond[b][:textLen]...)
			row = append(row, ids[b][textLen:]...)
			ids = append(ids, row)
		}
	}
	mask, err := p.Prompting.PredictNextMask(ids, true)
	if err != nil {
		return nil, err
	}

	vocabStart, vocabEnd := int(offset), int(offset)+codebook
	length := len(ids[0])
	first := length - numTokens - 1
	temperature := p.Temperature
	guidance := p.GuidanceScale
	sampled := make([][]int64, batchSize)
	for b := range sampled {
		sampled[b] = make([]int64, numTokens)
	}
	scores := make([]float32, codebook)
	confidence := make([]float64, numTokens)

	for step := range p.Timesteps {
		stepStart := time.Now()
		logits, forwardErr := p.Transformer.Forward(ctx, ids, mask)
		if forwardErr != nil {
			return nil, fmt.Errorf("step %d: %w", step, forwardErr)
		}
		if logits.VocabSize < vocabEnd {
			return nil, fmt.Errorf("logits vocabulary of %d is smaller than image token offset %d plus codebook %d", logits.VocabSize, offset, codebook)
		}
		ratio := float64(step+1) / float64(p.Timesteps)
		maskRatio := p.Schedule(ratio)
		temperature *= 1 - ratio

		for b := range batchSize {
			unknown := 0
			for i := range numTokens {
				pos := first + i
				cond := logits.Row(b, pos)[vocabStart:vocabEnd]
				if guided {
					uncond := logits.Row(batchSize+b, pos)[vocabStart:vocabEnd]
					for j := range scores {
						scores[j] = (1+guidance)*cond[j] - guidance*uncond[j]
					}
				} else {
					copy(scores, cond)
				}
				noise := temperature * p.Sampler.Gumbel()
				if ids[b][pos] != maskID {
					sampled[b][i] = ids[b][pos] - offset
					confidence[i] = math.Log(math.MaxFloat32) + noise
					continue
				}
				unknown++
				probs := vectorutil.SoftMax(scores)
				choice := p.Sampler.Multinomial(probs)
				sampled[b][i] = int64(choice)
				confidence[i] = math.Log(math.Max(float64(probs[choice]), minProbability)) + noise
			}

			maskLen := int(math.Floor(float64(numTokens) * maskRatio))
			maskLen = max(1, min(unknown-1, maskLen))
			cutoff := vectorutil.KthSmallest(confidence, maskLen+1)
			for i := range numTokens {
				pos := first + i
				token := sampled[b][i] + offset
				if confidence[i] < cutoff {
					token = maskID
				}
				ids[b][pos] = token
				if guided {
					ids[batchSize+b][pos] = token
				}
			}
		}
		metrics.RecordStep("t2i", batchSize*numTokens, time.Since(stepStart))
		p.progress("t2i", step+1, p.Timesteps)
	}
	return sampled, nil
}
