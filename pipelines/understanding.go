package pipelines

import (
	"context"
	"errors"
	"fmt"
	"image"
	"slices"
	"sync/atomic"
	"time"

	"github.com/knights-analytics/showo/backends"
	"github.com/knights-analytics/showo/metrics"
	"github.com/knights-analytics/showo/options"
	"github.com/knights-analytics/showo/prompting"
	"github.com/knights-analytics/showo/util/safeconv"
	"github.com/knights-analytics/showo/util/vectorutil"
)

// UnderstandingPipeline answers questions about images autoregressively.
type UnderstandingPipeline struct {
	*backends.BasePipeline
	ShowoCore
	MaxNewTokens int
	TopK         int
	Temperature  float32
	RmPadInImage bool
}

type UnderstandingOutput struct {
	Questions []string
	Answers   []string
	TokenIDs  [][]int64
}

const (
	defaultMaxNewTokens = 100
	defaultTopK         = 1
)

func WithMaxNewTokens(maxNewTokens int) backends.PipelineOption[*UnderstandingPipeline] {
	return func(p *UnderstandingPipeline) error {
		if maxNewTokens <= 0 {
			return fmt.Errorf("max_new_tokens must be positive, got %d", maxNewTokens)
		}
		p.MaxNewTokens = maxNewTokens
		return nil
	}
}

// WithTopK keeps the k most likely tokens at every step. k <= 0 disables the filter.
func WithTopK(k int) backends.PipelineOption[*UnderstandingPipeline] {
	return func(p *UnderstandingPipeline) error {
		p.TopK = k
		return nil
	}
}

// WithTemperature scales the logits before sampling. Zero or less decodes greedily.
func WithTemperature(temperature float32) backends.PipelineOption[*UnderstandingPipeline] {
	return func(p *UnderstandingPipeline) error {
		p.Temperature = temperature
		return nil
	}
}

// WithRmPadInImage controls whether answers attend the prompt padding.
func WithRmPadInImage(rm bool) backends.PipelineOption[*UnderstandingPipeline] {
	return func(p *UnderstandingPipeline) error {
		p.RmPadInImage = rm
		return nil
	}
}

// NewUnderstandingPipeline initializes an understanding pipeline.
func NewUnderstandingPipeline(config backends.PipelineConfig[*UnderstandingPipeline], s *options.Options, components Components) (*UnderstandingPipeline, error) {
	pipeline := &UnderstandingPipeline{
		BasePipeline: backends.NewBasePipeline(config, s),
		MaxNewTokens: defaultMaxNewTokens,
		TopK:         defaultTopK,
		Temperature:  1.0,
		RmPadInImage: true,
	}
	for _, o := range config.Options {
		if err := o(pipeline); err != nil {
			return nil, err
		}
	}
	if err := pipeline.load(s, components); err != nil {
		return nil, err
	}
	if err := pipeline.Validate(); err != nil {
		return nil, err
	}
	return pipeline, nil
}

// INTERFACE IMPLEMENTATION

func (p *UnderstandingPipeline) GetModels() []*backends.Model {
	return p.Models
}

func (p *UnderstandingPipeline) GetStatistics() backends.PipelineStatistics {
	return p.statistics(p.BasePipeline)
}

// GetStats returns the runtime statistics for the pipeline.
func (p *UnderstandingPipeline) GetStats() []string {
	return statsLines(p.PipelineName, p.GetStatistics())
}

// Validate checks that the pipeline is valid.
func (p *UnderstandingPipeline) Validate() error {
	validationErrors := p.validate()
	if p.MaxNewTokens <= 0 {
		validationErrors = append(validationErrors, fmt.Errorf("max_new_tokens must be positive, got %d", p.MaxNewTokens))
	}
	if p.Prompting != nil && p.Prompting.ID(prompting.EOT) < 0 {
		validationErrors = append(validationErrors, errors.New("end of text token is not known"))
	}
	return errors.Join(validationErrors...)
}

// RunRevision answers questions about generated images, conditioning on the
// prompt that produced each image. codes are codebook indices.
func (p *UnderstandingPipeline) RunRevision(ctx context.Context, prompts []string, questions []string, codes [][]int64) (*UnderstandingOutput, error) {
	sequences, err := p.Prompting.LML(prompts, questions, codes)
	if err != nil {
		return nil, err
	}
	return p.run(ctx, "lml", questions, sequences, func(seq []int64) (*prompting.AttentionMask, error) {
		return p.Prompting.LMLMask([][]int64{seq}, p.RmPadInImage)
	})
}

// RunImages answers one question per image.
func (p *UnderstandingPipeline) RunImages(ctx context.Context, images []image.Image, questions []string) (*UnderstandingOutput, error) {
	if len(images) != len(questions) {
		return nil, fmt.Errorf("got %d images and %d questions", len(images), len(questions))
	}
	codes, err := p.VQModel.GetCode(ctx, images)
	if err != nil {
		return nil, fmt.Errorf("encoding images: %w", err)
	}
	sequences, err := p.Prompting.MMU(questions, codes)
	if err != nil {
		return nil, err
	}
	return p.run(ctx, "mmu", questions, sequences, func(seq []int64) (*prompting.AttentionMask, error) {
		return p.Prompting.MMUMask([][]int64{seq})
	})
}

// sequences differ in length so they are decoded one at a time.
func (p *UnderstandingPipeline) run(ctx context.Context, task string, questions []string, sequences [][]int64,
	maskFn func([]int64) (*prompting.AttentionMask, error)) (*UnderstandingOutput, error) {
	start := time.Now()
	output := &UnderstandingOutput{
		Questions: questions,
		Answers:   make([]string, len(sequences)),
		TokenIDs:  make([][]int64, len(sequences)),
	}
	for i, seq := range sequences {
		mask, err := maskFn(seq)
		if err != nil {
			return nil, err
		}
		ids, err := p.generate(ctx, task, seq, mask)
		if err != nil {
			return nil, fmt.Errorf("sequence %d: %w", i, err)
		}
		answer, err := p.Tokenizer.Decode(ids, true)
		if err != nil {
			return nil, err
		}
		output.TokenIDs[i] = ids
		output.Answers[i] = answer
	}
	atomic.AddUint64(&p.PipelineTimings.NumCalls, 1)
	atomic.AddUint64(&p.PipelineTimings.TotalNS, safeconv.DurationToU64(time.Since(start)))
	return output, nil
}

// generate returns the new tokens, including the end of text token when reached.
func (p *UnderstandingPipeline) generate(ctx context.Context, task string, prompt []int64, mask *prompting.AttentionMask) ([]int64, error) {
	eot := p.Prompting.ID(prompting.EOT)
	seq := slices.Clone(prompt)
	var generated []int64
	for step := range p.MaxNewTokens {
		stepStart := time.Now()
		logits, err := p.Transformer.Forward(ctx, [][]int64{seq}, mask)
		if err != nil {
			return nil, err
		}
		last := slices.Clone(logits.Row(0, len(seq)-1))
		var next int
		if p.Temperature <= 0 {
			next, _, _ = vectorutil.ArgMax(last)
		} else {
			vectorutil.Scale(last, 1/p.Temperature)
			probs := vectorutil.SoftMax(TopKFilter(last, p.TopK))
			next = p.Sampler.Multinomial(probs)
		}
		token := int64(next)
		generated = append(generated, token)
		seq = append(seq, token)
		mask = mask.Extend()
		metrics.RecordStep(task, 1, time.Since(stepStart))
		p.progress(task, step+1, p.MaxNewTokens)
		if token == eot {
			break
		}
	}
	return generated, nil
}
