package pipelines

import (
	"errors"
	"fmt"

	"github.com/phuslu/log"

	"github.com/knights-analytics/showo/backends"
	"github.com/knights-analytics/showo/options"
	"github.com/knights-analytics/showo/prompting"
	"github.com/knights-analytics/showo/util/safeconv"
)

const defaultMaxSeqLength = 128

// TextTokenizer encodes prompts and decodes generated answers.
type TextTokenizer interface {
	prompting.TextTokenizer
	Decode(ids []int64, skipSpecialTokens bool) (string, error)
}

// Components are the loaded graphs and tokenizer a pipeline is built from.
type Components struct {
	Transformer *backends.Model
	Tokenizer   *backends.Tokenizer
	VQDecoder   *backends.Model
	VQEncoder   *backends.Model
	VQModelType string
}

// ProgressFunc is called after every decoding step.
type ProgressFunc func(task string, step int, total int)

// ShowoCore is embedded by the generation pipelines.
type ShowoCore struct {
	Prompting    *prompting.UniversalPrompting
	Tokenizer    TextTokenizer
	Transformer  Transformer
	VQModel      ImageTokenizer
	Sampler      *Sampler
	Progress     ProgressFunc
	Models       []*backends.Model
	Config       ShowoConfig
	MaxSeqLength int
}

type showoPipeline interface {
	backends.Pipeline
	core() *ShowoCore
}

func (c *ShowoCore) core() *ShowoCore {
	return c
}

// WithMaxSeqLength sets dataset.preprocessing.max_seq_length, the text budget of a prompt.
func WithMaxSeqLength[T showoPipeline](maxSeqLength int) backends.PipelineOption[T] {
	return func(p T) error {
		if maxSeqLength < 2 {
			return fmt.Errorf("max_seq_length must be at least 2, got %d", maxSeqLength)
		}
		p.core().MaxSeqLength = maxSeqLength
		return nil
	}
}

// WithShowoConfig overrides vocabulary layout values otherwise read from config.json.
func WithShowoConfig[T showoPipeline](config ShowoConfig) backends.PipelineOption[T] {
	return func(p T) error {
		p.core().Config = config
		return nil
	}
}

func WithProgress[T showoPipeline](progress ProgressFunc) backends.PipelineOption[T] {
	return func(p T) error {
		p.core().Progress = progress
		return nil
	}
}

func (c *ShowoCore) load(s *options.Options, components Components) error {
	if components.Tokenizer == nil {
		return errors.New("a text tokenizer is required")
	}
	showo, err := NewShowoModel(components.Transformer, c.Config)
	if err != nil {
		return err
	}
	c.Config = showo.Config
	vq, err := NewVQModel(components.VQModelType, components.VQDecoder, components.VQEncoder)
	if err != nil {
		return err
	}
	var seed *uint64
	if s.RuntimeOptions != nil {
		seed = s.RuntimeOptions.Seed
	}
	if err = c.assemble(components.Tokenizer, showo, vq, seed); err != nil {
		return err
	}
	c.Models = []*backends.Model{components.Transformer, components.VQDecoder}
	if components.VQEncoder != nil {
		c.Models = append(c.Models, components.VQEncoder)
	}
	return nil
}

func (c *ShowoCore) assemble(tokenizer TextTokenizer, transformer Transformer, vq ImageTokenizer, seed *uint64) error {
	if c.MaxSeqLength == 0 {
		c.MaxSeqLength = defaultMaxSeqLength
	}
	// llm_vocab_size + num_new_special_tokens is where the VQ codes start in
	// the transformer vocabulary; the tokenizer size is only a fallback.
	configOffset := int64(c.Config.LLMVocabSize + c.Config.NumNewSpecialTokens)
	up, err := prompting.New(tokenizer, c.MaxSeqLength,
		prompting.WithMaskTokenID(c.Config.MaskTokenID),
		prompting.WithImageTokenOffset(configOffset))
	if err != nil {
		return err
	}
	if configOffset > 0 && configOffset != int64(up.VocabSize()) {
		log.Warn().Int64("config_offset", configOffset).Int("tokenizer_vocab_size", up.VocabSize()).
			Msg("image token offset from config.json differs from the tokenizer vocabulary, using config.json")
	}
	c.Prompting = up
	c.Tokenizer = tokenizer
	c.Transformer = transformer
	c.VQModel = vq
	c.Sampler = NewSampler(seed)
	return nil
}

func (c *ShowoCore) validate() []error {
	var validationErrors []error
	if c.Prompting == nil {
		validationErrors = append(validationErrors, errors.New("prompting is not initialised"))
	}
	if c.Transformer == nil {
		validationErrors = append(validationErrors, errors.New("transformer is not initialised"))
	}
	if c.VQModel == nil {
		validationErrors = append(validationErrors, errors.New("image tokenizer is not initialised"))
	}
	if c.Sampler == nil {
		validationErrors = append(validationErrors, errors.New("sampler is not initialised"))
	}
	if c.Config.NumVQTokens <= 0 {
		validationErrors = append(validationErrors, fmt.Errorf("num_vq_tokens must be positive, got %d", c.Config.NumVQTokens))
	}
	if c.Config.CodebookSize <= 0 {
		validationErrors = append(validationErrors, fmt.Errorf("codebook_size must be positive, got %d", c.Config.CodebookSize))
	}
	return validationErrors
}

func (c *ShowoCore) progress(task string, step, total int) {
	if c.Progress != nil {
		c.Progress(task, step, total)
	}
}

func (c *ShowoCore) statistics(base *backends.BasePipeline) backends.PipelineStatistics {
	statistics := backends.PipelineStatistics{}
	if tk, ok := c.Tokenizer.(*backends.Tokenizer); ok && tk != nil {
		statistics.ComputeTokenizerStatistics(tk.TokenizerTimings)
	}
	statistics.ComputeOnnxStatistics(c.Models...)
	if base != nil && base.PipelineTimings != nil {
		statistics.TotalQueries = base.PipelineTimings.NumCalls
		statistics.PipelineTotalTime = safeconv.U64ToDuration(base.PipelineTimings.TotalNS)
	}
	return statistics
}

func statsLines(name string, statistics backends.PipelineStatistics) []string {
	return []string{
		fmt.Sprintf("Statistics for pipeline: %s", name),
		fmt.Sprintf("Tokenizer: Total time=%s, Execution count=%d, Average query time=%s",
			statistics.TokenizerTotalTime, statistics.TokenizerExecutionCount, statistics.TokenizerAvgQueryTime),
		fmt.Sprintf("ONNX: Total time=%s, Execution count=%d, Average query time=%s",
			statistics.OnnxTotalTime, statistics.OnnxExecutionCount, statistics.OnnxAvgQueryTime),
		fmt.Sprintf("Pipeline: Total time=%s, Calls=%d, Generated tokens=%d",
			statistics.PipelineTotalTime, statistics.TotalQueries, statistics.GeneratedTokens),
	}
}
