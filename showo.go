package showo

import (
	"errors"
	"fmt"
	"slices"

	"github.com/knights-analytics/showo/backends"
	"github.com/knights-analytics/showo/options"
	"github.com/knights-analytics/showo/pipelines"
)

// Session allows for the creation of new pipelines and holds the pipelines already created.
type Session struct {
	textToImagePipelines   pipelineMap[*pipelines.TextToImagePipeline]
	understandingPipelines pipelineMap[*pipelines.UnderstandingPipeline]
	models                 map[string]*backends.Model
	tokenizers             map[string]*backends.Tokenizer
	options                *options.Options
	environmentDestroy     func() error
}

func newSession(backend string, opts ...options.WithOption) (*Session, error) {
	parsedOptions := options.Defaults()
	parsedOptions.Backend = backend
	for _, option := range opts {
		if err := option(parsedOptions); err != nil {
			return nil, err
		}
	}

	session := &Session{
		textToImagePipelines:   map[string]*pipelines.TextToImagePipeline{},
		understandingPipelines: map[string]*pipelines.UnderstandingPipeline{},
		models:                 map[string]*backends.Model{},
		tokenizers:             map[string]*backends.Tokenizer{},
		options:                parsedOptions,
		environmentDestroy: func() error {
			return nil
		},
	}
	return session, nil
}

type pipelineMap[T backends.Pipeline] map[string]T

func (m pipelineMap[T]) GetStats() []string {
	var stats []string
	for _, p := range m {
		stats = append(stats, p.GetStats()...)
	}
	return stats
}

// TextToImageConfig is the configuration for a text to image pipeline.
type TextToImageConfig = backends.PipelineConfig[*pipelines.TextToImagePipeline]

// TextToImageOption is an option for a text to image pipeline.
type TextToImageOption = backends.PipelineOption[*pipelines.TextToImagePipeline]

// UnderstandingConfig is the configuration for an understanding pipeline.
type UnderstandingConfig = backends.PipelineConfig[*pipelines.UnderstandingPipeline]

// UnderstandingOption is an option for an understanding pipeline.
type UnderstandingOption = backends.PipelineOption[*pipelines.UnderstandingPipeline]

// NewPipeline can be used to create a new pipeline of type T. The initialised pipeline will be returned and it
// will also be stored in the session object so that all created pipelines can be destroyed with session.Destroy()
// at once. Graphs and tokenizers already loaded by another pipeline are shared.
func NewPipeline[T backends.Pipeline](s *Session, pipelineConfig backends.PipelineConfig[T]) (T, error) {
	var pipeline T
	if pipelineConfig.Name == "" {
		return pipeline, errors.New("a name for the pipeline is required")
	}

	_, getError := GetPipeline[T](s, pipelineConfig.Name)
	var notFoundError *pipelineNotFoundError
	if getError == nil {
		return pipeline, fmt.Errorf("pipeline %s has already been initialised", pipelineConfig.Name)
	} else if !errors.As(getError, &notFoundError) {
		return pipeline, getError
	}

	components, err := s.loadComponents(pipelineConfig.ModelPath, pipelineConfig.OnnxFilename, pipelineConfig.TokenizerPath,
		pipelineConfig.VQModelPath, pipelineConfig.VQModelType, pipelineConfig.VQDecoderFilename, pipelineConfig.VQEncoderFilename)
	if err != nil {
		return pipeline, err
	}

	pipeline, name, err := InitializePipeline(pipeline, pipelineConfig, s.options, components)
	if err != nil {
		return pipeline, err
	}

	switch typedPipeline := any(pipeline).(type) {
	case *pipelines.TextToImagePipeline:
		s.textToImagePipelines[name] = typedPipeline
	case *pipelines.UnderstandingPipeline:
		s.understandingPipelines[name] = typedPipeline
	default:
		return pipeline, fmt.Errorf("pipeline type not supported: %T", typedPipeline)
	}
	return pipeline, nil
}

func (s *Session) loadModel(path, onnxFilename string) (*backends.Model, error) {
	if path == "" {
		return nil, errors.New("a model path is required")
	}
	id := path + ":" + onnxFilename
	if model, ok := s.models[id]; ok {
		return model, nil
	}
	model, err := backends.LoadModel(path, onnxFilename, s.options)
	if err != nil {
		return nil, err
	}
	s.models[id] = model
	return model, nil
}

func (s *Session) loadTokenizer(path string) (*backends.Tokenizer, error) {
	if tk, ok := s.tokenizers[path]; ok {
		return tk, nil
	}
	tk, err := backends.LoadTokenizer(path, s.options)
	if err != nil {
		return nil, err
	}
	s.tokenizers[path] = tk
	return tk, nil
}

func (s *Session) loadComponents(modelPath, onnxFilename, tokenizerPath, vqPath, vqType, decoderFilename, encoderFilename string) (pipelines.Components, error) {
	var components pipelines.Components
	var err error
	if components.Transformer, err = s.loadModel(modelPath, onnxFilename); err != nil {
		return components, err
	}
	if tokenizerPath == "" {
		tokenizerPath = modelPath
	}
	if components.Tokenizer, err = s.loadTokenizer(tokenizerPath); err != nil {
		return components, err
	}
	if components.VQDecoder, err = s.loadModel(vqPath, decoderFilename); err != nil {
		return components, fmt.Errorf("loading image decoder: %w", err)
	}
	if encoderFilename != "" {
		if components.VQEncoder, err = s.loadModel(vqPath, encoderFilename); err != nil {
			return components, fmt.Errorf("loading image encoder: %w", err)
		}
	}
	components.VQModelType = vqType
	return components, nil
}

func InitializePipeline[T backends.Pipeline](p T, pipelineConfig backends.PipelineConfig[T], options *options.Options, components pipelines.Components) (T, string, error) {
	var pipeline T
	var name string

	switch any(p).(type) {
	case *pipelines.TextToImagePipeline:
		config := any(pipelineConfig).(backends.PipelineConfig[*pipelines.TextToImagePipeline])
		pipelineInitialised, err := pipelines.NewTextToImagePipeline(config, options, components)
		if err != nil {
			return pipeline, name, err
		}
		pipeline = any(pipelineInitialised).(T)
		name = config.Name
	case *pipelines.UnderstandingPipeline:
		config := any(pipelineConfig).(backends.PipelineConfig[*pipelines.UnderstandingPipeline])
		pipelineInitialised, err := pipelines.NewUnderstandingPipeline(config, options, components)
		if err != nil {
			return pipeline, name, err
		}
		pipeline = any(pipelineInitialised).(T)
		name = config.Name
	default:
		return pipeline, name, fmt.Errorf("not implemented")
	}

	for _, model := range pipeline.GetModels() {
		model.Pipelines[name] = pipeline
	}
	return pipeline, name, nil
}

// GetPipeline can be used to retrieve a pipeline of type T with the given name from the session.
func GetPipeline[T backends.Pipeline](s *Session, name string) (T, error) {
	var pipeline T
	switch any(pipeline).(type) {
	case *pipelines.TextToImagePipeline:
		p, ok := s.textToImagePipelines[name]
		if !ok {
			return pipeline, &pipelineNotFoundError{pipelineName: name}
		}
		return any(p).(T), nil
	case *pipelines.UnderstandingPipeline:
		p, ok := s.understandingPipelines[name]
		if !ok {
			return pipeline, &pipelineNotFoundError{pipelineName: name}
		}
		return any(p).(T), nil
	default:
		return pipeline, errors.New("pipeline type not supported")
	}
}

// ClosePipeline removes the pipeline from the session and destroys the graphs no other pipeline uses.
func ClosePipeline[T backends.Pipeline](s *Session, name string) error {
	var pipeline T
	var models []*backends.Model
	switch any(pipeline).(type) {
	case *pipelines.TextToImagePipeline:
		p, ok := s.textToImagePipelines[name]
		if !ok {
			return nil
		}
		models = p.GetModels()
		delete(s.textToImagePipelines, name)
	case *pipelines.UnderstandingPipeline:
		p, ok := s.understandingPipelines[name]
		if !ok {
			return nil
		}
		models = p.GetModels()
		delete(s.understandingPipelines, name)
	default:
		return errors.New("pipeline type not supported")
	}
	return s.releaseModels(name, models)
}

func (s *Session) releaseModels(name string, models []*backends.Model) error {
	var err error
	for _, model := range models {
		if model == nil {
			continue
		}
		delete(model.Pipelines, name)
		if len(model.Pipelines) == 0 {
			if _, loaded := s.models[model.ID]; loaded {
				delete(s.models, model.ID)
				err = errors.Join(err, model.Destroy())
			}
		}
	}
	return err
}

type pipelineNotFoundError struct {
	pipelineName string
}

func (e *pipelineNotFoundError) Error() string {
	return fmt.Sprintf("Pipeline with name %s not found", e.pipelineName)
}

// GetStats returns runtime statistics for all initialized pipelines for profiling purposes. For each pipeline:
// the tokenizer time and call count, the graph time and call count across
// the transformer and image tokenizer graphs, and the pipeline time and call count.
func (s *Session) GetStats() []string {
	return slices.Concat(
		s.textToImagePipelines.GetStats(),
		s.understandingPipelines.GetStats(),
	)
}

// Destroy deletes the session, the onnxruntime environment and all initialized pipelines, freeing memory.
// A session should be destroyed when not needed any more, preferably with a defer() call.
func (s *Session) Destroy() error {
	var err error
	for _, model := range s.models {
		err = errors.Join(err, model.Destroy())
	}
	for _, tk := range s.tokenizers {
		if tk.Destroy != nil {
			err = errors.Join(err, tk.Destroy())
		}
	}
	s.models = nil
	s.tokenizers = nil
	s.textToImagePipelines = nil
	s.understandingPipelines = nil

	if s.options != nil {
		err = errors.Join(err, s.options.Destroy())
		s.options = nil
	}

	err = errors.Join(err, s.environmentDestroy())
	return err
}
