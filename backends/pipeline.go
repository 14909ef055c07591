package backends

import (
	"fmt"
	"math"
	"time"

	"github.com/knights-analytics/showo/options"
	"github.com/knights-analytics/showo/util/safeconv"
)

// BasePipeline can be embedded by a pipeline.
type BasePipeline struct {
	PipelineTimings *timings
	PipelineName    string
	Runtime         string
}

type InputOutputInfo struct {
	// The name of the input or output
	Name string
	// The input or output's dimensions, if it's a tensor. Negative or zero
	// values mark dynamic axes.
	Dimensions Shape
}

type Shape []int64

func (s Shape) String() string {
	return fmt.Sprintf("%v", []int64(s))
}

func (s Shape) ValuesInt() []int {
	output := make([]int, len(s))
	for i, v := range s {
		output[i] = int(v)
	}
	return output
}

// NewShape Returns a Shape, with the given dimensions.
func NewShape(dimensions ...int64) Shape {
	return dimensions
}

// Pipeline is the interface that any pipeline must implement.
type Pipeline interface {
	GetStatistics() PipelineStatistics // Get the pipeline running statistics
	GetStats() []string                // Human readable statistics
	Validate() error                   // Validate the pipeline for correctness
	GetModels() []*Model               // Return the graphs used by the pipeline
}

type PipelineStatistics struct {
	TokenizerTotalTime      time.Duration
	TokenizerExecutionCount uint64
	TokenizerAvgQueryTime   time.Duration
	OnnxTotalTime           time.Duration
	OnnxExecutionCount      uint64
	OnnxAvgQueryTime        time.Duration
	PipelineTotalTime       time.Duration
	TotalQueries            uint64
	TotalDocuments          uint64
	GeneratedTokens         uint64
}

func (p *PipelineStatistics) ComputeTokenizerStatistics(timings *timings) {
	p.TokenizerTotalTime = safeconv.U64ToDuration(timings.TotalNS)
	p.TokenizerExecutionCount = timings.NumCalls
	p.TokenizerAvgQueryTime = time.Duration(float64(timings.TotalNS) /
		math.Max(1, float64(timings.NumCalls)))
}

// ComputeOnnxStatistics accumulates the graph timings of every model used by a pipeline.
func (p *PipelineStatistics) ComputeOnnxStatistics(models ...*Model) {
	var totalNS, calls uint64
	for _, m := range models {
		if m == nil || m.Timings == nil {
			continue
		}
		totalNS += m.Timings.TotalNS
		calls += m.Timings.NumCalls
	}
	p.OnnxTotalTime = safeconv.U64ToDuration(totalNS)
	p.OnnxExecutionCount = calls
	p.OnnxAvgQueryTime = time.Duration(float64(totalNS) / math.Max(1, float64(calls)))
}

// PipelineOption is an option for a pipeline type.
type PipelineOption[T Pipeline] func(eo T) error

// PipelineConfig is a configuration for a pipeline type that can be used
// to create that pipeline.
type PipelineConfig[T Pipeline] struct {
	// ModelPath is the directory of the multimodal transformer graph.
	ModelPath    string
	Name         string
	OnnxFilename string
	// TokenizerPath defaults to ModelPath.
	TokenizerPath string
	// VQModelPath is the directory of the image tokenizer graphs.
	VQModelPath       string
	VQModelType       string
	VQDecoderFilename string
	VQEncoderFilename string
	Options           []PipelineOption[T]
}

type timings struct {
	NumCalls uint64
	TotalNS  uint64
}

func NewBasePipeline[T Pipeline](config PipelineConfig[T], s *options.Options) *BasePipeline {
	return &BasePipeline{
		Runtime:         s.Backend,
		PipelineName:    config.Name,
		PipelineTimings: &timings{},
	}
}

func GetNames(info []InputOutputInfo) []string {
	names := make([]string, 0, len(info))
	for _, v := range info {
		names = append(names, v.Name)
	}
	return names
}
