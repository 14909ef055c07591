package backends

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/knights-analytics/showo/metrics"
	"github.com/knights-analytics/showo/util/safeconv"
)

// Tensor is a named dense tensor exchanged with a graph. Data is []int64 or []float32.
type Tensor struct {
	Data  any
	Name  string
	Shape Shape
}

func NewInt64Tensor(name string, shape Shape, data []int64) Tensor {
	return Tensor{Name: name, Shape: shape, Data: data}
}

func NewFloat32Tensor(name string, shape Shape, data []float32) Tensor {
	return Tensor{Name: name, Shape: shape, Data: data}
}

// Size is the number of elements described by the shape.
func (s Shape) Size() int64 {
	size := int64(1)
	for _, d := range s {
		size *= d
	}
	return size
}

func (t Tensor) Int64Data() ([]int64, error) {
	data, ok := t.Data.([]int64)
	if !ok {
		return nil, fmt.Errorf("tensor %s holds %T, not []int64", t.Name, t.Data)
	}
	return data, nil
}

func (t Tensor) Float32Data() ([]float32, error) {
	data, ok := t.Data.([]float32)
	if !ok {
		return nil, fmt.Errorf("tensor %s holds %T, not []float32", t.Name, t.Data)
	}
	return data, nil
}

func (t Tensor) length() (int, error) {
	switch d := t.Data.(type) {
	case []int64:
		return len(d), nil
	case []float32:
		return len(d), nil
	default:
		return 0, fmt.Errorf("tensor %s has unsupported data type %T", t.Name, t.Data)
	}
}

// Validate checks that the data length matches the shape.
func (t Tensor) Validate() error {
	n, err := t.length()
	if err != nil {
		return err
	}
	for _, d := range t.Shape {
		if d <= 0 {
			return fmt.Errorf("tensor %s has non positive dimension in shape %s", t.Name, t.Shape)
		}
	}
	if int64(n) != t.Shape.Size() {
		return fmt.Errorf("tensor %s has %d values for shape %s", t.Name, n, t.Shape)
	}
	return nil
}

// RunModel executes the graph on the given inputs and returns its outputs in declaration order.
func RunModel(ctx context.Context, model *Model, inputs []Tensor) ([]Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, input := range inputs {
		if err := input.Validate(); err != nil {
			return nil, err
		}
	}
	start := time.Now()
	var outputs []Tensor
	var err error
	switch model.Runtime {
	case "ORT":
		outputs, err = runORTModel(model, inputs)
	case "GO":
		outputs, err = runGoModel(model, inputs)
	default:
		err = fmt.Errorf("runtime %s is not supported", model.Runtime)
	}
	if err != nil {
		return nil, fmt.Errorf("running %s: %w", model.ID, err)
	}
	elapsed := time.Since(start)
	atomic.AddUint64(&model.Timings.NumCalls, 1)
	atomic.AddUint64(&model.Timings.TotalNS, safeconv.DurationToU64(elapsed))
	metrics.RecordForward(model.ID, elapsed)
	return outputs, nil
}
