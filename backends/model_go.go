package backends

import (
	"fmt"

	"github.com/advancedclimatesystems/gonnx"
	"gorgonia.org/tensor"

	"github.com/knights-analytics/showo/options"
	"github.com/knights-analytics/showo/util/fileutil"
)

type GoModel struct {
	Model        *gonnx.Model
	StrictShapes bool
}

func createGoModelBackend(model *Model, s *options.Options) error {
	onnxBytes, err := fileutil.ReadFileBytes(model.OnnxPath)
	if err != nil {
		return err
	}
	goModel, err := gonnx.NewModelFromBytes(onnxBytes)
	if err != nil {
		return fmt.Errorf("loading %s with the go runtime: %w", model.OnnxPath, err)
	}
	model.OnnxBytes = onnxBytes
	model.InputsMeta, model.OutputsMeta = loadInputOutputMetaGo(goModel)
	model.GoModel = &GoModel{Model: goModel, StrictShapes: s.GoOptions != nil && s.GoOptions.StrictShapes}
	return nil
}

func loadInputOutputMetaGo(model *gonnx.Model) ([]InputOutputInfo, []InputOutputInfo) {
	var inputs, outputs []InputOutputInfo

	inputShapes := model.InputShapes()
	for _, name := range model.InputNames() {
		shape := inputShapes[name]
		dimensions := make([]int64, len(shape))
		for i, y := range shape {
			if y.IsDynamic {
				dimensions[i] = -1
				continue
			}
			dimensions[i] = y.Size
		}
		inputs = append(inputs, InputOutputInfo{
			Name:       name,
			Dimensions: dimensions,
		})
	}
	outputShapes := model.OutputShapes()
	for _, name := range model.OutputNames() {
		shape := outputShapes[name]
		dimensions := make([]int64, len(shape))
		for i, y := range shape {
			if y.IsDynamic {
				dimensions[i] = -1
				continue
			}
			dimensions[i] = y.Size
		}
		outputs = append(outputs, InputOutputInfo{
			Name:       name,
			Dimensions: dimensions,
		})
	}
	return inputs, outputs
}

// checkShape rejects inputs whose static dimensions disagree with the graph.
func checkShape(meta InputOutputInfo, input Tensor) error {
	if len(meta.Dimensions) != len(input.Shape) {
		return fmt.Errorf("input %s has rank %d, graph expects %d", input.Name, len(input.Shape), len(meta.Dimensions))
	}
	for i, d := range meta.Dimensions {
		if d > 0 && d != input.Shape[i] {
			return fmt.Errorf("input %s has shape %s, graph expects %s", input.Name, input.Shape, meta.Dimensions)
		}
	}
	return nil
}

func runGoModel(model *Model, inputs []Tensor) ([]Tensor, error) {
	if model.GoModel == nil {
		return nil, fmt.Errorf("go model %s is not loaded", model.ID)
	}
	inputMap := gonnx.Tensors{}
	for _, input := range inputs {
		meta, err := model.getInputMeta(input.Name)
		if err != nil {
			return nil, err
		}
		if model.GoModel.StrictShapes {
			if err = checkShape(meta, input); err != nil {
				return nil, err
			}
		}
		var t tensor.Tensor
		switch data := input.Data.(type) {
		case []int64:
			t = tensor.New(tensor.Of(tensor.Int64), tensor.WithShape(input.Shape.ValuesInt()...), tensor.WithBacking(data))
		case []float32:
			t = tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(input.Shape.ValuesInt()...), tensor.WithBacking(data))
		default:
			return nil, fmt.Errorf("input %s has unsupported type %T", input.Name, input.Data)
		}
		inputMap[input.Name] = t
	}

	results, err := model.GoModel.Model.Run(inputMap)
	if err != nil {
		return nil, err
	}
	outputs := make([]Tensor, 0, len(model.OutputsMeta))
	for _, meta := range model.OutputsMeta {
		result, ok := results[meta.Name]
		if !ok {
			return nil, fmt.Errorf("output %s missing from go runtime results", meta.Name)
		}
		shape := make(Shape, len(result.Shape()))
		for i, d := range result.Shape() {
			shape[i] = int64(d)
		}
		switch data := result.Data().(type) {
		case []float32:
			outputs = append(outputs, NewFloat32Tensor(meta.Name, shape, data))
		case []int64:
			outputs = append(outputs, NewInt64Tensor(meta.Name, shape, data))
		case []float64:
			converted := make([]float32, len(data))
			for i, v := range data {
				converted[i] = float32(v)
			}
			outputs = append(outputs, NewFloat32Tensor(meta.Name, shape, converted))
		default:
			return nil, fmt.Errorf("output %s has unsupported type %T", meta.Name, data)
		}
	}
	return outputs, nil
}
