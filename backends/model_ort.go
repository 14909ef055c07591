//go:build cgo && (ORT || ALL)

package backends

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/knights-analytics/showo/options"
)

type ORTModel struct {
	Session        *ort.DynamicAdvancedSession
	SessionOptions *ort.SessionOptions
	Options        *options.OrtOptions
	Destroy        func() error
}

func createORTModelBackend(model *Model, options *options.Options) (err error) {
	sessionOptions, ok := options.BackendOptions.(*ort.SessionOptions)
	if !ok || sessionOptions == nil {
		return errors.New("ORT session options are not initialised")
	}

	onnxPath, err := filepath.Abs(model.OnnxPath)
	if err != nil {
		return err
	}
	// external data files are resolved relative to the working directory
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	if err = os.Chdir(model.Path); err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, os.Chdir(cwd))
	}()

	inputs, outputs, err := loadInputOutputMetaORTFile(onnxPath)
	if err != nil {
		return err
	}
	session, err := ort.NewDynamicAdvancedSession(
		onnxPath,
		GetNames(inputs),
		GetNames(outputs),
		sessionOptions,
	)
	if err != nil {
		return fmt.Errorf("creating ORT session for %s: %w", model.OnnxPath, err)
	}
	model.ORTModel = &ORTModel{
		Session:        session,
		SessionOptions: sessionOptions,
		Options:        options.ORTOptions,
		Destroy: func() error {
			return session.Destroy()
		},
	}
	model.InputsMeta = inputs
	model.OutputsMeta = outputs
	return err
}

func loadInputOutputMetaORTFile(onnxPath string) ([]InputOutputInfo, []InputOutputInfo, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(onnxPath)
	if err != nil {
		return nil, nil, err
	}
	return convertORTInputOutputs(inputs), convertORTInputOutputs(outputs), nil
}

func convertORTInputOutputs(inputOutputs []ort.InputOutputInfo) []InputOutputInfo {
	inputOutputsStandardised := make([]InputOutputInfo, len(inputOutputs))
	for i, inputOutput := range inputOutputs {
		inputOutputsStandardised[i] = InputOutputInfo{
			Name:       inputOutput.Name,
			Dimensions: Shape(inputOutput.Dimensions),
		}
	}
	return inputOutputsStandardised
}

func runORTModel(model *Model, inputs []Tensor) (outputs []Tensor, err error) {
	if model.ORTModel == nil {
		return nil, fmt.Errorf("ORT model %s is not loaded", model.ID)
	}
	// inputs are passed in graph declaration order
	inputValues := make([]ort.Value, len(model.InputsMeta))
	defer func() {
		for _, v := range inputValues {
			if v != nil {
				err = errors.Join(err, v.Destroy())
			}
		}
	}()
	for _, input := range inputs {
		index := -1
		for i, meta := range model.InputsMeta {
			if meta.Name == input.Name {
				index = i
				break
			}
		}
		if index < 0 {
			return nil, fmt.Errorf("input %s not declared by %s", input.Name, model.ID)
		}
		var value ort.Value
		var tensorErr error
		switch data := input.Data.(type) {
		case []int64:
			value, tensorErr = ort.NewTensor(ort.NewShape(input.Shape...), data)
		case []float32:
			value, tensorErr = ort.NewTensor(ort.NewShape(input.Shape...), data)
		default:
			tensorErr = fmt.Errorf("input %s has unsupported type %T", input.Name, input.Data)
		}
		if tensorErr != nil {
			return nil, tensorErr
		}
		inputValues[index] = value
	}
	for i, v := range inputValues {
		if v == nil {
			return nil, fmt.Errorf("missing input %s for %s", model.InputsMeta[i].Name, model.ID)
		}
	}

	outputValues := make([]ort.Value, len(model.OutputsMeta))
	if err = model.ORTModel.Session.Run(inputValues, outputValues); err != nil {
		return nil, err
	}
	outputs = make([]Tensor, len(outputValues))
	for i, v := range outputValues {
		name := model.OutputsMeta[i].Name
		shape := Shape(v.GetShape())
		switch t := v.(type) {
		case *ort.Tensor[float32]:
			outputs[i] = NewFloat32Tensor(name, shape, append([]float32(nil), t.GetData()...))
		case *ort.Tensor[int64]:
			outputs[i] = NewInt64Tensor(name, shape, append([]int64(nil), t.GetData()...))
		default:
			err = errors.Join(err, fmt.Errorf("output %s has unsupported type %T", name, v))
		}
		err = errors.Join(err, v.Destroy())
	}
	if err != nil {
		return nil, err
	}
	return outputs, nil
}
