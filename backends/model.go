package backends

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/knights-analytics/showo/options"
	"github.com/knights-analytics/showo/util/fileutil"
)

// Model is an ONNX graph loaded from a model directory together with its config.json.
type Model struct {
	ID           string
	ORTModel     *ORTModel
	GoModel      *GoModel
	Destroy      func() error
	Pipelines    map[string]Pipeline
	Config       map[string]any
	Timings      *timings
	Path         string
	OnnxFilename string
	OnnxPath     string
	OnnxBytes    []byte
	InputsMeta   []InputOutputInfo
	OutputsMeta  []InputOutputInfo
	Runtime      string
}

func LoadModel(path string, onnxFilename string, options *options.Options) (*Model, error) {
	model := &Model{
		ID:           path + ":" + onnxFilename,
		Path:         path,
		OnnxFilename: onnxFilename,
		Runtime:      options.Backend,
		Pipelines:    map[string]Pipeline{},
		Timings:      &timings{},
		Config:       map[string]any{},
	}
	if err := loadModelConfig(model); err != nil {
		return nil, err
	}
	if err := GetOnnxModelPath(model); err != nil {
		return nil, err
	}
	if err := CreateModelBackend(model, options); err != nil {
		return nil, err
	}
	model.Destroy = func() error {
		var destroyErr error
		switch model.Runtime {
		case "ORT":
			if model.ORTModel != nil {
				destroyErr = model.ORTModel.Destroy()
				model.ORTModel = nil
			}
		case "GO":
			model.GoModel = nil
		}
		model.OnnxBytes = nil
		return destroyErr
	}
	return model, nil
}

func CreateModelBackend(model *Model, s *options.Options) error {
	switch s.Backend {
	case "ORT":
		return createORTModelBackend(model, s)
	case "GO":
		return createGoModelBackend(model, s)
	default:
		return fmt.Errorf("backend %s is not supported", s.Backend)
	}
}

func GetOnnxModelPath(model *Model) error {
	onnxFiles, err := getOnnxFiles(model.Path)
	if err != nil {
		return err
	}
	if len(onnxFiles) == 0 {
		return fmt.Errorf("no .onnx file detected at %s. There should be exactly .onnx file", model.Path)
	}
	if model.OnnxFilename != "" {
		for i := range onnxFiles {
			if onnxFiles[i][1] == model.OnnxFilename {
				model.OnnxPath = fileutil.PathJoinSafe(model.Path, onnxFiles[i][0], onnxFiles[i][1])
				return nil
			}
		}
		return fmt.Errorf("file %s not found at %s", model.OnnxFilename, model.Path)
	}
	if len(onnxFiles) > 1 {
		return fmt.Errorf("multiple .onnx file detected at %s and no OnnxFilename specified", model.Path)
	}
	model.OnnxPath = fileutil.PathJoinSafe(model.Path, onnxFiles[0][0], onnxFiles[0][1])
	return nil
}

// getOnnxFiles returns parent (relative to path) and file name pairs.
func getOnnxFiles(path string) ([][]string, error) {
	var onnxFiles [][]string
	walker := func(_ context.Context, _ string, parent string, info os.FileInfo, _ io.Reader) (toContinue bool, err error) {
		if strings.HasSuffix(info.Name(), ".onnx") {
			onnxFiles = append(onnxFiles, []string{parent, info.Name()})
		}
		return true, nil
	}
	err := fileutil.WalkDir()(context.Background(), path, walker)
	return onnxFiles, err
}

func loadModelConfig(model *Model) error {
	configPath := fileutil.PathJoinSafe(model.Path, "config.json")
	exists, err := fileutil.FileExists(configPath)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	configBytes, err := fileutil.ReadFileBytes(configPath)
	if err != nil {
		return err
	}
	if err = jsoniter.Unmarshal(configBytes, &model.Config); err != nil {
		return fmt.Errorf("parsing %s: %w", configPath, err)
	}
	return nil
}

// ConfigInt returns an integer entry of config.json. Missing keys report false,
// present keys of the wrong type are an error.
func (m *Model) ConfigInt(key string) (int, bool, error) {
	raw, ok := m.Config[key]
	if !ok || raw == nil {
		return 0, false, nil
	}
	value, ok := raw.(float64)
	if !ok {
		return 0, true, fmt.Errorf("%s in config.json is not a number", key)
	}
	return int(value), true, nil
}

// HasInput reports whether the graph declares the named input.
func (m *Model) HasInput(name string) bool {
	for _, meta := range m.InputsMeta {
		if meta.Name == name {
			return true
		}
	}
	return false
}

func (m *Model) getInputMeta(name string) (InputOutputInfo, error) {
	for _, meta := range m.InputsMeta {
		if meta.Name == name {
			return meta, nil
		}
	}
	return InputOutputInfo{}, errors.New("input " + name + " not declared by " + m.ID)
}
