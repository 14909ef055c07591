package options

import (
	"fmt"
	"runtime"

	"github.com/knights-analytics/showo/util/fileutil"
)

type Options struct {
	BackendOptions any
	ORTOptions     *OrtOptions
	GoOptions      *GoOptions
	RuntimeOptions *RuntimeOptions
	Destroy        func() error
	Backend        string
}

func Defaults() *Options {
	_, libraryDirDefault, libraryPathDefault := getDefaultLibraryPaths()
	return &Options{
		ORTOptions: &OrtOptions{
			LibraryDir:  &libraryDirDefault,
			LibraryPath: &libraryPathDefault,
		},
		GoOptions:      &GoOptions{},
		RuntimeOptions: &RuntimeOptions{},
		Destroy: func() error {
			return nil
		},
	}
}

func getDefaultLibraryPaths() (string, string, string) {
	switch runtime.GOOS {
	case "windows":
		return `onnxruntime.dll`, `.\`, `.\onnxuntime.dll`
	case "darwin":
		return "libonnxruntime.dylib", "/usr/local/lib", "/usr/local/lib/libonnxruntime.dylib"
	default:
		return "libonnxruntime.so", "/usr/lib", "/usr/lib/libonnxruntime.so"
	}
}

type GraphOptimizationLevel int

const (
	GraphOptimizationLevelDisableAll     GraphOptimizationLevel = 0
	GraphOptimizationLevelEnableBasic    GraphOptimizationLevel = 1
	GraphOptimizationLevelEnableExtended GraphOptimizationLevel = 2
	GraphOptimizationLevelEnableAll      GraphOptimizationLevel = 99
)

type LoggingLevel int

const (
	LoggingLevelVerbose LoggingLevel = 0
	LoggingLevelInfo    LoggingLevel = 1
	LoggingLevelWarning LoggingLevel = 2
	LoggingLevelError   LoggingLevel = 3
	LoggingLevelFatal   LoggingLevel = 4
)

type OrtOptions struct {
	LibraryPath             *string
	LibraryDir              *string
	Telemetry               *bool
	IntraOpNumThreads       *int
	InterOpNumThreads       *int
	CPUMemArena             *bool
	MemPattern              *bool
	LogSeverityLevel        *LoggingLevel
	EnvLoggingLevel         *LoggingLevel
	GraphOptimizationLevel  *GraphOptimizationLevel
	CudaOptions             map[string]string
	CoreMLOptions           map[string]string
	DirectMLOptions         *int
	OpenVINOOptions         map[string]string
	TensorRTOptions         map[string]string
	ExtraExecutionProviders []ExtraExecutionProvider
}

type ExtraExecutionProvider struct {
	Name    string
	Options map[string]string
}

type GoOptions struct {
	// StrictShapes checks every input against the shapes declared by the graph before running it.
	StrictShapes bool
}

// RuntimeOptions apply to generation regardless of backend.
type RuntimeOptions struct {
	// Seed for the samplers. Nil means seeded from the clock.
	Seed *uint64
}

// WithOption is the interface for all option functions.
type WithOption func(o *Options) error

// WithOnnxLibraryPath (ORT only) Use this function to set the directory containing "libonnxruntime.so", "libonnxruntime.dylib" or "onnxruntime.dll".
func WithOnnxLibraryPath(ortLibraryPath string) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithOnnxLibraryPath is only supported for ORT backend")
		}
		object, err := fileutil.FileStats(ortLibraryPath)
		if err != nil {
			return fmt.Errorf("failed to access ONNX Runtime library path %q: %w", ortLibraryPath, err)
		}
		if !object.IsDir() {
			return fmt.Errorf("%s is not a directory", ortLibraryPath)
		}
		libraryName, _, _ := getDefaultLibraryPaths()
		ortLibraryFullPath := fileutil.PathJoinSafe(ortLibraryPath, libraryName)
		exists, err := fileutil.FileExists(ortLibraryFullPath)
		if err != nil {
			return fmt.Errorf("error checking for existence of ONNX Runtime library file: %w", err)
		}
		if !exists {
			return fmt.Errorf("ONNX Runtime library %s does not exist at %q", libraryName, ortLibraryPath)
		}
		o.ORTOptions.LibraryPath = &ortLibraryFullPath
		o.ORTOptions.LibraryDir = &ortLibraryPath
		return nil
	}
}

// WithTelemetry (ORT only) Enables telemetry events for the onnxruntime environment. Default is off.
func WithTelemetry() WithOption {
	return func(o *Options) error {
		if o.Backend == "ORT" {
			enabled := true
			o.ORTOptions.Telemetry = &enabled
			return nil
		}
		return fmt.Errorf("WithTelemetry is only supported for ORT backend")
	}
}

// WithIntraOpNumThreads (ORT only) Sets the number of threads used to parallelize execution within
// graph nodes. If unspecified, onnxruntime uses the number of physical CPU cores.
func WithIntraOpNumThreads(numThreads int) WithOption {
	return func(o *Options) error {
		if o.Backend == "ORT" {
			o.ORTOptions.IntraOpNumThreads = &numThreads
			return nil
		}
		return fmt.Errorf("WithIntraOpNumThreads is only supported for ORT backend")
	}
}

// WithInterOpNumThreads (ORT only) Sets the number of threads used to parallelize execution across
// separate graph nodes.
func WithInterOpNumThreads(numThreads int) WithOption {
	return func(o *Options) error {
		if o.Backend == "ORT" {
			o.ORTOptions.InterOpNumThreads = &numThreads
			return nil
		}
		return fmt.Errorf("WithInterOpNumThreads is only supported for ORT backend")
	}
}

// WithCPUMemArena (ORT only) Enable/Disable the usage of the memory arena on CPU. Default is true.
func WithCPUMemArena(enable bool) WithOption {
	return func(o *Options) error {
		if o.Backend == "ORT" {
			o.ORTOptions.CPUMemArena = &enable
			return nil
		}
		return fmt.Errorf("WithCPUMemArena is only supported for ORT backend")
	}
}

// WithMemPattern (ORT only) Enable/Disable the memory pattern optimization. Default is true.
func WithMemPattern(enable bool) WithOption {
	return func(o *Options) error {
		if o.Backend == "ORT" {
			o.ORTOptions.MemPattern = &enable
			return nil
		}
		return fmt.Errorf("WithMemPattern is only supported for ORT backend")
	}
}

// WithCuda (ORT only) sets the options for the CUDA provider.
func WithCuda(options map[string]string) WithOption {
	return func(o *Options) error {
		if o.Backend == "ORT" {
			o.ORTOptions.CudaOptions = options
			return nil
		}
		return fmt.Errorf("WithCuda is only supported for ORT backend")
	}
}

// WithCoreML (ORT only) sets the CoreML provider flags.
func WithCoreML(flags map[string]string) WithOption {
	return func(o *Options) error {
		if o.Backend == "ORT" {
			o.ORTOptions.CoreMLOptions = flags
			return nil
		}
		return fmt.Errorf("WithCoreML is only supported for ORT backend")
	}
}

// WithDirectML (ORT only) sets the DirectML device ID.
func WithDirectML(deviceID int) WithOption {
	return func(o *Options) error {
		if o.Backend == "ORT" {
			o.ORTOptions.DirectMLOptions = &deviceID
			return nil
		}
		return fmt.Errorf("WithDirectML is only supported for ORT backend")
	}
}

// WithOpenVINO (ORT only) sets the OpenVINO provider options,
// e.g. WithOpenVINO(map[string]string{"device_type": "CPU", "num_threads": "4"}).
func WithOpenVINO(options map[string]string) WithOption {
	return func(o *Options) error {
		if o.Backend == "ORT" {
			o.ORTOptions.OpenVINOOptions = options
			return nil
		}
		return fmt.Errorf("WithOpenVINO is only supported for ORT backend")
	}
}

// WithTensorRT (ORT only) sets the TensorRT provider options.
// The onnxruntime library must be built with TensorRT support.
func WithTensorRT(options map[string]string) WithOption {
	return func(o *Options) error {
		if o.Backend == "ORT" {
			o.ORTOptions.TensorRTOptions = options
			return nil
		}
		return fmt.Errorf("WithTensorRT is only supported for ORT backend")
	}
}

// WithLogSeverityLevel (ORT only) Sets the log severity level for the session.
func WithLogSeverityLevel(level LoggingLevel) WithOption {
	return func(o *Options) error {
		if o.Backend == "ORT" {
			o.ORTOptions.LogSeverityLevel = &level
			return nil
		}
		return fmt.Errorf("WithLogSeverityLevel is only supported for ORT backend")
	}
}

// WithEnvLoggingLevel (ORT only) Sets the log severity level for the environment.
func WithEnvLoggingLevel(level LoggingLevel) WithOption {
	return func(o *Options) error {
		if o.Backend == "ORT" {
			o.ORTOptions.EnvLoggingLevel = &level
			return nil
		}
		return fmt.Errorf("WithEnvLoggingLevel is only supported for ORT backend")
	}
}

// WithGraphOptimizationLevel (ORT only) Sets the graph optimization level for the session.
func WithGraphOptimizationLevel(level GraphOptimizationLevel) WithOption {
	return func(o *Options) error {
		if o.Backend == "ORT" {
			o.ORTOptions.GraphOptimizationLevel = &level
			return nil
		}
		return fmt.Errorf("WithGraphOptimizationLevel is only supported for ORT backend")
	}
}

// WithExtraExecutionProvider (ORT only) Adds an extra execution provider to the session.
func WithExtraExecutionProvider(name string, options map[string]string) WithOption {
	return func(o *Options) error {
		if o.Backend == "ORT" {
			o.ORTOptions.ExtraExecutionProviders = append(o.ORTOptions.ExtraExecutionProviders, ExtraExecutionProvider{
				Name:    name,
				Options: options,
			})
			return nil
		}
		return fmt.Errorf("WithExtraExecutionProvider is only supported for ORT backend")
	}
}

// WithStrictShapes (GO only) validates inputs against the declared graph shapes before each run.
func WithStrictShapes() WithOption {
	return func(o *Options) error {
		if o.Backend == "GO" {
			o.GoOptions.StrictShapes = true
			return nil
		}
		return fmt.Errorf("WithStrictShapes is only supported for GO backend")
	}
}

// WithSeed fixes the random source used for sampling so runs are reproducible.
func WithSeed(seed uint64) WithOption {
	return func(o *Options) error {
		o.RuntimeOptions.Seed = &seed
		return nil
	}
}
