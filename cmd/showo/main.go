package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/phuslu/log"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v2"

	"github.com/knights-analytics/showo"
	"github.com/knights-analytics/showo/config"
	"github.com/knights-analytics/showo/options"
	"github.com/knights-analytics/showo/pipelines"
	"github.com/knights-analytics/showo/util/fileutil"
)

var configPath string
var backend string
var sharedLibraryPath string
var modelsDir string
var outputPath string
var logLevel string
var seed int64

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "Generate images from a prompt and answer questions about them",
	Description: `Run loads a YAML configuration and executes its mode: revision (generate one image and answer a question about it),
				t2i (generate images for a prompt or a prompts file) or mmu (answer a question about every image in a folder).
				Any positional argument of the form key.path=value overrides the configuration, and config=path selects the file.
				`,
	ArgsUsage: `[config=path] [key.path=value ...]
				--config: path to the YAML configuration. A config=path argument takes precedence.
				--backend: GO (pure Go, always available) or ORT (needs a build with -tags ORT and the onnxruntime library).
				--modelFolder: folder where models are looked up and downloaded. Falls back to $HOME/showo/models.
				--output: folder where the tracking run is written. Overrides wandb.dir.
				--onnxruntimeSharedLibrary: path to the onnxruntime library for the ORT backend.
				`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "Path to the YAML configuration",
			Aliases:     []string{"c"},
			Destination: &configPath,
		},
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "Inference backend, GO or ORT",
			Aliases:     []string{"b"},
			Destination: &backend,
			Value:       "GO",
		},
		&cli.StringFlag{
			Name:        "onnxruntimeSharedLibrary",
			Usage:       "Path to onnxruntime.so",
			Aliases:     []string{"s"},
			Destination: &sharedLibraryPath,
		},
		&cli.StringFlag{
			Name:        "modelFolder",
			Usage:       "Folder where to store downloaded models. Falls back to $HOME/showo/models if not specified",
			Aliases:     []string{"f"},
			Destination: &modelsDir,
		},
		&cli.StringFlag{
			Name:        "output",
			Usage:       "Folder for tracking runs",
			Aliases:     []string{"o"},
			Destination: &outputPath,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "trace, debug, info, warn or error",
			Destination: &logLevel,
			Value:       "info",
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "Sampling seed. Overrides training.seed",
			Destination: &seed,
			Value:       -1,
		},
	},
	Action: func(ctx *cli.Context) (err error) {
		setupLogger(os.Stderr, logLevel)

		path, overrides := config.ParseArgs(ctx.Args().Slice())
		if path == "" {
			path = configPath
		}
		if outputPath != "" {
			overrides = append(overrides, "wandb.dir="+outputPath)
		}
		if seed >= 0 {
			overrides = append(overrides, fmt.Sprintf("training.seed=%d", seed))
		}
		cfg, err := config.Load(path, overrides)
		if err != nil {
			return err
		}
		if err = cfg.Validate(); err != nil {
			return err
		}

		if modelsDir == "" {
			userDir, homeErr := os.UserHomeDir()
			if homeErr != nil {
				return homeErr
			}
			modelsDir = fileutil.PathJoinSafe(userDir, "showo", "models")
		}

		session, err := newSession(ctx.Context, cfg)
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, session.Destroy())
		}()

		settings := showo.RunnerSettings{
			ModelsFolder: modelsDir,
			Download:     showo.NewDownloadOptions(),
		}
		if isTerminal(os.Stderr) {
			settings.Progress = newProgress(os.Stderr)
		}

		runner, err := showo.NewRunner(ctx.Context, cfg, session, settings)
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, runner.Finish(context.WithoutCancel(ctx.Context)))
		}()

		response, err := runner.Execute(ctx.Context)
		if err != nil {
			return err
		}
		_, err = io.WriteString(ctx.App.Writer, response)
		return err
	},
}

func newSession(ctx context.Context, cfg *config.Config) (*showo.Session, error) {
	var opts []options.WithOption
	if cfg.Training.Seed != nil {
		opts = append(opts, options.WithSeed(*cfg.Training.Seed))
	}
	switch strings.ToUpper(backend) {
	case "GO":
		return showo.NewGoSession(opts...)
	case "ORT":
		libraryPath := sharedLibraryPath
		if libraryPath == "" {
			if homeDir, err := os.UserHomeDir(); err == nil {
				candidate := fileutil.PathJoinSafe(homeDir, "lib", "showo", "onnxruntime.so")
				if exists, existsErr := fileutil.FileExists(candidate); existsErr == nil && exists {
					libraryPath = candidate
				}
			}
		}
		if libraryPath != "" {
			opts = append(opts, options.WithOnnxLibraryPath(libraryPath))
		}
		return showo.NewORTSession(opts...)
	default:
		return nil, fmt.Errorf("backend %s not supported, use GO or ORT", backend)
	}
}

func setupLogger(w io.Writer, level string) {
	logger := log.Logger{
		Level:  log.ParseLevel(level),
		Writer: &log.IOWriter{Writer: w},
	}
	if f, ok := w.(*os.File); ok && isTerminal(f) {
		logger.Writer = &log.ConsoleWriter{Writer: w, ColorOutput: true}
	}
	log.DefaultLogger = logger
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// newProgress draws one bar per decoding loop.
func newProgress(w io.Writer) pipelines.ProgressFunc {
	var bar *progressbar.ProgressBar
	return func(task string, step, total int) {
		if bar == nil || step == 1 {
			if bar != nil {
				_ = bar.Finish()
			}
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetWriter(w),
				progressbar.OptionSetDescription(task),
				progressbar.OptionShowCount(),
				progressbar.OptionClearOnFinish(),
			)
		}
		_ = bar.Set(step)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:     "showo",
		Usage:    "Show-o text-to-image generation and multimodal understanding from the command line",
		Commands: []*cli.Command{runCommand},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("showo failed")
	}
}
