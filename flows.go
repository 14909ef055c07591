package showo

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/phuslu/log"

	"github.com/knights-analytics/showo/config"
	"github.com/knights-analytics/showo/pipelines"
	"github.com/knights-analytics/showo/tracking"
	"github.com/knights-analytics/showo/util/fileutil"
	"github.com/knights-analytics/showo/util/imageutil"
)

const (
	// QuestionSeparator splits several questions given in one string.
	QuestionSeparator = " *** "

	generatedImagesKey  = "generated_images"
	understandingKey    = "multimodal_understanding"
	responseKey         = "response"
	textToImagePipeline = "showo-t2i"
	understandPipeline  = "showo-understanding"
)

// QuestionTemplate wraps a user question in the chat format the model was trained on.
func QuestionTemplate(question string) string {
	return "USER: \n" + question + " ASSISTANT:"
}

// FormatResponse renders one question and its answer.
func FormatResponse(question, answer string) string {
	return "User: " + question + "\n Answer : " + answer + "\n"
}

// ImageGenerator produces images, and their codes, for prompts.
type ImageGenerator interface {
	RunPipeline(ctx context.Context, prompts []string) (*pipelines.TextToImageOutput, error)
}

// Answerer answers questions about generated or loaded images.
type Answerer interface {
	RunRevision(ctx context.Context, prompts []string, questions []string, codes [][]int64) (*pipelines.UnderstandingOutput, error)
	RunImages(ctx context.Context, images []image.Image, questions []string) (*pipelines.UnderstandingOutput, error)
}

// RunLogger records what a flow produced.
type RunLogger interface {
	LogImages(key string, images []image.Image, captions []string) error
	LogText(key, text string) error
}

// Revise generates an image for prompt, then answers question about it
// conditioned on the prompt.
func Revise(ctx context.Context, generator ImageGenerator, answerer Answerer, logger RunLogger, prompt, question string) (string, error) {
	prompts := []string{prompt}
	generated, err := generator.RunPipeline(ctx, prompts)
	if err != nil {
		return "", fmt.Errorf("generating image: %w", err)
	}
	if err = logger.LogImages(generatedImagesKey, generated.Images, prompts); err != nil {
		return "", err
	}
	answers, err := answerer.RunRevision(ctx, prompts, []string{QuestionTemplate(question)}, generated.Codes)
	if err != nil {
		return "", fmt.Errorf("revising image: %w", err)
	}
	log.Debug().Str("answer", answers.Answers[0]).Msg("revision answer")
	response := FormatResponse(question, answers.Answers[0])
	if err = logger.LogText(responseKey, response); err != nil {
		return "", err
	}
	return response, nil
}

// GenerateImages generates one image per prompt in batches of batchSize.
func GenerateImages(ctx context.Context, generator ImageGenerator, logger RunLogger, prompts []string, batchSize int) ([]image.Image, error) {
	if len(prompts) == 0 {
		return nil, errors.New("no prompts to generate images for")
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	var images []image.Image
	for batch := range slices.Chunk(prompts, batchSize) {
		generated, err := generator.RunPipeline(ctx, batch)
		if err != nil {
			return nil, err
		}
		if err = logger.LogImages(generatedImagesKey, generated.Images, batch); err != nil {
			return nil, err
		}
		images = append(images, generated.Images...)
		log.Info().Int("generated", len(images)).Int("total", len(prompts)).Msg("images generated")
	}
	return images, nil
}

// Understand answers every question of questions (separated by " *** ") about
// each image and returns one response per image.
func Understand(ctx context.Context, answerer Answerer, logger RunLogger, imagePaths []string, questions string) ([]string, error) {
	if len(imagePaths) == 0 {
		return nil, errors.New("no images to answer questions about")
	}
	split := strings.Split(questions, QuestionSeparator)
	responses := make([]string, 0, len(imagePaths))
	for _, imagePath := range imagePaths {
		images, err := imageutil.LoadImagesFromPaths([]string{imagePath})
		if err != nil {
			return nil, err
		}
		var response strings.Builder
		for _, question := range split {
			answers, answerErr := answerer.RunImages(ctx, images, []string{QuestionTemplate(question)})
			if answerErr != nil {
				return nil, fmt.Errorf("answering %q about %s: %w", question, imagePath, answerErr)
			}
			response.WriteString(FormatResponse(question, answers.Answers[0]))
		}
		if err = logger.LogImages(understandingKey, images, []string{response.String()}); err != nil {
			return nil, err
		}
		responses = append(responses, response.String())
	}
	return responses, nil
}

// ListImages returns the image files under root, sorted.
func ListImages(root string) ([]string, error) {
	var paths []string
	walker := func(_ context.Context, _ string, parent string, info os.FileInfo, _ io.Reader) (bool, error) {
		if info.IsDir() {
			return true, nil
		}
		switch strings.ToLower(filepath.Ext(info.Name())) {
		case ".jpg", ".jpeg", ".png":
			paths = append(paths, fileutil.PathJoinSafe(root, parent, info.Name()))
		}
		return true, nil
	}
	if err := fileutil.WalkDir()(context.Background(), root, walker); err != nil {
		return nil, fmt.Errorf("listing images under %s: %w", root, err)
	}
	slices.Sort(paths)
	return paths, nil
}

// RunnerSettings locate models and report progress for a Runner.
type RunnerSettings struct {
	Progress     pipelines.ProgressFunc
	ModelsFolder string
	Download     DownloadOptions
}

// Runner executes the mode selected by a configuration.
type Runner struct {
	Config        *config.Config
	Session       *Session
	TextToImage   *pipelines.TextToImagePipeline
	Understanding *pipelines.UnderstandingPipeline
	Run           *tracking.Run
}

// NewRunner resolves the models named by cfg, creates the pipelines the mode
// needs in session and starts the tracking run.
func NewRunner(ctx context.Context, cfg *config.Config, session *Session, settings RunnerSettings) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	showoPath, err := ResolveModelPath(cfg.Model.Showo.PretrainedModelPath, settings.ModelsFolder, settings.Download)
	if err != nil {
		return nil, err
	}
	tokenizerPath, err := ResolveModelPath(cfg.Model.Showo.LLMModelPath, settings.ModelsFolder, settings.Download)
	if err != nil {
		return nil, err
	}
	vqPath, err := ResolveModelPath(cfg.Model.VQModel.VQModelName, settings.ModelsFolder, settings.Download)
	if err != nil {
		return nil, err
	}
	showoConfig := pipelines.ShowoConfig{
		MaskTokenID:         cfg.Model.Showo.MaskTokenID,
		CodebookSize:        cfg.Model.Showo.CodebookSize,
		NumVQTokens:         cfg.Model.Showo.NumVQTokens,
		LLMVocabSize:        cfg.Model.Showo.LLMVocabSize,
		NumNewSpecialTokens: cfg.Model.Showo.NumNewSpecialTokens,
	}
	runner := &Runner{Config: cfg, Session: session}

	if cfg.Mode == config.ModeRevision || cfg.Mode == config.ModeT2I {
		runner.TextToImage, err = NewPipeline(session, TextToImageConfig{
			ModelPath:         showoPath,
			Name:              textToImagePipeline,
			OnnxFilename:      cfg.Model.Showo.OnnxFilename,
			TokenizerPath:     tokenizerPath,
			VQModelPath:       vqPath,
			VQModelType:       cfg.Model.VQModel.Type,
			VQDecoderFilename: cfg.Model.VQModel.DecoderFilename,
			Options: []TextToImageOption{
				pipelines.WithGuidanceScale(float32(cfg.Training.GuidanceScale)),
				pipelines.WithGenerationTimesteps(cfg.Training.GenerationTimesteps),
				pipelines.WithGenerationTemperature(cfg.Training.GenerationTemperature),
				pipelines.WithMaskSchedule(cfg.ScheduleName(), cfg.ScheduleParams()),
				pipelines.WithNoiseType(cfg.Training.NoiseType),
				pipelines.WithMaxSeqLength[*pipelines.TextToImagePipeline](cfg.Dataset.Preprocessing.MaxSeqLength),
				pipelines.WithShowoConfig[*pipelines.TextToImagePipeline](showoConfig),
				pipelines.WithProgress[*pipelines.TextToImagePipeline](settings.Progress),
			},
		})
		if err != nil {
			return nil, err
		}
	}
	if cfg.Mode == config.ModeRevision || cfg.Mode == config.ModeMMU {
		encoder := ""
		if cfg.Mode == config.ModeMMU {
			encoder = cfg.Model.VQModel.EncoderFilename
			if encoder == "" {
				return nil, errors.New("mmu mode needs model.vq_model.encoder_filename")
			}
		}
		runner.Understanding, err = NewPipeline(session, UnderstandingConfig{
			ModelPath:         showoPath,
			Name:              understandPipeline,
			OnnxFilename:      cfg.Model.Showo.OnnxFilename,
			TokenizerPath:     tokenizerPath,
			VQModelPath:       vqPath,
			VQModelType:       cfg.Model.VQModel.Type,
			VQDecoderFilename: cfg.Model.VQModel.DecoderFilename,
			VQEncoderFilename: encoder,
			Options: []UnderstandingOption{
				pipelines.WithMaxNewTokens(cfg.MaxNewTokens),
				pipelines.WithTopK(1),
				pipelines.WithMaxSeqLength[*pipelines.UnderstandingPipeline](cfg.Dataset.Preprocessing.MaxSeqLength),
				pipelines.WithShowoConfig[*pipelines.UnderstandingPipeline](showoConfig),
				pipelines.WithProgress[*pipelines.UnderstandingPipeline](settings.Progress),
			},
		})
		if err != nil {
			return nil, err
		}
	}

	resume := cfg.Wandb.Resume
	if cfg.Wandb.RunID == "" {
		resume = false
		cfg.SetRunID(tracking.NewRunID())
	}
	runner.Run, err = tracking.Init(ctx, tracking.Settings{
		Project:        cfg.Experiment.Project,
		Name:           cfg.Experiment.Name + "_t2i_" + cfg.Mode,
		Dir:            cfg.Wandb.Dir,
		RunID:          cfg.Wandb.RunID,
		Resume:         resume,
		FlightAddress:  cfg.Wandb.FlightAddress,
		PushgatewayURL: cfg.Wandb.PushgatewayURL,
		Config:         cfg.Flatten(),
	})
	if err != nil {
		return nil, err
	}
	return runner, nil
}

// Execute runs the configured mode and returns the text it produced.
func (r *Runner) Execute(ctx context.Context) (string, error) {
	cfg := r.Config
	switch cfg.Mode {
	case config.ModeRevision:
		return Revise(ctx, r.TextToImage, r.Understanding, r.Run, cfg.Prompt, cfg.Question)
	case config.ModeT2I:
		prompts := []string{cfg.Prompt}
		if file := cfg.Dataset.Params.ValidationPromptsFile; file != "" {
			lines, err := fileutil.ReadLines(file)
			if err != nil {
				return "", err
			}
			prompts = lines
		}
		images, err := GenerateImages(ctx, r.TextToImage, r.Run, prompts, cfg.Training.BatchSize)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("generated %d images in %s\n", len(images), r.Run.Dir), nil
	case config.ModeMMU:
		paths, err := ListImages(cfg.MMUImageRoot)
		if err != nil {
			return "", err
		}
		responses, err := Understand(ctx, r.Understanding, r.Run, paths, cfg.Question)
		if err != nil {
			return "", err
		}
		return strings.Join(responses, ""), nil
	default:
		return "", fmt.Errorf("mode %q not supported", cfg.Mode)
	}
}

// Finish closes the tracking run.
func (r *Runner) Finish(ctx context.Context) error {
	if r.Run == nil {
		return nil
	}
	return r.Run.Finish(ctx)
}
