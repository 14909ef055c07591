package showo

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/phuslu/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/showo/config"
	"github.com/knights-analytics/showo/options"
	"github.com/knights-analytics/showo/pipelines"
)

type fakeGenerator struct {
	batches [][]string
}

func (f *fakeGenerator) RunPipeline(_ context.Context, prompts []string) (*pipelines.TextToImageOutput, error) {
	f.batches = append(f.batches, prompts)
	out := &pipelines.TextToImageOutput{Prompts: prompts}
	for i := range prompts {
		out.Images = append(out.Images, image.NewRGBA(image.Rect(0, 0, 2, 2)))
		out.Codes = append(out.Codes, []int64{int64(i), 9000})
	}
	return out, nil
}

type fakeAnswerer struct {
	questions []string
	codes     [][]int64
	fail      bool
}

func (f *fakeAnswerer) RunRevision(_ context.Context, prompts []string, questions []string, codes [][]int64) (*pipelines.UnderstandingOutput, error) {
	f.questions = append(f.questions, questions...)
	f.codes = codes
	return &pipelines.UnderstandingOutput{Questions: questions, Answers: []string{"a red apple on a table"}}, nil
}

func (f *fakeAnswerer) RunImages(_ context.Context, images []image.Image, questions []string) (*pipelines.UnderstandingOutput, error) {
	if f.fail {
		return nil, errors.New("no encoder")
	}
	f.questions = append(f.questions, questions...)
	return &pipelines.UnderstandingOutput{Questions: questions, Answers: []string{"answer " + questions[0][len("USER: \n"):]}}, nil
}

type fakeLogger struct {
	images   map[string][]string
	texts    map[string][]string
	numImage int
}

func newFakeLogger() *fakeLogger {
	return &fakeLogger{images: map[string][]string{}, texts: map[string][]string{}}
}

func (f *fakeLogger) LogImages(key string, images []image.Image, captions []string) error {
	f.images[key] = append(f.images[key], captions...)
	f.numImage += len(images)
	return nil
}

func (f *fakeLogger) LogText(key, text string) error {
	f.texts[key] = append(f.texts[key], text)
	return nil
}

func TestTemplates(t *testing.T) {
	assert.Equal(t, "USER: \nwhat is it? ASSISTANT:", QuestionTemplate("what is it?"))
	assert.Equal(t, "User: what is it?\n Answer : an apple\n", FormatResponse("what is it?", "an apple"))
}

func TestRevise(t *testing.T) {
	generator := &fakeGenerator{}
	answerer := &fakeAnswerer{}
	logger := newFakeLogger()
	response, err := Revise(context.Background(), generator, answerer, logger, "a red apple", "Does the image match the prompt?")
	require.NoError(t, err)
	assert.Equal(t, "User: Does the image match the prompt?\n Answer : a red apple on a table\n", response)
	assert.Equal(t, []string{"USER: \nDoes the image match the prompt? ASSISTANT:"}, answerer.questions)
	// codes go to the revision prompt unclamped
	assert.Equal(t, [][]int64{{0, 9000}}, answerer.codes)
	assert.Equal(t, []string{"a red apple"}, logger.images["generated_images"])
	assert.Equal(t, []string{response}, logger.texts["response"])
}

func TestReviseLogsRawAnswer(t *testing.T) {
	previous := log.DefaultLogger
	defer func() { log.DefaultLogger = previous }()
	var buf bytes.Buffer
	log.DefaultLogger = log.Logger{Level: log.DebugLevel, Writer: &log.IOWriter{Writer: &buf}}

	_, err := Revise(context.Background(), &fakeGenerator{}, &fakeAnswerer{}, newFakeLogger(), "a red apple", "what is it")
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"answer":"a red apple on a table"`)
	assert.Contains(t, buf.String(), "revision answer")
}

func TestGenerateImagesBatches(t *testing.T) {
	generator := &fakeGenerator{}
	logger := newFakeLogger()
	images, err := GenerateImages(context.Background(), generator, logger, []string{"a", "b", "c"}, 2)
	require.NoError(t, err)
	assert.Len(t, images, 3)
	assert.Equal(t, [][]string{{"a", "b"}, {"c"}}, generator.batches)
	assert.Equal(t, []string{"a", "b", "c"}, logger.images["generated_images"])

	_, err = GenerateImages(context.Background(), generator, logger, nil, 2)
	assert.Error(t, err)
	_, err = GenerateImages(context.Background(), generator, logger, []string{"a"}, 0)
	assert.Error(t, err)
}

func writePNG(t *testing.T, path string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	img.Set(2, 2, color.RGBA{G: 255, A: 255})
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
}

func TestUnderstand(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	writePNG(t, filepath.Join(root, "b.png"))
	writePNG(t, filepath.Join(root, "sub", "a.png"))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o600))

	paths, err := ListImages(root)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(root, "b.png"), filepath.Join(root, "sub", "a.png")}, paths)

	answerer := &fakeAnswerer{}
	logger := newFakeLogger()
	responses, err := Understand(context.Background(), answerer, logger, paths, "what is it *** what colour is it")
	require.NoError(t, err)
	require.Len(t, responses, 2)
	assert.Equal(t, "User: what is it\n Answer : answer what is it ASSISTANT:\n"+
		"User: what colour is it\n Answer : answer what colour is it ASSISTANT:\n", responses[0])
	assert.Len(t, answerer.questions, 4)
	assert.Equal(t, responses, logger.images["multimodal_understanding"])

	_, err = Understand(context.Background(), &fakeAnswerer{fail: true}, logger, paths, "what")
	assert.ErrorContains(t, err, "no encoder")
	_, err = Understand(context.Background(), answerer, logger, nil, "what")
	assert.Error(t, err)
}

func TestResolveModelPath(t *testing.T) {
	folder := t.TempDir()
	local := filepath.Join(folder, "showlab_show-o")
	require.NoError(t, os.MkdirAll(local, 0o755))

	resolved, err := ResolveModelPath(local, "", NewDownloadOptions())
	require.NoError(t, err)
	assert.Equal(t, local, resolved)

	resolved, err = ResolveModelPath("showlab/show-o", folder, NewDownloadOptions())
	require.NoError(t, err)
	assert.Equal(t, local, resolved)

	resolved, err = ResolveModelPath("s3://bucket/models/show-o", folder, NewDownloadOptions())
	require.NoError(t, err)
	assert.Equal(t, "s3://bucket/models/show-o", resolved)

	_, err = ResolveModelPath("./missing/model/dir", folder, NewDownloadOptions())
	assert.Error(t, err)
	_, err = ResolveModelPath("showlab/show-o", "", NewDownloadOptions())
	assert.Error(t, err)
	_, err = ResolveModelPath("", folder, NewDownloadOptions())
	assert.Error(t, err)
}

func TestSessionRegistry(t *testing.T) {
	session, err := NewGoSession(options.WithSeed(7))
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, session.Destroy())
	}()

	_, err = GetPipeline[*pipelines.TextToImagePipeline](session, "missing")
	var notFound *pipelineNotFoundError
	assert.ErrorAs(t, err, &notFound)

	_, err = NewPipeline(session, TextToImageConfig{})
	assert.ErrorContains(t, err, "a name for the pipeline is required")

	_, err = NewPipeline(session, UnderstandingConfig{Name: "mmu"})
	assert.ErrorContains(t, err, "a model path is required")

	assert.NoError(t, ClosePipeline[*pipelines.UnderstandingPipeline](session, "mmu"))
	assert.Empty(t, session.GetStats())

	_, err = NewGoSession(options.WithTelemetry())
	assert.Error(t, err)
}

func TestORTSessionDisabledOrUnique(t *testing.T) {
	if os.Getenv("TEST_ORT") == "" {
		t.Skip("TEST_ORT not set")
	}
	session, err := NewORTSession()
	require.NoError(t, err)
	_, err = NewORTSession()
	assert.Error(t, err)
	assert.NoError(t, session.Destroy())
}

func TestRunnerRevision(t *testing.T) {
	folder := os.Getenv("TEST_MODELS_FOLDER")
	if folder == "" {
		t.Skip("TEST_MODELS_FOLDER not set")
	}
	cfg, err := config.Load("", []string{
		"experiment.name=integration",
		"model.showo.pretrained_model_path=" + filepath.Join(folder, "show-o"),
		"model.showo.llm_model_path=" + filepath.Join(folder, "phi-1_5"),
		"model.vq_model.vq_model_name=" + filepath.Join(folder, "magvitv2"),
		"prompt=a red apple",
		"question=what is in the picture",
		"generation_timesteps=2",
		"max_new_tokens=4",
		"wandb.dir=" + t.TempDir(),
		"training.seed=1",
	})
	require.NoError(t, err)

	session, err := NewGoSession(options.WithSeed(*cfg.Training.Seed))
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, session.Destroy())
	}()

	ctx := context.Background()
	runner, err := NewRunner(ctx, cfg, session, RunnerSettings{ModelsFolder: folder, Download: NewDownloadOptions()})
	require.NoError(t, err)
	response, err := runner.Execute(ctx)
	require.NoError(t, err)
	assert.Contains(t, response, "User: what is in the picture\n Answer : ")
	require.NoError(t, runner.Finish(ctx))
	assert.FileExists(t, filepath.Join(runner.Run.Dir, "history.arrow"))
	assert.Len(t, session.GetStats(), 8)
}
