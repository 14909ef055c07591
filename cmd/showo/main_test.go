package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/phuslu/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `
experiment:
  name: cli
model:
  showo:
    pretrained_model_path: /does/not/exist/showo
    llm_model_path: /does/not/exist/phi
  vq_model:
    vq_model_name: /does/not/exist/magvitv2
prompt: a red apple
question: what is it
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "showo.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func runApp(args ...string) (string, error) {
	app := newApp()
	var out bytes.Buffer
	app.Writer = &out
	err := app.Run(append([]string{"showo", "run"}, args...))
	return out.String(), err
}

func TestRunMissingConfigFile(t *testing.T) {
	_, err := runApp("--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestRunReportsMissingKeys(t *testing.T) {
	path := writeConfig(t, "mode: t2i\nprompt: a red apple\n")
	_, err := runApp("--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing required key experiment.name")
	assert.Contains(t, err.Error(), "missing required key model.showo.pretrained_model_path")
}

func TestRunPositionalOverrides(t *testing.T) {
	path := writeConfig(t, validConfig)
	_, err := runApp("config="+path, "mode=unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `mode "unknown" not supported`)
}

func TestRunUnknownBackend(t *testing.T) {
	path := writeConfig(t, validConfig)
	_, err := runApp("--config", path, "--backend", "TPU", "--modelFolder", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend TPU not supported")
}

func TestRunUnresolvableModel(t *testing.T) {
	path := writeConfig(t, validConfig)
	_, err := runApp("--config", path, "--modelFolder", t.TempDir(), "--output", t.TempDir(), "--seed", "3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a repository id")
}

func TestSetupLoggerLevel(t *testing.T) {
	previous := log.DefaultLogger
	defer func() { log.DefaultLogger = previous }()

	var buf bytes.Buffer
	setupLogger(&buf, "warn")
	log.Info().Msg("hidden")
	log.Warn().Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestProgressBars(t *testing.T) {
	var buf bytes.Buffer
	progress := newProgress(&buf)
	for step := 1; step <= 3; step++ {
		progress("t2i", step, 3)
	}
	progress("mmu", 1, 5)
	assert.Contains(t, buf.String(), "t2i")
	assert.Contains(t, buf.String(), "mmu")
}
