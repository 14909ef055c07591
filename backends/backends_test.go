package backends

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/showo/options"
)

func TestTensorValidate(t *testing.T) {
	valid := NewInt64Tensor("input_ids", NewShape(2, 3), make([]int64, 6))
	require.NoError(t, valid.Validate())
	assert.Equal(t, int64(6), valid.Shape.Size())

	wrongLength := NewFloat32Tensor("attention_mask", NewShape(1, 1, 2, 2), make([]float32, 3))
	assert.Error(t, wrongLength.Validate())

	zeroDim := NewInt64Tensor("codes", NewShape(0, 4), nil)
	assert.Error(t, zeroDim.Validate())

	unsupported := Tensor{Name: "x", Shape: NewShape(1), Data: []int32{1}}
	assert.Error(t, unsupported.Validate())

	_, err := valid.Float32Data()
	assert.Error(t, err)
	data, err := valid.Int64Data()
	require.NoError(t, err)
	assert.Len(t, data, 6)
}

func TestCheckShape(t *testing.T) {
	meta := InputOutputInfo{Name: "input_ids", Dimensions: NewShape(-1, 8)}
	require.NoError(t, checkShape(meta, NewInt64Tensor("input_ids", NewShape(3, 8), make([]int64, 24))))
	assert.Error(t, checkShape(meta, NewInt64Tensor("input_ids", NewShape(3, 7), make([]int64, 21))))
	assert.Error(t, checkShape(meta, NewInt64Tensor("input_ids", NewShape(24), make([]int64, 24))))
}

func writeFile(t *testing.T, path string, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestGetOnnxModelPath(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "decoder.onnx"), "")

	model := &Model{Path: dir}
	require.NoError(t, GetOnnxModelPath(model))
	assert.Equal(t, filepath.Join(dir, "decoder.onnx"), model.OnnxPath)

	writeFile(t, filepath.Join(dir, "encoder.onnx"), "")
	model = &Model{Path: dir}
	assert.Error(t, GetOnnxModelPath(model))

	model = &Model{Path: dir, OnnxFilename: "encoder.onnx"}
	require.NoError(t, GetOnnxModelPath(model))
	assert.Equal(t, filepath.Join(dir, "encoder.onnx"), model.OnnxPath)

	model = &Model{Path: dir, OnnxFilename: "missing.onnx"}
	assert.Error(t, GetOnnxModelPath(model))

	model = &Model{Path: t.TempDir()}
	assert.Error(t, GetOnnxModelPath(model))
}

func TestLoadModelConfig(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "config.json"), `{"mask_token_id": 58497, "num_vq_tokens": 256, "model_type": "showo"}`)
	model := &Model{Path: dir, Config: map[string]any{}}
	require.NoError(t, loadModelConfig(model))

	maskID, ok, err := model.ConfigInt("mask_token_id")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 58497, maskID)

	_, ok, err = model.ConfigInt("codebook_size")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = model.ConfigInt("model_type")
	assert.Error(t, err)
}

func TestLoadSpecialTokens(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "special_tokens_map.json"), `{
		"bos_token": {"content": "<|endoftext|>", "lstrip": false},
		"eos_token": "<|endoftext|>"
	}`)
	writeFile(t, filepath.Join(dir, "tokenizer_config.json"), `{"pad_token": "<|pad|>", "eos_token": "ignored"}`)

	tk := &Tokenizer{}
	require.NoError(t, loadSpecialTokens(tk, dir))
	assert.Equal(t, "<|endoftext|>", tk.BosToken)
	assert.Equal(t, "<|endoftext|>", tk.EosToken)
	assert.Equal(t, "<|pad|>", tk.PadToken)

	writeFile(t, filepath.Join(dir, "special_tokens_map.json"), `{"bos_token": 3}`)
	assert.Error(t, loadSpecialTokens(&Tokenizer{}, dir))
}

func TestLoadTokenizerMissingFile(t *testing.T) {
	opts := options.Defaults()
	opts.Backend = "GO"
	_, err := LoadTokenizer(t.TempDir(), opts)
	assert.Error(t, err)
}

func TestTokenizerIntegration(t *testing.T) {
	folder := os.Getenv("TEST_MODELS_FOLDER")
	if folder == "" {
		t.Skip("TEST_MODELS_FOLDER not set")
	}
	opts := options.Defaults()
	opts.Backend = "GO"
	tk, err := LoadTokenizer(filepath.Join(folder, "microsoft_phi-1_5"), opts)
	require.NoError(t, err)
	defer func() { require.NoError(t, tk.Destroy()) }()

	ids, err := tk.Encode("a photo of a cat")
	require.NoError(t, err)
	assert.NotEmpty(t, ids)
	text, err := tk.Decode(append(ids, int64(tk.VocabSize())+5), true)
	require.NoError(t, err)
	assert.Equal(t, "a photo of a cat", text)

	eos, ok := tk.TokenID(tk.EosToken)
	assert.True(t, ok)
	assert.Less(t, eos, int64(tk.VocabSize()))
	assert.Positive(t, tk.TokenizerTimings.NumCalls)
}
