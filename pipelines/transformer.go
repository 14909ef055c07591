package pipelines

import (
	"context"
	"errors"
	"fmt"

	"github.com/knights-analytics/showo/backends"
	"github.com/knights-analytics/showo/prompting"
)

// Logits are the transformer scores laid out as [batch][position][vocab].
type Logits struct {
	Data           []float32
	BatchSize      int
	SequenceLength int
	VocabSize      int
}

// Row returns the scores at one position of one sequence. The slice aliases Data.
func (l *Logits) Row(b, pos int) []float32 {
	start := (b*l.SequenceLength + pos) * l.VocabSize
	return l.Data[start : start+l.VocabSize]
}

// Transformer is the unified multimodal model.
type Transformer interface {
	Forward(ctx context.Context, ids [][]int64, mask *prompting.AttentionMask) (*Logits, error)
}

// ShowoConfig describes the vocabulary layout of the transformer. Zero values
// are read from the model's config.json.
type ShowoConfig struct {
	MaskTokenID         int64
	CodebookSize        int
	NumVQTokens         int
	LLMVocabSize        int
	NumNewSpecialTokens int
}

// ShowoModel runs the exported transformer graph: input_ids int64 [B,L] and,
// when declared, attention_mask float32 [B,1,L,L] in, logits [B,L,V] out.
type ShowoModel struct {
	Model  *backends.Model
	Config ShowoConfig
}

func NewShowoModel(model *backends.Model, overrides ShowoConfig) (*ShowoModel, error) {
	if model == nil {
		return nil, errors.New("transformer model is required")
	}
	if !model.HasInput("input_ids") {
		return nil, fmt.Errorf("transformer graph %s does not declare input_ids", model.ID)
	}
	cfg := overrides
	var err error
	readInt := func(key string, target *int) {
		if err != nil || *target != 0 {
			return
		}
		value, ok, readErr := model.ConfigInt(key)
		if readErr != nil {
			err = readErr
			return
		}
		if ok {
			*target = value
		}
	}
	var maskID int
	if cfg.MaskTokenID == 0 {
		readInt("mask_token_id", &maskID)
		cfg.MaskTokenID = int64(maskID)
	}
	readInt("codebook_size", &cfg.CodebookSize)
	readInt("num_vq_tokens", &cfg.NumVQTokens)
	readInt("llm_vocab_size", &cfg.LLMVocabSize)
	readInt("num_new_special_tokens", &cfg.NumNewSpecialTokens)
	if err != nil {
		return nil, err
	}
	if cfg.MaskTokenID <= 0 {
		return nil, errors.New("mask_token_id is not set and not found in config.json")
	}
	if cfg.CodebookSize <= 0 {
		return nil, errors.New("codebook_size is not set and not found in config.json")
	}
	if cfg.NumVQTokens <= 0 {
		return nil, errors.New("num_vq_tokens is not set and not found in config.json")
	}
	return &ShowoModel{Model: model, Config: cfg}, nil
}

func (m *ShowoModel) Forward(ctx context.Context, ids [][]int64, mask *prompting.AttentionMask) (*Logits, error) {
	if len(ids) == 0 {
		return nil, errors.New("no sequences to run")
	}
	length := len(ids[0])
	flat := make([]int64, 0, len(ids)*length)
	for i, seq := range ids {
		if len(seq) != length {
			return nil, fmt.Errorf("sequence %d has length %d, expected %d", i, len(seq), length)
		}
		flat = append(flat, seq...)
	}
	inputs := []backends.Tensor{
		backends.NewInt64Tensor("input_ids", backends.NewShape(int64(len(ids)), int64(length)), flat),
	}
	if m.Model.HasInput("attention_mask") {
		if mask == nil {
			return nil, errors.New("the transformer graph requires an attention mask")
		}
		if mask.BatchSize != len(ids) || mask.Length != length {
			return nil, fmt.Errorf("attention mask of %dx%d does not match batch of %dx%d", mask.BatchSize, mask.Length, len(ids), length)
		}
		inputs = append(inputs, backends.NewFloat32Tensor("attention_mask", mask.Shape(), mask.Additive()))
	}
	outputs, err := backends.RunModel(ctx, m.Model, inputs)
	if err != nil {
		return nil, err
	}
	if len(outputs) == 0 {
		return nil, errors.New("transformer graph returned no outputs")
	}
	return newLogits(outputs[0], len(ids), length)
}

func newLogits(t backends.Tensor, batchSize, length int) (*Logits, error) {
	data, err := t.Float32Data()
	if err != nil {
		return nil, err
	}
	if len(t.Shape) != 3 || int(t.Shape[0]) != batchSize || int(t.Shape[1]) != length {
		return nil, fmt.Errorf("logits have shape %s, expected [%d %d V]", t.Shape, batchSize, length)
	}
	return &Logits{
		Data:           data,
		BatchSize:      batchSize,
		SequenceLength: length,
		VocabSize:      int(t.Shape[2]),
	}, nil
}
