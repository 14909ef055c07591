// Package prompting assembles the token sequences understood by the unified
// transformer and the attention masks that go with them.
package prompting

import (
	"errors"
	"fmt"

	"github.com/phuslu/log"
)

const (
	SOI = "<|soi|>"
	EOI = "<|eoi|>"
	SOV = "<|sov|>"
	EOV = "<|eov|>"
	T2I = "<|t2i|>"
	MMU = "<|mmu|>"
	T2V = "<|t2v|>"
	V2V = "<|v2v|>"
	LVG = "<|lvg|>"
	LML = "<|lml|>"

	SOT = "<|sot|>"
	EOT = "<|eot|>"
	PAD = "<|pad|>"

	DefaultPadToken = "[PAD]"
)

// SpecialTokens in the order they are added to the vocabulary.
var SpecialTokens = []string{SOI, EOI, SOV, EOV, T2I, MMU, T2V, V2V, LVG, LML}

// TextTokenizer is the part of a text tokenizer needed to build prompts.
type TextTokenizer interface {
	Encode(text string) ([]int64, error)
	TokenID(token string) (int64, bool)
	VocabSize() int
	BosTokenString() string
	EosTokenString() string
	PadTokenString() string
}

type UniversalPrompting struct {
	tokenizer TextTokenizer
	ids       map[string]int64
	added     []string
	// MaxTextLen is the length of the padded text part of generation prompts.
	MaxTextLen  int
	MaskTokenID int64
	vocabSize   int
	imageOffset int64
}

type Option func(u *UniversalPrompting)

// WithMaskTokenID keeps image tokens equal to id unshifted in T2IGen.
func WithMaskTokenID(id int64) Option {
	return func(u *UniversalPrompting) {
		u.MaskTokenID = id
	}
}

// WithImageTokenOffset places VQ codes at offset instead of right after the
// tokenizer vocabulary. Values below one are ignored.
func WithImageTokenOffset(offset int64) Option {
	return func(u *UniversalPrompting) {
		u.imageOffset = offset
	}
}

// New registers the special tokens against the tokenizer. maxSeqLength is
// dataset.preprocessing.max_seq_length; the text part of a prompt is one longer.
func New(tokenizer TextTokenizer, maxSeqLength int, opts ...Option) (*UniversalPrompting, error) {
	if tokenizer == nil {
		return nil, errors.New("a text tokenizer is required")
	}
	if maxSeqLength < 2 {
		return nil, fmt.Errorf("max_seq_length must be at least 2, got %d", maxSeqLength)
	}
	u := &UniversalPrompting{
		tokenizer:   tokenizer,
		ids:         map[string]int64{},
		MaxTextLen:  maxSeqLength + 1,
		MaskTokenID: -1,
		vocabSize:   tokenizer.VocabSize(),
	}
	for _, opt := range opts {
		opt(u)
	}

	padToken := tokenizer.PadTokenString()
	padID, ok := tokenizer.TokenID(padToken)
	if !ok {
		padID = u.add(DefaultPadToken)
	}
	for _, token := range SpecialTokens {
		id, known := tokenizer.TokenID(token)
		if !known {
			id = u.add(token)
		}
		u.ids[token] = id
	}

	bosID, ok := tokenizer.TokenID(tokenizer.BosTokenString())
	if !ok {
		return nil, fmt.Errorf("tokenizer has no usable bos token %q", tokenizer.BosTokenString())
	}
	eosID, ok := tokenizer.TokenID(tokenizer.EosTokenString())
	if !ok {
		return nil, fmt.Errorf("tokenizer has no usable eos token %q", tokenizer.EosTokenString())
	}
	u.ids[SOT] = bosID
	u.ids[EOT] = eosID
	u.ids[PAD] = padID

	log.Debug().Int("vocab_size", u.vocabSize).Strs("added_tokens", u.added).Int64("pad_id", padID).Msg("universal prompting initialised")
	return u, nil
}

func (u *UniversalPrompting) add(token string) int64 {
	id := int64(u.vocabSize)
	u.vocabSize++
	u.added = append(u.added, token)
	return id
}

// ID returns the id of a special token such as SOI or EOT.
func (u *UniversalPrompting) ID(token string) int64 {
	id, ok := u.ids[token]
	if !ok {
		return -1
	}
	return id
}

// VocabSize is the text vocabulary size including the added tokens.
func (u *UniversalPrompting) VocabSize() int {
	return u.vocabSize
}

// ImageTokenOffset is added to VQ codes to place them in the transformer vocabulary.
func (u *UniversalPrompting) ImageTokenOffset() int64 {
	if u.imageOffset > 0 {
		return u.imageOffset
	}
	return int64(u.vocabSize)
}

// AddedTokens lists the tokens the tokenizer did not know, in id order.
func (u *UniversalPrompting) AddedTokens() []string {
	return append([]string(nil), u.added...)
}

// textPart builds [task][sot] text [eot], left padded or truncated to MaxTextLen.
func (u *UniversalPrompting) textPart(task string, text string) ([]int64, error) {
	textIDs, err := u.tokenizer.Encode(text)
	if err != nil {
		return nil, fmt.Errorf("encoding %q: %w", text, err)
	}
	sot := u.ids[SOT]
	if len(textIDs) == 0 || textIDs[0] != sot {
		textIDs = append([]int64{sot}, textIDs...)
	}
	ids := make([]int64, 0, u.MaxTextLen)
	ids = append(ids, u.ids[task])
	ids = append(ids, textIDs...)
	ids = append(ids, u.ids[EOT])
	if len(ids) > u.MaxTextLen {
		ids = append(ids[:u.MaxTextLen-1], u.ids[EOT])
		return ids, nil
	}
	padded := make([]int64, u.MaxTextLen-len(ids), u.MaxTextLen)
	for i := range padded {
		padded[i] = u.ids[PAD]
	}
	return append(padded, ids...), nil
}

func (u *UniversalPrompting) imagePart(codes []int64, keepMask bool) []int64 {
	ids := make([]int64, 0, len(codes)+2)
	ids = append(ids, u.ids[SOI])
	offset := u.ImageTokenOffset()
	for _, c := range codes {
		if keepMask && c == u.MaskTokenID {
			ids = append(ids, c)
			continue
		}
		ids = append(ids, c+offset)
	}
	return append(ids, u.ids[EOI])
}

func (u *UniversalPrompting) questionPart(question string) ([]int64, error) {
	ids, err := u.tokenizer.Encode(question)
	if err != nil {
		return nil, fmt.Errorf("encoding %q: %w", question, err)
	}
	return append([]int64{u.ids[SOT]}, ids...), nil
}

// T2IGen builds text to image prompts: [pad…][t2i][sot] text [eot][soi] image [eoi].
func (u *UniversalPrompting) T2IGen(prompts []string, imageTokens [][]int64) ([][]int64, error) {
	if len(prompts) != len(imageTokens) {
		return nil, fmt.Errorf("got %d prompts and %d image token rows", len(prompts), len(imageTokens))
	}
	sequences := make([][]int64, len(prompts))
	for i, prompt := range prompts {
		text, err := u.textPart(T2I, prompt)
		if err != nil {
			return nil, err
		}
		sequences[i] = append(text, u.imagePart(imageTokens[i], true)...)
	}
	return sequences, nil
}

// LML builds revision prompts: [pad…][lml][sot] prompt [eot][soi] image [eoi][sot] question.
func (u *UniversalPrompting) LML(prompts []string, questions []string, imageCodes [][]int64) ([][]int64, error) {
	if len(prompts) != len(questions) || len(prompts) != len(imageCodes) {
		return nil, fmt.Errorf("got %d prompts, %d questions and %d images", len(prompts), len(questions), len(imageCodes))
	}
	sequences := make([][]int64, len(prompts))
	for i := range prompts {
		text, err := u.textPart(LML, prompts[i])
		if err != nil {
			return nil, err
		}
		question, err := u.questionPart(questions[i])
		if err != nil {
			return nil, err
		}
		sequence := append(text, u.imagePart(imageCodes[i], false)...)
		sequences[i] = append(sequence, question...)
	}
	return sequences, nil
}

// MMU builds understanding prompts: [mmu][soi] image [eoi][sot] question.
func (u *UniversalPrompting) MMU(questions []string, imageCodes [][]int64) ([][]int64, error) {
	if len(questions) != len(imageCodes) {
		return nil, fmt.Errorf("got %d questions and %d images", len(questions), len(imageCodes))
	}
	sequences := make([][]int64, len(questions))
	for i := range questions {
		question, err := u.questionPart(questions[i])
		if err != nil {
			return nil, err
		}
		sequence := []int64{u.ids[MMU]}
		sequence = append(sequence, u.imagePart(imageCodes[i], false)...)
		sequences[i] = append(sequence, question...)
	}
	return sequences, nil
}

// PredictNextMask is the attention mask for T2IGen sequences.
func (u *UniversalPrompting) PredictNextMask(sequences [][]int64, rmPadInImage bool) (*AttentionMask, error) {
	return PredictNext(sequences, u.ids[PAD], u.ids[SOI], u.ids[EOI], rmPadInImage)
}

// MMUMask is the attention mask for MMU sequences.
func (u *UniversalPrompting) MMUMask(sequences [][]int64) (*AttentionMask, error) {
	return ForMMU(sequences, u.ids[EOI])
}

// LMLMask is the attention mask for LML sequences.
func (u *UniversalPrompting) LMLMask(sequences [][]int64, rmPadInImage bool) (*AttentionMask, error) {
	return ForLML(sequences, u.ids[PAD], u.ids[EOI], rmPadInImage)
}
