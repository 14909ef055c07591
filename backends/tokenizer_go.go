package backends

import (
	"bytes"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"

	"github.com/knights-analytics/showo/util/safeconv"
)

type GoTokenizer struct {
	Tokenizer *tokenizer.Tokenizer
}

func loadGoTokenizer(tokenizerBytes []byte) (*Tokenizer, error) {
	tk, tkErr := pretrained.FromReader(bytes.NewReader(tokenizerBytes))
	if tkErr != nil {
		return nil, tkErr
	}
	return &Tokenizer{
		Runtime:     "GO",
		GoTokenizer: &GoTokenizer{Tokenizer: tk},
		vocabSize:   tk.GetVocabSize(true),
		Destroy: func() error {
			return nil
		},
	}, nil
}

func encodeGo(t *Tokenizer, text string) ([]int64, error) {
	if text == "" {
		return []int64{}, nil
	}
	output, err := t.GoTokenizer.Tokenizer.EncodeSingle(text, false)
	if err != nil {
		return nil, err
	}
	return safeconv.IntSliceToInt64Slice(output.Ids), nil
}

func decodeGo(t *Tokenizer, ids []int64, skipSpecialTokens bool) string {
	return t.GoTokenizer.Tokenizer.Decode(safeconv.Int64SliceToIntSlice(ids), skipSpecialTokens)
}

func tokenIDGo(t *Tokenizer, token string) (int64, bool) {
	id, ok := t.GoTokenizer.Tokenizer.TokenToId(token)
	if !ok {
		return 0, false
	}
	return int64(id), true
}
