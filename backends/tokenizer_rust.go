//go:build ORT || ALL

package backends

import (
	"github.com/daulet/tokenizers"

	"github.com/knights-analytics/showo/util/safeconv"
)

type RustTokenizer struct {
	Tokenizer *tokenizers.Tokenizer
}

func loadRustTokenizer(tokenizerBytes []byte) (*Tokenizer, error) {
	tk, tkErr := tokenizers.FromBytes(tokenizerBytes)
	if tkErr != nil {
		return nil, tkErr
	}
	return &Tokenizer{
		Runtime:       "RUST",
		RustTokenizer: &RustTokenizer{Tokenizer: tk},
		vocabSize:     int(tk.VocabSize()),
		Destroy: func() error {
			return tk.Close()
		},
	}, nil
}

func encodeRust(t *Tokenizer, text string) ([]int64, error) {
	if text == "" {
		return []int64{}, nil
	}
	ids, _ := t.RustTokenizer.Tokenizer.Encode(text, false)
	return safeconv.Uint32SliceToInt64Slice(ids), nil
}

func decodeRust(t *Tokenizer, ids []int64, skipSpecialTokens bool) string {
	return t.RustTokenizer.Tokenizer.Decode(safeconv.Int64SliceToUint32Slice(ids), skipSpecialTokens)
}

// tokenIDRust resolves a token by encoding it and checking it round trips as a single piece.
func tokenIDRust(t *Tokenizer, token string) (int64, bool) {
	ids, tokens := t.RustTokenizer.Tokenizer.Encode(token, false)
	if len(ids) != 1 || len(tokens) != 1 || tokens[0] != token {
		return 0, false
	}
	return int64(ids[0]), true
}
