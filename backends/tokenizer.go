package backends

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/knights-analytics/showo/metrics"
	"github.com/knights-analytics/showo/options"
	"github.com/knights-analytics/showo/util/fileutil"
	"github.com/knights-analytics/showo/util/safeconv"
)

// Tokenizer wraps the text tokenizer of the language model. Encode never adds
// special tokens: prompts are assembled explicitly.
type Tokenizer struct {
	RustTokenizer    *RustTokenizer
	GoTokenizer      *GoTokenizer
	TokenizerTimings *timings
	Destroy          func() error
	Runtime          string
	Path             string
	BosToken         string
	EosToken         string
	PadToken         string
	vocabSize        int
}

func LoadTokenizer(path string, s *options.Options) (*Tokenizer, error) {
	tokenizerPath := fileutil.PathJoinSafe(path, "tokenizer.json")
	exists, err := fileutil.FileExists(tokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("error checking for existence of tokenizer.json: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("tokenizer.json not found at %s", path)
	}
	tokenizerBytes, err := fileutil.ReadFileBytes(tokenizerPath)
	if err != nil {
		return nil, err
	}
	var tk *Tokenizer
	switch s.Backend {
	case "ORT":
		tk, err = loadRustTokenizer(tokenizerBytes)
	case "GO":
		tk, err = loadGoTokenizer(tokenizerBytes)
	default:
		return nil, fmt.Errorf("runtime %s not recognized", s.Backend)
	}
	if err != nil {
		return nil, err
	}
	tk.Path = path
	tk.TokenizerTimings = &timings{}
	if err = loadSpecialTokens(tk, path); err != nil {
		return nil, errors.Join(err, tk.Destroy())
	}
	return tk, nil
}

// loadSpecialTokens reads bos, eos and pad token strings from special_tokens_map.json,
// falling back to tokenizer_config.json.
func loadSpecialTokens(tk *Tokenizer, path string) error {
	for _, file := range []string{"special_tokens_map.json", "tokenizer_config.json"} {
		filePath := fileutil.PathJoinSafe(path, file)
		exists, err := fileutil.FileExists(filePath)
		if err != nil {
			return err
		}
		if !exists {
			continue
		}
		b, err := fileutil.ReadFileBytes(filePath)
		if err != nil {
			return err
		}
		configMap := map[string]any{}
		if err = jsoniter.Unmarshal(b, &configMap); err != nil {
			return fmt.Errorf("parsing %s: %w", filePath, err)
		}
		for key, target := range map[string]*string{
			"bos_token": &tk.BosToken,
			"eos_token": &tk.EosToken,
			"pad_token": &tk.PadToken,
		} {
			if *target != "" {
				continue
			}
			token, err := specialTokenContent(key, configMap[key])
			if err != nil {
				return err
			}
			*target = token
		}
	}
	return nil
}

func specialTokenContent(key string, raw any) (string, error) {
	switch v := raw.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case map[string]any:
		content, ok := v["content"].(string)
		if !ok {
			return "", fmt.Errorf("%s is map but no content field is available", key)
		}
		return content, nil
	default:
		return "", fmt.Errorf("%s has unexpected type: %T", key, v)
	}
}

// Encode tokenizes text without adding special tokens.
func (t *Tokenizer) Encode(text string) ([]int64, error) {
	start := time.Now()
	var ids []int64
	var err error
	switch t.Runtime {
	case "RUST":
		ids, err = encodeRust(t, text)
	case "GO":
		ids, err = encodeGo(t, text)
	default:
		err = fmt.Errorf("runtime %s not recognized", t.Runtime)
	}
	elapsed := time.Since(start)
	atomic.AddUint64(&t.TokenizerTimings.NumCalls, 1)
	atomic.AddUint64(&t.TokenizerTimings.TotalNS, safeconv.DurationToU64(elapsed))
	metrics.RecordTokenizer(elapsed)
	return ids, err
}

// Decode turns ids back into text. With skipSpecialTokens, ids the tokenizer does
// not know (such as image codes or added prompt tokens) are dropped as well.
func (t *Tokenizer) Decode(ids []int64, skipSpecialTokens bool) (string, error) {
	filtered := ids
	if skipSpecialTokens {
		filtered = make([]int64, 0, len(ids))
		for _, id := range ids {
			if id >= 0 && id < int64(t.vocabSize) {
				filtered = append(filtered, id)
			}
		}
	} else {
		for _, id := range ids {
			if id < 0 || id >= int64(t.vocabSize) {
				return "", fmt.Errorf("token id %d outside of vocabulary of size %d", id, t.vocabSize)
			}
		}
	}
	switch t.Runtime {
	case "RUST":
		return decodeRust(t, filtered, skipSpecialTokens), nil
	case "GO":
		return decodeGo(t, filtered, skipSpecialTokens), nil
	}
	return "", fmt.Errorf("runtime %s not recognized", t.Runtime)
}

// TokenID returns the id of a token that the tokenizer encodes as a single piece.
func (t *Tokenizer) TokenID(token string) (int64, bool) {
	if token == "" {
		return 0, false
	}
	switch t.Runtime {
	case "RUST":
		return tokenIDRust(t, token)
	case "GO":
		return tokenIDGo(t, token)
	}
	return 0, false
}

// VocabSize includes the tokens added to the tokenizer file.
func (t *Tokenizer) VocabSize() int {
	return t.vocabSize
}

func (t *Tokenizer) BosTokenString() string { return t.BosToken }

func (t *Tokenizer) EosTokenString() string { return t.EosToken }

func (t *Tokenizer) PadTokenString() string { return t.PadToken }
