package prompting

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTokenizer struct {
	vocab map[string]int64
	pad   string
}

func newFakeTokenizer() *fakeTokenizer {
	return &fakeTokenizer{vocab: map[string]int64{
		"<s>": 1, "</s>": 2, "a": 10, "red": 11, "apple": 12, "what": 13, "is": 14, "it": 15, "<|mmu|>": 50,
	}}
}

func (f *fakeTokenizer) Encode(text string) ([]int64, error) {
	var ids []int64
	for _, word := range strings.Fields(text) {
		ids = append(ids, f.vocab[word])
	}
	return ids, nil
}

func (f *fakeTokenizer) TokenID(token string) (int64, bool) {
	id, ok := f.vocab[token]
	return id, ok
}

func (f *fakeTokenizer) VocabSize() int         { return 100 }
func (f *fakeTokenizer) BosTokenString() string { return "<s>" }
func (f *fakeTokenizer) EosTokenString() string { return "</s>" }
func (f *fakeTokenizer) PadTokenString() string { return f.pad }

func newPrompting(t *testing.T, maxSeqLength int) *UniversalPrompting {
	t.Helper()
	u, err := New(newFakeTokenizer(), maxSeqLength, WithMaskTokenID(999))
	require.NoError(t, err)
	return u
}

func TestSpecialTokenIDs(t *testing.T) {
	u := newPrompting(t, 5)
	// [PAD] is added first, then the unknown special tokens in order
	assert.Equal(t, int64(100), u.ID(PAD))
	assert.Equal(t, int64(101), u.ID(SOI))
	assert.Equal(t, int64(102), u.ID(EOI))
	assert.Equal(t, int64(50), u.ID(MMU))
	assert.Equal(t, int64(1), u.ID(SOT))
	assert.Equal(t, int64(2), u.ID(EOT))
	assert.Equal(t, int64(-1), u.ID("<|unknown|>"))
	assert.Equal(t, []string{"[PAD]", SOI, EOI, SOV, EOV, T2I, T2V, V2V, LVG, LML}, u.AddedTokens())
	assert.Equal(t, 110, u.VocabSize())
	assert.Equal(t, int64(110), u.ImageTokenOffset())
	assert.Equal(t, 6, u.MaxTextLen)
}

func TestImageTokenOffsetOverride(t *testing.T) {
	u, err := New(newFakeTokenizer(), 5, WithMaskTokenID(999), WithImageTokenOffset(115))
	require.NoError(t, err)
	assert.Equal(t, 110, u.VocabSize())
	assert.Equal(t, int64(115), u.ImageTokenOffset())

	mmu, err := u.MMU([]string{"what is it"}, [][]int64{{4}})
	require.NoError(t, err)
	assert.Equal(t, []int64{50, u.ID(SOI), 119, u.ID(EOI), 1, 13, 14, 15}, mmu[0])

	seqs, err := u.T2IGen([]string{"a"}, [][]int64{{999, 3}})
	require.NoError(t, err)
	assert.Equal(t, []int64{999, 118}, seqs[0][len(seqs[0])-3:len(seqs[0])-1])

	fallback, err := New(newFakeTokenizer(), 5, WithImageTokenOffset(0))
	require.NoError(t, err)
	assert.Equal(t, int64(110), fallback.ImageTokenOffset())
}

func TestExistingPadToken(t *testing.T) {
	tk := newFakeTokenizer()
	tk.vocab["<pad>"] = 3
	tk.pad = "<pad>"
	u, err := New(tk, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(3), u.ID(PAD))
	assert.Equal(t, int64(100), u.ID(SOI))
}

func TestNewErrors(t *testing.T) {
	_, err := New(nil, 5)
	assert.Error(t, err)
	_, err = New(newFakeTokenizer(), 1)
	assert.Error(t, err)
}

func TestT2IGen(t *testing.T) {
	u := newPrompting(t, 5)
	t2i := u.ID(T2I)
	pad := u.ID(PAD)
	soi, eoi := u.ID(SOI), u.ID(EOI)

	seqs, err := u.T2IGen([]string{"a red apple", ""}, [][]int64{{999, 3}, {999, 999}})
	require.NoError(t, err)
	require.Len(t, seqs, 2)
	assert.Equal(t, []int64{t2i, 1, 10, 11, 12, 2, soi, 999, 113, eoi}, seqs[0])
	assert.Equal(t, []int64{pad, pad, pad, t2i, 1, 2, soi, 999, 999, eoi}, seqs[1])

	_, err = u.T2IGen([]string{"a"}, nil)
	assert.Error(t, err)
}

func TestT2IGenTruncates(t *testing.T) {
	u := newPrompting(t, 3)
	seqs, err := u.T2IGen([]string{"a red apple what is it"}, [][]int64{{999}})
	require.NoError(t, err)
	// text part is max_text_len long and always ends with eot
	assert.Equal(t, []int64{u.ID(T2I), 1, 10, 2, u.ID(SOI), 999, u.ID(EOI)}, seqs[0])
}

func TestLMLAndMMU(t *testing.T) {
	u := newPrompting(t, 5)
	offset := u.ImageTokenOffset()
	soi, eoi := u.ID(SOI), u.ID(EOI)

	lml, err := u.LML([]string{"a red apple"}, []string{"what is it"}, [][]int64{{0, 7}})
	require.NoError(t, err)
	assert.Equal(t, []int64{u.ID(LML), 1, 10, 11, 12, 2, soi, offset, offset + 7, eoi, 1, 13, 14, 15}, lml[0])

	mmu, err := u.MMU([]string{"what is it"}, [][]int64{{4}})
	require.NoError(t, err)
	assert.Equal(t, []int64{50, soi, offset + 4, eoi, 1, 13, 14, 15}, mmu[0])

	_, err = u.LML([]string{"a"}, []string{"b", "c"}, [][]int64{{1}})
	assert.Error(t, err)
	_, err = u.MMU([]string{"a"}, nil)
	assert.Error(t, err)
}
