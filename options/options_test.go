package options

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackendRestrictedOptions(t *testing.T) {
	goOpts := Defaults()
	goOpts.Backend = "GO"
	assert.Error(t, WithIntraOpNumThreads(2)(goOpts))
	assert.Error(t, WithCuda(nil)(goOpts))
	require.NoError(t, WithStrictShapes()(goOpts))
	assert.True(t, goOpts.GoOptions.StrictShapes)

	ortOpts := Defaults()
	ortOpts.Backend = "ORT"
	require.NoError(t, WithIntraOpNumThreads(2)(ortOpts))
	require.NoError(t, WithMemPattern(false)(ortOpts))
	require.NoError(t, WithExtraExecutionProvider("XNNPACK", map[string]string{"intra_op_num_threads": "1"})(ortOpts))
	assert.Equal(t, 2, *ortOpts.ORTOptions.IntraOpNumThreads)
	assert.False(t, *ortOpts.ORTOptions.MemPattern)
	assert.Len(t, ortOpts.ORTOptions.ExtraExecutionProviders, 1)
	assert.Error(t, WithStrictShapes()(ortOpts))
}

func TestWithSeed(t *testing.T) {
	opts := Defaults()
	opts.Backend = "GO"
	require.NoError(t, WithSeed(42)(opts))
	require.NotNil(t, opts.RuntimeOptions.Seed)
	assert.Equal(t, uint64(42), *opts.RuntimeOptions.Seed)
}

func TestWithOnnxLibraryPathMissing(t *testing.T) {
	opts := Defaults()
	opts.Backend = "ORT"
	assert.Error(t, WithOnnxLibraryPath(t.TempDir())(opts))
}
