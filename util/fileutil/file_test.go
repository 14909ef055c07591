package fileutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathJoinSafe(t *testing.T) {
	assert.Equal(t, filepath.Join("a", "b", "c.txt"), PathJoinSafe("a", "b", "c.txt"))
	assert.Equal(t, "s3://bucket/models"+string(filepath.Separator)+filepath.Join("x", "y"), PathJoinSafe("s3://bucket/models/", "x", "y"))
}

func TestWriteAndReadLines(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "prompts.txt")
	require.NoError(t, WriteFileBytes(target, []byte("a red apple\n\n  a blue car  \nlast line"), "text/plain"))

	exists, err := FileExists(target)
	require.NoError(t, err)
	assert.True(t, exists)

	lines, err := ReadLines(target)
	require.NoError(t, err)
	assert.Equal(t, []string{"a red apple", "a blue car", "last line"}, lines)

	// overwriting replaces the previous content
	require.NoError(t, WriteFileBytes(target, []byte("only"), ""))
	b, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "only", string(b))
}

func TestFileExistsMissing(t *testing.T) {
	exists, err := FileExists(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCreateAndDeleteFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run", "media")
	require.NoError(t, CreateFile(dir, true))
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	target := filepath.Join(dir, "empty.txt")
	require.NoError(t, CreateFile(target, false))
	exists, err := FileExists(target)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, DeleteFile(target))
	exists, err = FileExists(target)
	require.NoError(t, err)
	assert.False(t, exists)
}
