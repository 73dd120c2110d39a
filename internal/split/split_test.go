package split

import (
	"bytes"
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torevar615/URL-UploadV1/internal/scratch"
)

func stage(t *testing.T, dir *scratch.Dir, name string, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)

	f, err := dir.Reserve(name)
	require.NoError(t, err)
	_, err = f.Write(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return f.Name(), data
}

func TestChunkName(t *testing.T) {
	assert.Equal(t, "movie.part001.mkv", ChunkName("movie.mkv", 1))
	assert.Equal(t, "movie.part042.mkv", ChunkName("movie.mkv", 42))
	assert.Equal(t, "archive.tar.part003.gz", ChunkName("archive.tar.gz", 3))
	assert.Equal(t, "README.part010", ChunkName("README", 10))
}

func TestSplitRoundTrip(t *testing.T) {
	dir, err := scratch.New(t.TempDir())
	require.NoError(t, err)
	defer dir.Close()

	path, data := stage(t, dir, "data.bin", 1000)
	scope := dir.NewScope(context.Background())
	defer scope.Close()

	chunks, err := New(dir, 450).Split(context.Background(), scope, path, "data.bin")
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	assert.Equal(t, []int64{450, 450, 100}, []int64{chunks[0].Size, chunks[1].Size, chunks[2].Size})

	var rebuilt bytes.Buffer
	for i, c := range chunks {
		assert.Equal(t, i+1, c.Index)
		if i > 0 {
			assert.Less(t, chunks[i-1].Name, c.Name)
		}
		part, err := os.ReadFile(c.Path)
		require.NoError(t, err)
		rebuilt.Write(part)
	}
	assert.Equal(t, data, rebuilt.Bytes())
	assert.Equal(t, 3, scope.Tracked())
}

func TestSplitExactMultiple(t *testing.T) {
	dir, err := scratch.New(t.TempDir())
	require.NoError(t, err)
	defer dir.Close()

	path, _ := stage(t, dir, "even.bin", 900)
	scope := dir.NewScope(context.Background())
	defer scope.Close()

	chunks, err := New(dir, 450).Split(context.Background(), scope, path, "even.bin")
	require.NoError(t, err)
	assert.Len(t, chunks, 2)
}

func TestSplitTooManyParts(t *testing.T) {
	dir, err := scratch.New(t.TempDir())
	require.NoError(t, err)
	defer dir.Close()

	path, _ := stage(t, dir, "many.bin", MaxChunks+1)
	chunks, err := New(dir, 1).Split(context.Background(), dir.NewScope(context.Background()), path, "many.bin")
	assert.ErrorIs(t, err, ErrTooManyChunks)
	assert.Nil(t, chunks)
}

func TestSplitCancelledCleansUp(t *testing.T) {
	dir, err := scratch.New(t.TempDir())
	require.NoError(t, err)
	defer dir.Close()

	path, _ := stage(t, dir, "c.bin", 100)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	scope := dir.NewScope(context.Background())
	chunks, err := New(dir, 10).Split(ctx, scope, path, "c.bin")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, chunks)
	assert.Equal(t, 0, scope.Tracked())

	entries, err := dir.Entries()
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Base(path)}, entries)
}

func TestSplitMissingFile(t *testing.T) {
	dir, err := scratch.New(t.TempDir())
	require.NoError(t, err)
	defer dir.Close()

	chunks, err := New(dir, 10).Split(context.Background(), dir.NewScope(context.Background()), filepath.Join(dir.Path(), "nope"), "nope")
	assert.Error(t, err)
	assert.Nil(t, chunks)
}

func TestInstructionsNameEveryPart(t *testing.T) {
	parts := []string{"v.part001.mp4", "v.part002.mp4", "v.part003.mp4"}
	text := Instructions("v.mp4", parts)

	assert.Contains(t, text, `copy /b "v.part001.mp4"+"v.part002.mp4"+"v.part003.mp4" "v.mp4"`)
	assert.Contains(t, text, `cat "v.part001.mp4" "v.part002.mp4" "v.part003.mp4" > "v.mp4"`)
	assert.Equal(t, 2, strings.Count(text, "v.part002.mp4"))
}
