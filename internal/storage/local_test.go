package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStorage(t *testing.T) *LocalStorage {
	storage, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	return storage
}

func TestNewLocalStorage(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	tests := []struct {
		name        string
		basePath    string
		shouldError bool
	}{
		{name: "existing directory", basePath: t.TempDir()},
		{name: "nested path is created", basePath: filepath.Join(t.TempDir(), "media", "demos")},
		{name: "path is a file", basePath: blocker, shouldError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			storage, err := NewLocalStorage(tt.basePath)
			if tt.shouldError {
				assert.Error(t, err)
				assert.Nil(t, storage)
				return
			}
			require.NoError(t, err)
			info, err := os.Stat(tt.basePath)
			require.NoError(t, err)
			assert.True(t, info.IsDir())
		})
	}
}

func TestLocalStorage_StoreAndRetrieve(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		path    string
		content []byte
	}{
		{name: "demo file", path: "123.dem", content: []byte("HL2DEMO\x00data")},
		{name: "nested path", path: "archive/123.dem.zst", content: []byte{0x28, 0xb5, 0x2f, 0xfd}},
		{name: "empty content", path: "empty.dem", content: []byte{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, storage.Store(ctx, tt.path, bytes.NewReader(tt.content)))

			exists, err := storage.Exists(ctx, tt.path)
			require.NoError(t, err)
			assert.True(t, exists)

			rc, err := storage.Retrieve(ctx, tt.path)
			require.NoError(t, err)
			defer rc.Close()

			got, err := io.ReadAll(rc)
			require.NoError(t, err)
			assert.Equal(t, tt.content, got)
		})
	}
}

type failingReader struct {
	remaining int
}

func (r *failingReader) Read(p []byte) (int, error) {
	if r.remaining <= 0 {
		return 0, errors.New("read failed")
	}
	n := min(len(p), r.remaining)
	r.remaining -= n
	return n, nil
}

func TestLocalStorage_StoreLeavesNoPartialFile(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	err := storage.Store(ctx, "broken.dem", &failingReader{remaining: 5})
	assert.Error(t, err)

	exists, err := storage.Exists(ctx, "broken.dem")
	require.NoError(t, err)
	assert.False(t, exists)

	entries, err := os.ReadDir(storage.basePath)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.NotContains(t, entry.Name(), ".tmp.")
	}
}

func TestLocalStorage_RetrieveMissing(t *testing.T) {
	storage := setupTestStorage(t)

	rc, err := storage.Retrieve(context.Background(), "missing.dem")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Nil(t, rc)
}

func TestLocalStorage_Delete(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	require.NoError(t, storage.Store(ctx, "1.dem", strings.NewReader("demo")))
	require.NoError(t, storage.Delete(ctx, "1.dem"))

	exists, err := storage.Exists(ctx, "1.dem")
	require.NoError(t, err)
	assert.False(t, exists)

	assert.NoError(t, storage.Delete(ctx, "1.dem"))
}

func TestLocalStorage_RejectsEscapingPaths(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	for _, path := range []string{"", "/", "."} {
		assert.Error(t, storage.Store(ctx, path, strings.NewReader("x")), path)
	}

	// traversal is clamped to the root
	require.NoError(t, storage.Store(ctx, "../../outside.dem", strings.NewReader("x")))
	_, err := os.Stat(filepath.Join(storage.basePath, "outside.dem"))
	assert.NoError(t, err)
}

func TestLocalStorage_CancelledContext(t *testing.T) {
	storage := setupTestStorage(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, storage.Store(ctx, "1.dem", strings.NewReader("x")), context.Canceled)
	_, err := storage.OpenSink(ctx, "1.dem")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLocalStorage_OpenSink(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	sink, err := storage.OpenSink(ctx, "42.dem")
	require.NoError(t, err)
	assert.Equal(t, "42.dem", sink.Name())

	for _, chunk := range []string{"AAAA", "", "BBBB"} {
		_, err := sink.Write([]byte(chunk))
		require.NoError(t, err)
		require.NoError(t, sink.Sync())
	}
	require.NoError(t, sink.Close())

	rc, err := storage.Retrieve(ctx, sink.Name())
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "AAAABBBB", string(got))
}

func TestLocalStorage_OpenSinkTruncatesStaleFile(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	require.NoError(t, storage.Store(ctx, "7.dem", strings.NewReader("stale leftovers")))

	sink, err := storage.OpenSink(ctx, "7.dem")
	require.NoError(t, err)
	_, err = sink.Write([]byte("new"))
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(filepath.Join(storage.basePath, "7.dem"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}
