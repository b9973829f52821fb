package storage

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArchivePath(t *testing.T) {
	assert.Equal(t, "archive/123.dem.zst", ArchivePath("123"))
}

func TestArchiver_RoundTrip(t *testing.T) {
	storage := setupTestStorage(t)
	archiver := NewArchiver(storage)
	ctx := context.Background()

	payload := bytes.Repeat([]byte("HL2DEMO demo frame "), 4096)
	require.NoError(t, archiver.Archive(ctx, "99", bytes.NewReader(payload)))

	exists, err := storage.Exists(ctx, ArchivePath("99"))
	require.NoError(t, err)
	assert.True(t, exists)

	raw, err := storage.Retrieve(ctx, ArchivePath("99"))
	require.NoError(t, err)
	compressed, err := io.ReadAll(raw)
	require.NoError(t, err)
	raw.Close()
	assert.Less(t, len(compressed), len(payload))

	rc, err := archiver.Open(ctx, "99")
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestArchiver_EmptyPayload(t *testing.T) {
	archiver := NewArchiver(setupTestStorage(t))
	ctx := context.Background()

	require.NoError(t, archiver.Archive(ctx, "1", bytes.NewReader(nil)))

	rc, err := archiver.Open(ctx, "1")
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestArchiver_OpenMissing(t *testing.T) {
	archiver := NewArchiver(setupTestStorage(t))

	_, err := archiver.Open(context.Background(), "404")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestArchiver_SourceFailure(t *testing.T) {
	storage := setupTestStorage(t)
	archiver := NewArchiver(storage)
	ctx := context.Background()

	err := archiver.Archive(ctx, "5", &failingReader{remaining: 10})
	assert.Error(t, err)

	exists, err := storage.Exists(ctx, ArchivePath("5"))
	require.NoError(t, err)
	assert.False(t, exists)
}
