package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
)

// ArchivePath is where the compressed copy of a finished demo lives
func ArchivePath(sessionID string) string {
	return fmt.Sprintf("archive/%s.dem.zst", sessionID)
}

// Archiver keeps zstd-compressed copies of finished demos in a BlobStorage
type Archiver struct {
	blob BlobStorage
}

// NewArchiver creates an archiver backed by blob
func NewArchiver(blob BlobStorage) *Archiver {
	return &Archiver{blob: blob}
}

// Archive compresses payload and stores it under ArchivePath(sessionID)
func (a *Archiver) Archive(ctx context.Context, sessionID string, payload io.Reader) error {
	pr, pw := io.Pipe()

	go func() {
		enc, err := zstd.NewWriter(pw, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			pw.CloseWithError(fmt.Errorf("failed to create encoder: %w", err))
			return
		}
		if _, err := io.Copy(enc, payload); err != nil {
			enc.Close()
			pw.CloseWithError(fmt.Errorf("failed to compress: %w", err))
			return
		}
		pw.CloseWithError(enc.Close())
	}()

	path := ArchivePath(sessionID)
	if err := a.blob.Store(ctx, path, pr); err != nil {
		pr.CloseWithError(err)
		return fmt.Errorf("failed to archive demo %s: %w", sessionID, err)
	}

	log.Info().Str("session_id", sessionID).Str("archive_path", path).Msg("demo archived with zstd compression")
	return nil
}

// Has reports whether sessionID has been archived
func (a *Archiver) Has(ctx context.Context, sessionID string) (bool, error) {
	return a.blob.Exists(ctx, ArchivePath(sessionID))
}

// Open returns a reader over the decompressed archive of sessionID
func (a *Archiver) Open(ctx context.Context, sessionID string) (io.ReadCloser, error) {
	rc, err := a.blob.Retrieve(ctx, ArchivePath(sessionID))
	if err != nil {
		return nil, err
	}

	dec, err := zstd.NewReader(rc)
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}
	return &archiveReader{dec: dec, src: rc}, nil
}

type archiveReader struct {
	dec *zstd.Decoder
	src io.Closer
}

func (r *archiveReader) Read(p []byte) (int, error) { return r.dec.Read(p) }

func (r *archiveReader) Close() error {
	r.dec.Close()
	return r.src.Close()
}
