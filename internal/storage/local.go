package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned when a path holds no content
var ErrNotFound = errors.New("file not found")

// LocalStorage keeps demos on the local filesystem under one root directory
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates the root directory if needed
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		log.Error().Err(err).Str("path", basePath).Msg("failed to create storage directory")
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	log.Info().Str("path", basePath).Msg("local demo storage initialized")
	return &LocalStorage{basePath: basePath}, nil
}

// resolve maps a relative path under the root, refusing anything that escapes it
func (ls *LocalStorage) resolve(path string) (string, error) {
	clean := filepath.Clean("/" + path)
	if clean == "/" {
		return "", fmt.Errorf("invalid storage path %q", path)
	}
	full := filepath.Join(ls.basePath, clean)
	if !strings.HasPrefix(full, filepath.Clean(ls.basePath)+string(os.PathSeparator)) {
		return "", fmt.Errorf("invalid storage path %q", path)
	}
	return full, nil
}

// Store writes content to a temp file and renames it into place
func (ls *LocalStorage) Store(ctx context.Context, path string, content io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	fullPath, err := ls.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tempPath := fmt.Sprintf("%s.tmp.%d", fullPath, time.Now().UnixNano())
	tempFile, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer func() {
		tempFile.Close()
		os.Remove(tempPath)
	}()

	written, err := io.Copy(tempFile, content)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to write content")
		return fmt.Errorf("failed to write content: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temporary file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close temporary file: %w", err)
	}

	if err := os.Rename(tempPath, fullPath); err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to move file into place")
		return fmt.Errorf("failed to move file to final location: %w", err)
	}

	log.Debug().Str("path", path).Int64("bytes", written).Msg("file stored")
	return nil
}

// Retrieve opens the file at path
func (ls *LocalStorage) Retrieve(ctx context.Context, path string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fullPath, err := ls.resolve(path)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return file, nil
}

// Delete removes the file at path
func (ls *LocalStorage) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	fullPath, err := ls.resolve(path)
	if err != nil {
		return err
	}

	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		log.Error().Err(err).Str("path", path).Msg("failed to delete file")
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// Exists reports whether a file is present at path
func (ls *LocalStorage) Exists(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	fullPath, err := ls.resolve(path)
	if err != nil {
		return false, err
	}

	if _, err := os.Stat(fullPath); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check file existence: %w", err)
	}
	return true, nil
}

// OpenSink creates (or truncates) the file at name for appending upload chunks
func (ls *LocalStorage) OpenSink(ctx context.Context, name string) (Sink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fullPath, err := ls.resolve(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	file, err := os.OpenFile(fullPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		log.Error().Err(err).Str("path", name).Msg("failed to open sink")
		return nil, fmt.Errorf("failed to open sink: %w", err)
	}
	return &fileSink{File: file, name: name}, nil
}

type fileSink struct {
	*os.File
	name string
}

func (s *fileSink) Name() string { return s.name }
