package storage

import (
	"context"
	"io"
)

// BlobStorage stores finished demo artifacts
type BlobStorage interface {
	// Store saves content at the given path, replacing anything already there
	Store(ctx context.Context, path string, content io.Reader) error

	// Retrieve opens the content at the given path
	Retrieve(ctx context.Context, path string) (io.ReadCloser, error)

	// Delete removes content at the given path. Missing content is not an error.
	Delete(ctx context.Context, path string) error

	// Exists checks if content exists at the given path
	Exists(ctx context.Context, path string) (bool, error)
}

// Sink is an append-only writer for a demo that is still being uploaded
type Sink interface {
	io.Writer
	// Sync flushes written bytes to durable storage
	Sync() error
	Close() error
	// Name is the path the sink was opened at, usable with BlobStorage.Retrieve
	Name() string
}

// SinkOpener opens sinks for in-progress uploads
type SinkOpener interface {
	OpenSink(ctx context.Context, name string) (Sink, error)
}

// Backend is everything the stream router needs from storage
type Backend interface {
	BlobStorage
	SinkOpener
}
