package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when no blob exists at a path
var ErrNotFound = errors.New("blob not found")

// BlobStorage defines the interface for path-addressed blob storage
type BlobStorage interface {
	// Store saves content at the given path, replacing any previous content
	Store(ctx context.Context, path string, content io.Reader, contentType string) error

	// Retrieve gets content from the given path
	Retrieve(ctx context.Context, path string) (io.ReadCloser, error)

	// Delete removes content at the given path
	Delete(ctx context.Context, path string) error

	// Exists checks if content exists at the given path
	Exists(ctx context.Context, path string) (bool, error)

	// GetSize returns the size of content at the given path
	GetSize(ctx context.Context, path string) (int64, error)

	// List returns paths matching the prefix
	List(ctx context.Context, prefix string) ([]string, error)
}

// ObjectStore is the durable destination for assembled artifacts
type ObjectStore interface {
	// Put stores content under key and returns its public URL
	Put(ctx context.Context, key string, content io.Reader, contentType string) (string, error)
}

// Backend is a storage implementation usable both for temporary chunk
// bytes and as the artifact object store
type Backend interface {
	BlobStorage
	ObjectStore
}
