package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

type memoryBlob struct {
	data        []byte
	contentType string
}

// MemoryStorage is an in-process Backend used for tests and single-node
// development setups. Content is lost on restart.
type MemoryStorage struct {
	mu        sync.RWMutex
	blobs     map[string]memoryBlob
	publicURL string
}

// NewMemoryStorage creates an empty in-memory storage
func NewMemoryStorage(publicURL string) *MemoryStorage {
	if publicURL == "" {
		publicURL = "memory://"
	}
	return &MemoryStorage{
		blobs:     make(map[string]memoryBlob),
		publicURL: strings.TrimRight(publicURL, "/"),
	}
}

// Store buffers content and swaps it in only once fully read
func (ms *MemoryStorage) Store(ctx context.Context, path string, content io.Reader, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := io.ReadAll(&contextReader{ctx: ctx, r: content})
	if err != nil {
		return fmt.Errorf("failed to write content: %w", err)
	}

	ms.mu.Lock()
	ms.blobs[path] = memoryBlob{data: data, contentType: contentType}
	ms.mu.Unlock()
	return nil
}

// Put stores an artifact and returns its URL
func (ms *MemoryStorage) Put(ctx context.Context, key string, content io.Reader, contentType string) (string, error) {
	if err := ms.Store(ctx, key, content, contentType); err != nil {
		return "", err
	}
	return ms.publicURL + "/" + strings.TrimLeft(key, "/"), nil
}

func (ms *MemoryStorage) Retrieve(ctx context.Context, path string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ms.mu.RLock()
	blob, ok := ms.blobs[path]
	ms.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return io.NopCloser(bytes.NewReader(blob.data)), nil
}

func (ms *MemoryStorage) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ms.mu.Lock()
	delete(ms.blobs, path)
	ms.mu.Unlock()
	return nil
}

func (ms *MemoryStorage) Exists(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	ms.mu.RLock()
	_, ok := ms.blobs[path]
	ms.mu.RUnlock()
	return ok, nil
}

func (ms *MemoryStorage) GetSize(ctx context.Context, path string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	ms.mu.RLock()
	blob, ok := ms.blobs[path]
	ms.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return int64(len(blob.data)), nil
}

// List returns the sorted paths starting with prefix
func (ms *MemoryStorage) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var paths []string
	for path := range ms.blobs {
		if strings.HasPrefix(path, prefix) {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// ContentType returns the content type recorded for path
func (ms *MemoryStorage) ContentType(path string) (string, bool) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	blob, ok := ms.blobs[path]
	return blob.contentType, ok
}

// Len returns the number of stored blobs
func (ms *MemoryStorage) Len() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.blobs)
}
