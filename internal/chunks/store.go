package chunks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/lgulliver/chunkstone/internal/storage"
	"github.com/rs/zerolog/log"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// ErrChunkNotFound is returned when no bytes are stored for a (session, index) pair
var ErrChunkNotFound = errors.New("chunk not found")

const defaultPrefix = "chunks"

// Store holds raw chunk bytes keyed by (session id, chunk index) until assembly
type Store interface {
	// Put writes the chunk durably, replacing any earlier bytes for the same
	// index, and returns the number of bytes stored. Nothing is kept when
	// reading body fails.
	Put(ctx context.Context, sessionID string, index int, body io.Reader) (int64, error)

	// Get opens the stored bytes of a chunk
	Get(ctx context.Context, sessionID string, index int) (io.ReadCloser, error)

	// Delete removes one chunk. Missing chunks are not an error.
	Delete(ctx context.Context, sessionID string, index int) error

	// DeleteAll removes every chunk of a session
	DeleteAll(ctx context.Context, sessionID string) error

	// Sessions lists the session ids that currently own chunk bytes
	Sessions(ctx context.Context) ([]string, error)
}

// BlobStore keeps chunks in a storage.BlobStorage under
// <prefix>/<session id>/<zero padded index>.part
type BlobStore struct {
	blobs  storage.BlobStorage
	prefix string
}

// NewBlobStore creates a chunk store on top of blob storage
func NewBlobStore(blobs storage.BlobStorage) *BlobStore {
	return &BlobStore{blobs: blobs, prefix: defaultPrefix}
}

func (s *BlobStore) sessionDir(sessionID string) string {
	return s.prefix + "/" + sessionID + "/"
}

func (s *BlobStore) chunkPath(sessionID string, index int) string {
	return fmt.Sprintf("%s%06d.part", s.sessionDir(sessionID), index)
}

func (s *BlobStore) Put(ctx context.Context, sessionID string, index int, body io.Reader) (int64, error) {
	if sessionID == "" || strings.ContainsAny(sessionID, "/\\") {
		return 0, fmt.Errorf("invalid session id %q", sessionID)
	}

	counter := &countingReader{r: body}
	if err := s.blobs.Store(ctx, s.chunkPath(sessionID, index), counter, "application/octet-stream"); err != nil {
		return 0, fmt.Errorf("failed to store chunk %d of %s: %w", index, sessionID, err)
	}

	log.Debug().
		Str("session_id", sessionID).
		Int("index", index).
		Int64("size", counter.n).
		Msg("chunk stored")
	return counter.n, nil
}

func (s *BlobStore) Get(ctx context.Context, sessionID string, index int) (io.ReadCloser, error) {
	rc, err := s.blobs.Retrieve(ctx, s.chunkPath(sessionID, index))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: session %s index %d", ErrChunkNotFound, sessionID, index)
		}
		return nil, fmt.Errorf("failed to open chunk %d of %s: %w", index, sessionID, err)
	}
	return rc, nil
}

func (s *BlobStore) Delete(ctx context.Context, sessionID string, index int) error {
	if err := s.blobs.Delete(ctx, s.chunkPath(sessionID, index)); err != nil {
		return fmt.Errorf("failed to delete chunk %d of %s: %w", index, sessionID, err)
	}
	return nil
}

// DeleteAll lists the session directory and removes every entry. It keeps
// going after individual failures and reports the first one.
func (s *BlobStore) DeleteAll(ctx context.Context, sessionID string) error {
	paths, err := s.blobs.List(ctx, s.sessionDir(sessionID))
	if err != nil {
		return fmt.Errorf("failed to list chunks of %s: %w", sessionID, err)
	}

	var firstErr error
	for _, p := range paths {
		if err := s.blobs.Delete(ctx, p); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to delete %s: %w", p, err)
		}
	}

	if len(paths) > 0 {
		log.Debug().Str("session_id", sessionID).Int("count", len(paths)).Msg("chunks purged")
	}
	return firstErr
}

func (s *BlobStore) Sessions(ctx context.Context) ([]string, error) {
	paths, err := s.blobs.List(ctx, s.prefix+"/")
	if err != nil {
		return nil, fmt.Errorf("failed to list chunk sessions: %w", err)
	}

	seen := make(map[string]struct{})
	for _, p := range paths {
		rest := strings.TrimPrefix(p, s.prefix+"/")
		id, file, ok := strings.Cut(rest, "/")
		if !ok || id == "" || !isChunkFile(file) {
			continue
		}
		seen[id] = struct{}{}
	}

	ids := maps.Keys(seen)
	slices.Sort(ids)
	return ids, nil
}

func isChunkFile(name string) bool {
	idx, ok := strings.CutSuffix(name, ".part")
	if !ok {
		return false
	}
	_, err := strconv.Atoi(idx)
	return err == nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
