package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/lgulliver/chunkstone/internal/chunks"
	"github.com/lgulliver/chunkstone/internal/storage"
	"github.com/lgulliver/chunkstone/pkg/types"
	"github.com/rs/zerolog/log"
)

const scratchPrefix = "assembling/"

// Artifact is an assembled file waiting in scratch storage for handoff
type Artifact struct {
	Key    string
	Size   int64
	SHA256 string
}

// Assembler concatenates a session's chunks in index order into scratch storage
type Assembler struct {
	chunks  chunks.Store
	scratch storage.BlobStorage
}

// NewAssembler creates an assembler reading from store and writing to scratch
func NewAssembler(store chunks.Store, scratch storage.BlobStorage) *Assembler {
	return &Assembler{chunks: store, scratch: scratch}
}

func scratchKey(sessionID string) string {
	return scratchPrefix + sessionID + ".artifact"
}

// Assemble streams chunks 0..TotalChunks-1 into one scratch blob, one chunk
// at a time. Chunk bytes are left in place; a failed attempt leaves no
// scratch blob behind.
func (a *Assembler) Assemble(ctx context.Context, s *types.UploadSession) (*Artifact, error) {
	startTime := time.Now()
	key := scratchKey(s.ID)

	seq := &chunkSequence{ctx: ctx, store: a.chunks, sessionID: s.ID, total: s.TotalChunks}
	defer seq.Close()

	hasher := sha256.New()
	counter := &countingWriter{}
	body := io.TeeReader(seq, io.MultiWriter(hasher, counter))

	if err := a.scratch.Store(ctx, key, body, s.MimeType); err != nil {
		a.scratch.Delete(context.WithoutCancel(ctx), key)
		return nil, fmt.Errorf("failed to assemble %s: %w", s.ID, err)
	}

	artifact := &Artifact{
		Key:    key,
		Size:   counter.n,
		SHA256: hex.EncodeToString(hasher.Sum(nil)),
	}

	log.Info().
		Str("session_id", s.ID).
		Int("chunks", s.TotalChunks).
		Int64("size", artifact.Size).
		Str("sha256", artifact.SHA256).
		Dur("duration", time.Since(startTime)).
		Msg("upload assembled")

	return artifact, nil
}

// chunkSequence reads the chunks of a session back to back, opening each
// only when the previous one is exhausted
type chunkSequence struct {
	ctx       context.Context
	store     chunks.Store
	sessionID string
	total     int
	next      int
	current   io.ReadCloser
}

func (c *chunkSequence) Read(p []byte) (int, error) {
	for {
		if err := c.ctx.Err(); err != nil {
			return 0, err
		}
		if c.current == nil {
			if c.next >= c.total {
				return 0, io.EOF
			}
			rc, err := c.store.Get(c.ctx, c.sessionID, c.next)
			if err != nil {
				return 0, err
			}
			c.current = rc
			c.next++
		}

		n, err := c.current.Read(p)
		if err == io.EOF {
			c.current.Close()
			c.current = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *chunkSequence) Close() error {
	if c.current == nil {
		return nil
	}
	err := c.current.Close()
	c.current = nil
	return err
}

type countingWriter struct {
	n int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.n += int64(len(p))
	return len(p), nil
}
