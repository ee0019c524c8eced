package upload

import (
	"context"
	"fmt"
	"time"

	"github.com/lgulliver/chunkstone/internal/storage"
	"github.com/lgulliver/chunkstone/pkg/types"
	"github.com/lgulliver/chunkstone/pkg/utils"
	"github.com/rs/zerolog/log"
)

// Handoff moves assembled artifacts from scratch storage to the object store
type Handoff struct {
	scratch storage.BlobStorage
	objects storage.ObjectStore
	now     func() time.Time
}

// NewHandoff creates a handoff between scratch storage and objects
func NewHandoff(scratch storage.BlobStorage, objects storage.ObjectStore, now func() time.Time) *Handoff {
	if now == nil {
		now = time.Now
	}
	return &Handoff{scratch: scratch, objects: objects, now: now}
}

// Upload stores the artifact under a fresh key derived from time and
// randomness, never from the session id. The scratch copy is removed
// whatever the outcome.
func (h *Handoff) Upload(ctx context.Context, artifact *Artifact, filename, mimeType string) (*types.ArtifactResult, error) {
	defer func() {
		if err := h.scratch.Delete(context.WithoutCancel(ctx), artifact.Key); err != nil {
			log.Warn().Err(err).Str("key", artifact.Key).Msg("failed to remove scratch artifact")
		}
	}()

	key, err := utils.GenerateStorageKey(filename, h.now())
	if err != nil {
		return nil, err
	}

	body, err := h.scratch.Retrieve(ctx, artifact.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to open scratch artifact: %w", err)
	}
	defer body.Close()

	url, err := h.objects.Put(ctx, key, body, mimeType)
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("artifact handoff failed")
		return nil, &StorageUploadFailedError{Err: err}
	}

	log.Info().
		Str("key", key).
		Str("url", url).
		Int64("size", artifact.Size).
		Msg("artifact handed off")

	return &types.ArtifactResult{
		URL:         url,
		StoragePath: key,
		Size:        artifact.Size,
		SHA256:      artifact.SHA256,
	}, nil
}
