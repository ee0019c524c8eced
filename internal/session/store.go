package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lgulliver/chunkstone/pkg/types"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

var (
	// ErrNotFound is returned when no session exists for an id
	ErrNotFound = errors.New("upload session not found")

	// ErrStatusConflict is returned when a conditional update finds the
	// session in a status other than the expected ones
	ErrStatusConflict = errors.New("upload session status conflict")
)

// Transition describes a compare-and-swap status change
type Transition struct {
	// From lists the statuses the session must currently be in
	From []types.UploadStatus
	To   types.UploadStatus

	// Result is recorded when moving to completed
	Result *types.ArtifactResult

	// LastError replaces the stored failure message
	LastError string

	// ClearChunks drops every received chunk record in the same update
	ClearChunks bool
}

// Filter selects sessions for List. Zero values match everything.
type Filter struct {
	Statuses      []types.UploadStatus
	UpdatedBefore time.Time
}

// Store persists upload session metadata. Implementations must make AddChunk
// and Transition atomic with respect to each other.
type Store interface {
	// Create persists a new session
	Create(ctx context.Context, s *types.UploadSession) error

	// Get returns the session together with its received chunks
	Get(ctx context.Context, id string) (*types.UploadSession, error)

	// AddChunk records index as received with the given byte size, but only
	// while the session is uploading. A repeated index replaces its size.
	AddChunk(ctx context.Context, id string, index int, size int64) (*types.UploadSession, error)

	// Transition applies t if the session is in one of t.From
	Transition(ctx context.Context, id string, t Transition) (*types.UploadSession, error)

	// Delete removes the session and its chunk records. Unknown ids are ignored.
	Delete(ctx context.Context, id string) error

	// List returns matching sessions without their chunk records
	List(ctx context.Context, f Filter) ([]*types.UploadSession, error)
}

// Matches reports whether s satisfies the filter
func (f Filter) Matches(s *types.UploadSession) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, s.Status) {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !s.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	return true
}

// apply mutates s according to t at time now
func (t Transition) apply(s *types.UploadSession, now time.Time) {
	s.Status = t.To
	s.LastError = t.LastError
	s.UpdatedAt = now
	if t.To == types.StatusCompleted {
		completedAt := now
		s.CompletedAt = &completedAt
		if t.Result != nil {
			s.ArtifactURL = t.Result.URL
			s.StoragePath = t.Result.StoragePath
			s.ArtifactSize = t.Result.Size
			s.ArtifactSHA256 = t.Result.SHA256
		}
	}
}

// fillChunks populates the derived chunk fields of s from index -> size
func fillChunks(s *types.UploadSession, sizes map[int]int64) {
	s.ReceivedChunks = types.NewChunkSet(maps.Keys(sizes)...)
	s.ReceivedBytes = 0
	for _, size := range sizes {
		s.ReceivedBytes += size
	}
}

// checkStatus rejects rows written with a status this build does not know
func checkStatus(s *types.UploadSession) error {
	status, err := types.ParseUploadStatus(string(s.Status))
	if err != nil {
		return fmt.Errorf("session %s: %w", s.ID, err)
	}
	s.Status = status
	return nil
}

func now() time.Time {
	return time.Now().UTC()
}
