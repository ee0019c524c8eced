package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lgulliver/chunkstone/internal/chunks"
	"github.com/lgulliver/chunkstone/internal/events"
	"github.com/lgulliver/chunkstone/internal/session"
	"github.com/lgulliver/chunkstone/internal/storage"
	"github.com/lgulliver/chunkstone/pkg/config"
	"github.com/lgulliver/chunkstone/pkg/types"
	"github.com/lgulliver/chunkstone/pkg/utils"
	"github.com/rs/zerolog/log"
)

// Options configures upload policy and housekeeping
type Options struct {
	RecommendedChunkSize int64
	MaxChunkBytes        int64
	MaxTotalChunks       int
	MaxUploadBytes       int64
	SessionTTL           time.Duration
	TerminalRetention    time.Duration
	SweepSchedule        string

	RunLock   RunLocker
	Publisher events.Publisher
	Now       func() time.Time
}

// DefaultOptions returns the built-in upload policy
func DefaultOptions() Options {
	return OptionsFromConfig(&config.Default().Upload)
}

// OptionsFromConfig maps the upload section of the service configuration
func OptionsFromConfig(cfg *config.UploadConfig) Options {
	return Options{
		RecommendedChunkSize: cfg.RecommendedChunkSize,
		MaxChunkBytes:        cfg.MaxChunkBytes,
		MaxTotalChunks:       cfg.MaxTotalChunks,
		MaxUploadBytes:       cfg.MaxUploadBytes,
		SessionTTL:           cfg.SessionTTL,
		TerminalRetention:    cfg.TerminalRetention,
		SweepSchedule:        cfg.SweepSchedule,
	}
}

// StatusSnapshot is the read-only view returned by GetStatus
type StatusSnapshot struct {
	Session  *types.UploadSession
	Progress types.Progress
}

// Manager owns the upload session state machine
type Manager struct {
	sessions  session.Store
	chunks    chunks.Store
	scratch   storage.BlobStorage
	assembler *Assembler
	handoff   *Handoff
	gc        *GarbageCollector
	locks     *keyedLocks
	publisher events.Publisher
	opts      Options
}

// NewManager wires the upload state machine. scratch holds assembled
// artifacts until objects accepts them.
func NewManager(sessions session.Store, chunkStore chunks.Store, scratch storage.BlobStorage, objects storage.ObjectStore, opts Options) *Manager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Publisher == nil {
		opts.Publisher = events.NoopPublisher{}
	}

	locks := newKeyedLocks()
	return &Manager{
		sessions:  sessions,
		chunks:    chunkStore,
		scratch:   scratch,
		assembler: NewAssembler(chunkStore, scratch),
		handoff:   NewHandoff(scratch, objects, opts.Now),
		gc: &GarbageCollector{
			sessions:          sessions,
			chunks:            chunkStore,
			locks:             locks,
			sessionTTL:        opts.SessionTTL,
			terminalRetention: opts.TerminalRetention,
			schedule:          opts.SweepSchedule,
			runLock:           opts.RunLock,
			now:               opts.Now,
		},
		locks:     locks,
		publisher: opts.Publisher,
		opts:      opts,
	}
}

// Collector returns the garbage collector sharing this manager's locks
func (m *Manager) Collector() *GarbageCollector {
	return m.gc
}

// InitUpload validates the declared upload and creates a session in the
// uploading state. The session's ChunkSize carries the recommended chunk size.
func (m *Manager) InitUpload(ctx context.Context, req types.InitRequest) (*types.UploadSession, error) {
	filename := strings.TrimSpace(filepath.Base(filepath.ToSlash(strings.TrimSpace(req.Filename))))
	switch {
	case filename == "" || filename == "." || filename == "/":
		return nil, invalidRequest("filename is required")
	case req.DeclaredSize <= 0:
		return nil, invalidRequest("size must be positive")
	case req.TotalChunks <= 0:
		return nil, invalidRequest("totalChunks must be positive")
	case m.opts.MaxTotalChunks > 0 && req.TotalChunks > m.opts.MaxTotalChunks:
		return nil, invalidRequest("totalChunks exceeds the limit of %d", m.opts.MaxTotalChunks)
	case m.opts.MaxUploadBytes > 0 && req.DeclaredSize > m.opts.MaxUploadBytes:
		return nil, invalidRequest("size exceeds the limit of %s", utils.FormatBytes(m.opts.MaxUploadBytes))
	}

	now := m.opts.Now().UTC()
	s := &types.UploadSession{
		ID:           uuid.NewString(),
		Filename:     filename,
		MimeType:     utils.DetectMimeType(req.MimeType, filename),
		DeclaredSize: req.DeclaredSize,
		TotalChunks:  req.TotalChunks,
		ChunkSize:    m.opts.RecommendedChunkSize,
		Status:       types.StatusUploading,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.sessions.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to create upload session: %w", err)
	}

	log.Info().
		Str("session_id", s.ID).
		Str("filename", s.Filename).
		Int64("declared_size", s.DeclaredSize).
		Int("total_chunks", s.TotalChunks).
		Msg("upload session started")

	return s, nil
}

// PutChunk stores the bytes of one chunk and records its index. Bytes are
// written before the index is recorded; a repeated index overwrites the
// earlier bytes.
func (m *Manager) PutChunk(ctx context.Context, id string, index int, body io.Reader) (types.Progress, error) {
	unlock := m.locks.RLock(id)
	defer unlock()

	s, err := m.get(ctx, id)
	if err != nil {
		return types.Progress{}, err
	}
	if s.Status != types.StatusUploading {
		return types.Progress{}, invalidState(id, s.Status)
	}
	if index < 0 || index >= s.TotalChunks {
		return types.Progress{}, fmt.Errorf("%w: %d not in [0, %d)", ErrInvalidIndex, index, s.TotalChunks)
	}

	limited := &limitedReader{r: body, remaining: m.opts.MaxChunkBytes}
	var reader io.Reader = limited
	if m.opts.MaxChunkBytes <= 0 {
		reader = body
	}
	size, err := m.chunks.Put(ctx, id, index, reader)
	if limited.exceeded {
		return types.Progress{}, fmt.Errorf("%w: limit is %s", ErrChunkTooLarge, utils.FormatBytes(m.opts.MaxChunkBytes))
	}
	if err != nil {
		return types.Progress{}, err
	}

	updated, err := m.sessions.AddChunk(ctx, id, index, size)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrNotFound):
			m.chunks.Delete(context.WithoutCancel(ctx), id, index)
			return types.Progress{}, err
		case errors.Is(err, session.ErrStatusConflict):
			return types.Progress{}, fmt.Errorf("%w: %v", ErrInvalidState, err)
		}
		return types.Progress{}, fmt.Errorf("failed to record chunk: %w", err)
	}

	log.Debug().
		Str("session_id", id).
		Int("index", index).
		Int64("size", size).
		Bool("overwrite", s.ReceivedChunks.Contains(index)).
		Int("received", len(updated.ReceivedChunks)).
		Msg("chunk received")

	return updated.Progress(), nil
}

// CompleteUpload assembles a fully received session and hands the artifact
// to the object store. A completed session returns its cached result.
func (m *Manager) CompleteUpload(ctx context.Context, id string) (*types.ArtifactResult, error) {
	s, err := m.beginCompletion(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status == types.StatusCompleted {
		return s.Result(), nil
	}

	artifact, err := m.assembler.Assemble(ctx, s)
	if err != nil {
		return nil, m.fail(ctx, s, err)
	}

	result, err := m.handoff.Upload(ctx, artifact, s.Filename, s.MimeType)
	if err != nil {
		return nil, m.fail(ctx, s, err)
	}

	// the artifact exists now; finish bookkeeping even if the caller went away
	bg := context.WithoutCancel(ctx)
	if _, err := m.sessions.Transition(bg, id, session.Transition{
		From:        []types.UploadStatus{types.StatusCompleting},
		To:          types.StatusCompleted,
		Result:      result,
		ClearChunks: true,
	}); err != nil {
		return nil, fmt.Errorf("failed to mark session completed: %w", err)
	}

	if err := m.gc.PurgeChunks(bg, id); err != nil {
		log.Warn().Err(err).Str("session_id", id).Msg("chunk purge after completion failed, sweep will retry")
	}
	if m.opts.TerminalRetention == 0 {
		if err := m.sessions.Delete(bg, id); err != nil {
			log.Warn().Err(err).Str("session_id", id).Msg("failed to drop completed session")
		}
	}

	log.Info().
		Str("session_id", id).
		Str("path", result.StoragePath).
		Int64("size", result.Size).
		Msg("upload completed")

	m.publish(bg, events.Event{
		Type:        events.TypeCompleted,
		SessionID:   id,
		Filename:    s.Filename,
		MimeType:    s.MimeType,
		Size:        result.Size,
		URL:         result.URL,
		StoragePath: result.StoragePath,
		SHA256:      result.SHA256,
	})

	return result, nil
}

// beginCompletion checks completeness and moves the session to completing
// under the exclusive lock, so concurrent callers see InvalidState
func (m *Manager) beginCompletion(ctx context.Context, id string) (*types.UploadSession, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	s, err := m.get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch s.Status {
	case types.StatusCompleted:
		return s, nil
	case types.StatusUploading, types.StatusFailed:
	default:
		return nil, invalidState(id, s.Status)
	}

	if missing := s.ReceivedChunks.Missing(s.TotalChunks); len(missing) > 0 {
		return nil, &MissingChunksError{Missing: missing}
	}

	s, err = m.sessions.Transition(ctx, id, session.Transition{
		From: []types.UploadStatus{types.StatusUploading, types.StatusFailed},
		To:   types.StatusCompleting,
	})
	if err != nil {
		if errors.Is(err, session.ErrStatusConflict) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
		}
		return nil, err
	}
	return s, nil
}

// fail records cause on the session and returns it
func (m *Manager) fail(ctx context.Context, s *types.UploadSession, cause error) error {
	bg := context.WithoutCancel(ctx)
	if _, err := m.sessions.Transition(bg, s.ID, session.Transition{
		From:      []types.UploadStatus{types.StatusCompleting},
		To:        types.StatusFailed,
		LastError: cause.Error(),
	}); err != nil {
		log.Error().Err(err).Str("session_id", s.ID).Msg("failed to mark session failed")
	}

	log.Error().Err(cause).Str("session_id", s.ID).Msg("upload completion failed")

	m.publish(bg, events.Event{
		Type:      events.TypeFailed,
		SessionID: s.ID,
		Filename:  s.Filename,
		MimeType:  s.MimeType,
		Error:     cause.Error(),
	})
	return cause
}

// CancelUpload discards an upload. Unknown and already cancelled sessions
// succeed. The cancelled session is kept as a tombstone for the terminal
// retention period so late chunk writes are rejected with InvalidState.
func (m *Manager) CancelUpload(ctx context.Context, id string) error {
	unlock := m.locks.Lock(id)
	defer unlock()

	s, err := m.sessions.Get(ctx, id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			// nothing to cancel, but leftover bytes from a crashed write may exist
			return m.gc.PurgeChunks(ctx, id)
		}
		return err
	}

	switch s.Status {
	case types.StatusCancelled:
		return m.gc.PurgeChunks(ctx, id)
	case types.StatusUploading, types.StatusFailed:
	default:
		return invalidState(id, s.Status)
	}

	if _, err := m.sessions.Transition(ctx, id, session.Transition{
		From:        []types.UploadStatus{types.StatusUploading, types.StatusFailed},
		To:          types.StatusCancelled,
		ClearChunks: true,
	}); err != nil {
		if errors.Is(err, session.ErrStatusConflict) {
			return fmt.Errorf("%w: %v", ErrInvalidState, err)
		}
		return err
	}

	if m.opts.TerminalRetention == 0 {
		err = m.gc.PurgeSession(ctx, id)
	} else {
		err = m.gc.PurgeChunks(ctx, id)
	}
	if err != nil {
		return err
	}

	log.Info().Str("session_id", id).Msg("upload cancelled")
	m.publish(context.WithoutCancel(ctx), events.Event{
		Type:      events.TypeCancelled,
		SessionID: id,
		Filename:  s.Filename,
		MimeType:  s.MimeType,
	})
	return nil
}

// GetStatus returns the session and its progress
func (m *Manager) GetStatus(ctx context.Context, id string) (*StatusSnapshot, error) {
	s, err := m.get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &StatusSnapshot{Session: s, Progress: s.Progress()}, nil
}

// MissingChunks returns the ascending indices not received yet
func (m *Manager) MissingChunks(ctx context.Context, id string) ([]int, error) {
	s, err := m.get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.ReceivedChunks.Missing(s.TotalChunks), nil
}

// Recover runs once at startup. Sessions left completing by a crash are
// marked failed so the client can retry, and stale scratch artifacts are
// removed.
func (m *Manager) Recover(ctx context.Context) error {
	stuck, err := m.sessions.List(ctx, session.Filter{Statuses: []types.UploadStatus{types.StatusCompleting}})
	if err != nil {
		return fmt.Errorf("failed to list interrupted sessions: %w", err)
	}

	for _, s := range stuck {
		_, err := m.sessions.Transition(ctx, s.ID, session.Transition{
			From:      []types.UploadStatus{types.StatusCompleting},
			To:        types.StatusFailed,
			LastError: "interrupted",
		})
		if err != nil && !errors.Is(err, session.ErrStatusConflict) && !errors.Is(err, session.ErrNotFound) {
			return fmt.Errorf("failed to recover session %s: %w", s.ID, err)
		}
		log.Warn().Str("session_id", s.ID).Msg("interrupted completion marked failed")
	}

	keys, err := m.scratch.List(ctx, scratchPrefix)
	if err != nil {
		return fmt.Errorf("failed to list scratch artifacts: %w", err)
	}
	for _, key := range keys {
		if err := m.scratch.Delete(ctx, key); err != nil {
			return fmt.Errorf("failed to remove scratch artifact %s: %w", key, err)
		}
	}

	log.Info().Int("interrupted", len(stuck)).Int("scratch_removed", len(keys)).Msg("upload recovery finished")
	return nil
}

func (m *Manager) get(ctx context.Context, id string) (*types.UploadSession, error) {
	s, err := m.sessions.Get(ctx, id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return nil, err
	}
	return s, nil
}

func (m *Manager) publish(ctx context.Context, e events.Event) {
	e.OccurredAt = m.opts.Now().UTC()
	if err := m.publisher.Publish(ctx, e); err != nil {
		log.Warn().Err(err).Str("type", e.Type).Str("session_id", e.SessionID).Msg("failed to publish upload event")
	}
}

// limitedReader fails once more than remaining bytes are read
type limitedReader struct {
	r         io.Reader
	remaining int64
	exceeded  bool
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.remaining <= 0 {
		// probe one byte to tell an exact fit from an oversized body
		var probe [1]byte
		n, err := l.r.Read(probe[:])
		if n > 0 {
			l.exceeded = true
			return 0, ErrChunkTooLarge
		}
		return 0, err
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	return n, err
}
