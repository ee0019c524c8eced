package session

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/lgulliver/chunkstone/pkg/types"
	"golang.org/x/exp/slices"
)

type memoryRecord struct {
	session *types.UploadSession
	chunks  map[int]int64
}

// MemoryStore keeps sessions in process memory. State is lost on restart.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memoryRecord
}

// NewMemoryStore creates an empty in-memory session store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*memoryRecord)}
}

func (m *MemoryStore) Create(ctx context.Context, s *types.UploadSession) error {
	if s.ID == "" {
		return fmt.Errorf("session id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[s.ID]; exists {
		return fmt.Errorf("session %s already exists", s.ID)
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now()
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = s.CreatedAt
	}

	stored := s.Clone()
	stored.ReceivedChunks = nil
	m.sessions[s.ID] = &memoryRecord{session: stored, chunks: make(map[int]int64)}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*types.UploadSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.snapshot(), nil
}

func (m *MemoryStore) AddChunk(ctx context.Context, id string, index int, size int64) (*types.UploadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if rec.session.Status != types.StatusUploading {
		return nil, fmt.Errorf("%w: session is %s", ErrStatusConflict, rec.session.Status)
	}

	rec.chunks[index] = size
	rec.session.UpdatedAt = now()
	return rec.snapshot(), nil
}

func (m *MemoryStore) Transition(ctx context.Context, id string, t Transition) (*types.UploadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !slices.Contains(t.From, rec.session.Status) {
		return nil, fmt.Errorf("%w: session is %s", ErrStatusConflict, rec.session.Status)
	}

	t.apply(rec.session, now())
	if t.ClearChunks {
		rec.chunks = make(map[int]int64)
	}
	return rec.snapshot(), nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) List(ctx context.Context, f Filter) ([]*types.UploadSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*types.UploadSession
	for _, rec := range m.sessions {
		if f.Matches(rec.session) {
			out = append(out, rec.session.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (r *memoryRecord) snapshot() *types.UploadSession {
	s := r.session.Clone()
	fillChunks(s, r.chunks)
	return s
}
