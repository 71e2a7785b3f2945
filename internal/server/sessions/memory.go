package sessions

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophupload/internal/common"
	"github.com/dmitrijs2005/gophupload/internal/server/models"
)

// MemoryStore keeps sessions in process memory. It is only suitable for a
// single coordinator instance.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*models.UploadSession
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*models.UploadSession)}
}

func (m *MemoryStore) Name() string { return "sessions[memory]" }

func (m *MemoryStore) IsReady(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) Create(ctx context.Context, s *models.UploadSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[s.UploadID]; ok {
		return common.ErrStatusConflict
	}
	m.sessions[s.UploadID] = s.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, uploadID string) (*models.UploadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[uploadID]
	if !ok {
		return nil, common.ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) UpdateChunks(ctx context.Context, uploadID string, chunks []models.ChunkDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[uploadID]
	if !ok {
		return common.ErrNotFound
	}
	cp := s.Clone()
	if err := mergeChunks(cp, chunks); err != nil {
		return err
	}
	cp.UpdatedAt = now()
	m.sessions[uploadID] = cp
	return nil
}

func (m *MemoryStore) Transition(ctx context.Context, uploadID string, t Transition) (*models.UploadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[uploadID]
	if !ok {
		return nil, common.ErrNotFound
	}
	cp := s.Clone()
	if err := applyTransition(cp, t, now()); err != nil {
		return nil, err
	}
	m.sessions[uploadID] = cp
	return cp.Clone(), nil
}

func (m *MemoryStore) Delete(ctx context.Context, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[uploadID]; !ok {
		return common.ErrNotFound
	}
	delete(m.sessions, uploadID)
	return nil
}

func (m *MemoryStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*models.UploadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.UploadSession
	for _, s := range m.sessions {
		if !s.ExpiresAt.After(before) {
			out = append(out, s.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *models.UploadSession) int { return a.ExpiresAt.Compare(b.ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
