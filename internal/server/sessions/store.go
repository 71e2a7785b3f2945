// Package sessions persists upload sessions in a store shared by every
// coordinator instance. Status changes go through Transition, a
// compare-and-set on the current status, so two instances can never both
// start a merge for the same upload.
package sessions

import (
	"context"
	"slices"
	"time"

	"github.com/dmitrijs2005/gophupload/internal/common"
	"github.com/dmitrijs2005/gophupload/internal/server/health"
	"github.com/dmitrijs2005/gophupload/internal/server/models"
)

// now is swapped in tests.
var now = time.Now

// Transition moves a session to To when its current status is one of From.
// Strategy and LastError replace the stored values.
type Transition struct {
	From      []models.SessionStatus
	To        models.SessionStatus
	Strategy  string
	LastError string
}

func (t Transition) allows(s models.SessionStatus) bool {
	return slices.Contains(t.From, s)
}

// Store is implemented by every session backend.
//
// Get, UpdateChunks, Transition and Delete return common.ErrNotFound for an
// unknown upload. Transition returns common.ErrStatusConflict when the
// current status is not in From; the stored session is left untouched.
type Store interface {
	Create(ctx context.Context, s *models.UploadSession) error
	Get(ctx context.Context, uploadID string) (*models.UploadSession, error)
	// UpdateChunks replaces the descriptors with matching part numbers and
	// leaves the others as they are.
	UpdateChunks(ctx context.Context, uploadID string, chunks []models.ChunkDescriptor) error
	Transition(ctx context.Context, uploadID string, t Transition) (*models.UploadSession, error)
	Delete(ctx context.Context, uploadID string) error
	// ListExpired returns up to limit sessions whose ExpiresAt is not after before.
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*models.UploadSession, error)
	Close() error

	health.ReadinessCheck
}

// mergeChunks applies updates to s in place.
func mergeChunks(s *models.UploadSession, updates []models.ChunkDescriptor) error {
	for _, u := range updates {
		c, ok := s.Chunk(u.PartNumber)
		if !ok {
			return common.NewValidationError("partNumber", "no such part")
		}
		*c = u
	}
	return nil
}

func applyTransition(s *models.UploadSession, t Transition, at time.Time) error {
	if !t.allows(s.Status) {
		return common.ErrStatusConflict
	}
	s.Status = t.To
	s.Strategy = t.Strategy
	s.LastError = t.LastError
	s.UpdatedAt = at
	return nil
}
