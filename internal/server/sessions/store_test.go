package sessions

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/gophupload/internal/common"
	"github.com/dmitrijs2005/gophupload/internal/server/models"
)

func sampleSession(id string, chunks int) *models.UploadSession {
	created := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	s := &models.UploadSession{
		UploadID:    id,
		ObjectName:  "uploads/" + id + "/movie.mp4",
		FileName:    "movie.mp4",
		FileSize:    int64(chunks) * 10,
		ChunkSize:   10,
		TotalChunks: chunks,
		Concurrency: 4,
		Status:      models.StatusAwaitingChunks,
		CreatedAt:   created,
		UpdatedAt:   created,
		ExpiresAt:   created.Add(48 * time.Hour),
	}
	for i := range chunks {
		part := i + 1
		s.Chunks = append(s.Chunks, models.ChunkDescriptor{
			PartNumber:             part,
			ObjectKey:              fmt.Sprintf("%s_part_%d", s.ObjectName, part),
			StartByte:              int64(i) * 10,
			EndByte:                int64(i)*10 + 9,
			Status:                 models.ChunkPending,
			AuthorizationExpiresAt: created.Add(24 * time.Hour),
		})
	}
	return s
}

// runStoreContract exercises the behavior every Store backend must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		store := newStore(t)
		want := sampleSession("u1", 3)
		require.NoError(t, store.Create(ctx, want))

		got, err := store.Get(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, want.ObjectName, got.ObjectName)
		assert.Equal(t, want.Status, got.Status)
		assert.Equal(t, want.TotalChunks, got.TotalChunks)
		assert.True(t, want.ExpiresAt.Equal(got.ExpiresAt))
		require.Len(t, got.Chunks, 3)
		assert.Equal(t, want.Chunks[2].ObjectKey, got.Chunks[2].ObjectKey)
		assert.Equal(t, want.Chunks[2].EndByte, got.Chunks[2].EndByte)
		assert.True(t, want.Chunks[0].AuthorizationExpiresAt.Equal(got.Chunks[0].AuthorizationExpiresAt))
	})

	t.Run("duplicate create conflicts", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Create(ctx, sampleSession("u1", 1)))
		assert.ErrorIs(t, store.Create(ctx, sampleSession("u1", 1)), common.ErrStatusConflict)
	})

	t.Run("unknown session", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Get(ctx, "missing")
		assert.ErrorIs(t, err, common.ErrNotFound)
		assert.ErrorIs(t, store.UpdateChunks(ctx, "missing", nil), common.ErrNotFound)
		_, err = store.Transition(ctx, "missing", Transition{
			From: []models.SessionStatus{models.StatusAwaitingChunks},
			To:   models.StatusMerging,
		})
		assert.ErrorIs(t, err, common.ErrNotFound)
		assert.ErrorIs(t, store.Delete(ctx, "missing"), common.ErrNotFound)
	})

	t.Run("update chunks merges by part number", func(t *testing.T) {
		store := newStore(t)
		s := sampleSession("u1", 3)
		require.NoError(t, store.Create(ctx, s))

		c2 := s.Chunks[1]
		c2.Status = models.ChunkUploaded
		require.NoError(t, store.UpdateChunks(ctx, "u1", []models.ChunkDescriptor{c2}))

		c1 := s.Chunks[0]
		c1.Status = models.ChunkVerified
		c1.Size = 10
		c1.ETag = `"e1"`
		require.NoError(t, store.UpdateChunks(ctx, "u1", []models.ChunkDescriptor{c1}))

		got, err := store.Get(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, models.ChunkVerified, got.Chunks[0].Status)
		assert.Equal(t, `"e1"`, got.Chunks[0].ETag)
		assert.Equal(t, models.ChunkUploaded, got.Chunks[1].Status)
		assert.Equal(t, models.ChunkPending, got.Chunks[2].Status)

		err = store.UpdateChunks(ctx, "u1", []models.ChunkDescriptor{{PartNumber: 7}})
		assert.ErrorIs(t, err, common.ErrInvalidInput)
	})

	t.Run("transition is compare and set", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Create(ctx, sampleSession("u1", 1)))

		toMerging := Transition{
			From: []models.SessionStatus{models.StatusAwaitingChunks, models.StatusFailed},
			To:   models.StatusMerging,
		}
		got, err := store.Transition(ctx, "u1", toMerging)
		require.NoError(t, err)
		assert.Equal(t, models.StatusMerging, got.Status)

		_, err = store.Transition(ctx, "u1", toMerging)
		assert.ErrorIs(t, err, common.ErrStatusConflict)

		got, err = store.Transition(ctx, "u1", Transition{
			From:      []models.SessionStatus{models.StatusMerging},
			To:        models.StatusFailed,
			LastError: "all strategies failed",
		})
		require.NoError(t, err)
		assert.Equal(t, "all strategies failed", got.LastError)

		stored, err := store.Get(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, stored.Status)
		assert.Equal(t, "all strategies failed", stored.LastError)
	})

	t.Run("concurrent transitions admit one winner", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Create(ctx, sampleSession("u1", 1)))

		var wins atomic.Int32
		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.Transition(ctx, "u1", Transition{
					From: []models.SessionStatus{models.StatusAwaitingChunks},
					To:   models.StatusMerging,
				})
				if err == nil {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("delete", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Create(ctx, sampleSession("u1", 1)))
		require.NoError(t, store.Delete(ctx, "u1"))
		_, err := store.Get(ctx, "u1")
		assert.ErrorIs(t, err, common.ErrNotFound)
	})

	t.Run("list expired", func(t *testing.T) {
		store := newStore(t)
		base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
		for i, id := range []string{"old", "older", "fresh"} {
			s := sampleSession(id, 1)
			s.ExpiresAt = base.Add(time.Duration(i) * time.Hour)
			if id == "fresh" {
				s.ExpiresAt = base.Add(72 * time.Hour)
			}
			require.NoError(t, store.Create(ctx, s))
		}

		got, err := store.ListExpired(ctx, base.Add(2*time.Hour), 10)
		require.NoError(t, err)
		ids := make([]string, 0, len(got))
		for _, s := range got {
			ids = append(ids, s.UploadID)
		}
		assert.ElementsMatch(t, []string{"old", "older"}, ids)

		got, err = store.ListExpired(ctx, base.Add(2*time.Hour), 1)
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})

	t.Run("readiness", func(t *testing.T) {
		store := newStore(t)
		assert.NoError(t, store.IsReady(ctx))
		assert.NotEmpty(t, store.Name())
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	s := sampleSession("u1", 2)
	require.NoError(t, store.Create(ctx, s))

	s.Chunks[0].Status = models.ChunkMerged
	got, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.ChunkPending, got.Chunks[0].Status)

	got.Chunks[1].Status = models.ChunkMerged
	again, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.ChunkPending, again.Chunks[1].Status)
}
