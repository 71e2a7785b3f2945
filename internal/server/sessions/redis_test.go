package sessions

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb), mr
}

func TestRedisStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		store, _ := newRedisStore(t)
		return store
	})
}

func TestRedisStore_RecordHasTTLAndIndex(t *testing.T) {
	store, mr := newRedisStore(t)
	s := sampleSession("u1", 1)
	require.NoError(t, store.Create(context.Background(), s))

	assert.True(t, mr.TTL(redisKey("u1")) > 0)

	score, err := mr.ZScore(redisExpiryKey, "u1")
	require.NoError(t, err)
	assert.Equal(t, float64(s.ExpiresAt.UnixMilli()), score)

	require.NoError(t, store.Delete(context.Background(), "u1"))
	members, _ := mr.ZMembers(redisExpiryKey)
	assert.Empty(t, members)
}

func TestRedisStore_UpdateKeepsTTL(t *testing.T) {
	store, mr := newRedisStore(t)
	require.NoError(t, store.Create(context.Background(), sampleSession("u1", 1)))
	before := mr.TTL(redisKey("u1"))

	require.NoError(t, store.UpdateChunks(context.Background(), "u1", nil))
	assert.Equal(t, before, mr.TTL(redisKey("u1")))
}

func TestRedisStore_ListExpiredDropsDanglingIndex(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()
	s := sampleSession("u1", 1)
	require.NoError(t, store.Create(ctx, s))

	mr.Del(redisKey("u1"))

	got, err := store.ListExpired(ctx, s.ExpiresAt.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, got)

	members, _ := mr.ZMembers(redisExpiryKey)
	assert.Empty(t, members)
}
