package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dmitrijs2005/gophupload/internal/common"
	"github.com/dmitrijs2005/gophupload/internal/server/models"
)

const (
	redisKeyPrefix = "upload_session:"
	redisExpiryKey = "upload_sessions:expiry"

	// redisRetention keeps a record around after ExpiresAt so the sweeper can
	// still find its chunk keys.
	redisRetention = 7 * 24 * time.Hour

	redisMaxCASAttempts = 16
)

// RedisStore keeps each session as a JSON document and indexes expiry in a
// sorted set. Updates use WATCH/MULTI optimistic transactions.
type RedisStore struct {
	rdb redis.UniversalClient
}

func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func OpenRedis(addr, password string, db int) *RedisStore {
	return NewRedisStore(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}))
}

func redisKey(uploadID string) string { return redisKeyPrefix + uploadID }

func (r *RedisStore) Name() string { return "sessions[redis]" }

func (r *RedisStore) IsReady(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.rdb.Close()
}

func recordTTL(s *models.UploadSession) time.Duration {
	ttl := time.Until(s.ExpiresAt) + redisRetention
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return ttl
}

func (r *RedisStore) Create(ctx context.Context, s *models.UploadSession) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}

	ok, err := r.rdb.SetNX(ctx, redisKey(s.UploadID), data, recordTTL(s)).Result()
	if err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	if !ok {
		return common.ErrStatusConflict
	}

	err = r.rdb.ZAdd(ctx, redisExpiryKey, redis.Z{
		Score:  float64(s.ExpiresAt.UnixMilli()),
		Member: s.UploadID,
	}).Err()
	if err != nil {
		return fmt.Errorf("redis zadd: %w", err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, uploadID string) (*models.UploadSession, error) {
	data, err := r.rdb.Get(ctx, redisKey(uploadID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return decodeSession(data)
}

func decodeSession(data []byte) (*models.UploadSession, error) {
	var s models.UploadSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("corrupt session record: %w", err)
	}
	return &s, nil
}

// update runs fn against the current record inside a WATCH transaction and
// retries when another writer got there first.
func (r *RedisStore) update(ctx context.Context, uploadID string, fn func(s *models.UploadSession) error) (*models.UploadSession, error) {
	key := redisKey(uploadID)
	var out *models.UploadSession

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return common.ErrNotFound
		}
		if err != nil {
			return err
		}

		s, err := decodeSession(data)
		if err != nil {
			return err
		}
		if err := fn(s); err != nil {
			return err
		}

		encoded, err := json.Marshal(s)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, redis.KeepTTL)
			return nil
		})
		if err == nil {
			out = s
		}
		return err
	}

	for range redisMaxCASAttempts {
		err := r.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, fmt.Errorf("redis update %s: too much contention", uploadID)
}

func (r *RedisStore) UpdateChunks(ctx context.Context, uploadID string, chunks []models.ChunkDescriptor) error {
	_, err := r.update(ctx, uploadID, func(s *models.UploadSession) error {
		if err := mergeChunks(s, chunks); err != nil {
			return err
		}
		s.UpdatedAt = now()
		return nil
	})
	return err
}

func (r *RedisStore) Transition(ctx context.Context, uploadID string, t Transition) (*models.UploadSession, error) {
	return r.update(ctx, uploadID, func(s *models.UploadSession) error {
		return applyTransition(s, t, now())
	})
}

func (r *RedisStore) Delete(ctx context.Context, uploadID string) error {
	var del *redis.IntCmd
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, redisKey(uploadID))
		pipe.ZRem(ctx, redisExpiryKey, uploadID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	if del.Val() == 0 {
		return common.ErrNotFound
	}
	return nil
}

func (r *RedisStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*models.UploadSession, error) {
	ids, err := r.rdb.ZRangeByScore(ctx, redisExpiryKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(before.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrange: %w", err)
	}

	out := make([]*models.UploadSession, 0, len(ids))
	for _, id := range ids {
		s, err := r.Get(ctx, id)
		if errors.Is(err, common.ErrNotFound) {
			// record outlived its retention; drop the dangling index entry
			r.rdb.ZRem(ctx, redisExpiryKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
