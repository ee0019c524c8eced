package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/lgulliver/chunkstone/pkg/types"
	"github.com/redis/go-redis/v9"
	"golang.org/x/exp/slices"
)

const (
	redisKeyPrefix  = "chunkstone:session:"
	redisIndexKey   = "chunkstone:sessions"
	maxWatchRetries = 64
)

// RedisStore keeps each session as a JSON document plus a hash of
// chunk index -> size. Conditional updates use WATCH/MULTI so several
// gateway instances can share one Redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a session store on a Redis client
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// redisReader is satisfied by both *redis.Client and *redis.Tx
type redisReader interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func sessionKey(id string) string { return redisKeyPrefix + id }
func chunksKey(id string) string  { return redisKeyPrefix + id + ":chunks" }

func (r *RedisStore) Create(ctx context.Context, s *types.UploadSession) error {
	if s.ID == "" {
		return fmt.Errorf("session id is required")
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now()
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = s.CreatedAt
	}

	data, err := encodeSession(s)
	if err != nil {
		return err
	}

	ok, err := r.client.SetNX(ctx, sessionKey(s.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	if !ok {
		return fmt.Errorf("session %s already exists", s.ID)
	}
	if err := r.client.SAdd(ctx, redisIndexKey, s.ID).Err(); err != nil {
		return fmt.Errorf("failed to index session: %w", err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (*types.UploadSession, error) {
	return r.load(ctx, r.client, id)
}

func (r *RedisStore) AddChunk(ctx context.Context, id string, index int, size int64) (*types.UploadSession, error) {
	var out *types.UploadSession
	err := r.watch(ctx, id, func(tx *redis.Tx) error {
		s, err := r.loadSession(ctx, tx, id)
		if err != nil {
			return err
		}
		if s.Status != types.StatusUploading {
			return fmt.Errorf("%w: session is %s", ErrStatusConflict, s.Status)
		}

		s.UpdatedAt = now()
		data, err := encodeSession(s)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, chunksKey(id), strconv.Itoa(index), size)
			pipe.Set(ctx, sessionKey(id), data, 0)
			return nil
		})
		if err != nil {
			return err
		}
		out = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	sizes, err := r.chunkSizes(ctx, r.client, id)
	if err != nil {
		return nil, err
	}
	fillChunks(out, sizes)
	return out, nil
}

func (r *RedisStore) Transition(ctx context.Context, id string, t Transition) (*types.UploadSession, error) {
	var out *types.UploadSession
	err := r.watch(ctx, id, func(tx *redis.Tx) error {
		s, err := r.loadSession(ctx, tx, id)
		if err != nil {
			return err
		}
		if !slices.Contains(t.From, s.Status) {
			return fmt.Errorf("%w: session is %s", ErrStatusConflict, s.Status)
		}

		t.apply(s, now())
		data, err := encodeSession(s)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, sessionKey(id), data, 0)
			if t.ClearChunks {
				pipe.Del(ctx, chunksKey(id))
			}
			return nil
		})
		if err != nil {
			return err
		}
		out = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	sizes, err := r.chunkSizes(ctx, r.client, id)
	if err != nil {
		return nil, err
	}
	fillChunks(out, sizes)
	return out, nil
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, sessionKey(id), chunksKey(id))
		pipe.SRem(ctx, redisIndexKey, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (r *RedisStore) List(ctx context.Context, f Filter) ([]*types.UploadSession, error) {
	ids, err := r.client.SMembers(ctx, redisIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = sessionKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}

	var out []*types.UploadSession
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			// deleted between SMEMBERS and MGET
			continue
		}
		s, err := decodeSession([]byte(raw))
		if err != nil {
			return nil, err
		}
		if f.Matches(s) {
			out = append(out, s)
		}
	}
	slices.SortFunc(out, func(a, b *types.UploadSession) bool { return a.UpdatedAt.Before(b.UpdatedAt) })
	return out, nil
}

// watch runs fn under WATCH on the session key, retrying when another
// client modified it first
func (r *RedisStore) watch(ctx context.Context, id string, fn func(*redis.Tx) error) error {
	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		err := r.client.Watch(ctx, fn, sessionKey(id))
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("session %s: too much contention", id)
}

func (r *RedisStore) load(ctx context.Context, c redisReader, id string) (*types.UploadSession, error) {
	s, err := r.loadSession(ctx, c, id)
	if err != nil {
		return nil, err
	}
	sizes, err := r.chunkSizes(ctx, c, id)
	if err != nil {
		return nil, err
	}
	fillChunks(s, sizes)
	return s, nil
}

func (r *RedisStore) loadSession(ctx context.Context, c redisReader, id string) (*types.UploadSession, error) {
	data, err := c.Get(ctx, sessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return decodeSession(data)
}

func (r *RedisStore) chunkSizes(ctx context.Context, c redisReader, id string) (map[int]int64, error) {
	raw, err := c.HGetAll(ctx, chunksKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get chunk records: %w", err)
	}
	sizes := make(map[int]int64, len(raw))
	for k, v := range raw {
		index, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("corrupt chunk index %q: %w", k, err)
		}
		size, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt chunk size %q: %w", v, err)
		}
		sizes[index] = size
	}
	return sizes, nil
}

func encodeSession(s *types.UploadSession) ([]byte, error) {
	row := s.Clone()
	row.ReceivedChunks = nil
	row.ReceivedBytes = 0
	data, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session: %w", err)
	}
	return data, nil
}

func decodeSession(data []byte) (*types.UploadSession, error) {
	var s types.UploadSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	if err := checkStatus(&s); err != nil {
		return nil, err
	}
	return &s, nil
}
