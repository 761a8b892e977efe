package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares markers across processes. Entries expire through redis TTLs.
type RedisStore struct {
	client redis.UniversalClient
	now    func() time.Time
	owned  bool
}

// NewRedisStore wraps client. Close only closes the client when owned is set.
func NewRedisStore(client redis.UniversalClient, owned bool) *RedisStore {
	return &RedisStore{client: client, now: time.Now, owned: owned}
}

func (s *RedisStore) IsProcessed(ctx context.Context, key string) (bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		// a marker written by another tool still counts
		return true, nil
	}
	return rec.Processed, nil
}

func (s *RedisStore) MarkProcessed(ctx context.Context, key string, ttl time.Duration) error {
	body, err := json.Marshal(Record{Processed: true, Timestamp: s.now().UTC()})
	if err != nil {
		return err
	}
	return s.client.Set(ctx, key, body, normalizeTTL(ttl)).Err()
}

func (s *RedisStore) IncrementAttempts(ctx context.Context, key string, ttl time.Duration) (int, error) {
	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, normalizeTTL(ttl))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(incr.Val()), nil
}

func (s *RedisStore) Attempts(ctx context.Context, key string) (int, error) {
	raw, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *RedisStore) ResetAttempts(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

func (s *RedisStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}
