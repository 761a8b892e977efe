package dedup

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/smallbiznis/tripsaga/internal/cache"
)

// MemoryStore keeps markers in process memory. Markers do not survive a restart.
type MemoryStore struct {
	records  cache.Cache[string, Record]
	attempts cache.Cache[string, int]
	now      func() time.Time
	closed   atomic.Bool
}

func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		records:  cache.NewTTLCacheWithClock[string, Record](now),
		attempts: cache.NewTTLCacheWithClock[string, int](now),
		now:      now,
	}
}

func (s *MemoryStore) IsProcessed(_ context.Context, key string) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	rec, ok := s.records.Get(key)
	return ok && rec.Processed, nil
}

func (s *MemoryStore) MarkProcessed(_ context.Context, key string, ttl time.Duration) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.records.Set(key, Record{Processed: true, Timestamp: s.now().UTC()}, normalizeTTL(ttl))
	return nil
}

func (s *MemoryStore) IncrementAttempts(_ context.Context, key string, ttl time.Duration) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	return s.attempts.Update(key, normalizeTTL(ttl), func(current int, _ bool) int {
		return current + 1
	}), nil
}

func (s *MemoryStore) Attempts(_ context.Context, key string) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	n, _ := s.attempts.Get(key)
	return n, nil
}

func (s *MemoryStore) ResetAttempts(_ context.Context, key string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.attempts.Delete(key)
	return nil
}

func (s *MemoryStore) Purge(context.Context) (int, error) {
	return s.records.Purge() + s.attempts.Purge(), nil
}

func (s *MemoryStore) Close() error {
	s.closed.Store(true)
	return nil
}
