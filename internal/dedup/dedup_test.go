package dedup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tripsaga/internal/observability/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	key := ProcessedKey("booking-orchestrator", "evt-1")

	ok, err := store.IsProcessed(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.MarkProcessed(ctx, key, time.Hour))
	ok, err = store.IsProcessed(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	attempts := AttemptsKey("booking", "evt-2")
	for i := 1; i <= 3; i++ {
		n, err := store.IncrementAttempts(ctx, attempts, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}
	n, err := store.Attempts(ctx, attempts)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, store.ResetAttempts(ctx, attempts))
	n, err = store.Attempts(ctx, attempts)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "event:processed:flight:abc", ProcessedKey("flight", "abc"))
	assert.Equal(t, "self-event:processed:payment:abc", SelfProcessedKey("payment", "abc"))
	assert.Equal(t, "event:attempts:hotel:abc", AttemptsKey("hotel", "abc"))
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreExpires(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	store := NewMemoryStoreWithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})
	ctx := context.Background()
	require.NoError(t, store.MarkProcessed(ctx, "k", time.Minute))

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	ok, err := store.IsProcessed(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Close())
	_, err = store.IsProcessed(ctx, "k")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(client, true)
	t.Cleanup(func() { _ = store.Close() })

	exerciseStore(t, store)

	key := ProcessedKey("booking-orchestrator", "evt-1")
	assert.True(t, mr.Exists(key))
	mr.FastForward(2 * time.Hour)
	ok, err := store.IsProcessed(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPebbleStore(t *testing.T) {
	store, err := OpenPebble(PebbleOptions{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	exerciseStore(t, store)
}

func TestPebbleStorePurge(t *testing.T) {
	store, err := OpenPebble(PebbleOptions{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return base }
	ctx := context.Background()
	require.NoError(t, store.MarkProcessed(ctx, "short", time.Minute))
	require.NoError(t, store.MarkProcessed(ctx, "long", 48*time.Hour))

	store.now = func() time.Time { return base.Add(time.Hour) }
	removed, err := store.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	ok, err := store.IsProcessed(ctx, "long")
	require.NoError(t, err)
	assert.True(t, ok)
}

type brokenStore struct{}

var errUnavailable = errors.New("connection refused")

func (brokenStore) IsProcessed(context.Context, string) (bool, error) { return false, errUnavailable }
func (brokenStore) MarkProcessed(context.Context, string, time.Duration) error {
	return errUnavailable
}
func (brokenStore) IncrementAttempts(context.Context, string, time.Duration) (int, error) {
	return 0, errUnavailable
}
func (brokenStore) Attempts(context.Context, string) (int, error) { return 0, errUnavailable }
func (brokenStore) ResetAttempts(context.Context, string) error   { return errUnavailable }
func (brokenStore) Close() error                                  { return nil }

func TestFallbackStoreUsesSecondaryWhenPrimaryFails(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := metrics.NewPipeline(registry, metrics.Config{})
	secondary := NewMemoryStore()
	store := NewFallbackStore(brokenStore{}, secondary, zap.NewNop(), m)

	exerciseStore(t, store)

	ok, err := secondary.IsProcessed(context.Background(), ProcessedKey("booking-orchestrator", "evt-1"))
	require.NoError(t, err)
	assert.True(t, ok)
	series, err := testutil.GatherAndCount(registry, "tripsaga_dedup_fallback_total")
	require.NoError(t, err)
	assert.Equal(t, 5, series, "one series per failed operation")
}

func TestFallbackStoreSeesMarkersWrittenDuringOutage(t *testing.T) {
	primary := NewMemoryStore()
	secondary := NewMemoryStore()
	store := NewFallbackStore(primary, secondary, nil, nil)
	ctx := context.Background()

	require.NoError(t, secondary.MarkProcessed(ctx, "k", time.Hour))
	ok, err := store.IsProcessed(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
}
