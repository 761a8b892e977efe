package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/tripsaga/internal/broker"
	"github.com/smallbiznis/tripsaga/internal/observability/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T, partitions int) *Broker {
	t.Helper()
	b := New(Config{
		Partitions: partitions,
		Redelivery: broker.RedeliveryPolicy{MaxDelivery: 3, Initial: time.Millisecond, Max: 5 * time.Millisecond},
	}, nil, metrics.NewPipeline(prometheus.NewRegistry(), metrics.Config{}))
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestPerKeyOrderIsPreserved(t *testing.T) {
	b := newTestBroker(t, 4)
	ctx := context.Background()

	var mu sync.Mutex
	seen := map[string][]int{}
	require.NoError(t, b.Subscribe(ctx, "orders", "g1", func(_ context.Context, msg broker.Message) error {
		var n int
		_, _ = fmt.Sscanf(string(msg.Value), "%d", &n)
		mu.Lock()
		seen[msg.Key] = append(seen[msg.Key], n)
		mu.Unlock()
		return nil
	}))

	for i := 0; i < 50; i++ {
		for _, key := range []string{"a", "b", "c"} {
			require.NoError(t, b.Publish(ctx, broker.Message{Topic: "orders", Key: key, Value: []byte(fmt.Sprint(i))}))
		}
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen["a"]) == 50 && len(seen["b"]) == 50 && len(seen["c"]) == 50
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, key := range []string{"a", "b", "c"} {
		for i, n := range seen[key] {
			assert.Equal(t, i, n, "key %s out of order", key)
		}
	}
}

func TestLateGroupReadsFromStart(t *testing.T) {
	b := newTestBroker(t, 2)
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, broker.Message{Topic: "t", Key: "k", Value: []byte("1")}))
	assert.Equal(t, 1, b.Len("t"))

	var got atomic.Int32
	require.NoError(t, b.Subscribe(ctx, "t", "late", func(context.Context, broker.Message) error {
		got.Add(1)
		return nil
	}))
	assert.Eventually(t, func() bool { return got.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestFailingMessageIsRedeliveredThenAbandoned(t *testing.T) {
	b := newTestBroker(t, 1)
	ctx := context.Background()

	var deliveries []int
	var mu sync.Mutex
	var next atomic.Bool
	require.NoError(t, b.Subscribe(ctx, "t", "g", func(_ context.Context, msg broker.Message) error {
		if string(msg.Value) == "poison" {
			mu.Lock()
			deliveries = append(deliveries, msg.Delivery)
			mu.Unlock()
			return errors.New("boom")
		}
		next.Store(true)
		return nil
	}))

	require.NoError(t, b.Publish(ctx, broker.Message{Topic: "t", Key: "k", Value: []byte("poison")}))
	require.NoError(t, b.Publish(ctx, broker.Message{Topic: "t", Key: "k", Value: []byte("ok")}))

	assert.Eventually(t, next.Load, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, deliveries)
}

func TestHandlerPanicIsRetried(t *testing.T) {
	b := newTestBroker(t, 1)

	var calls atomic.Int32
	require.NoError(t, b.Subscribe(context.Background(), "t", "g", func(context.Context, broker.Message) error {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return nil
	}))
	require.NoError(t, b.Publish(context.Background(), broker.Message{Topic: "t", Key: "k"}))
	assert.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestEveryGroupSeesEveryMessage(t *testing.T) {
	b := newTestBroker(t, 2)
	ctx := context.Background()

	var g1, g2 atomic.Int32
	require.NoError(t, b.Subscribe(ctx, "t", "g1", func(context.Context, broker.Message) error { g1.Add(1); return nil }))
	require.NoError(t, b.Subscribe(ctx, "t", "g2", func(context.Context, broker.Message) error { g2.Add(1); return nil }))
	assert.ErrorIs(t, b.Subscribe(ctx, "t", "g1", func(context.Context, broker.Message) error { return nil }), ErrDuplicateSubscription)

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(ctx, broker.Message{Topic: "t", Key: fmt.Sprint(i)}))
	}
	assert.Eventually(t, func() bool { return g1.Load() == 5 && g2.Load() == 5 }, time.Second, 5*time.Millisecond)
}

func TestPublishAfterCloseFails(t *testing.T) {
	b := New(Config{}, nil, nil)
	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Publish(context.Background(), broker.Message{Topic: "t"}), broker.ErrClosed)
	assert.ErrorIs(t, b.Publish(context.Background(), broker.Message{}), broker.ErrEmptyTopic)
}
