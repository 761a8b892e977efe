package redisstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tripsaga/internal/broker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T, partitions int) (*Broker, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	b := New(client, Config{
		Partitions:   partitions,
		Block:        -1,
		PollInterval: 5 * time.Millisecond,
		Redelivery:   broker.RedeliveryPolicy{MaxDelivery: 2, Initial: time.Millisecond, Max: 2 * time.Millisecond},
	}, nil, nil)
	t.Cleanup(func() { _ = b.Close() })
	return b, client
}

func TestPublishSubscribeKeepsKeyOrder(t *testing.T) {
	b, _ := newTestBroker(t, 2)
	ctx := context.Background()

	var mu sync.Mutex
	var got []string
	require.NoError(t, b.Subscribe(ctx, "booking.Saga.events", "orchestrator", func(_ context.Context, msg broker.Message) error {
		mu.Lock()
		got = append(got, string(msg.Value)+"/"+msg.Header(broker.HeaderEventType))
		mu.Unlock()
		return nil
	}))

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(ctx, broker.Message{
			Topic:   "booking.Saga.events",
			Key:     "booking-1",
			Value:   []byte(fmt.Sprint(i)),
			Headers: map[string]string{broker.HeaderEventType: "SagaStarted"},
		}))
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 5
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"0/SagaStarted", "1/SagaStarted", "2/SagaStarted", "3/SagaStarted", "4/SagaStarted"}, got)
}

func TestExhaustedMessageGoesToDeadLetterStream(t *testing.T) {
	b, client := newTestBroker(t, 1)
	ctx := context.Background()

	var calls atomic.Int32
	require.NoError(t, b.Subscribe(ctx, "t", "g", func(context.Context, broker.Message) error {
		calls.Add(1)
		return errors.New("boom")
	}))
	require.NoError(t, b.Publish(ctx, broker.Message{Topic: "t", Key: "k", Value: []byte("x")}))

	assert.Eventually(t, func() bool {
		n, err := client.XLen(ctx, DeadLetterStream("t", "g")).Result()
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSubscribeTwiceReusesGroup(t *testing.T) {
	b, _ := newTestBroker(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	noop := func(context.Context, broker.Message) error { return nil }

	require.NoError(t, b.Subscribe(ctx, "t", "g", noop))
	cancel()
	require.NoError(t, b.Subscribe(context.Background(), "t", "g", noop))
}

func TestEncodeDecodeHeaders(t *testing.T) {
	values, err := encode(broker.Message{Key: "k", Value: []byte("v"), Headers: map[string]string{"a": "b"}})
	require.NoError(t, err)

	msg, err := decode("t", 3, redis.XMessage{ID: "1-0", Values: values})
	require.NoError(t, err)
	assert.Equal(t, "k", msg.Key)
	assert.Equal(t, "v", string(msg.Value))
	assert.Equal(t, "b", msg.Header("a"))
	assert.Equal(t, 3, msg.Partition)

	_, err = decode("t", 0, redis.XMessage{ID: "1-0", Values: map[string]interface{}{}})
	assert.Error(t, err)
}
