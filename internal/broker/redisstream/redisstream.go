package redisstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tripsaga/internal/broker"
	"github.com/smallbiznis/tripsaga/internal/observability/metrics"
	"go.uber.org/zap"
)

const (
	fieldKey     = "key"
	fieldValue   = "value"
	fieldHeaders = "headers"
	fieldError   = "error"
)

type Config struct {
	Partitions int
	// Consumer names this process inside each group.
	Consumer string
	// Block is the XREADGROUP block timeout. A negative value disables blocking
	// and the consumer sleeps PollInterval between empty reads.
	Block        time.Duration
	PollInterval time.Duration
	Count        int64
	// MaxLen caps each partition stream approximately. Zero keeps everything.
	MaxLen     int64
	Redelivery broker.RedeliveryPolicy
}

// Broker maps a topic onto Partitions Redis streams named "<topic>:<n>". A group
// consumes each partition stream from one goroutine, which keeps per-key order
// as long as one process is active per group.
type Broker struct {
	client  redis.UniversalClient
	cfg     Config
	log     *zap.Logger
	metrics *metrics.Pipeline

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

func New(client redis.UniversalClient, cfg Config, log *zap.Logger, m *metrics.Pipeline) *Broker {
	if cfg.Partitions <= 0 {
		cfg.Partitions = 8
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "tripsaga"
	}
	if cfg.Block == 0 {
		cfg.Block = time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	if cfg.Count <= 0 {
		cfg.Count = 16
	}
	cfg.Redelivery = cfg.Redelivery.Normalize()
	if log == nil {
		log = zap.NewNop()
	}
	return &Broker{
		client:  client,
		cfg:     cfg,
		log:     log.Named("broker.redisstream"),
		metrics: m,
		done:    make(chan struct{}),
	}
}

// StreamName returns the stream backing one partition of a topic.
func StreamName(topic string, partition int) string {
	return topic + ":" + strconv.Itoa(partition)
}

// DeadLetterStream collects messages abandoned by a group.
func DeadLetterStream(topic, group string) string {
	return topic + ":dead:" + group
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Broker) Publish(ctx context.Context, msg broker.Message) error {
	if msg.Topic == "" {
		return broker.ErrEmptyTopic
	}
	if b.isClosed() {
		return broker.ErrClosed
	}
	values, err := encode(msg)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: StreamName(msg.Topic, broker.PartitionFor(msg.Key, b.cfg.Partitions)),
		Values: values,
	}
	if b.cfg.MaxLen > 0 {
		args.MaxLen = b.cfg.MaxLen
		args.Approx = true
	}
	if err := b.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", args.Stream, err)
	}
	return nil
}

func (b *Broker) Subscribe(ctx context.Context, topic, group string, handler broker.Handler) error {
	if err := broker.Validate(topic, group, handler); err != nil {
		return err
	}
	if b.isClosed() {
		return broker.ErrClosed
	}
	for i := 0; i < b.cfg.Partitions; i++ {
		stream := StreamName(topic, i)
		err := b.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("create group %s on %s: %w", group, stream, err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-b.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	b.wg.Add(b.cfg.Partitions)
	for i := 0; i < b.cfg.Partitions; i++ {
		go b.consume(ctx, topic, group, i, handler)
	}
	return nil
}

func (b *Broker) consume(ctx context.Context, topic, group string, partition int, handler broker.Handler) {
	defer b.wg.Done()
	stream := StreamName(topic, partition)
	consumer := b.cfg.Consumer + "-" + strconv.Itoa(partition)
	log := b.log.With(zap.String("topic", topic), zap.String("group", group), zap.Int("partition", partition))

	// Entries delivered to this consumer before a restart are replayed first.
	cursor := "0"
	for ctx.Err() == nil {
		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, cursor},
			Count:    b.cfg.Count,
			Block:    b.blockArg(),
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return
			}
			log.Warn("xreadgroup failed", zap.Error(err))
			b.sleep(ctx)
			continue
		}

		entries := 0
		for _, s := range streams {
			for _, entry := range s.Messages {
				entries++
				if !b.handle(ctx, log, topic, group, partition, entry, handler) {
					return
				}
			}
		}
		if entries == 0 {
			if cursor == "0" {
				cursor = ">"
				continue
			}
			if b.cfg.Block < 0 {
				b.sleep(ctx)
			}
		}
	}
}

// handle delivers one entry and acks it. It returns false when ctx ended mid-delivery,
// leaving the entry pending for the next consumer start.
func (b *Broker) handle(ctx context.Context, log *zap.Logger, topic, group string, partition int, entry redis.XMessage, handler broker.Handler) bool {
	msg, err := decode(topic, partition, entry)
	if err != nil {
		log.Error("dropping undecodable stream entry", zap.String("id", entry.ID), zap.Error(err))
	} else {
		ok, derr := broker.Deliver(ctx, b.cfg.Redelivery, msg, handler, func(delivery int, err error) {
			b.metrics.IncBrokerRedelivery(topic, group)
			log.Warn("redelivering message", zap.String("id", entry.ID), zap.Int("delivery", delivery), zap.Error(err))
		})
		if !ok {
			if ctx.Err() != nil {
				return false
			}
			b.deadLetter(ctx, log, topic, group, entry, derr)
		}
	}
	if err := b.client.XAck(ctx, StreamName(topic, partition), group, entry.ID).Err(); err != nil {
		log.Warn("xack failed", zap.String("id", entry.ID), zap.Error(err))
	}
	return true
}

func (b *Broker) deadLetter(ctx context.Context, log *zap.Logger, topic, group string, entry redis.XMessage, cause error) {
	b.metrics.IncBrokerDeadLetter(topic, group)
	values := make(map[string]interface{}, len(entry.Values)+1)
	for k, v := range entry.Values {
		values[k] = v
	}
	if cause != nil {
		values[fieldError] = cause.Error()
	}
	if err := b.client.XAdd(ctx, &redis.XAddArgs{Stream: DeadLetterStream(topic, group), Values: values}).Err(); err != nil {
		log.Error("dead letter append failed", zap.String("id", entry.ID), zap.Error(err))
		return
	}
	log.Error("message moved to dead letter stream", zap.String("id", entry.ID), zap.Error(cause))
}

func (b *Broker) blockArg() time.Duration {
	if b.cfg.Block < 0 {
		return -1
	}
	return b.cfg.Block
}

func (b *Broker) sleep(ctx context.Context) {
	timer := time.NewTimer(b.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Close stops consumers and waits for in-flight handlers. The client is owned by the caller.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}

func encode(msg broker.Message) (map[string]interface{}, error) {
	headers, err := json.Marshal(msg.Headers)
	if err != nil {
		return nil, fmt.Errorf("encode headers: %w", err)
	}
	return map[string]interface{}{
		fieldKey:     msg.Key,
		fieldValue:   string(msg.Value),
		fieldHeaders: string(headers),
	}, nil
}

func decode(topic string, partition int, entry redis.XMessage) (broker.Message, error) {
	msg := broker.Message{Topic: topic, Partition: partition, Headers: map[string]string{}}
	msg.Key, _ = entry.Values[fieldKey].(string)
	value, ok := entry.Values[fieldValue].(string)
	if !ok {
		return msg, fmt.Errorf("entry %s has no value field", entry.ID)
	}
	msg.Value = []byte(value)
	if raw, _ := entry.Values[fieldHeaders].(string); raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &msg.Headers); err != nil {
			return msg, fmt.Errorf("decode headers: %w", err)
		}
	}
	return msg, nil
}

var _ broker.Broker = (*Broker)(nil)
