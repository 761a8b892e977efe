package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/smallbiznis/tripsaga/internal/broker"
	"github.com/smallbiznis/tripsaga/internal/observability/metrics"
	"go.uber.org/zap"
)

var ErrDuplicateSubscription = errors.New("duplicate_group_subscription")

type Config struct {
	Partitions int
	Redelivery broker.RedeliveryPolicy
}

// Broker is an in-process partitioned log. Each topic keeps its messages so a group
// subscribing late still reads from the first offset. Within a partition a group
// handles one message at a time; partitions are consumed concurrently.
type Broker struct {
	cfg     Config
	log     *zap.Logger
	metrics *metrics.Pipeline

	mu     sync.Mutex
	topics map[string]*topic
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

type topic struct {
	partitions []*partition
	groups     map[string]struct{}
}

type partition struct {
	mu     sync.Mutex
	msgs   []broker.Message
	signal chan struct{}
}

func New(cfg Config, log *zap.Logger, m *metrics.Pipeline) *Broker {
	if cfg.Partitions <= 0 {
		cfg.Partitions = 8
	}
	cfg.Redelivery = cfg.Redelivery.Normalize()
	if log == nil {
		log = zap.NewNop()
	}
	return &Broker{
		cfg:     cfg,
		log:     log.Named("broker.memory"),
		metrics: m,
		topics:  map[string]*topic{},
		done:    make(chan struct{}),
	}
}

func (b *Broker) topic(name string) *topic {
	t, ok := b.topics[name]
	if !ok {
		t = &topic{groups: map[string]struct{}{}}
		for i := 0; i < b.cfg.Partitions; i++ {
			t.partitions = append(t.partitions, &partition{signal: make(chan struct{})})
		}
		b.topics[name] = t
	}
	return t
}

func (b *Broker) Publish(ctx context.Context, msg broker.Message) error {
	if msg.Topic == "" {
		return broker.ErrEmptyTopic
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return broker.ErrClosed
	}
	t := b.topic(msg.Topic)
	b.mu.Unlock()

	msg.Partition = broker.PartitionFor(msg.Key, len(t.partitions))
	msg.Headers = broker.CloneHeaders(msg.Headers)
	msg.Value = append([]byte(nil), msg.Value...)
	msg.Delivery = 0

	p := t.partitions[msg.Partition]
	p.mu.Lock()
	p.msgs = append(p.msgs, msg)
	close(p.signal)
	p.signal = make(chan struct{})
	p.mu.Unlock()
	return nil
}

func (b *Broker) Subscribe(ctx context.Context, topicName, group string, handler broker.Handler) error {
	if err := broker.Validate(topicName, group, handler); err != nil {
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return broker.ErrClosed
	}
	t := b.topic(topicName)
	if _, exists := t.groups[group]; exists {
		b.mu.Unlock()
		return ErrDuplicateSubscription
	}
	t.groups[group] = struct{}{}
	b.wg.Add(len(t.partitions))
	b.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-b.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	for _, p := range t.partitions {
		go b.consume(ctx, topicName, group, p, handler)
	}
	return nil
}

func (b *Broker) consume(ctx context.Context, topicName, group string, p *partition, handler broker.Handler) {
	defer b.wg.Done()
	log := b.log.With(zap.String("topic", topicName), zap.String("group", group))

	offset := 0
	for {
		p.mu.Lock()
		var (
			msg     broker.Message
			pending bool
		)
		if offset < len(p.msgs) {
			msg = p.msgs[offset]
			pending = true
		}
		signal := p.signal
		p.mu.Unlock()

		if !pending {
			select {
			case <-ctx.Done():
				return
			case <-signal:
				continue
			}
		}

		ok, err := broker.Deliver(ctx, b.cfg.Redelivery, msg, handler, func(delivery int, err error) {
			b.metrics.IncBrokerRedelivery(topicName, group)
			log.Warn("redelivering message", zap.String("key", msg.Key), zap.Int("delivery", delivery), zap.Error(err))
		})
		if !ok {
			if ctx.Err() != nil {
				return
			}
			b.metrics.IncBrokerDeadLetter(topicName, group)
			log.Error("message abandoned after max deliveries",
				zap.String("key", msg.Key),
				zap.String("event_id", msg.Header(broker.HeaderEventID)),
				zap.Error(err),
			)
		}
		offset++
	}
}

// Len returns the number of messages retained on a topic.
func (b *Broker) Len(topicName string) int {
	b.mu.Lock()
	t, ok := b.topics[topicName]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	total := 0
	for _, p := range t.partitions {
		p.mu.Lock()
		total += len(p.msgs)
		p.mu.Unlock()
	}
	return total
}

// Close stops every consumer and waits for in-flight handlers.
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

var _ broker.Broker = (*Broker)(nil)
