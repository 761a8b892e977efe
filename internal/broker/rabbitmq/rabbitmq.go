package rabbitmq

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/smallbiznis/tripsaga/internal/broker"
	"github.com/smallbiznis/tripsaga/internal/observability/metrics"
	"go.uber.org/zap"
)

type Config struct {
	URL        string
	Exchange   string
	Redelivery broker.RedeliveryPolicy
}

// Broker publishes to a durable topic exchange using the topic name as routing key.
// Each group gets a durable queue per topic consumed with prefetch 1, so a group
// sees one topic in publish order. Abandoned messages are rejected to "<exchange>.dlx".
type Broker struct {
	cfg     Config
	conn    *amqp.Connection
	log     *zap.Logger
	metrics *metrics.Pipeline

	publishMu sync.Mutex
	pubCh     *amqp.Channel

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Dial connects, declares the exchange pair and enables publisher confirms.
func Dial(cfg Config, log *zap.Logger, m *metrics.Pipeline) (*Broker, error) {
	if cfg.Exchange == "" {
		cfg.Exchange = "tripsaga.events"
	}
	cfg.Redelivery = cfg.Redelivery.Normalize()
	if log == nil {
		log = zap.NewNop()
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := declareTopology(ch, cfg.Exchange); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}

	return &Broker{
		cfg:     cfg,
		conn:    conn,
		pubCh:   ch,
		log:     log.Named("broker.rabbitmq"),
		metrics: m,
	}, nil
}

func declareTopology(ch *amqp.Channel, exchange string) error {
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	if err := ch.ExchangeDeclare(DeadLetterExchange(exchange), amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlx exchange: %w", err)
	}
	return nil
}

func DeadLetterExchange(exchange string) string {
	return exchange + ".dlx"
}

// QueueName is the durable queue a group consumes a topic from.
func QueueName(group, topic string) string {
	return group + "." + topic
}

func queueArgs(exchange string) amqp.Table {
	return amqp.Table{"x-dead-letter-exchange": DeadLetterExchange(exchange)}
}

func (b *Broker) Publish(ctx context.Context, msg broker.Message) error {
	if msg.Topic == "" {
		return broker.ErrEmptyTopic
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return broker.ErrClosed
	}

	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	confirm, err := b.pubCh.PublishWithDeferredConfirmWithContext(ctx, b.cfg.Exchange, msg.Topic, false, false, toPublishing(msg))
	if err != nil {
		return fmt.Errorf("publish %s: %w", msg.Topic, err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("await confirm %s: %w", msg.Topic, err)
	}
	if !acked {
		return fmt.Errorf("publish %s: nacked by broker", msg.Topic)
	}
	return nil
}

func (b *Broker) Subscribe(ctx context.Context, topic, group string, handler broker.Handler) error {
	if err := broker.Validate(topic, group, handler); err != nil {
		return err
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("set qos: %w", err)
	}
	queue := QueueName(group, topic)
	if _, err := ch.QueueDeclare(queue, true, false, false, false, queueArgs(b.cfg.Exchange)); err != nil {
		_ = ch.Close()
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	if err := ch.QueueBind(queue, topic, b.cfg.Exchange, false, nil); err != nil {
		_ = ch.Close()
		return fmt.Errorf("bind queue %s: %w", queue, err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, queue, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("consume %s: %w", queue, err)
	}

	b.wg.Add(1)
	go b.consume(ctx, ch, topic, group, deliveries, handler)
	return nil
}

func (b *Broker) consume(ctx context.Context, ch *amqp.Channel, topic, group string, deliveries <-chan amqp.Delivery, handler broker.Handler) {
	defer b.wg.Done()
	defer ch.Close()
	log := b.log.With(zap.String("topic", topic), zap.String("group", group))

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			msg := fromDelivery(topic, d)
			accepted, err := broker.Deliver(ctx, b.cfg.Redelivery, msg, handler, func(delivery int, err error) {
				b.metrics.IncBrokerRedelivery(topic, group)
				log.Warn("redelivering message", zap.String("key", msg.Key), zap.Int("delivery", delivery), zap.Error(err))
			})
			switch {
			case accepted:
				_ = d.Ack(false)
			case ctx.Err() != nil:
				_ = d.Nack(false, true)
				return
			default:
				b.metrics.IncBrokerDeadLetter(topic, group)
				log.Error("rejecting message to dead letter exchange", zap.String("key", msg.Key), zap.Error(err))
				_ = d.Nack(false, false)
			}
		}
	}
}

// Close closes the connection, which ends every consumer, then waits for them.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	err := b.conn.Close()
	b.wg.Wait()
	return err
}

// amqpPriority maps outbox priority (1 highest) onto AMQP priority (9 highest).
func amqpPriority(headers map[string]string) uint8 {
	p, err := strconv.Atoi(headers[broker.HeaderPriority])
	if err != nil || p < 1 || p > 9 {
		return 0
	}
	return uint8(10 - p)
}

func toPublishing(msg broker.Message) amqp.Publishing {
	headers := amqp.Table{"x-message-key": msg.Key}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	return amqp.Publishing{
		Headers:      headers,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Priority:     amqpPriority(msg.Headers),
		MessageId:    msg.Headers[broker.HeaderEventID],
		Type:         msg.Headers[broker.HeaderEventType],
		Timestamp:    time.Now().UTC(),
		Body:         msg.Value,
	}
}

func fromDelivery(topic string, d amqp.Delivery) broker.Message {
	msg := broker.Message{Topic: topic, Value: d.Body, Headers: map[string]string{}, Delivery: 1}
	for k, v := range d.Headers {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if k == "x-message-key" {
			msg.Key = s
			continue
		}
		msg.Headers[k] = s
	}
	if d.Redelivered {
		msg.Delivery = 2
	}
	return msg
}

var _ broker.Broker = (*Broker)(nil)
