package broker

import (
	"context"
	"errors"
	"hash/fnv"
)

// Header names carried on every published event.
const (
	HeaderEventID       = "event-id"
	HeaderEventType     = "event-type"
	HeaderAggregateID   = "aggregate-id"
	HeaderAggregateType = "aggregate-type"
	HeaderPriority      = "priority"
)

var (
	ErrClosed      = errors.New("broker_closed")
	ErrEmptyTopic  = errors.New("broker_empty_topic")
	ErrEmptyGroup  = errors.New("broker_empty_group")
	ErrNilHandler  = errors.New("broker_nil_handler")
	ErrUnknownType = errors.New("unknown_broker_type")
)

// Message is a keyed record on a topic. Messages with the same key land on the same partition.
type Message struct {
	Topic     string
	Key       string
	Value     []byte
	Headers   map[string]string
	Partition int
	// Delivery counts deliveries of this message to the current group, starting at 1.
	Delivery int
}

// Header returns the named header or an empty string.
func (m Message) Header(name string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[name]
}

// Handler processes one message. A non-nil error asks the broker to redeliver.
type Handler func(ctx context.Context, msg Message) error

type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Subscriber delivers messages of a topic to a consumer group. Members of one group
// share the work; every group sees every message. Subscribe returns once the
// subscription is registered; delivery stops when ctx is cancelled or the broker closes.
type Subscriber interface {
	Subscribe(ctx context.Context, topic, group string, handler Handler) error
}

type Broker interface {
	Publisher
	Subscriber
	Close() error
}

// PartitionFor maps a key onto one of n partitions.
func PartitionFor(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// CloneHeaders copies headers so publishers never share maps with callers.
func CloneHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		out[k] = v
	}
	return out
}

func Validate(topic, group string, handler Handler) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	if group == "" {
		return ErrEmptyGroup
	}
	if handler == nil {
		return ErrNilHandler
	}
	return nil
}
