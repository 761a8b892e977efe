package domain

import "time"

// AppendOptions carry routing and retry overrides for one appended event.
type AppendOptions struct {
	Topic        string
	PartitionKey string
	Priority     int
	MaxRetries   int
	TTL          time.Duration
}

type Option func(*AppendOptions)

func WithTopic(topic string) Option {
	return func(o *AppendOptions) { o.Topic = topic }
}

func WithPartitionKey(key string) Option {
	return func(o *AppendOptions) { o.PartitionKey = key }
}

// WithPriority sets the delivery priority, 1 being the most urgent.
func WithPriority(priority int) Option {
	return func(o *AppendOptions) { o.Priority = priority }
}

func WithMaxRetries(n int) Option {
	return func(o *AppendOptions) { o.MaxRetries = n }
}

func WithTTL(ttl time.Duration) Option {
	return func(o *AppendOptions) { o.TTL = ttl }
}

// Resolve applies opts over the defaults for an event of eventType.
func Resolve(service, eventType, aggregateType, aggregateID string, opts ...Option) AppendOptions {
	o := AppendOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.Topic == "" {
		o.Topic = DefaultTopic(service, aggregateType)
	}
	if o.PartitionKey == "" {
		o.PartitionKey = aggregateID
	}
	if o.Priority <= 0 {
		o.Priority = DefaultPriority
		if IsFailureEvent(eventType) {
			o.Priority = FailurePriority
		}
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	return o
}
