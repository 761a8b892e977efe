package dedup

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL bounds how long a processed marker is remembered.
const DefaultTTL = 24 * time.Hour

var ErrClosed = errors.New("dedup_store_closed")

// Record is the stored processed marker.
type Record struct {
	Processed bool      `json:"processed"`
	Timestamp time.Time `json:"timestamp"`
}

// Store remembers processed event ids and per-event attempt counters.
type Store interface {
	IsProcessed(ctx context.Context, key string) (bool, error)
	MarkProcessed(ctx context.Context, key string, ttl time.Duration) error
	// IncrementAttempts bumps the counter at key and returns the new value.
	IncrementAttempts(ctx context.Context, key string, ttl time.Duration) (int, error)
	Attempts(ctx context.Context, key string) (int, error)
	ResetAttempts(ctx context.Context, key string) error
	Close() error
}

// Purger is implemented by stores that do not expire entries on their own.
type Purger interface {
	Purge(ctx context.Context) (int, error)
}

// ProcessedKey marks an event handled by a named consumer.
func ProcessedKey(consumer, eventID string) string {
	return "event:processed:" + consumer + ":" + eventID
}

// SelfProcessedKey marks an event verified by the service that emitted it.
func SelfProcessedKey(service, eventID string) string {
	return "self-event:processed:" + service + ":" + eventID
}

func AttemptsKey(service, eventID string) string {
	return "event:attempts:" + service + ":" + eventID
}

func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}
