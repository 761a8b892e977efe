package domain

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tripsaga/internal/broker"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Services that own an outbox table.
const (
	ServiceBooking      = "booking"
	ServiceFlight       = "flight"
	ServiceHotel        = "hotel"
	ServicePayment      = "payment"
	ServiceNotification = "notification"
)

// Services lists every outbox owner in a stable order.
var Services = []string{ServiceBooking, ServiceFlight, ServiceHotel, ServicePayment, ServiceNotification}

// Command topics shared by the orchestrator and the collaborating services.
const (
	TopicBookingCommands      = "booking-saga-commands"
	TopicPaymentCommands      = "payment-saga-commands"
	TopicNotificationCommands = "notification-saga-commands"
)

const (
	DefaultPriority   = 5
	FailurePriority   = 1
	DefaultMaxRetries = 3
	DefaultTTL        = 24 * time.Hour
	DefaultRetention  = 7 * 24 * time.Hour
)

// Event is one row of a service outbox table. Payload is immutable once written;
// Processed only moves from false to true.
type Event struct {
	ID                 snowflake.ID   `json:"id" gorm:"primaryKey"`
	EventID            string         `json:"event_id" gorm:"type:text;not null"`
	EventType          string         `json:"event_type" gorm:"type:text;not null"`
	AggregateType      string         `json:"aggregate_type" gorm:"type:text;not null"`
	AggregateID        string         `json:"aggregate_id" gorm:"type:text;not null"`
	Payload            datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`
	Topic              string         `json:"topic" gorm:"type:text;not null"`
	PartitionKey       string         `json:"partition_key" gorm:"type:text;not null"`
	Priority           int            `json:"priority" gorm:"not null;default:5"`
	Processed          bool           `json:"processed" gorm:"not null;default:false"`
	ProcessedAt        *time.Time     `json:"processed_at"`
	RetryCount         int            `json:"retry_count" gorm:"not null;default:0"`
	MaxRetries         int            `json:"max_retries" gorm:"not null;default:3"`
	NextRetryAt        *time.Time     `json:"next_retry_at"`
	LastError          string         `json:"last_error" gorm:"type:text"`
	ExpiresAt          *time.Time     `json:"expires_at"`
	SelfProcessed      bool           `json:"self_processed" gorm:"not null;default:false"`
	SelfProcessedAt    *time.Time     `json:"self_processed_at"`
	ProcessingAttempts int            `json:"processing_attempts" gorm:"not null;default:0"`
	Metadata           datatypes.JSON `json:"metadata" gorm:"type:jsonb"`
	CreatedAt          time.Time      `json:"created_at" gorm:"not null"`
}

// TableName returns the outbox table owned by service.
func TableName(service string) string {
	return service + "_outbox_events"
}

// DefaultTopic routes an aggregate's events to "<service>.<AggregateType>.events".
func DefaultTopic(service, aggregateType string) string {
	return service + "." + aggregateType + ".events"
}

// IsFailureEvent reports whether eventType names a failure outcome.
func IsFailureEvent(eventType string) bool {
	return strings.HasSuffix(eventType, "Failed")
}

// Exhausted reports whether the relay has given up on the row.
func (e *Event) Exhausted() bool {
	return e.RetryCount >= e.MaxRetries
}

// Expired reports whether the row is past its expiry at now.
func (e *Event) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// Envelope is the published value of an outbox event.
type Envelope struct {
	EventID       string          `json:"eventId"`
	EventType     string          `json:"eventType"`
	AggregateID   string          `json:"aggregateId"`
	AggregateType string          `json:"aggregateType"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     time.Time       `json:"timestamp"`
}

func (e *Event) Envelope() Envelope {
	return Envelope{
		EventID:       e.EventID,
		EventType:     e.EventType,
		AggregateID:   e.AggregateID,
		AggregateType: e.AggregateType,
		Payload:       json.RawMessage(e.Payload),
		Timestamp:     e.CreatedAt.UTC(),
	}
}

// Message converts the row into the broker record the relays publish.
func (e *Event) Message() (broker.Message, error) {
	value, err := json.Marshal(e.Envelope())
	if err != nil {
		return broker.Message{}, err
	}
	key := e.PartitionKey
	if key == "" {
		key = e.AggregateID
	}
	headers := map[string]string{}
	if len(e.Metadata) > 0 {
		// correlation and trace headers captured at append time
		_ = json.Unmarshal(e.Metadata, &headers)
	}
	headers[broker.HeaderEventID] = e.EventID
	headers[broker.HeaderEventType] = e.EventType
	headers[broker.HeaderAggregateID] = e.AggregateID
	headers[broker.HeaderAggregateType] = e.AggregateType
	headers[broker.HeaderPriority] = strconv.Itoa(e.Priority)
	return broker.Message{
		Topic:   e.Topic,
		Key:     key,
		Value:   value,
		Headers: headers,
	}, nil
}

// Stats summarises the backlog of one outbox table.
type Stats struct {
	Table       string `json:"table"`
	Unprocessed int64  `json:"unprocessed"`
	Failed      int64  `json:"failed"`
	Expired     int64  `json:"expired"`
	SelfPending int64  `json:"self_pending"`
}

// Repository accesses outbox tables. Methods take the handle to run on so writes
// can join the caller's transaction.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, table string, event *Event) error
	FindByEventID(ctx context.Context, db *gorm.DB, table, eventID string) (*Event, error)
	// FetchRelayBatch returns unprocessed, unexpired rows that have not exhausted their retries, in insertion order.
	FetchRelayBatch(ctx context.Context, db *gorm.DB, table string, now time.Time, limit int, skipLocked bool) ([]Event, error)
	// ExhaustedHeads maps each partition key with an unprocessed, unexpired, exhausted row
	// to the lowest such row id. Later rows of that key must not be relayed past it.
	ExhaustedHeads(ctx context.Context, db *gorm.DB, table string, now time.Time) (map[string]snowflake.ID, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, table string, id snowflake.ID, at time.Time) error
	MarkRetry(ctx context.Context, db *gorm.DB, table string, id snowflake.ID, lastError string, nextRetryAt time.Time) error
	MarkSelfProcessed(ctx context.Context, db *gorm.DB, table, eventID string, at time.Time) (bool, error)
	IncrementProcessingAttempts(ctx context.Context, db *gorm.DB, table, eventID string) (bool, error)
	MarkRelayedBefore(ctx context.Context, db *gorm.DB, table string, cutoff, at time.Time) (int64, error)
	DeleteCompletedBefore(ctx context.Context, db *gorm.DB, table string, cutoff time.Time) (int64, error)
	Stats(ctx context.Context, db *gorm.DB, table string, now time.Time) (Stats, error)
}
