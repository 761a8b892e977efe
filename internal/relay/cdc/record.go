package cdc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	outboxdomain "github.com/smallbiznis/tripsaga/internal/outbox/domain"
	"gorm.io/datatypes"
)

// Change operations emitted by the connector.
const (
	OpCreate = "c"
	OpRead   = "r"
	OpUpdate = "u"
	OpDelete = "d"
)

var (
	ErrMalformedRecord = errors.New("cdc_malformed_record")
	ErrMissingRow      = errors.New("cdc_missing_row")
)

// Change is one decoded change record of an outbox table.
type Change struct {
	Op     string
	Before *Row
	After  *Row
}

// Forwardable reports whether the change announces a new row.
func (c Change) Forwardable() bool {
	return (c.Op == OpCreate || c.Op == OpRead) && c.After != nil
}

// Row mirrors the outbox columns as the connector serializes them. Json columns may
// arrive as encoded strings and timestamps as epoch microseconds.
type Row struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	AggregateType string    `json:"aggregate_type"`
	AggregateID   string    `json:"aggregate_id"`
	Payload       jsonField `json:"payload"`
	Topic         string    `json:"topic"`
	PartitionKey  string    `json:"partition_key"`
	Priority      int       `json:"priority"`
	Metadata      jsonField `json:"metadata"`
	CreatedAt     timeField `json:"created_at"`
}

// Event rebuilds the outbox row so it publishes with the same envelope and headers
// as the polling relay.
func (r *Row) Event() *outboxdomain.Event {
	payload := datatypes.JSON(r.Payload)
	if len(payload) == 0 {
		payload = datatypes.JSON("{}")
	}
	return &outboxdomain.Event{
		EventID:       r.EventID,
		EventType:     r.EventType,
		AggregateType: r.AggregateType,
		AggregateID:   r.AggregateID,
		Payload:       payload,
		Topic:         r.Topic,
		PartitionKey:  r.PartitionKey,
		Priority:      r.Priority,
		Metadata:      datatypes.JSON(r.Metadata),
		CreatedAt:     time.Time(r.CreatedAt),
	}
}

type envelope struct {
	Before *Row   `json:"before"`
	After  *Row   `json:"after"`
	Op     string `json:"op"`
}

// Decode parses a change record, with or without the {"schema","payload"} wrapper.
func Decode(raw []byte) (Change, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Change{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if inner, ok := probe["payload"]; ok {
		if _, hasOp := probe["op"]; !hasOp {
			raw = inner
		}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Change{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if env.Op == "" {
		return Change{}, fmt.Errorf("%w: missing op", ErrMalformedRecord)
	}
	change := Change{Op: env.Op, Before: env.Before, After: env.After}
	if change.Op == OpCreate || change.Op == OpRead {
		if change.After == nil {
			return change, ErrMissingRow
		}
		if change.After.EventID == "" || change.After.Topic == "" {
			return change, fmt.Errorf("%w: row without event_id or topic", ErrMalformedRecord)
		}
	}
	return change, nil
}

// jsonField accepts a json column as a nested value or as an encoded string.
type jsonField json.RawMessage

func (f *jsonField) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = nil
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*f = nil
			return nil
		}
		if !json.Valid([]byte(s)) {
			return fmt.Errorf("%w: json column is not valid json", ErrMalformedRecord)
		}
		*f = jsonField(s)
		return nil
	}
	*f = append(jsonField(nil), b...)
	return nil
}

// timeField accepts RFC 3339 strings and epoch microseconds.
type timeField time.Time

func (f *timeField) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05.999999"} {
			if t, err := time.Parse(layout, s); err == nil {
				*f = timeField(t.UTC())
				return nil
			}
		}
		return fmt.Errorf("%w: unparseable timestamp %q", ErrMalformedRecord, s)
	}
	micros, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: unparseable timestamp %s", ErrMalformedRecord, b)
	}
	*f = timeField(time.UnixMicro(micros).UTC())
	return nil
}
