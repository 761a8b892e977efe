package selfevent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/tripsaga/internal/broker"
	"github.com/smallbiznis/tripsaga/internal/dedup"
	"github.com/smallbiznis/tripsaga/internal/logger"
	"github.com/smallbiznis/tripsaga/internal/observability/metrics"
	"github.com/smallbiznis/tripsaga/pkg/telemetry/correlation"
	"go.uber.org/zap"
)

const DefaultMaxAttempts = 3

var (
	ErrHandlerAlreadyRegistered = errors.New("selfevent_handler_already_registered")
	ErrProcessingFailed         = errors.New("selfevent_processing_failed")
	// ErrIntegrity marks a verification mismatch. It is reported but never retried.
	ErrIntegrity = errors.New("selfevent_integrity_mismatch")
)

// Mismatch builds an integrity error for a handler to return.
func Mismatch(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrIntegrity, fmt.Sprintf(format, args...))
}

// Event is a self-published event after envelope extraction.
type Event struct {
	EventID     string
	EventType   string
	AggregateID string
	Payload     json.RawMessage
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

type Handler func(ctx context.Context, evt Event) error

// Tracker records outcomes on the emitting service's outbox rows.
type Tracker interface {
	MarkSelfProcessed(ctx context.Context, eventID string) error
	IncrementProcessingAttempts(ctx context.Context, eventID string) error
}

// Options tune one consumer. Funcs are read on every event so hot-reloaded values apply.
type Options struct {
	MaxAttempts func() int
	Strict      func() bool
	TTL         time.Duration
}

// Consumer verifies events a service published about itself.
type Consumer struct {
	service  string
	store    dedup.Store
	tracker  Tracker
	opts     Options
	log      *zap.Logger
	metrics  *metrics.Pipeline
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewConsumer(service string, store dedup.Store, tracker Tracker, opts Options, log *zap.Logger, m *metrics.Pipeline) *Consumer {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.TTL <= 0 {
		opts.TTL = dedup.DefaultTTL
	}
	return &Consumer{
		service:  service,
		store:    store,
		tracker:  tracker,
		opts:     opts,
		log:      log.Named("selfevent." + service),
		metrics:  m,
		handlers: map[string]Handler{},
	}
}

func (c *Consumer) Service() string { return c.service }

// Group is the consumer group self-event subscriptions join.
func (c *Consumer) Group() string { return c.service + "-self-events" }

func (c *Consumer) Register(eventType string, h Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.handlers[eventType]; ok {
		return fmt.Errorf("%w: %s", ErrHandlerAlreadyRegistered, eventType)
	}
	c.handlers[eventType] = h
	return nil
}

// EventTypes lists the registered event types.
func (c *Consumer) EventTypes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.handlers))
	for t := range c.handlers {
		out = append(out, t)
	}
	return out
}

func (c *Consumer) handler(eventType string) (Handler, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.handlers[eventType]
	return h, ok
}

func (c *Consumer) maxAttempts() int {
	if c.opts.MaxAttempts != nil {
		if n := c.opts.MaxAttempts(); n > 0 {
			return n
		}
	}
	return DefaultMaxAttempts
}

func (c *Consumer) strict() bool {
	return c.opts.Strict != nil && c.opts.Strict()
}

// Handle adapts Process to a broker subscription. A failed event returns an error so
// the broker redelivers it.
func (c *Consumer) Handle(ctx context.Context, msg broker.Message) error {
	ctx = correlation.ExtractHeaders(ctx, msg.Headers)
	if !c.Process(ctx, msg.Value) {
		return ErrProcessingFailed
	}
	return nil
}

// Subscribe joins the self-event group on every topic.
func (c *Consumer) Subscribe(ctx context.Context, sub broker.Subscriber, topics ...string) error {
	for _, topic := range topics {
		if err := sub.Subscribe(ctx, topic, c.Group(), c.Handle); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	return nil
}

// Process handles one raw event and reports whether it is done with. False means
// the event should be delivered again.
func (c *Consumer) Process(ctx context.Context, raw []byte) bool {
	log := logger.WithContext(ctx, c.log)

	evt, err := Extract(raw)
	if err != nil {
		log.Warn("unparseable self-event dropped", zap.Error(err))
		c.metrics.IncSelfEvent(c.service, metrics.SelfEventDropped)
		return true
	}
	if evt.EventID == "" {
		log.Warn("self-event without event id dropped", zap.String("event_type", evt.EventType))
		c.metrics.IncSelfEvent(c.service, metrics.SelfEventDropped)
		return true
	}
	log = log.With(zap.String("event_id", evt.EventID), zap.String("event_type", evt.EventType))

	processedKey := dedup.SelfProcessedKey(c.service, evt.EventID)
	attemptsKey := dedup.AttemptsKey(c.service, evt.EventID)

	seen, err := c.store.IsProcessed(ctx, processedKey)
	if err != nil {
		log.Warn("dedup lookup failed, processing anyway", zap.Error(err))
	}
	if seen {
		c.metrics.IncSelfEvent(c.service, metrics.SelfEventDuplicate)
		return true
	}

	attempts, err := c.store.Attempts(ctx, attemptsKey)
	if err != nil {
		log.Warn("attempt counter lookup failed", zap.Error(err))
	}
	if attempts >= c.maxAttempts() {
		log.Error("self-event exhausted processing attempts, left for reconciliation",
			zap.Int("attempts", attempts),
		)
		c.metrics.IncSelfEvent(c.service, metrics.SelfEventExhausted)
		return true
	}

	h, ok := c.handler(evt.EventType)
	if !ok {
		c.metrics.IncUnknownEventType(c.service, evt.EventType)
		if c.strict() {
			log.Warn("no handler for self-event type")
			c.fail(ctx, log, evt, attemptsKey)
			return false
		}
		log.Warn("no handler for self-event type, marking processed")
		c.metrics.IncSelfEvent(c.service, metrics.SelfEventUnknownType)
		c.succeed(ctx, log, evt, processedKey, attemptsKey)
		return true
	}

	if err := invoke(ctx, h, evt); err != nil {
		if errors.Is(err, ErrIntegrity) {
			log.Warn("self-event integrity warning", zap.Error(err))
			c.metrics.IncIntegrityWarning(c.service, evt.EventType)
		} else {
			log.Warn("self-event handler failed", zap.Error(err))
			c.fail(ctx, log, evt, attemptsKey)
			return false
		}
	}

	c.metrics.IncSelfEvent(c.service, metrics.SelfEventProcessed)
	c.succeed(ctx, log, evt, processedKey, attemptsKey)
	return true
}

func (c *Consumer) succeed(ctx context.Context, log *zap.Logger, evt Event, processedKey, attemptsKey string) {
	if err := c.store.MarkProcessed(ctx, processedKey, c.opts.TTL); err != nil {
		log.Warn("mark self-event processed failed", zap.Error(err))
	}
	if c.tracker != nil {
		if err := c.tracker.MarkSelfProcessed(ctx, evt.EventID); err != nil {
			log.Warn("flag outbox row self-processed failed", zap.Error(err))
		}
	}
	if err := c.store.ResetAttempts(ctx, attemptsKey); err != nil {
		log.Debug("reset attempts failed", zap.Error(err))
	}
}

func (c *Consumer) fail(ctx context.Context, log *zap.Logger, evt Event, attemptsKey string) {
	c.metrics.IncSelfEvent(c.service, metrics.SelfEventFailed)
	if _, err := c.store.IncrementAttempts(ctx, attemptsKey, c.opts.TTL); err != nil {
		log.Warn("increment attempts failed", zap.Error(err))
	}
	if c.tracker != nil {
		if err := c.tracker.IncrementProcessingAttempts(ctx, evt.EventID); err != nil {
			log.Warn("increment outbox processing attempts failed", zap.Error(err))
		}
	}
}

func invoke(ctx context.Context, h Handler, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, evt)
}

// Extract reads the identifying fields of an event, accepting camelCase and
// snake_case spellings. The payload falls back to the whole document.
func Extract(raw []byte) (Event, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Event{}, err
	}
	evt := Event{
		EventID:     firstString(doc, "eventId", "event_id", "id"),
		EventType:   firstString(doc, "eventType", "event_type", "type"),
		AggregateID: firstString(doc, "aggregateId", "aggregate_id"),
	}
	if p, ok := doc["payload"]; ok && len(p) > 0 && string(p) != "null" {
		evt.Payload = p
	} else {
		evt.Payload = json.RawMessage(raw)
	}
	return evt, nil
}

func firstString(doc map[string]json.RawMessage, keys ...string) string {
	for _, k := range keys {
		raw, ok := doc[k]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
			continue
		}
		// numeric ids
		var n json.Number
		if err := json.Unmarshal(raw, &n); err == nil && n.String() != "" {
			return n.String()
		}
	}
	return ""
}
