package command

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
	outboxdomain "github.com/smallbiznis/tripsaga/internal/outbox/domain"
	sagadomain "github.com/smallbiznis/tripsaga/internal/saga/domain"
	"github.com/smallbiznis/tripsaga/pkg/telemetry/correlation"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrHandlerAlreadyRegistered = errors.New("command_handler_already_registered")
	ErrInvalidCommand           = errors.New("invalid_saga_command")
)

// Handler performs a command's side effect inside tx and appends its result event
// through the same tx.
type Handler func(ctx context.Context, tx *gorm.DB, cmd sagadomain.Command) error

// Dispatcher routes saga commands of one collaborating service to its handlers.
type Dispatcher struct {
	service  string
	db       *gorm.DB
	store    dedup.Store
	log      *zap.Logger
	metrics  *metrics.Pipeline
	ttl      time.Duration
	mu       sync.RWMutex
	handlers map[sagadomain.Action]Handler
}

func NewDispatcher(service string, db *gorm.DB, store dedup.Store, log *zap.Logger, m *metrics.Pipeline) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		service:  service,
		db:       db,
		store:    store,
		log:      log.Named(service + ".commands"),
		metrics:  m,
		ttl:      dedup.DefaultTTL,
		handlers: map[sagadomain.Action]Handler{},
	}
}

func (d *Dispatcher) Service() string { return d.service }

// Group is the consumer group the service's command subscriptions join.
func (d *Dispatcher) Group() string { return d.service + "-commands" }

func (d *Dispatcher) Register(action sagadomain.Action, h Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handlers[action]; ok {
		return fmt.Errorf("%w: %s", ErrHandlerAlreadyRegistered, action)
	}
	d.handlers[action] = h
	return nil
}

func (d *Dispatcher) handler(action sagadomain.Action) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[action]
	return h, ok
}

func (d *Dispatcher) Subscribe(ctx context.Context, sub broker.Subscriber, topic string) error {
	return sub.Subscribe(ctx, topic, d.Group(), d.Handle)
}

// Handle decodes and dispatches one broker message. Undecodable and unknown commands
// are acknowledged; handler errors are returned so the broker redelivers.
func (d *Dispatcher) Handle(ctx context.Context, msg broker.Message) error {
	ctx = correlation.ExtractHeaders(ctx, msg.Headers)
	log := logger.WithContext(ctx, d.log).With(zap.String("topic", msg.Topic))

	eventID, cmd, err := Decode(msg)
	if err != nil {
		log.Warn("undecodable saga command dropped", zap.Error(err))
		d.metrics.IncCommand(d.service, "", metrics.CommandDropped)
		return nil
	}
	if cmd.CorrelationID != "" && correlation.ExtractCorrelationID(ctx) == "" {
		ctx = correlation.ContextWithCorrelationID(ctx, cmd.CorrelationID)
	}
	return d.Dispatch(ctx, eventID, cmd)
}

// Dispatch runs cmd at most once per eventID.
func (d *Dispatcher) Dispatch(ctx context.Context, eventID string, cmd sagadomain.Command) error {
	action := string(cmd.Action)
	log := logger.WithContext(ctx, d.log).With(
		zap.String("event_id", eventID),
		zap.String("action", action),
		zap.String("saga_id", cmd.SagaID),
		zap.String("booking_id", cmd.BookingID),
	)

	h, ok := d.handler(cmd.Action)
	if !ok {
		if _, known := sagadomain.KnownActions[cmd.Action]; known {
			// owned by a sibling service sharing the topic
			return nil
		}
		log.Warn("unknown saga command action dropped")
		d.metrics.IncUnknownAction(d.service, action)
		return nil
	}

	key := dedup.ProcessedKey(d.Group(), eventID)
	if eventID != "" {
		seen, err := d.store.IsProcessed(ctx, key)
		if err != nil {
			log.Warn("dedup lookup failed, relying on handler idempotency", zap.Error(err))
		}
		if seen {
			log.Debug("duplicate saga command ignored")
			d.metrics.IncCommand(d.service, action, metrics.CommandDuplicate)
			return nil
		}
	}

	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return invoke(ctx, h, tx, cmd)
	})
	if err != nil {
		log.Warn("saga command failed", zap.Error(err))
		d.metrics.IncCommand(d.service, action, metrics.CommandFailed)
		return err
	}

	if eventID != "" {
		if err := d.store.MarkProcessed(ctx, key, d.ttl); err != nil {
			log.Warn("mark command processed failed", zap.Error(err))
		}
	}
	d.metrics.IncCommand(d.service, action, metrics.CommandHandled)
	log.Info("saga command handled")
	return nil
}

func invoke(ctx context.Context, h Handler, tx *gorm.DB, cmd sagadomain.Command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("command handler panic: %v", r)
		}
	}()
	return h(ctx, tx, cmd)
}

// Decode accepts an outbox envelope carrying a command or a bare command. The event id
// comes from the envelope, falling back to the event-id header.
func Decode(msg broker.Message) (string, sagadomain.Command, error) {
	var probe struct {
		Action  string          `json:"action"`
		EventID string          `json:"eventId"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(msg.Value, &probe); err != nil {
		return "", sagadomain.Command{}, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}

	body := msg.Value
	eventID := msg.Header(broker.HeaderEventID)
	if probe.Action == "" {
		body = probe.Payload
		if probe.EventID != "" {
			eventID = probe.EventID
		}
	}

	var cmd sagadomain.Command
	if err := json.Unmarshal(body, &cmd); err != nil {
		return "", cmd, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	cmd.Action = sagadomain.Action(strings.TrimSpace(string(cmd.Action)))
	if cmd.Action == "" || (cmd.SagaID == "" && cmd.BookingID == "") {
		return "", cmd, ErrInvalidCommand
	}
	return eventID, cmd, nil
}

// Appender writes events into a service outbox within a transaction.
type Appender interface {
	Append(ctx context.Context, tx *gorm.DB, eventType, aggregateType, aggregateID string, payload any, opts ...outboxdomain.Option) (string, error)
}

// Reply appends the result event for cmd, keyed by booking so results stay ordered
// with the commands that caused them.
func Reply(ctx context.Context, tx *gorm.DB, out Appender, cmd sagadomain.Command, eventType, aggregateType string, fields map[string]any) error {
	payload := map[string]any{
		"sagaId":    cmd.SagaID,
		"bookingId": cmd.BookingID,
		"action":    string(cmd.Action),
	}
	for k, v := range fields {
		payload[k] = v
	}
	_, err := out.Append(ctx, tx, eventType, aggregateType, cmd.BookingID, payload,
		outboxdomain.WithPartitionKey(cmd.BookingID),
	)
	return err
}
