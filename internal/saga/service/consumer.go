package service

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/smallbiznis/tripsaga/internal/broker"
	"github.com/smallbiznis/tripsaga/internal/dedup"
	"github.com/smallbiznis/tripsaga/internal/logger"
	outboxdomain "github.com/smallbiznis/tripsaga/internal/outbox/domain"
	"github.com/smallbiznis/tripsaga/internal/saga/domain"
	"github.com/smallbiznis/tripsaga/pkg/telemetry/correlation"
	"go.uber.org/zap"
)

// ResultGroup is the consumer group of the orchestrator's result subscriptions.
const ResultGroup = "booking-orchestrator"

// ResultTopics carry the collaborator results and the injected cancellation requests.
var ResultTopics = []string{
	outboxdomain.DefaultTopic(outboxdomain.ServiceFlight, "Flight"),
	outboxdomain.DefaultTopic(outboxdomain.ServiceHotel, "Hotel"),
	outboxdomain.DefaultTopic(outboxdomain.ServicePayment, "Payment"),
	outboxdomain.DefaultTopic(outboxdomain.ServiceBooking, domain.AggregateBooking),
}

// ResultConsumer feeds result events into the orchestrator at most once per event id.
type ResultConsumer struct {
	orchestrator *Orchestrator
	store        dedup.Store
	log          *zap.Logger
}

func NewResultConsumer(o *Orchestrator, store dedup.Store, log *zap.Logger) *ResultConsumer {
	return &ResultConsumer{
		orchestrator: o,
		store:        store,
		log:          log.Named("saga.results"),
	}
}

func (c *ResultConsumer) Subscribe(ctx context.Context, sub broker.Subscriber) error {
	for _, topic := range ResultTopics {
		if err := sub.Subscribe(ctx, topic, ResultGroup, c.Handle); err != nil {
			return err
		}
	}
	return nil
}

// Handle processes one delivery. Malformed events and results that can never apply
// are acknowledged and marked processed; storage errors are returned so the broker redelivers.
func (c *ResultConsumer) Handle(ctx context.Context, msg broker.Message) error {
	ctx = correlation.ExtractHeaders(ctx, msg.Headers)
	log := logger.WithContext(ctx, c.log).With(zap.String("topic", msg.Topic))

	var env outboxdomain.Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		log.Warn("unparseable result event dropped", zap.Error(err))
		return nil
	}
	if _, _, ok := domain.ClassifyResult(env.EventType); !ok {
		return nil
	}
	evt, err := domain.ParseResult(env)
	if err != nil {
		log.Warn("invalid result event dropped", zap.String("event_type", env.EventType), zap.Error(err))
		return nil
	}
	log = log.With(zap.String("event_id", evt.EventID), zap.String("event_type", evt.EventType))

	key := dedup.ProcessedKey(ResultGroup, evt.EventID)
	seen, err := c.store.IsProcessed(ctx, key)
	if err != nil {
		log.Warn("dedup lookup failed, relying on step status", zap.Error(err))
	}
	if seen {
		log.Debug("duplicate result event ignored")
		return nil
	}

	if _, err := c.orchestrator.HandleResult(ctx, evt); err != nil {
		reason, poison := domain.PoisonReason(err)
		if !poison {
			return err
		}
		c.orchestrator.metrics.IncSagaResultDropped(reason)
		if errors.Is(err, domain.ErrSagaNotFound) {
			log.Warn("result event for unknown saga dropped", zap.Error(err))
		} else {
			log.Error("result event cannot be applied, dropped", zap.String("reason", reason), zap.Error(err))
		}
	}

	if err := c.store.MarkProcessed(ctx, key, dedup.DefaultTTL); err != nil {
		log.Warn("mark result processed failed", zap.Error(err))
	}
	return nil
}
