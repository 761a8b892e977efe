package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/smallbiznis/tripsaga/internal/clock"
	"github.com/smallbiznis/tripsaga/internal/observability/metrics"
	"github.com/smallbiznis/tripsaga/internal/outbox/domain"
	"github.com/smallbiznis/tripsaga/pkg/telemetry/correlation"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    domain.Repository
	Metrics *metrics.Pipeline `optional:"true"`
}

// Service hands out per-service writers and trackers over the outbox tables.
type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    domain.Repository
	metrics *metrics.Pipeline
}

func NewService(p Params) *Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("outbox.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		metrics: p.Metrics,
	}
}

// Writer appends events to one service outbox.
type Writer struct {
	svc     *Service
	service string
	table   string
}

func (s *Service) Writer(service string) *Writer {
	return &Writer{svc: s, service: service, table: domain.TableName(service)}
}

func (w *Writer) Service() string { return w.service }

// Append inserts an event row through tx, so the row commits or rolls back with the
// caller's mutation. It performs no network I/O. A payload that cannot be encoded
// yields ErrPayloadSerialization, which the caller returns to abort its transaction.
func (w *Writer) Append(ctx context.Context, tx *gorm.DB, eventType, aggregateType, aggregateID string, payload any, opts ...domain.Option) (string, error) {
	if tx == nil {
		return "", domain.ErrTransactionRequired
	}
	eventType = strings.TrimSpace(eventType)
	aggregateType = strings.TrimSpace(aggregateType)
	aggregateID = strings.TrimSpace(aggregateID)
	if eventType == "" || aggregateType == "" || aggregateID == "" {
		return "", domain.ErrInvalidEvent
	}

	body, err := encodePayload(payload)
	if err != nil {
		return "", err
	}

	o := domain.Resolve(w.service, eventType, aggregateType, aggregateID, opts...)
	now := w.svc.clock.Now()
	expiresAt := now.Add(o.TTL)
	event := &domain.Event{
		ID:            w.svc.genID.Generate(),
		EventID:       uuid.NewString(),
		EventType:     eventType,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Payload:       body,
		Topic:         o.Topic,
		PartitionKey:  o.PartitionKey,
		Priority:      o.Priority,
		MaxRetries:    o.MaxRetries,
		ExpiresAt:     &expiresAt,
		Metadata:      traceMetadata(ctx),
		CreatedAt:     now,
	}
	if err := w.svc.repo.Insert(ctx, tx, w.table, event); err != nil {
		return "", fmt.Errorf("append %s to %s: %w", eventType, w.table, err)
	}

	w.svc.metrics.IncOutboxAppended(w.table, eventType)
	w.svc.log.Debug("outbox event appended",
		zap.String("table", w.table),
		zap.String("event_id", event.EventID),
		zap.String("event_type", eventType),
		zap.String("aggregate_id", aggregateID),
		zap.String("topic", o.Topic),
	)
	return event.EventID, nil
}

// traceMetadata captures the correlation id and trace context of the appending request.
func traceMetadata(ctx context.Context) datatypes.JSON {
	headers := correlation.InjectHeaders(ctx, nil)
	if len(headers) == 0 {
		return nil
	}
	body, err := json.Marshal(headers)
	if err != nil {
		return nil
	}
	return datatypes.JSON(body)
}

func encodePayload(payload any) (datatypes.JSON, error) {
	switch v := payload.(type) {
	case nil:
		return datatypes.JSON("{}"), nil
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, domain.ErrPayloadSerialization
		}
		return datatypes.JSON(v), nil
	case []byte:
		if !json.Valid(v) {
			return nil, domain.ErrPayloadSerialization
		}
		return datatypes.JSON(v), nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPayloadSerialization, err)
	}
	return datatypes.JSON(body), nil
}

// Tracker records self-event outcomes on one service outbox.
type Tracker struct {
	svc   *Service
	table string
}

func (s *Service) Tracker(service string) *Tracker {
	return &Tracker{svc: s, table: domain.TableName(service)}
}

func (t *Tracker) MarkSelfProcessed(ctx context.Context, eventID string) error {
	found, err := t.svc.repo.MarkSelfProcessed(ctx, t.svc.db, t.table, eventID, t.svc.clock.Now())
	if err != nil {
		return err
	}
	if !found {
		t.svc.log.Warn("self-processed event not found in outbox", zap.String("table", t.table), zap.String("event_id", eventID))
	}
	return nil
}

func (t *Tracker) IncrementProcessingAttempts(ctx context.Context, eventID string) error {
	_, err := t.svc.repo.IncrementProcessingAttempts(ctx, t.svc.db, t.table, eventID)
	return err
}

// Stats returns backlog counters for the outbox of service.
func (s *Service) Stats(ctx context.Context, service string) (domain.Stats, error) {
	return s.repo.Stats(ctx, s.db, domain.TableName(service), s.clock.Now())
}

// AllStats returns backlog counters for every outbox and refreshes the backlog gauges.
func (s *Service) AllStats(ctx context.Context) ([]domain.Stats, error) {
	out := make([]domain.Stats, 0, len(domain.Services))
	for _, service := range domain.Services {
		stats, err := s.Stats(ctx, service)
		if err != nil {
			return nil, fmt.Errorf("stats %s: %w", service, err)
		}
		s.metrics.SetOutboxBacklog(stats.Table, stats.Unprocessed, stats.Failed, stats.Expired)
		out = append(out, stats)
	}
	return out, nil
}

// MarkRelayedBefore flags rows created before cutoff as processed so a polling relay
// taking over from CDC does not republish them.
func (s *Service) MarkRelayedBefore(ctx context.Context, service string, cutoff time.Time) (int64, error) {
	return s.repo.MarkRelayedBefore(ctx, s.db, domain.TableName(service), cutoff, s.clock.Now())
}

// Cleanup deletes relayed or self-processed rows older than retention.
func (s *Service) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = domain.DefaultRetention
	}
	cutoff := s.clock.Now().Add(-retention)
	var total int64
	for _, service := range domain.Services {
		n, err := s.repo.DeleteCompletedBefore(ctx, s.db, domain.TableName(service), cutoff)
		if err != nil {
			return total, fmt.Errorf("cleanup %s: %w", service, err)
		}
		total += n
	}
	return total, nil
}

func (s *Service) Find(ctx context.Context, service, eventID string) (*domain.Event, error) {
	return s.repo.FindByEventID(ctx, s.db, domain.TableName(service), eventID)
}
