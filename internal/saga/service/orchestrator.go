package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	bookingdomain "github.com/smallbiznis/tripsaga/internal/booking/domain"
	"github.com/smallbiznis/tripsaga/internal/clock"
	"github.com/smallbiznis/tripsaga/internal/config"
	"github.com/smallbiznis/tripsaga/internal/logger"
	"github.com/smallbiznis/tripsaga/internal/observability/metrics"
	outboxdomain "github.com/smallbiznis/tripsaga/internal/outbox/domain"
	outboxservice "github.com/smallbiznis/tripsaga/internal/outbox/service"
	"github.com/smallbiznis/tripsaga/internal/saga/domain"
	"github.com/smallbiznis/tripsaga/pkg/telemetry/correlation"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	conflictBackoffBase = 20 * time.Millisecond
	conflictBackoffMax  = 500 * time.Millisecond
	stuckBatchSize      = 100
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Repo     domain.Repository
	Bookings bookingdomain.Repository
	Outbox   *outboxservice.Service
	Tuning   *config.TuningHolder
	Metrics  *metrics.Pipeline `optional:"true"`
}

// Orchestrator drives booking sagas from result events. It writes only to the
// booking service's tables and outbox.
type Orchestrator struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     domain.Repository
	bookings bookingdomain.Repository
	writer   *outboxservice.Writer
	tuning   *config.TuningHolder
	metrics  *metrics.Pipeline
}

func NewOrchestrator(p Params) *Orchestrator {
	return &Orchestrator{
		db:       p.DB,
		log:      p.Log.Named("saga.orchestrator"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		bookings: p.Bookings,
		writer:   p.Outbox.Writer(outboxdomain.ServiceBooking),
		tuning:   p.Tuning,
		metrics:  p.Metrics,
	}
}

// StartTx creates the saga for bookingID inside tx and issues its first command.
func (o *Orchestrator) StartTx(ctx context.Context, tx *gorm.DB, bookingID string, sc domain.StepContext) (*domain.Instance, error) {
	now := o.clock.Now()
	sagaID := uuid.NewString()
	decision, err := domain.Start(sagaID, bookingID, sc, now)
	if err != nil {
		return nil, err
	}

	instance := &domain.Instance{
		SagaID:        sagaID,
		BookingID:     bookingID,
		CurrentState:  decision.State,
		StartedAt:     now,
		LastUpdatedAt: now,
	}
	if err := instance.SetContext(decision.Context); err != nil {
		return nil, fmt.Errorf("encode step context: %w", err)
	}
	if err := o.repo.Create(ctx, tx, instance); err != nil {
		return nil, fmt.Errorf("create saga: %w", err)
	}

	origin := domain.ResultEvent{EventType: domain.EventSagaStarted, SagaID: sagaID, BookingID: bookingID}
	if err := o.persist(ctx, tx, &decision, origin, now); err != nil {
		return nil, err
	}

	logger.WithContext(ctx, o.log).Info("saga started",
		zap.String("saga_id", sagaID),
		zap.String("booking_id", bookingID),
		zap.String("booking_type", string(sc.BookingType)),
	)
	return instance, nil
}

// HandleResult applies one result event. Concurrent writers on the same saga are
// retried with jittered backoff up to the configured number of tries.
func (o *Orchestrator) HandleResult(ctx context.Context, evt domain.ResultEvent) (domain.Decision, error) {
	log := logger.WithContext(ctx, o.log).With(
		zap.String("event_id", evt.EventID),
		zap.String("event_type", evt.EventType),
		zap.String("saga_id", evt.SagaID),
		zap.String("booking_id", evt.BookingID),
	)

	tries := o.tuning.Get().ConflictRetries
	if tries <= 0 {
		tries = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = conflictBackoffBase
	b.MaxInterval = conflictBackoffMax

	decision, err := backoff.Retry(ctx, func() (domain.Decision, error) {
		d, err := o.applyOnce(ctx, evt)
		if errors.Is(err, domain.ErrConcurrentUpdate) {
			o.metrics.IncSagaConflict()
			log.Debug("saga version conflict, retrying")
			return d, err
		}
		if err != nil {
			return d, backoff.Permanent(err)
		}
		return d, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(tries)),
	)
	if err != nil {
		log.Warn("saga result not applied", zap.Error(err))
		return decision, err
	}

	if decision.Ignored {
		log.Debug("saga result ignored", zap.String("reason", decision.Reason))
		return decision, nil
	}
	log.Info("saga advanced",
		zap.String("state", string(decision.State)),
		zap.Bool("compensating", decision.IsCompensating),
		zap.Int("commands", len(decision.Commands)),
	)
	return decision, nil
}

func (o *Orchestrator) applyOnce(ctx context.Context, evt domain.ResultEvent) (domain.Decision, error) {
	var decision domain.Decision
	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		instance, err := o.locate(ctx, tx, evt)
		if err != nil {
			return err
		}
		steps, err := o.repo.ListSteps(ctx, tx, instance.SagaID)
		if err != nil {
			return err
		}
		snap, err := domain.SnapshotOf(instance, steps)
		if err != nil {
			return err
		}

		now := o.clock.Now()
		decision, err = domain.Decide(snap, evt, now)
		if err != nil {
			return err
		}
		if decision.Ignored {
			return nil
		}

		expected := instance.Version
		instance.CurrentState = decision.State
		instance.IsCompensating = decision.IsCompensating
		instance.CompensationReason = decision.CompensationReason
		instance.LastUpdatedAt = now
		if decision.Terminal() {
			instance.CompletedAt = &now
		}
		if err := instance.SetContext(decision.Context); err != nil {
			return fmt.Errorf("encode step context: %w", err)
		}
		if err := o.repo.UpdateVersioned(ctx, tx, instance, expected); err != nil {
			return err
		}
		return o.persist(ctx, tx, &decision, evt, now)
	})
	return decision, err
}

func (o *Orchestrator) locate(ctx context.Context, tx *gorm.DB, evt domain.ResultEvent) (*domain.Instance, error) {
	var (
		instance *domain.Instance
		err      error
	)
	if evt.SagaID != "" {
		instance, err = o.repo.FindByID(ctx, tx, evt.SagaID)
	} else {
		instance, err = o.repo.FindByBookingID(ctx, tx, evt.BookingID)
	}
	if err != nil {
		return nil, err
	}
	if instance == nil {
		return nil, domain.ErrSagaNotFound
	}
	if evt.BookingID != "" && instance.BookingID != evt.BookingID {
		return nil, fmt.Errorf("%w: saga %s belongs to booking %s", domain.ErrInvalidResultEvent, instance.SagaID, instance.BookingID)
	}
	return instance, nil
}

// persist writes the step rows, state logs, events, commands and booking outcome of d.
func (o *Orchestrator) persist(ctx context.Context, tx *gorm.DB, d *domain.Decision, evt domain.ResultEvent, now time.Time) error {
	sagaID := d.SagaID()
	for _, update := range d.StepUpdates {
		step := &domain.Step{
			ID:        o.genID.Generate(),
			SagaID:    sagaID,
			StepName:  update.Step,
			Status:    update.Status,
			StartTime: now,
			EventID:   evt.EventID,
		}
		if update.Status == domain.StepRunning {
			step.RequestPayload = requestPayload(d, update.Step)
		} else {
			step.EndTime = &now
			if len(evt.Payload) > 0 {
				step.ResponsePayload = datatypes.JSON(evt.Payload)
			}
		}
		if err := o.repo.AppendStep(ctx, tx, step); err != nil {
			return fmt.Errorf("append saga step: %w", err)
		}
	}

	for _, tr := range d.Transitions {
		entry := &domain.StateLog{
			ID:        o.genID.Generate(),
			SagaID:    sagaID,
			FromState: tr.From,
			ToState:   tr.To,
			EventType: evt.EventType,
			CreatedAt: now,
		}
		if len(evt.Payload) > 0 {
			entry.Payload = datatypes.JSON(evt.Payload)
		}
		if err := o.repo.AppendStateLog(ctx, tx, entry); err != nil {
			return fmt.Errorf("append saga state log: %w", err)
		}
		o.metrics.IncSagaTransition(string(tr.From), string(tr.To))
	}

	for _, e := range d.Events {
		if _, err := o.writer.Append(ctx, tx, e.EventType, e.AggregateType, e.AggregateID, e.Payload); err != nil {
			return err
		}
	}

	correlationID := correlation.ExtractCorrelationID(ctx)
	for _, cmd := range d.Commands {
		cmd.CorrelationID = correlationID
		if _, err := o.writer.Append(ctx, tx, string(cmd.Action), domain.AggregateSaga, cmd.SagaID, cmd,
			outboxdomain.WithTopic(domain.CommandTopic(cmd.Action)),
			outboxdomain.WithPartitionKey(cmd.BookingID),
		); err != nil {
			return err
		}
	}

	switch d.Outcome {
	case domain.OutcomeConfirmed:
		return o.bookings.UpdateStatus(ctx, tx, d.BookingID(), bookingdomain.StatusConfirmed, d.Context.ConfirmationNumber, now)
	case domain.OutcomeCancelled:
		return o.bookings.UpdateStatus(ctx, tx, d.BookingID(), bookingdomain.StatusCancelled, "", now)
	}
	return nil
}

func requestPayload(d *domain.Decision, step domain.StepName) datatypes.JSON {
	forward := domain.ForwardAction(step)
	for _, cmd := range d.Commands {
		if cmd.Action == forward {
			return datatypes.JSON(cmd.Payload)
		}
	}
	return nil
}

// View is a saga with its full history.
type View struct {
	Instance  domain.Instance                       `json:"instance"`
	Context   domain.StepContext                    `json:"context"`
	Steps     []domain.Step                         `json:"steps"`
	StateLogs []domain.StateLog                     `json:"stateLogs"`
	Current   map[domain.StepName]domain.StepStatus `json:"current"`
}

func (o *Orchestrator) Get(ctx context.Context, sagaID string) (*View, error) {
	instance, err := o.repo.FindByID(ctx, o.db, sagaID)
	if err != nil {
		return nil, err
	}
	if instance == nil {
		return nil, domain.ErrSagaNotFound
	}
	return o.view(ctx, instance)
}

func (o *Orchestrator) GetByBooking(ctx context.Context, bookingID string) (*View, error) {
	instance, err := o.repo.FindByBookingID(ctx, o.db, bookingID)
	if err != nil {
		return nil, err
	}
	if instance == nil {
		return nil, domain.ErrSagaNotFound
	}
	return o.view(ctx, instance)
}

func (o *Orchestrator) view(ctx context.Context, instance *domain.Instance) (*View, error) {
	sc, err := instance.Context()
	if err != nil {
		return nil, fmt.Errorf("decode step context: %w", err)
	}
	steps, err := o.repo.ListSteps(ctx, o.db, instance.SagaID)
	if err != nil {
		return nil, err
	}
	logs, err := o.repo.ListStateLogs(ctx, o.db, instance.SagaID)
	if err != nil {
		return nil, err
	}
	return &View{
		Instance:  *instance,
		Context:   sc,
		Steps:     steps,
		StateLogs: logs,
		Current:   domain.LatestStatuses(steps),
	}, nil
}

// ReportStuck records every non-terminal saga idle for longer than the stuck SLA
// once, and refreshes the stuck gauge. Reported sagas are not retried.
func (o *Orchestrator) ReportStuck(ctx context.Context) (int, error) {
	sla := o.tuning.Get().StuckSLA
	if sla <= 0 {
		return 0, nil
	}
	now := o.clock.Now()
	candidates, err := o.repo.ListStuck(ctx, o.db, now.Add(-sla), stuckBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stuck sagas: %w", err)
	}

	var (
		reported int
		errs     []error
	)
	for i := range candidates {
		instance := candidates[i]
		ok, err := o.reportStuck(ctx, &instance, sla, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("saga %s: %w", instance.SagaID, err))
			continue
		}
		if ok {
			reported++
		}
	}

	if count, err := o.repo.CountStuck(ctx, o.db); err != nil {
		errs = append(errs, fmt.Errorf("count stuck sagas: %w", err))
	} else {
		o.metrics.SetSagaStuck(int(count))
	}
	return reported, errors.Join(errs...)
}

func (o *Orchestrator) reportStuck(ctx context.Context, instance *domain.Instance, sla time.Duration, now time.Time) (bool, error) {
	var marked bool
	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := o.repo.MarkStuckReported(ctx, tx, instance.SagaID, now)
		if err != nil || !ok {
			return err
		}
		marked = true
		body, err := json.Marshal(map[string]any{
			"lastUpdatedAt": instance.LastUpdatedAt.UTC(),
			"idle":          now.Sub(instance.LastUpdatedAt).String(),
			"sla":           sla.String(),
		})
		if err != nil {
			return err
		}
		return o.repo.AppendStateLog(ctx, tx, &domain.StateLog{
			ID:        o.genID.Generate(),
			SagaID:    instance.SagaID,
			FromState: instance.CurrentState,
			ToState:   instance.CurrentState,
			EventType: domain.EventSagaStuck,
			Payload:   datatypes.JSON(body),
			CreatedAt: now,
		})
	})
	if err != nil {
		return false, err
	}
	if marked {
		o.log.Warn("saga stuck beyond SLA, manual intervention required",
			zap.String("saga_id", instance.SagaID),
			zap.String("booking_id", instance.BookingID),
			zap.String("state", string(instance.CurrentState)),
			zap.Duration("sla", sla),
		)
	}
	return marked, nil
}
