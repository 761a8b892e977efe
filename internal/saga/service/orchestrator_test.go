package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	bookingdomain "github.com/smallbiznis/tripsaga/internal/booking/domain"
	bookingrepo "github.com/smallbiznis/tripsaga/internal/booking/repository"
	"github.com/smallbiznis/tripsaga/internal/broker"
	"github.com/smallbiznis/tripsaga/internal/config"
	"github.com/smallbiznis/tripsaga/internal/dedup"
	outboxdomain "github.com/smallbiznis/tripsaga/internal/outbox/domain"
	"github.com/smallbiznis/tripsaga/internal/saga/domain"
	"github.com/smallbiznis/tripsaga/internal/saga/repository"
	"github.com/smallbiznis/tripsaga/internal/saga/service"
	"github.com/smallbiznis/tripsaga/internal/testsupport"
	"github.com/smallbiznis/tripsaga/pkg/telemetry/correlation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type harness struct {
	env          *testsupport.Env
	repo         domain.Repository
	bookings     bookingdomain.Repository
	orchestrator *service.Orchestrator
}

func newHarness(t *testing.T, repo domain.Repository) *harness {
	t.Helper()
	env := testsupport.NewEnv(t)
	if repo == nil {
		repo = repository.Provide()
	}
	bookings := bookingrepo.Provide()
	o := service.NewOrchestrator(service.Params{
		DB:       env.DB,
		Log:      env.Log,
		GenID:    env.Node,
		Clock:    env.Clock,
		Repo:     repo,
		Bookings: bookings,
		Outbox:   env.Outbox,
		Tuning: config.NewStaticTuning(config.Tuning{
			StuckSLA:        30 * time.Minute,
			ConflictRetries: 3,
			MaxSelfAttempts: 3,
		}),
		Metrics: env.Metrics,
	})
	return &harness{env: env, repo: repo, bookings: bookings, orchestrator: o}
}

func (h *harness) start(t *testing.T, bookingType domain.BookingType) *domain.Instance {
	t.Helper()
	bookingID := "bk-" + uuid.NewString()[:8]
	var instance *domain.Instance
	err := h.env.DB.Transaction(func(tx *gorm.DB) error {
		now := h.env.Clock.Now()
		if err := h.bookings.Insert(context.Background(), tx, &bookingdomain.Booking{
			BookingID:   bookingID,
			CustomerID:  "cust-1",
			BookingType: bookingType,
			TotalAmount: 42000,
			Currency:    "USD",
			Status:      bookingdomain.StatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}); err != nil {
			return err
		}
		var err error
		instance, err = h.orchestrator.StartTx(context.Background(), tx, bookingID, domain.StepContext{
			BookingType: bookingType,
			CustomerID:  "cust-1",
			TotalAmount: 42000,
			Currency:    "USD",
			Flight:      &domain.ReservationDetails{ResourceID: "FL-1", Quantity: 1},
			Hotel:       &domain.ReservationDetails{ResourceID: "HT-1", Quantity: 2},
		})
		return err
	})
	require.NoError(t, err)
	return instance
}

func (h *harness) deliver(t *testing.T, instance *domain.Instance, eventType string, fields map[string]any) domain.Decision {
	t.Helper()
	d, err := h.orchestrator.HandleResult(context.Background(), resultFor(instance, eventType, fields))
	require.NoError(t, err)
	return d
}

func resultFor(instance *domain.Instance, eventType string, fields map[string]any) domain.ResultEvent {
	payload := map[string]any{"sagaId": instance.SagaID, "bookingId": instance.BookingID}
	for k, v := range fields {
		payload[k] = v
	}
	body, _ := json.Marshal(payload)
	return domain.ResultEvent{
		EventID:   uuid.NewString(),
		EventType: eventType,
		SagaID:    instance.SagaID,
		BookingID: instance.BookingID,
		Reason:    stringField(fields, "reason"),
		Reference: stringField(fields, "reference"),
		Payload:   body,
	}
}

func stringField(fields map[string]any, key string) string {
	v, _ := fields[key].(string)
	return v
}

// commands lists the actions the orchestrator wrote to its outbox, oldest first.
func (h *harness) commands(t *testing.T, bookingID string) []string {
	t.Helper()
	var out []string
	err := h.env.DB.Table(outboxdomain.TableName(outboxdomain.ServiceBooking)).
		Where("partition_key = ? AND topic LIKE ?", bookingID, "%-saga-commands").
		Order("id ASC").
		Pluck("event_type", &out).Error
	require.NoError(t, err)
	return out
}

func (h *harness) events(t *testing.T) []string {
	t.Helper()
	var out []string
	err := h.env.DB.Table(outboxdomain.TableName(outboxdomain.ServiceBooking)).
		Where("topic LIKE ?", "booking.%").
		Order("id ASC").
		Pluck("event_type", &out).Error
	require.NoError(t, err)
	return out
}

func (h *harness) instance(t *testing.T, sagaID string) *domain.Instance {
	t.Helper()
	inst, err := h.repo.FindByID(context.Background(), h.env.DB, sagaID)
	require.NoError(t, err)
	require.NotNil(t, inst)
	return inst
}

func TestStartTxPersistsSagaAndFirstCommand(t *testing.T) {
	h := newHarness(t, nil)
	ctx := correlation.ContextWithCorrelationID(context.Background(), "corr-start")

	var instance *domain.Instance
	require.NoError(t, h.env.DB.Transaction(func(tx *gorm.DB) error {
		var err error
		instance, err = h.orchestrator.StartTx(ctx, tx, "bk-1", domain.StepContext{
			BookingType: domain.BookingTypeCombo,
			CustomerID:  "cust-1",
			TotalAmount: 100,
			Currency:    "USD",
		})
		return err
	}))

	stored := h.instance(t, instance.SagaID)
	assert.Equal(t, domain.StateBookingInitiated, stored.CurrentState)
	assert.Equal(t, int64(0), stored.Version)
	sc, err := stored.Context()
	require.NoError(t, err)
	assert.Equal(t, []domain.StepName{domain.StepFlightReservation, domain.StepHotelReservation, domain.StepPayment}, sc.Plan)

	steps, err := h.repo.ListSteps(ctx, h.env.DB, instance.SagaID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, domain.StepFlightReservation, steps[0].StepName)
	assert.Equal(t, domain.StepRunning, steps[0].Status)
	assert.NotEmpty(t, steps[0].RequestPayload)

	logs, err := h.repo.ListStateLogs(ctx, h.env.DB, instance.SagaID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, domain.StateBookingInitiated, logs[0].ToState)
	assert.Equal(t, domain.EventSagaStarted, logs[0].EventType)

	assert.Equal(t, []string{"RESERVE_FLIGHT"}, h.commands(t, "bk-1"))
	assert.Equal(t, []string{domain.EventSagaStarted}, h.events(t))

	var row outboxdomain.Event
	require.NoError(t, h.env.DB.Table(outboxdomain.TableName(outboxdomain.ServiceBooking)).
		Where("event_type = ?", "RESERVE_FLIGHT").Take(&row).Error)
	assert.Equal(t, outboxdomain.TopicBookingCommands, row.Topic)
	var cmd domain.Command
	require.NoError(t, json.Unmarshal(row.Payload, &cmd))
	assert.Equal(t, instance.SagaID, cmd.SagaID)
	assert.Equal(t, "bk-1", cmd.BookingID)
	assert.Equal(t, "corr-start", cmd.CorrelationID)
}

func TestStartTxRejectsUnknownBookingType(t *testing.T) {
	h := newHarness(t, nil)
	err := h.env.DB.Transaction(func(tx *gorm.DB) error {
		_, err := h.orchestrator.StartTx(context.Background(), tx, "bk-1", domain.StepContext{BookingType: "CRUISE"})
		return err
	})
	assert.ErrorIs(t, err, domain.ErrUnknownBookingType)
}

func TestScenarioPaymentProcessedCompletesBooking(t *testing.T) {
	h := newHarness(t, nil)
	instance := h.start(t, domain.BookingTypeFlight)

	h.deliver(t, instance, domain.EventFlightReserved, nil)
	assert.Equal(t, domain.StatePaymentProcessing, h.instance(t, instance.SagaID).CurrentState)

	store := dedup.NewMemoryStore()
	consumer := service.NewResultConsumer(h.orchestrator, store, h.env.Log)
	msg := resultMessage(t, resultFor(instance, domain.EventPaymentProcessed, map[string]any{"reference": "sim_1"}))
	require.NoError(t, consumer.Handle(context.Background(), msg))

	done := h.instance(t, instance.SagaID)
	assert.Equal(t, domain.StateBookingCompleted, done.CurrentState)
	assert.False(t, done.IsCompensating)
	require.NotNil(t, done.CompletedAt)
	sc, err := done.Context()
	require.NoError(t, err)
	assert.Equal(t, "sim_1", sc.PaymentReference)
	assert.Regexp(t, `^CNF-\d+$`, sc.ConfirmationNumber)

	booking, err := h.bookings.FindByID(context.Background(), h.env.DB, instance.BookingID)
	require.NoError(t, err)
	assert.Equal(t, bookingdomain.StatusConfirmed, booking.Status)
	assert.Equal(t, sc.ConfirmationNumber, booking.ConfirmationNumber)

	before := h.commands(t, instance.BookingID)
	assert.Equal(t, []string{"RESERVE_FLIGHT", "PROCESS_PAYMENT", "SEND_NOTIFICATION"}, before)

	for i := 0; i < 3; i++ {
		require.NoError(t, consumer.Handle(context.Background(), msg))
	}
	// a redelivery past the dedup window is still absorbed by the step status
	_, err = h.orchestrator.HandleResult(context.Background(), resultFor(instance, domain.EventPaymentProcessed, nil))
	require.NoError(t, err)

	assert.Equal(t, before, h.commands(t, instance.BookingID))
	assert.Equal(t, done.Version, h.instance(t, instance.SagaID).Version)
	assert.Equal(t, []string{
		domain.EventSagaStarted,
		domain.EventSagaCompleted,
		domain.EventBookingConfirmed,
	}, h.events(t))
}

func TestScenarioPaymentFailedReleasesInventory(t *testing.T) {
	h := newHarness(t, nil)
	instance := h.start(t, domain.BookingTypeFlight)

	h.deliver(t, instance, domain.EventFlightReserved, nil)
	d := h.deliver(t, instance, domain.EventPaymentFailed, map[string]any{"reason": "card declined"})
	assert.True(t, d.IsCompensating)

	mid := h.instance(t, instance.SagaID)
	assert.Equal(t, domain.StatePaymentFailed, mid.CurrentState)
	assert.True(t, mid.IsCompensating)
	assert.Equal(t, "PAYMENT failed: card declined", mid.CompensationReason)
	assert.Equal(t, []string{"RESERVE_FLIGHT", "PROCESS_PAYMENT", "CANCEL_FLIGHT_RESERVATION"}, h.commands(t, instance.BookingID))

	// forward duplicates are ignored while compensating
	ignored := h.deliver(t, instance, domain.EventFlightReserved, nil)
	assert.True(t, ignored.Ignored)

	h.deliver(t, instance, domain.EventFlightReservationCancelled, nil)
	final := h.instance(t, instance.SagaID)
	assert.Equal(t, domain.StateBookingCancelled, final.CurrentState)

	booking, err := h.bookings.FindByID(context.Background(), h.env.DB, instance.BookingID)
	require.NoError(t, err)
	assert.Equal(t, bookingdomain.StatusCancelled, booking.Status)

	view, err := h.orchestrator.Get(context.Background(), instance.SagaID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepCompensated, view.Current[domain.StepFlightReservation])
	assert.Equal(t, domain.StepFailed, view.Current[domain.StepPayment])

	var states []domain.State
	for _, l := range view.StateLogs {
		states = append(states, l.ToState)
	}
	assert.Equal(t, []domain.State{
		domain.StateBookingInitiated,
		domain.StateInventoryReserved,
		domain.StatePaymentProcessing,
		domain.StatePaymentFailed,
		domain.StateBookingCancelled,
	}, states)
}

func TestThreeStepCompensationIssuesOnlyCompletedSteps(t *testing.T) {
	h := newHarness(t, nil)
	instance := h.start(t, domain.BookingTypeCombo)

	h.deliver(t, instance, domain.EventFlightReserved, nil)
	h.deliver(t, instance, domain.EventHotelReservationFailed, map[string]any{"reason": "sold out"})

	cmds := h.commands(t, instance.BookingID)
	assert.Equal(t, []string{"RESERVE_FLIGHT", "RESERVE_HOTEL", "CANCEL_FLIGHT_RESERVATION"}, cmds)
	assert.NotContains(t, cmds, "PROCESS_PAYMENT")
	assert.NotContains(t, cmds, "REFUND_PAYMENT")

	h.deliver(t, instance, domain.EventFlightReservationCancelled, nil)
	assert.Equal(t, domain.StateBookingCancelled, h.instance(t, instance.SagaID).CurrentState)
	assert.Equal(t, []string{"RESERVE_FLIGHT", "RESERVE_HOTEL", "CANCEL_FLIGHT_RESERVATION", "SEND_NOTIFICATION"}, h.commands(t, instance.BookingID))
}

func TestCancellationCompensatesRunningStep(t *testing.T) {
	h := newHarness(t, nil)
	instance := h.start(t, domain.BookingTypeHotel)

	h.deliver(t, instance, domain.EventCancellationRequested, map[string]any{"reason": "customer changed plans"})
	assert.Equal(t, []string{"RESERVE_HOTEL", "CANCEL_HOTEL_RESERVATION"}, h.commands(t, instance.BookingID))

	// the reservation lands after the cancel and is still undone
	h.deliver(t, instance, domain.EventHotelReserved, nil)
	h.deliver(t, instance, domain.EventHotelReservationCancelled, nil)

	final := h.instance(t, instance.SagaID)
	assert.Equal(t, domain.StateBookingCancelled, final.CurrentState)
	assert.Equal(t, "customer changed plans", final.CompensationReason)
}

type conflictingRepo struct {
	domain.Repository
	failures int
}

func (r *conflictingRepo) UpdateVersioned(ctx context.Context, db *gorm.DB, instance *domain.Instance, expected int64) error {
	if r.failures > 0 {
		r.failures--
		return domain.ErrConcurrentUpdate
	}
	return r.Repository.UpdateVersioned(ctx, db, instance, expected)
}

func TestHandleResultRetriesVersionConflicts(t *testing.T) {
	repo := &conflictingRepo{Repository: repository.Provide(), failures: 2}
	h := newHarness(t, repo)
	instance := h.start(t, domain.BookingTypeFlight)

	d := h.deliver(t, instance, domain.EventFlightReserved, nil)
	assert.Equal(t, domain.StatePaymentProcessing, d.State)
	assert.Equal(t, int64(1), h.instance(t, instance.SagaID).Version)
	assert.Equal(t, float64(2), testsupport.MetricValue(t, h.env.Registry, "tripsaga_saga_version_conflicts_total", nil))
	// rolled back attempts leave no duplicate commands behind
	assert.Equal(t, []string{"RESERVE_FLIGHT", "PROCESS_PAYMENT"}, h.commands(t, instance.BookingID))

	repo.failures = 10
	_, err := h.orchestrator.HandleResult(context.Background(), resultFor(instance, domain.EventPaymentProcessed, nil))
	assert.ErrorIs(t, err, domain.ErrConcurrentUpdate)
	assert.Equal(t, domain.StatePaymentProcessing, h.instance(t, instance.SagaID).CurrentState)
}

func TestHandleResultUnknownSaga(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.orchestrator.HandleResult(context.Background(), domain.ResultEvent{
		EventID:   "e-1",
		EventType: domain.EventPaymentProcessed,
		SagaID:    "missing",
	})
	assert.ErrorIs(t, err, domain.ErrSagaNotFound)

	_, err = h.orchestrator.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrSagaNotFound)
}

func TestReportStuckOnce(t *testing.T) {
	h := newHarness(t, nil)
	stuck := h.start(t, domain.BookingTypeFlight)
	done := h.start(t, domain.BookingTypeFlight)
	h.deliver(t, done, domain.EventFlightReservationFailed, nil)

	h.env.Clock.Advance(time.Hour)
	fresh := h.start(t, domain.BookingTypeHotel)

	reported, err := h.orchestrator.ReportStuck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, reported)
	assert.Equal(t, float64(1), testsupport.MetricValue(t, h.env.Registry, "tripsaga_saga_stuck", nil))

	reported, err = h.orchestrator.ReportStuck(context.Background())
	require.NoError(t, err)
	assert.Zero(t, reported)

	view, err := h.orchestrator.Get(context.Background(), stuck.SagaID)
	require.NoError(t, err)
	last := view.StateLogs[len(view.StateLogs)-1]
	assert.Equal(t, domain.EventSagaStuck, last.EventType)
	assert.Equal(t, domain.StateBookingInitiated, last.ToState)
	assert.Equal(t, domain.StateBookingInitiated, h.instance(t, fresh.SagaID).CurrentState)

	// progress clears the marker and the gauge follows
	h.deliver(t, stuck, domain.EventFlightReserved, nil)
	_, err = h.orchestrator.ReportStuck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, float64(0), testsupport.MetricValue(t, h.env.Registry, "tripsaga_saga_stuck", nil))
}

func TestResultConsumerDropsMalformedAndUnknown(t *testing.T) {
	h := newHarness(t, nil)
	store := dedup.NewMemoryStore()
	consumer := service.NewResultConsumer(h.orchestrator, store, h.env.Log)
	ctx := context.Background()

	require.NoError(t, consumer.Handle(ctx, broker.Message{Topic: "payment.Payment.events", Value: []byte("{not json")}))
	require.NoError(t, consumer.Handle(ctx, broker.Message{Topic: "payment.Payment.events", Value: []byte(`{"eventId":"x","eventType":"SomethingElse"}`)}))

	ghost := &domain.Instance{SagaID: "ghost", BookingID: "bk-ghost"}
	msg := resultMessage(t, resultFor(ghost, domain.EventPaymentProcessed, nil))
	require.NoError(t, consumer.Handle(ctx, msg))

	var env outboxdomain.Envelope
	require.NoError(t, json.Unmarshal(msg.Value, &env))
	seen, err := store.IsProcessed(ctx, dedup.ProcessedKey(service.ResultGroup, env.EventID))
	require.NoError(t, err)
	assert.True(t, seen)
}

func resultMessage(t *testing.T, evt domain.ResultEvent) broker.Message {
	t.Helper()
	body, err := json.Marshal(outboxdomain.Envelope{
		EventID:       evt.EventID,
		EventType:     evt.EventType,
		AggregateID:   evt.BookingID,
		AggregateType: "Payment",
		Payload:       evt.Payload,
		Timestamp:     testsupport.Epoch,
	})
	require.NoError(t, err)
	return broker.Message{
		Topic:   "payment.Payment.events",
		Key:     evt.BookingID,
		Value:   body,
		Headers: map[string]string{broker.HeaderEventID: evt.EventID},
	}
}

func TestReportStuckUsesLastUpdate(t *testing.T) {
	h := newHarness(t, nil)
	idle := h.start(t, domain.BookingTypeHotel)
	active := h.start(t, domain.BookingTypeHotel)

	accelerator := testsupport.NewTimeAccelerator(h.env.DB)
	require.NoError(t, accelerator.BackdateSaga(context.Background(), idle.SagaID, h.env.Clock.Now().Add(-time.Hour)))

	reported, err := h.orchestrator.ReportStuck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, reported)

	view, err := h.orchestrator.Get(context.Background(), active.SagaID)
	require.NoError(t, err)
	for _, entry := range view.StateLogs {
		assert.NotEqual(t, domain.EventSagaStuck, entry.EventType)
	}
}

func TestResultConsumerAcknowledgesResultsThatCannotApply(t *testing.T) {
	h := newHarness(t, nil)
	store := dedup.NewMemoryStore()
	consumer := service.NewResultConsumer(h.orchestrator, store, h.env.Log)
	ctx := context.Background()

	instance := h.start(t, domain.BookingTypeHotel)
	require.NoError(t, h.env.DB.Model(&domain.Instance{}).
		Where("saga_id = ?", instance.SagaID).
		Update("step_context", "{broken").Error)

	msg := resultMessage(t, resultFor(instance, domain.EventHotelReserved, nil))
	require.NoError(t, consumer.Handle(ctx, msg))

	seen, err := store.IsProcessed(ctx, dedup.ProcessedKey(service.ResultGroup, msg.Header(broker.HeaderEventID)))
	require.NoError(t, err)
	assert.True(t, seen)
	assert.Equal(t, float64(1), testsupport.MetricValue(t, h.env.Registry, "tripsaga_saga_results_dropped_total",
		map[string]string{"reason": domain.ErrCorruptStepContext.Error()}))
}

func TestResultConsumerReturnsRetryableErrors(t *testing.T) {
	h := newHarness(t, &conflictingRepo{Repository: repository.Provide(), failures: 1000})
	store := dedup.NewMemoryStore()
	consumer := service.NewResultConsumer(h.orchestrator, store, h.env.Log)
	ctx := context.Background()

	instance := h.start(t, domain.BookingTypeHotel)
	msg := resultMessage(t, resultFor(instance, domain.EventHotelReserved, nil))
	err := consumer.Handle(ctx, msg)
	require.ErrorIs(t, err, domain.ErrConcurrentUpdate)

	seen, err := store.IsProcessed(ctx, dedup.ProcessedKey(service.ResultGroup, msg.Header(broker.HeaderEventID)))
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestPoisonReasonClassifiesPermanentErrors(t *testing.T) {
	reason, ok := domain.PoisonReason(fmt.Errorf("apply: %w", domain.ErrInvalidTransition))
	assert.True(t, ok)
	assert.Equal(t, domain.ErrInvalidTransition.Error(), reason)

	_, ok = domain.PoisonReason(domain.ErrCompensationInvariant)
	assert.True(t, ok)
	_, ok = domain.PoisonReason(domain.ErrConcurrentUpdate)
	assert.False(t, ok)
	_, ok = domain.PoisonReason(errors.New("connection reset"))
	assert.False(t, ok)
}
