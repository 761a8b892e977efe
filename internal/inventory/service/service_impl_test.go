package service_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/smallbiznis/tripsaga/internal/command"
	"github.com/smallbiznis/tripsaga/internal/dedup"
	"github.com/smallbiznis/tripsaga/internal/inventory/domain"
	"github.com/smallbiznis/tripsaga/internal/inventory/repository"
	"github.com/smallbiznis/tripsaga/internal/inventory/service"
	outboxdomain "github.com/smallbiznis/tripsaga/internal/outbox/domain"
	sagadomain "github.com/smallbiznis/tripsaga/internal/saga/domain"
	"github.com/smallbiznis/tripsaga/internal/selfevent"
	"github.com/smallbiznis/tripsaga/internal/testsupport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	env        *testsupport.Env
	svc        *service.Service
	dispatcher *command.Dispatcher
}

func newFixture(t *testing.T, kind domain.Kind) *fixture {
	t.Helper()
	env := testsupport.NewEnv(t)
	svc := service.NewService(service.Params{
		Kind:   kind,
		DB:     env.DB,
		Log:    env.Log,
		GenID:  env.Node,
		Clock:  env.Clock,
		Repo:   repository.Provide(),
		Outbox: env.Outbox,
	})
	d := command.NewDispatcher(string(kind), env.DB, dedup.NewMemoryStore(), env.Log, env.Metrics)
	require.NoError(t, svc.RegisterCommands(d))
	return &fixture{env: env, svc: svc, dispatcher: d}
}

func reserveCommand(t *testing.T, action sagadomain.Action, bookingID, resourceID string, quantity int) sagadomain.Command {
	t.Helper()
	body, err := json.Marshal(sagadomain.ReservationCommand{ResourceID: resourceID, Quantity: quantity})
	require.NoError(t, err)
	return sagadomain.Command{SagaID: "saga-" + bookingID, BookingID: bookingID, Action: action, Payload: body}
}

type resultRow struct {
	EventType string
	Payload   map[string]any
}

func (f *fixture) results(t *testing.T, service string) []resultRow {
	t.Helper()
	var rows []outboxdomain.Event
	require.NoError(t, f.env.DB.Table(outboxdomain.TableName(service)).Order("id ASC").Find(&rows).Error)
	out := make([]resultRow, 0, len(rows))
	for _, row := range rows {
		r := resultRow{EventType: row.EventType}
		require.NoError(t, json.Unmarshal(row.Payload, &r.Payload))
		out = append(out, r)
	}
	return out
}

func TestReserveAndCancelFlight(t *testing.T) {
	f := newFixture(t, domain.KindFlight)
	ctx := context.Background()
	require.NoError(t, f.svc.Stock(ctx, "FL-1", 2))

	reserve := reserveCommand(t, sagadomain.ActionReserveFlight, "bk-1", "FL-1", 2)
	require.NoError(t, f.dispatcher.Dispatch(ctx, "cmd-1", reserve))
	// redelivery of the same command event is a no-op
	require.NoError(t, f.dispatcher.Dispatch(ctx, "cmd-1", reserve))

	available, err := f.svc.Available(ctx, "FL-1")
	require.NoError(t, err)
	assert.Zero(t, available)

	results := f.results(t, outboxdomain.ServiceFlight)
	require.Len(t, results, 1)
	assert.Equal(t, sagadomain.EventFlightReserved, results[0].EventType)
	assert.Equal(t, "bk-1", results[0].Payload["bookingId"])
	assert.Equal(t, "saga-bk-1", results[0].Payload["sagaId"])
	assert.Equal(t, "RESERVED", results[0].Payload["status"])

	cancel := sagadomain.Command{SagaID: "saga-bk-1", BookingID: "bk-1", Action: sagadomain.ActionCancelFlight}
	require.NoError(t, f.dispatcher.Dispatch(ctx, "cmd-2", cancel))
	// a second cancel with a new event id releases nothing more
	require.NoError(t, f.dispatcher.Dispatch(ctx, "cmd-3", cancel))

	available, err = f.svc.Available(ctx, "FL-1")
	require.NoError(t, err)
	assert.Equal(t, 2, available)

	reservation, err := f.svc.Reservation(ctx, "bk-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationCancelled, reservation.Status)

	results = f.results(t, outboxdomain.ServiceFlight)
	require.Len(t, results, 3)
	assert.Equal(t, sagadomain.EventFlightReservationCancelled, results[1].EventType)
	assert.Equal(t, sagadomain.EventFlightReservationCancelled, results[2].EventType)

	// reserving again after the cancellation is refused
	require.NoError(t, f.dispatcher.Dispatch(ctx, "cmd-4", reserve))
	results = f.results(t, outboxdomain.ServiceFlight)
	assert.Equal(t, sagadomain.EventFlightReservationFailed, results[3].EventType)
}

func TestReserveFailures(t *testing.T) {
	f := newFixture(t, domain.KindHotel)
	ctx := context.Background()
	require.NoError(t, f.svc.Stock(ctx, "HT-1", 1))

	require.NoError(t, f.dispatcher.Dispatch(ctx, "cmd-1", reserveCommand(t, sagadomain.ActionReserveHotel, "bk-1", "HT-1", 3)))
	require.NoError(t, f.dispatcher.Dispatch(ctx, "cmd-2", reserveCommand(t, sagadomain.ActionReserveHotel, "bk-2", "HT-404", 1)))

	results := f.results(t, outboxdomain.ServiceHotel)
	require.Len(t, results, 2)
	assert.Equal(t, sagadomain.EventHotelReservationFailed, results[0].EventType)
	assert.Equal(t, domain.ErrInsufficientInventory.Error(), results[0].Payload["reason"])
	assert.Equal(t, domain.ErrUnknownResource.Error(), results[1].Payload["reason"])

	available, err := f.svc.Available(ctx, "HT-1")
	require.NoError(t, err)
	assert.Equal(t, 1, available)
}

func TestCancelUnknownBookingStillAcknowledges(t *testing.T) {
	f := newFixture(t, domain.KindHotel)
	ctx := context.Background()

	require.NoError(t, f.dispatcher.Dispatch(ctx, "cmd-1", sagadomain.Command{SagaID: "s", BookingID: "bk-x", Action: sagadomain.ActionCancelHotel}))
	results := f.results(t, outboxdomain.ServiceHotel)
	require.Len(t, results, 1)
	assert.Equal(t, sagadomain.EventHotelReservationCancelled, results[0].EventType)
	assert.Equal(t, float64(0), results[0].Payload["released"])
}

func TestDispatcherSkipsSiblingAndUnknownActions(t *testing.T) {
	f := newFixture(t, domain.KindHotel)
	ctx := context.Background()

	require.NoError(t, f.dispatcher.Dispatch(ctx, "cmd-1", reserveCommand(t, sagadomain.ActionReserveFlight, "bk-1", "FL-1", 1)))
	require.NoError(t, f.dispatcher.Dispatch(ctx, "cmd-2", sagadomain.Command{SagaID: "s", BookingID: "bk-1", Action: "TELEPORT"}))

	assert.Empty(t, f.results(t, outboxdomain.ServiceHotel))
	assert.Equal(t, float64(1), testsupport.MetricValue(t, f.env.Registry, "tripsaga_command_unknown_action_total",
		map[string]string{"owner": "hotel", "action": "TELEPORT"}))
	assert.Zero(t, testsupport.MetricValue(t, f.env.Registry, "tripsaga_command_unknown_action_total",
		map[string]string{"action": string(sagadomain.ActionReserveFlight)}))
}

func TestVerifiersAcceptOwnResults(t *testing.T) {
	f := newFixture(t, domain.KindFlight)
	ctx := context.Background()
	require.NoError(t, f.svc.Stock(ctx, "FL-1", 5))

	consumer := selfevent.NewConsumer(outboxdomain.ServiceFlight, dedup.NewMemoryStore(),
		f.env.Outbox.Tracker(outboxdomain.ServiceFlight), selfevent.Options{}, f.env.Log, f.env.Metrics)
	require.NoError(t, f.svc.RegisterVerifiers(consumer))
	assert.Equal(t, []string{"flight.Flight.events"}, f.svc.SelfEventTopics())

	require.NoError(t, f.dispatcher.Dispatch(ctx, "cmd-1", reserveCommand(t, sagadomain.ActionReserveFlight, "bk-1", "FL-1", 1)))
	require.NoError(t, f.dispatcher.Dispatch(ctx, "cmd-2", sagadomain.Command{SagaID: "s", BookingID: "bk-2", Action: sagadomain.ActionCancelFlight}))

	var rows []outboxdomain.Event
	require.NoError(t, f.env.DB.Table(outboxdomain.TableName(outboxdomain.ServiceFlight)).Order("id ASC").Find(&rows).Error)
	require.Len(t, rows, 2)
	for _, row := range rows {
		msg, err := row.Message()
		require.NoError(t, err)
		assert.True(t, consumer.Process(ctx, msg.Value))
	}
	assert.Zero(t, testsupport.MetricValue(t, f.env.Registry, "tripsaga_integrity_warnings_total", nil))

	forged := []byte(`{"eventId":"forged","eventType":"FlightReservationCancelled","aggregateId":"bk-1","payload":{"bookingId":"bk-1","released":1}}`)
	assert.True(t, consumer.Process(ctx, forged))
	assert.Equal(t, float64(1), testsupport.MetricValue(t, f.env.Registry, "tripsaga_integrity_warnings_total", nil))
}
