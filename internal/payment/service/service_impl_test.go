package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/smallbiznis/tripsaga/internal/command"
	"github.com/smallbiznis/tripsaga/internal/dedup"
	outboxdomain "github.com/smallbiznis/tripsaga/internal/outbox/domain"
	"github.com/smallbiznis/tripsaga/internal/payment/domain"
	"github.com/smallbiznis/tripsaga/internal/payment/mocks"
	"github.com/smallbiznis/tripsaga/internal/payment/repository"
	"github.com/smallbiznis/tripsaga/internal/payment/service"
	sagadomain "github.com/smallbiznis/tripsaga/internal/saga/domain"
	"github.com/smallbiznis/tripsaga/internal/selfevent"
	"github.com/smallbiznis/tripsaga/internal/testsupport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	env        *testsupport.Env
	gateway    *mocks.MockGateway
	svc        *service.Service
	dispatcher *command.Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	env := testsupport.NewEnv(t)
	gw := mocks.NewMockGateway(gomock.NewController(t))
	svc := service.NewService(service.Params{
		DB:      env.DB,
		Log:     env.Log,
		GenID:   env.Node,
		Clock:   env.Clock,
		Repo:    repository.Provide(),
		Gateway: gw,
		Outbox:  env.Outbox,
	})
	d := command.NewDispatcher(outboxdomain.ServicePayment, env.DB, dedup.NewMemoryStore(), env.Log, env.Metrics)
	require.NoError(t, svc.RegisterCommands(d))
	return &fixture{env: env, gateway: gw, svc: svc, dispatcher: d}
}

func paymentCommand(t *testing.T, action sagadomain.Action, bookingID string, amount int64) sagadomain.Command {
	t.Helper()
	body, err := json.Marshal(sagadomain.PaymentCommand{CustomerID: "cust-1", Amount: amount, Currency: "USD"})
	require.NoError(t, err)
	return sagadomain.Command{SagaID: "saga-" + bookingID, BookingID: bookingID, Action: action, Payload: body}
}

type result struct {
	EventType string
	Payload   map[string]any
}

func (f *fixture) results(t *testing.T) []result {
	t.Helper()
	var rows []outboxdomain.Event
	require.NoError(t, f.env.DB.Table(outboxdomain.TableName(outboxdomain.ServicePayment)).Order("id ASC").Find(&rows).Error)
	out := make([]result, 0, len(rows))
	for _, row := range rows {
		r := result{EventType: row.EventType}
		require.NoError(t, json.Unmarshal(row.Payload, &r.Payload))
		assert.Equal(t, "payment.Payment.events", row.Topic)
		out = append(out, r)
	}
	return out
}

func TestProcessChargesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gateway.EXPECT().
		Charge(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req domain.ChargeRequest) (domain.ChargeResult, error) {
			assert.Equal(t, int64(4500), req.Amount)
			assert.Equal(t, "bk-1", req.BookingID)
			return domain.ChargeResult{Reference: "ch_1"}, nil
		}).
		Times(1)

	cmd := paymentCommand(t, sagadomain.ActionProcessPayment, "bk-1", 4500)
	require.NoError(t, f.dispatcher.Dispatch(ctx, "cmd-1", cmd))
	// a re-issued command replays the stored outcome
	require.NoError(t, f.dispatcher.Dispatch(ctx, "cmd-2", cmd))

	payment, err := f.svc.Get(ctx, "bk-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, payment.Status)
	assert.Equal(t, "ch_1", payment.Reference)

	txns, err := f.svc.Transactions(ctx, payment.PaymentID)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, domain.TransactionPayment, txns[0].Type)
	assert.Equal(t, string(sagadomain.ActionProcessPayment), txns[0].SagaStep)

	results := f.results(t)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, sagadomain.EventPaymentProcessed, r.EventType)
		assert.Equal(t, "ch_1", r.Payload["reference"])
		assert.Equal(t, "saga-bk-1", r.Payload["sagaId"])
	}
}

func TestProcessDeclinedReportsFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gateway.EXPECT().Charge(gomock.Any(), gomock.Any()).
		Return(domain.ChargeResult{}, fmt.Errorf("%w: card declined", domain.ErrDeclined))

	require.NoError(t, f.dispatcher.Dispatch(ctx, "cmd-1", paymentCommand(t, sagadomain.ActionProcessPayment, "bk-1", 4500)))

	payment, err := f.svc.Get(ctx, "bk-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, payment.Status)

	results := f.results(t)
	require.Len(t, results, 1)
	assert.Equal(t, sagadomain.EventPaymentFailed, results[0].EventType)
	assert.Contains(t, results[0].Payload["reason"], "card declined")
}

func TestProcessTransientErrorRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	gomock.InOrder(
		f.gateway.EXPECT().Charge(gomock.Any(), gomock.Any()).Return(domain.ChargeResult{}, errors.New("gateway timeout")),
		f.gateway.EXPECT().Charge(gomock.Any(), gomock.Any()).Return(domain.ChargeResult{Reference: "ch_2"}, nil),
	)
	cmd := paymentCommand(t, sagadomain.ActionProcessPayment, "bk-1", 4500)

	assert.Error(t, f.dispatcher.Dispatch(ctx, "cmd-1", cmd))
	_, err := f.svc.Get(ctx, "bk-1")
	assert.ErrorIs(t, err, domain.ErrPaymentNotFound)
	assert.Empty(t, f.results(t))

	require.NoError(t, f.dispatcher.Dispatch(ctx, "cmd-1", cmd))
	results := f.results(t)
	require.Len(t, results, 1)
	assert.Equal(t, sagadomain.EventPaymentProcessed, results[0].EventType)
}

func TestRefundAndCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gateway.EXPECT().Charge(gomock.Any(), gomock.Any()).Return(domain.ChargeResult{Reference: "ch_1"}, nil).Times(2)
	f.gateway.EXPECT().Refund(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req domain.RefundRequest) error {
			assert.Equal(t, "ch_1", req.Reference)
			return nil
		}).Times(1)
	f.gateway.EXPECT().Void(gomock.Any(), "ch_1").Return(nil).Times(1)

	require.NoError(t, f.dispatcher.Dispatch(ctx, "cmd-1", paymentCommand(t, sagadomain.ActionProcessPayment, "bk-1", 4500)))
	refund := paymentCommand(t, sagadomain.ActionRefundPayment, "bk-1", 4500)
	require.NoError(t, f.dispatcher.Dispatch(ctx, "cmd-2", refund))
	require.NoError(t, f.dispatcher.Dispatch(ctx, "cmd-3", refund))

	payment, err := f.svc.Get(ctx, "bk-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRefunded, payment.Status)
	txns, err := f.svc.Transactions(ctx, payment.PaymentID)
	require.NoError(t, err)
	assert.Len(t, txns, 2)

	require.NoError(t, f.dispatcher.Dispatch(ctx, "cmd-4", paymentCommand(t, sagadomain.ActionProcessPayment, "bk-2", 100)))
	require.NoError(t, f.dispatcher.Dispatch(ctx, "cmd-5", paymentCommand(t, sagadomain.ActionCancelPayment, "bk-2", 100)))
	payment, err = f.svc.Get(ctx, "bk-2")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, payment.Status)

	results := f.results(t)
	require.Len(t, results, 5)
	assert.Equal(t, sagadomain.EventPaymentRefunded, results[1].EventType)
	assert.Equal(t, float64(4500), results[1].Payload["refunded"])
	assert.Equal(t, float64(0), results[2].Payload["refunded"])
	assert.Equal(t, sagadomain.EventPaymentCancelled, results[4].EventType)
	assert.Equal(t, true, results[4].Payload["voided"])
}

func TestCancelBeforeChargeBlocksLateCharge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.dispatcher.Dispatch(ctx, "cmd-1", paymentCommand(t, sagadomain.ActionCancelPayment, "bk-1", 4500)))
	require.NoError(t, f.dispatcher.Dispatch(ctx, "cmd-2", paymentCommand(t, sagadomain.ActionProcessPayment, "bk-1", 4500)))
	require.NoError(t, f.dispatcher.Dispatch(ctx, "cmd-3", sagadomain.Command{SagaID: "s", BookingID: "bk-9", Action: sagadomain.ActionRefundPayment}))

	results := f.results(t)
	require.Len(t, results, 3)
	assert.Equal(t, sagadomain.EventPaymentCancelled, results[0].EventType)
	assert.Equal(t, false, results[0].Payload["voided"])
	assert.Equal(t, sagadomain.EventPaymentFailed, results[1].EventType)
	assert.Equal(t, "payment already reversed", results[1].Payload["reason"])
	assert.Equal(t, sagadomain.EventPaymentRefunded, results[2].EventType)
}

func TestVerifiersCheckPaymentState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gateway.EXPECT().Charge(gomock.Any(), gomock.Any()).Return(domain.ChargeResult{Reference: "ch_1"}, nil)

	consumer := selfevent.NewConsumer(outboxdomain.ServicePayment, dedup.NewMemoryStore(),
		f.env.Outbox.Tracker(outboxdomain.ServicePayment), selfevent.Options{}, f.env.Log, f.env.Metrics)
	require.NoError(t, f.svc.RegisterVerifiers(consumer))

	require.NoError(t, f.dispatcher.Dispatch(ctx, "cmd-1", paymentCommand(t, sagadomain.ActionProcessPayment, "bk-1", 4500)))
	require.NoError(t, f.dispatcher.Dispatch(ctx, "cmd-2", sagadomain.Command{SagaID: "s", BookingID: "bk-2", Action: sagadomain.ActionRefundPayment}))

	var rows []outboxdomain.Event
	require.NoError(t, f.env.DB.Table(outboxdomain.TableName(outboxdomain.ServicePayment)).Order("id ASC").Find(&rows).Error)
	require.Len(t, rows, 2)
	for _, row := range rows {
		msg, err := row.Message()
		require.NoError(t, err)
		assert.True(t, consumer.Process(ctx, msg.Value))
	}
	assert.Zero(t, testsupport.MetricValue(t, f.env.Registry, "tripsaga_integrity_warnings_total", nil))

	forged := []byte(`{"eventId":"forged","eventType":"PaymentProcessed","aggregateId":"bk-1","payload":{"bookingId":"bk-1","reference":"ch_other"}}`)
	assert.True(t, consumer.Process(ctx, forged))
	assert.Equal(t, float64(1), testsupport.MetricValue(t, f.env.Registry, "tripsaga_integrity_warnings_total",
		map[string]string{"owner": "payment", "event_type": sagadomain.EventPaymentProcessed}))
}
