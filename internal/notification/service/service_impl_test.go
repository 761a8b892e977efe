package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/smallbiznis/tripsaga/internal/command"
	"github.com/smallbiznis/tripsaga/internal/dedup"
	"github.com/smallbiznis/tripsaga/internal/notification/domain"
	"github.com/smallbiznis/tripsaga/internal/notification/repository"
	"github.com/smallbiznis/tripsaga/internal/notification/service"
	outboxdomain "github.com/smallbiznis/tripsaga/internal/outbox/domain"
	sagadomain "github.com/smallbiznis/tripsaga/internal/saga/domain"
	"github.com/smallbiznis/tripsaga/internal/selfevent"
	"github.com/smallbiznis/tripsaga/internal/testsupport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockEmail struct {
	mock.Mock
}

func (m *mockEmail) Send(ctx context.Context, to []string, subject string, htmlBody string) error {
	args := m.Called(to, subject, htmlBody)
	return args.Error(0)
}

type fixture struct {
	env        *testsupport.Env
	email      *mockEmail
	svc        *service.Service
	dispatcher *command.Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	env := testsupport.NewEnv(t)
	mailer := &mockEmail{}
	svc := service.NewService(service.Params{
		DB:     env.DB,
		Log:    env.Log,
		GenID:  env.Node,
		Clock:  env.Clock,
		Repo:   repository.Provide(),
		Email:  mailer,
		Outbox: env.Outbox,
	})
	d := command.NewDispatcher(outboxdomain.ServiceNotification, env.DB, dedup.NewMemoryStore(), env.Log, env.Metrics)
	require.NoError(t, svc.RegisterCommands(d))
	return &fixture{env: env, email: mailer, svc: svc, dispatcher: d}
}

func notify(t *testing.T, bookingID string, req sagadomain.NotificationCommand) sagadomain.Command {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	return sagadomain.Command{SagaID: "saga-" + bookingID, BookingID: bookingID, Action: sagadomain.ActionSendNotification, Payload: body}
}

func (f *fixture) eventTypes(t *testing.T) []string {
	t.Helper()
	var out []string
	require.NoError(t, f.env.DB.Table(outboxdomain.TableName(outboxdomain.ServiceNotification)).
		Order("id ASC").Pluck("event_type", &out).Error)
	return out
}

func TestSendDeliversEmailOncePerTemplate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.email.On("Send", []string{"ana@example.com"}, "Your trip is booked", mock.MatchedBy(func(body string) bool {
		return strings.Contains(body, "CNF-1")
	})).Return(nil).Once()

	cmd := notify(t, "bk-1", sagadomain.NotificationCommand{
		CustomerID:         "ana@example.com",
		Channel:            sagadomain.ChannelEmail,
		Template:           sagadomain.TemplateBookingConfirmed,
		ConfirmationNumber: "CNF-1",
	})
	require.NoError(t, f.dispatcher.Dispatch(ctx, "cmd-1", cmd))
	require.NoError(t, f.dispatcher.Dispatch(ctx, "cmd-2", cmd))
	f.email.AssertExpectations(t)

	item, err := f.svc.Find(ctx, "bk-1", sagadomain.TemplateBookingConfirmed)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "booking-confirmed", item.Template)
	assert.Equal(t, domain.StatusSent, item.Status)
	assert.Equal(t, []string{sagadomain.EventNotificationSent, sagadomain.EventNotificationSent}, f.eventTypes(t))
}

func TestSendSkipsUndeliverableAndDropsInvalid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.dispatcher.Dispatch(ctx, "cmd-1", notify(t, "bk-1", sagadomain.NotificationCommand{
		CustomerID: "cust-1",
		Template:   sagadomain.TemplateBookingCancelled,
		Reason:     "payment failed",
	})))
	require.NoError(t, f.dispatcher.Dispatch(ctx, "cmd-2", sagadomain.Command{SagaID: "s", BookingID: "bk-2", Action: sagadomain.ActionSendNotification}))
	f.email.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)

	item, err := f.svc.Find(ctx, "bk-1", "booking-cancelled")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, domain.StatusSkipped, item.Status)
	assert.Equal(t, sagadomain.ChannelEmail, item.Channel)
	assert.Equal(t, []string{sagadomain.EventNotificationSent}, f.eventTypes(t))
}

func TestSendFailureIsRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.email.On("Send", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("smtp down")).Once()
	f.email.On("Send", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()

	cmd := notify(t, "bk-1", sagadomain.NotificationCommand{CustomerID: "ana@example.com", Template: sagadomain.TemplateBookingCancelled})
	assert.Error(t, f.dispatcher.Dispatch(ctx, "cmd-1", cmd))
	assert.Empty(t, f.eventTypes(t))
	require.NoError(t, f.dispatcher.Dispatch(ctx, "cmd-1", cmd))
	assert.Len(t, f.eventTypes(t), 1)
}

func TestVerifierMatchesRecordedNotification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	consumer := selfevent.NewConsumer(outboxdomain.ServiceNotification, dedup.NewMemoryStore(),
		f.env.Outbox.Tracker(outboxdomain.ServiceNotification), selfevent.Options{}, f.env.Log, f.env.Metrics)
	require.NoError(t, f.svc.RegisterVerifiers(consumer))
	assert.Equal(t, []string{"notification.Notification.events"}, service.SelfEventTopics)

	require.NoError(t, f.dispatcher.Dispatch(ctx, "cmd-1", notify(t, "bk-1", sagadomain.NotificationCommand{
		CustomerID: "cust-1",
		Template:   sagadomain.TemplateBookingConfirmed,
	})))

	var row outboxdomain.Event
	require.NoError(t, f.env.DB.Table(outboxdomain.TableName(outboxdomain.ServiceNotification)).Take(&row).Error)
	msg, err := row.Message()
	require.NoError(t, err)
	assert.True(t, consumer.Process(ctx, msg.Value))
	assert.Zero(t, testsupport.MetricValue(t, f.env.Registry, "tripsaga_integrity_warnings_total", nil))

	forged := []byte(`{"eventId":"forged","eventType":"NotificationSent","payload":{"bookingId":"bk-1","template":"booking-confirmed","notificationId":"1"}}`)
	assert.True(t, consumer.Process(ctx, forged))
	assert.Equal(t, float64(1), testsupport.MetricValue(t, f.env.Registry, "tripsaga_integrity_warnings_total", nil))
}
