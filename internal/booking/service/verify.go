package service

import (
	"context"

	"github.com/smallbiznis/tripsaga/internal/booking/domain"
	outboxdomain "github.com/smallbiznis/tripsaga/internal/outbox/domain"
	sagadomain "github.com/smallbiznis/tripsaga/internal/saga/domain"
	"github.com/smallbiznis/tripsaga/internal/selfevent"
)

// SelfEventTopics are the topics the booking outbox publishes to.
var SelfEventTopics = []string{
	outboxdomain.DefaultTopic(outboxdomain.ServiceBooking, sagadomain.AggregateSaga),
	outboxdomain.DefaultTopic(outboxdomain.ServiceBooking, sagadomain.AggregateBooking),
}

type eventRef struct {
	SagaID             string `json:"sagaId"`
	BookingID          string `json:"bookingId"`
	ConfirmationNumber string `json:"confirmationNumber"`
}

// RegisterVerifiers wires the booking handler table into c. Each handler checks
// that local state matches what the event claims.
func (s *Service) RegisterVerifiers(c *selfevent.Consumer) error {
	handlers := map[string]selfevent.Handler{
		sagadomain.EventSagaStarted:           s.verifySaga(nil),
		sagadomain.EventSagaCompleted:         s.verifySaga([]sagadomain.State{sagadomain.StateBookingCompleted}),
		sagadomain.EventSagaCompensated:       s.verifySaga([]sagadomain.State{sagadomain.StateBookingCancelled}),
		sagadomain.EventSagaFailed:            s.verifySaga([]sagadomain.State{sagadomain.StateBookingCancelled}),
		sagadomain.EventBookingCreated:        s.verifyBooking(""),
		sagadomain.EventBookingConfirmed:      s.verifyBooking(domain.StatusConfirmed),
		sagadomain.EventBookingCancelled:      s.verifyBooking(domain.StatusCancelled),
		sagadomain.EventCancellationRequested: s.verifyBooking(""),
	}
	for eventType, h := range handlers {
		if err := c.Register(eventType, h); err != nil {
			return err
		}
	}
	return nil
}

// verifySaga checks the saga exists and, when states is set, has reached one of them.
func (s *Service) verifySaga(states []sagadomain.State) selfevent.Handler {
	return func(ctx context.Context, evt selfevent.Event) error {
		var ref eventRef
		if err := evt.Decode(&ref); err != nil {
			return selfevent.Mismatch("undecodable payload: %v", err)
		}
		sagaID := ref.SagaID
		if sagaID == "" {
			sagaID = evt.AggregateID
		}
		instance, err := s.sagas.FindByID(ctx, s.db, sagaID)
		if err != nil {
			return err
		}
		if instance == nil {
			return selfevent.Mismatch("saga %s not found", sagaID)
		}
		if len(states) == 0 {
			return nil
		}
		for _, st := range states {
			if instance.CurrentState == st {
				return nil
			}
		}
		return selfevent.Mismatch("saga %s is %s after %s", sagaID, instance.CurrentState, evt.EventType)
	}
}

// verifyBooking checks the booking exists and, when status is set, carries it.
func (s *Service) verifyBooking(status domain.Status) selfevent.Handler {
	return func(ctx context.Context, evt selfevent.Event) error {
		var ref eventRef
		if err := evt.Decode(&ref); err != nil {
			return selfevent.Mismatch("undecodable payload: %v", err)
		}
		bookingID := ref.BookingID
		if bookingID == "" {
			bookingID = evt.AggregateID
		}
		booking, err := s.repo.FindByID(ctx, s.db, bookingID)
		if err != nil {
			return err
		}
		if booking == nil {
			return selfevent.Mismatch("booking %s not found", bookingID)
		}
		if status != "" && booking.Status != status {
			return selfevent.Mismatch("booking %s is %s after %s", bookingID, booking.Status, evt.EventType)
		}
		if status == domain.StatusConfirmed && ref.ConfirmationNumber != "" && booking.ConfirmationNumber != ref.ConfirmationNumber {
			return selfevent.Mismatch("booking %s confirmation %s does not match %s", bookingID, booking.ConfirmationNumber, ref.ConfirmationNumber)
		}
		return nil
	}
}
