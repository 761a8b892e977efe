package service

import (
	"context"

	outboxdomain "github.com/smallbiznis/tripsaga/internal/outbox/domain"
	paymentdomain "github.com/smallbiznis/tripsaga/internal/payment/domain"
	sagadomain "github.com/smallbiznis/tripsaga/internal/saga/domain"
	"github.com/smallbiznis/tripsaga/internal/selfevent"
)

// SelfEventTopics are the topics the payment outbox publishes to.
var SelfEventTopics = []string{outboxdomain.DefaultTopic(outboxdomain.ServicePayment, aggregatePayment)}

type paymentRef struct {
	BookingID string `json:"bookingId"`
	PaymentID string `json:"paymentId"`
	Reference string `json:"reference"`
}

// RegisterVerifiers checks payment rows against the service's own result events.
// Later compensation may move a payment on, so each check admits the states that
// can follow the one the event reported.
func (s *Service) RegisterVerifiers(c *selfevent.Consumer) error {
	handlers := map[string]selfevent.Handler{
		sagadomain.EventPaymentProcessed: s.verify(false,
			paymentdomain.StatusCompleted, paymentdomain.StatusRefunded, paymentdomain.StatusCancelled),
		sagadomain.EventPaymentFailed: s.verify(true,
			paymentdomain.StatusFailed, paymentdomain.StatusRefunded, paymentdomain.StatusCancelled),
		sagadomain.EventPaymentRefunded: s.verify(true,
			paymentdomain.StatusRefunded, paymentdomain.StatusFailed, paymentdomain.StatusCancelled),
		sagadomain.EventPaymentCancelled: s.verify(false,
			paymentdomain.StatusCancelled, paymentdomain.StatusFailed, paymentdomain.StatusRefunded),
	}
	for eventType, h := range handlers {
		if err := c.Register(eventType, h); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) verify(missingOK bool, allowed ...paymentdomain.Status) selfevent.Handler {
	return func(ctx context.Context, evt selfevent.Event) error {
		var ref paymentRef
		if err := evt.Decode(&ref); err != nil {
			return selfevent.Mismatch("undecodable payload: %v", err)
		}
		bookingID := ref.BookingID
		if bookingID == "" {
			bookingID = evt.AggregateID
		}
		payment, err := s.repo.FindByBookingID(ctx, s.db, bookingID)
		if err != nil {
			return err
		}
		if payment == nil {
			if missingOK && ref.PaymentID == "" {
				return nil
			}
			return selfevent.Mismatch("payment for booking %s not found", bookingID)
		}
		if ref.PaymentID != "" && ref.PaymentID != payment.PaymentID {
			return selfevent.Mismatch("payment for booking %s is %s, event names %s", bookingID, payment.PaymentID, ref.PaymentID)
		}
		if evt.EventType == sagadomain.EventPaymentProcessed && ref.Reference != payment.Reference {
			return selfevent.Mismatch("payment %s reference %s does not match %s", payment.PaymentID, payment.Reference, ref.Reference)
		}
		for _, st := range allowed {
			if payment.Status == st {
				return nil
			}
		}
		return selfevent.Mismatch("payment %s is %s after %s", payment.PaymentID, payment.Status, evt.EventType)
	}
}
