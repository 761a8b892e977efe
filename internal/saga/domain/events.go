package domain

import (
	"encoding/json"
	"strings"

	outboxdomain "github.com/smallbiznis/tripsaga/internal/outbox/domain"
)

// Result events published by the collaborating services.
const (
	EventFlightReserved             = "FlightReserved"
	EventFlightReservationFailed    = "FlightReservationFailed"
	EventFlightReservationCancelled = "FlightReservationCancelled"
	EventHotelReserved              = "HotelReserved"
	EventHotelReservationFailed     = "HotelReservationFailed"
	EventHotelReservationCancelled  = "HotelReservationCancelled"
	EventPaymentProcessed           = "PaymentProcessed"
	EventPaymentFailed              = "PaymentFailed"
	EventPaymentRefunded            = "PaymentRefunded"
	EventPaymentCancelled           = "PaymentCancelled"
	EventNotificationSent           = "NotificationSent"

	// EventCancellationRequested is injected by the booking API, not a collaborator.
	EventCancellationRequested = "BookingCancellationRequested"
)

// Events the booking service writes about its own saga and booking aggregates.
const (
	EventSagaStarted      = "SagaStarted"
	EventSagaCompleted    = "SagaCompleted"
	EventSagaCompensated  = "SagaCompensated"
	EventSagaFailed       = "SagaFailed"
	EventSagaStuck        = "SagaStuck"
	EventBookingCreated   = "BookingCreated"
	EventBookingConfirmed = "BookingConfirmed"
	EventBookingCancelled = "BookingCancelled"
)

const (
	AggregateSaga    = "Saga"
	AggregateBooking = "Booking"
)

type ResultKind int

const (
	ResultSuccess ResultKind = iota + 1
	ResultFailure
	ResultCompensated
	ResultCancelRequested
)

type resultSpec struct {
	step StepName
	kind ResultKind
}

var resultEvents = map[string]resultSpec{
	EventFlightReserved:             {StepFlightReservation, ResultSuccess},
	EventFlightReservationFailed:    {StepFlightReservation, ResultFailure},
	EventFlightReservationCancelled: {StepFlightReservation, ResultCompensated},
	EventHotelReserved:              {StepHotelReservation, ResultSuccess},
	EventHotelReservationFailed:     {StepHotelReservation, ResultFailure},
	EventHotelReservationCancelled:  {StepHotelReservation, ResultCompensated},
	EventPaymentProcessed:           {StepPayment, ResultSuccess},
	EventPaymentFailed:              {StepPayment, ResultFailure},
	EventPaymentRefunded:            {StepPayment, ResultCompensated},
	EventPaymentCancelled:           {StepPayment, ResultCompensated},
	EventCancellationRequested:      {"", ResultCancelRequested},
}

// ClassifyResult maps an inbound event type onto the step it reports on.
func ClassifyResult(eventType string) (StepName, ResultKind, bool) {
	spec, ok := resultEvents[eventType]
	return spec.step, spec.kind, ok
}

// ResultEventTypes lists every event type the orchestrator consumes.
func ResultEventTypes() []string {
	out := make([]string, 0, len(resultEvents))
	for t := range resultEvents {
		out = append(out, t)
	}
	return out
}

// ResultEvent is an inbound saga result after envelope decoding.
type ResultEvent struct {
	EventID   string
	EventType string
	SagaID    string
	BookingID string
	Reason    string
	Reference string
	Payload   json.RawMessage
}

// ResultPayload is the common shape of collaborator result payloads.
type ResultPayload struct {
	SagaID    string `json:"sagaId"`
	BookingID string `json:"bookingId"`
	Reason    string `json:"reason,omitempty"`
	Reference string `json:"reference,omitempty"`
}

// ParseResult decodes a broker envelope into a ResultEvent.
func ParseResult(env outboxdomain.Envelope) (ResultEvent, error) {
	var p ResultPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return ResultEvent{}, ErrInvalidResultEvent
		}
	}
	evt := ResultEvent{
		EventID:   env.EventID,
		EventType: env.EventType,
		SagaID:    strings.TrimSpace(p.SagaID),
		BookingID: strings.TrimSpace(p.BookingID),
		Reason:    p.Reason,
		Reference: p.Reference,
		Payload:   env.Payload,
	}
	if evt.EventID == "" || evt.EventType == "" {
		return ResultEvent{}, ErrInvalidResultEvent
	}
	if evt.SagaID == "" && evt.BookingID == "" {
		return ResultEvent{}, ErrInvalidResultEvent
	}
	return evt, nil
}

// Command payloads.

type ReservationCommand struct {
	ResourceID string `json:"resourceId"`
	Quantity   int    `json:"quantity"`
}

type PaymentCommand struct {
	CustomerID string `json:"customerId"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
	Reference  string `json:"reference,omitempty"`
}

type NotificationCommand struct {
	CustomerID         string `json:"customerId"`
	Channel            string `json:"channel"`
	Template           string `json:"template"`
	ConfirmationNumber string `json:"confirmationNumber,omitempty"`
	Reason             string `json:"reason,omitempty"`
}

const (
	TemplateBookingConfirmed = "Booking Confirmed"
	TemplateBookingCancelled = "Booking Cancelled"
	ChannelEmail             = "email"
)

// CommandTopic routes action to the command topic of the capability that owns it.
func CommandTopic(action Action) string {
	switch action {
	case ActionProcessPayment, ActionRefundPayment, ActionCancelPayment:
		return outboxdomain.TopicPaymentCommands
	case ActionSendNotification:
		return outboxdomain.TopicNotificationCommands
	}
	return outboxdomain.TopicBookingCommands
}
