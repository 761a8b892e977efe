package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// Action names what a saga command asks a collaborating service to do.
type Action string

const (
	ActionReserveFlight    Action = "RESERVE_FLIGHT"
	ActionCancelFlight     Action = "CANCEL_FLIGHT_RESERVATION"
	ActionReserveHotel     Action = "RESERVE_HOTEL"
	ActionCancelHotel      Action = "CANCEL_HOTEL_RESERVATION"
	ActionProcessPayment   Action = "PROCESS_PAYMENT"
	ActionRefundPayment    Action = "REFUND_PAYMENT"
	ActionCancelPayment    Action = "CANCEL_PAYMENT"
	ActionSendNotification Action = "SEND_NOTIFICATION"
)

// MetadataIsCompensation marks commands that undo a completed step.
const MetadataIsCompensation = "isCompensation"

var compensations = map[Action]Action{
	ActionReserveFlight:  ActionCancelFlight,
	ActionReserveHotel:   ActionCancelHotel,
	ActionProcessPayment: ActionRefundPayment,
}

// KnownActions is the vocabulary the bundled services understand.
var KnownActions = map[Action]struct{}{
	ActionReserveFlight:    {},
	ActionCancelFlight:     {},
	ActionReserveHotel:     {},
	ActionCancelHotel:      {},
	ActionProcessPayment:   {},
	ActionRefundPayment:    {},
	ActionCancelPayment:    {},
	ActionSendNotification: {},
}

// CompensationFor returns the action undoing a, defaulting to "COMPENSATE_<a>".
func CompensationFor(a Action) Action {
	if c, ok := compensations[a]; ok {
		return c
	}
	return Action("COMPENSATE_" + string(a))
}

func IsCompensation(a Action) bool {
	s := string(a)
	return strings.HasPrefix(s, "CANCEL_") || strings.HasPrefix(s, "REFUND_") || strings.HasPrefix(s, "COMPENSATE_")
}

// Command is the wire contract sent from the orchestrator to a collaborating service.
type Command struct {
	SagaID        string            `json:"sagaId"`
	BookingID     string            `json:"bookingId"`
	Action        Action            `json:"action"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
	CorrelationID string            `json:"correlationId,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	IssuedAt      time.Time         `json:"issuedAt"`
}

func (c Command) IsCompensation() bool {
	if c.Metadata != nil && c.Metadata[MetadataIsCompensation] == "true" {
		return true
	}
	return IsCompensation(c.Action)
}

// ForwardAction is the command that runs step.
func ForwardAction(step StepName) Action {
	switch step {
	case StepFlightReservation:
		return ActionReserveFlight
	case StepHotelReservation:
		return ActionReserveHotel
	default:
		return ActionProcessPayment
	}
}

// CompensationAction undoes step given its status when compensation starts.
// A payment still running is voided rather than refunded.
func CompensationAction(step StepName, status StepStatus) Action {
	if step == StepPayment && status == StepRunning {
		return ActionCancelPayment
	}
	return CompensationFor(ForwardAction(step))
}
