package domain

import "errors"

var (
	ErrSagaNotFound          = errors.New("saga_not_found")
	ErrConcurrentUpdate      = errors.New("saga_concurrent_update")
	ErrInvalidTransition     = errors.New("saga_invalid_transition")
	ErrUnknownBookingType    = errors.New("unknown_booking_type")
	ErrSagaTerminal          = errors.New("saga_already_terminal")
	ErrInvalidResultEvent    = errors.New("invalid_saga_result_event")
	ErrCompensationInvariant = errors.New("saga_compensating_after_completion")
	ErrCorruptStepContext    = errors.New("saga_step_context_corrupt")
)

var poisonErrors = []error{
	ErrSagaNotFound,
	ErrInvalidResultEvent,
	ErrInvalidTransition,
	ErrCompensationInvariant,
	ErrCorruptStepContext,
}

// PoisonReason reports whether err can never succeed on redelivery, and names it.
func PoisonReason(err error) (string, bool) {
	for _, target := range poisonErrors {
		if errors.Is(err, target) {
			return target.Error(), true
		}
	}
	return "", false
}
