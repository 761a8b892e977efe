package domain

// State is the lifecycle position of a saga instance.
type State string

const (
	StateBookingInitiated  State = "BOOKING_INITIATED"
	StateInventoryReserved State = "INVENTORY_RESERVED"
	StateInventoryFailed   State = "INVENTORY_FAILED"
	StatePaymentProcessing State = "PAYMENT_PROCESSING"
	StatePaymentFailed     State = "PAYMENT_FAILED"
	StateBookingCompleted  State = "BOOKING_COMPLETED"
	StateBookingCancelled  State = "BOOKING_CANCELLED"
)

var transitions = map[State][]State{
	StateBookingInitiated:  {StateInventoryReserved, StateInventoryFailed, StateBookingCancelled},
	StateInventoryReserved: {StatePaymentProcessing, StateBookingCancelled},
	StateInventoryFailed:   {StateBookingCancelled},
	StatePaymentProcessing: {StateBookingCompleted, StatePaymentFailed, StateBookingCancelled},
	StatePaymentFailed:     {StateBookingCancelled},
}

// CanTransitionTo reports whether next is an allowed successor of s.
func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s State) IsTerminal() bool {
	return s == StateBookingCompleted || s == StateBookingCancelled
}

func (s State) Valid() bool {
	switch s {
	case StateBookingInitiated, StateInventoryReserved, StateInventoryFailed,
		StatePaymentProcessing, StatePaymentFailed, StateBookingCompleted, StateBookingCancelled:
		return true
	}
	return false
}

// StepName identifies a forward step of the booking saga.
type StepName string

const (
	StepFlightReservation StepName = "FLIGHT_RESERVATION"
	StepHotelReservation  StepName = "HOTEL_RESERVATION"
	StepPayment           StepName = "PAYMENT"
)

func (s StepName) IsInventory() bool {
	return s == StepFlightReservation || s == StepHotelReservation
}

type StepStatus string

const (
	StepPending     StepStatus = "PENDING"
	StepRunning     StepStatus = "RUNNING"
	StepCompleted   StepStatus = "COMPLETED"
	StepFailed      StepStatus = "FAILED"
	StepCompensated StepStatus = "COMPENSATED"
)

type BookingType string

const (
	BookingTypeFlight BookingType = "FLIGHT"
	BookingTypeHotel  BookingType = "HOTEL"
	BookingTypeCombo  BookingType = "COMBO"
)

// PlanFor returns the sequential steps a booking of type t runs.
func PlanFor(t BookingType) ([]StepName, error) {
	switch t {
	case BookingTypeFlight:
		return []StepName{StepFlightReservation, StepPayment}, nil
	case BookingTypeHotel:
		return []StepName{StepHotelReservation, StepPayment}, nil
	case BookingTypeCombo:
		return []StepName{StepFlightReservation, StepHotelReservation, StepPayment}, nil
	}
	return nil, ErrUnknownBookingType
}
