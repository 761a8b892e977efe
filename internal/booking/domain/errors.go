package domain

import "errors"

var (
	ErrInvalidRequest  = errors.New("invalid_booking_request")
	ErrBookingNotFound = errors.New("booking_not_found")
	ErrNotCancellable  = errors.New("booking_not_cancellable")
)
