package domain

import "errors"

var (
	// ErrDeclined is a business outcome reported as PaymentFailed, never retried.
	ErrDeclined         = errors.New("payment_declined")
	ErrProviderNotFound = errors.New("payment_provider_not_found")
	ErrInvalidConfig    = errors.New("payment_invalid_config")
	ErrPaymentNotFound  = errors.New("payment_not_found")
)
