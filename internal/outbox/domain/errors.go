package domain

import "errors"

var (
	ErrPayloadSerialization = errors.New("outbox_payload_serialization")
	ErrInvalidEvent         = errors.New("invalid_outbox_event")
	ErrUnknownService       = errors.New("unknown_outbox_service")
	ErrTransactionRequired  = errors.New("outbox_transaction_required")
)
