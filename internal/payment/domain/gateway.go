package domain

import "context"

//go:generate mockgen -source=gateway.go -destination=../mocks/mock_gateway.go -package=mocks

// ChargeRequest asks a gateway to capture funds for a booking.
type ChargeRequest struct {
	PaymentID  string
	BookingID  string
	CustomerID string
	Amount     int64
	Currency   string
}

type ChargeResult struct {
	Reference string
}

type RefundRequest struct {
	PaymentID string
	Reference string
	Amount    int64
	Currency  string
}

// Gateway moves money. Only its outcome matters to the saga.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	Refund(ctx context.Context, req RefundRequest) error
	Void(ctx context.Context, reference string) error
}

// GatewayConfig carries provider settings read from the environment.
type GatewayConfig struct {
	Provider string
	Config   map[string]any
}

type GatewayFactory interface {
	Provider() string
	NewGateway(cfg GatewayConfig) (Gateway, error)
}
