package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/smallbiznis/tripsaga/internal/payment/domain"
)

const ProviderSimulated = "simulated"

// DefaultDeclineAbove is the amount, in minor units, above which charges are declined.
const DefaultDeclineAbove int64 = 1_000_000

type SimulatedFactory struct{}

func NewSimulatedFactory() *SimulatedFactory {
	return &SimulatedFactory{}
}

func (f *SimulatedFactory) Provider() string {
	return ProviderSimulated
}

func (f *SimulatedFactory) NewGateway(cfg domain.GatewayConfig) (domain.Gateway, error) {
	limit := DefaultDeclineAbove
	if raw, ok := cfg.Config["decline_above"]; ok {
		switch v := raw.(type) {
		case int64:
			limit = v
		case int:
			limit = int64(v)
		case float64:
			limit = int64(v)
		default:
			return nil, domain.ErrInvalidConfig
		}
	}
	return &Simulated{declineAbove: limit}, nil
}

// Simulated is a deterministic gateway. Charges outside (0, declineAbove] and
// customers whose id starts with "declined" are declined.
type Simulated struct {
	declineAbove int64
}

func (g *Simulated) Charge(_ context.Context, req domain.ChargeRequest) (domain.ChargeResult, error) {
	switch {
	case req.Amount <= 0:
		return domain.ChargeResult{}, fmt.Errorf("%w: invalid amount %d", domain.ErrDeclined, req.Amount)
	case req.Amount > g.declineAbove:
		return domain.ChargeResult{}, fmt.Errorf("%w: amount over limit", domain.ErrDeclined)
	case strings.HasPrefix(req.CustomerID, "declined"):
		return domain.ChargeResult{}, fmt.Errorf("%w: card declined", domain.ErrDeclined)
	}
	return domain.ChargeResult{Reference: "sim_" + req.PaymentID}, nil
}

func (g *Simulated) Refund(context.Context, domain.RefundRequest) error {
	return nil
}

func (g *Simulated) Void(context.Context, string) error {
	return nil
}
