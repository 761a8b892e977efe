// Package relay moves committed outbox rows onto the broker.
package relay

import (
	"context"
	"errors"
)

var ErrUnknownMode = errors.New("unknown_relay_mode")

// Relay runs until ctx is cancelled.
type Relay interface {
	Name() string
	Run(ctx context.Context) error
}
