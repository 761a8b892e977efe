package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	DefaultMaxDelivery  = 5
	DefaultRetryInitial = 20 * time.Millisecond
	DefaultRetryMax     = 2 * time.Second
)

// RedeliveryPolicy bounds how often a failing message is handed back to its handler.
type RedeliveryPolicy struct {
	MaxDelivery int
	Initial     time.Duration
	Max         time.Duration
}

// Normalize fills unset fields with defaults.
func (p RedeliveryPolicy) Normalize() RedeliveryPolicy {
	if p.MaxDelivery <= 0 {
		p.MaxDelivery = DefaultMaxDelivery
	}
	if p.Initial <= 0 {
		p.Initial = DefaultRetryInitial
	}
	if p.Max <= 0 {
		p.Max = DefaultRetryMax
	}
	return p
}

// NewBackOff returns a jittered exponential schedule for redeliveries.
func (p RedeliveryPolicy) NewBackOff() backoff.BackOff {
	p = p.Normalize()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max
	b.RandomizationFactor = 0.2
	return b
}

// Deliver hands msg to handler until it succeeds, the policy is exhausted or ctx ends.
// onRetry is called after each failed delivery that will be retried.
// It reports whether the handler eventually accepted the message.
func Deliver(ctx context.Context, policy RedeliveryPolicy, msg Message, handler Handler, onRetry func(delivery int, err error)) (bool, error) {
	policy = policy.Normalize()
	schedule := policy.NewBackOff()
	start := msg.Delivery
	if start <= 0 {
		start = 1
	}

	var lastErr error
	for delivery := start; delivery <= policy.MaxDelivery; delivery++ {
		msg.Delivery = delivery
		lastErr = invoke(ctx, handler, msg)
		if lastErr == nil {
			return true, nil
		}
		if delivery == policy.MaxDelivery {
			break
		}
		if onRetry != nil {
			onRetry(delivery, lastErr)
		}
		timer := time.NewTimer(schedule.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C:
		}
	}
	return false, lastErr
}

func invoke(ctx context.Context, handler Handler, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, msg)
}
