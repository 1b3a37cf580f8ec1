package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
)

// Breaker guards a Gateway with a circuit breaker and a per-call timeout.
// Open-circuit and timeout failures surface as ErrUnavailable.
type Breaker struct {
	next    Gateway
	cb      *gobreaker.CircuitBreaker[Intent]
	timeout time.Duration
}

func NewBreaker(next Gateway, timeout time.Duration) *Breaker {
	cb := gobreaker.NewCircuitBreaker[Intent](gobreaker.Settings{
		Name:        "payment-gateway",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		// Provider-side rejections are the caller's problem, not an outage.
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, ErrUnavailable)
		},
	})
	return &Breaker{next: next, cb: cb, timeout: timeout}
}

func (b *Breaker) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	intent, err := b.cb.Execute(func() (Intent, error) {
		in, err := b.next.CreateIntent(ctx, req)
		if err != nil && ctx.Err() != nil {
			return Intent{}, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
		}
		return in, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Intent{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return intent, err
}
