package webhook

import (
	"context"
	"errors"
	"time"

	"github.com/ariefcatur/go-marketplace-checkout/internal/apperr"
	"github.com/ariefcatur/go-marketplace-checkout/internal/logging"
	"github.com/ariefcatur/go-marketplace-checkout/internal/metrics"
	"github.com/ariefcatur/go-marketplace-checkout/internal/orders"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	DefaultMaxRetries     = 5
	DefaultInitialBackoff = 200 * time.Millisecond
	DefaultMaxBackoff     = 5 * time.Second
)

const (
	ReasonPaymentNotFound = "payment_not_found"
	ReasonManualReview    = "manual_review"
	ReasonInvalid         = "invalid"
	ReasonError           = "processing_error"
)

type Handler interface {
	HandleEvent(ctx context.Context, ev Event) (Outcome, error)
}

// DeadLetterSink stores events that could not be applied so an operator can
// replay them.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, ev Event, reason string, cause error) error
}

// Processor retries events whose payment is not visible yet (the webhook can
// beat the checkout commit) and dead-letters everything it cannot apply.
type Processor struct {
	Handler        Handler
	DeadLetters    DeadLetterSink
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Log            *zap.Logger
	Metrics        *metrics.Metrics
}

// Submit processes ev synchronously.
func (p *Processor) Submit(ctx context.Context, ev Event) error { return p.Process(ctx, ev) }

// Process returns nil once the event is applied, discarded as a duplicate or
// safely dead-lettered. A non-nil error means the caller must redeliver;
// without a dead-letter sink an exhausted event always returns its error.
func (p *Processor) Process(ctx context.Context, ev Event) error {
	log := logging.FromContext(ctx, logging.OrNop(p.Log)).With(zap.String("event_id", ev.ID), zap.String("event_type", ev.Type))

	attempts := 0
	op := func() error {
		attempts++
		_, err := p.Handler.HandleEvent(ctx, ev)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, orders.ErrPaymentNotFound):
			log.Debug("webhook_retry", zap.Int("attempt", attempts), zap.Error(err))
			return err
		default:
			return backoff.Permanent(err)
		}
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(p.policy(), uint64(p.maxRetries())), ctx))
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	reason := reasonOf(err)
	log.Error("webhook_dead_lettered", zap.String("reason", reason), zap.Int("attempts", attempts), zap.Error(err))
	p.Metrics.DeadLetter(reason)
	if p.DeadLetters == nil {
		return err
	}
	if dlqErr := p.DeadLetters.DeadLetter(ctx, ev, reason, err); dlqErr != nil {
		log.Error("dead_letter_failed", zap.Error(dlqErr))
		return dlqErr
	}
	return nil
}

func (p *Processor) policy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = DefaultInitialBackoff
	if p.InitialBackoff > 0 {
		b.InitialInterval = p.InitialBackoff
	}
	b.MaxInterval = DefaultMaxBackoff
	if p.MaxBackoff > 0 {
		b.MaxInterval = p.MaxBackoff
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (p *Processor) maxRetries() int {
	if p.MaxRetries > 0 {
		return p.MaxRetries
	}
	return DefaultMaxRetries
}

func reasonOf(err error) string {
	switch {
	case errors.Is(err, orders.ErrPaymentNotFound):
		return ReasonPaymentNotFound
	case errors.Is(err, ErrNeedsManualReview), errors.Is(err, apperr.ErrInvalidTransition):
		return ReasonManualReview
	case errors.Is(err, apperr.ErrValidation):
		return ReasonInvalid
	default:
		return ReasonError
	}
}
