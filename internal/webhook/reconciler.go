package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/ariefcatur/go-marketplace-checkout/internal/logging"
	"github.com/ariefcatur/go-marketplace-checkout/internal/metrics"
	"github.com/ariefcatur/go-marketplace-checkout/internal/orders"
	"github.com/ariefcatur/go-marketplace-checkout/internal/principal"
	"github.com/ariefcatur/go-marketplace-checkout/internal/txn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeNoop      Outcome = "noop"
	OutcomeIgnored   Outcome = "ignored"
)

// Actor is the principal every webhook-driven transition runs as.
var Actor = principal.System{Name: "payment-reconciler"}

type Store interface {
	txn.Runner
	// ClaimEvent records the event id; false means it was already processed.
	ClaimEvent(ctx context.Context, eventID, eventType string, at time.Time) (bool, error)
	// LockPaymentByIntent returns orders.ErrPaymentNotFound when no payment
	// carries the intent id yet.
	LockPaymentByIntent(ctx context.Context, intentID string) (orders.Payment, error)
	UpdatePaymentStatus(ctx context.Context, paymentID string, status orders.PaymentStatus, at time.Time) error
	ListOrdersByPayment(ctx context.Context, paymentID string) ([]orders.Order, error)
	LockOrder(ctx context.Context, id string) error
	GetOrder(ctx context.Context, id string) (orders.Order, error)
}

type Transitioner interface {
	Apply(ctx context.Context, actor principal.Principal, o *orders.Order, to orders.Status, description string) (*orders.StatusChanged, error)
	Emit(ctx context.Context, events ...orders.StatusChanged)
}

// Dedup is a fast-path replay filter in front of the durable claim.
type Dedup interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string) error
}

type Reconciler struct {
	Store   Store
	Machine Transitioner
	Dedup   Dedup // optional
	Now     func() time.Time
	Log     *zap.Logger
	Metrics *metrics.Metrics
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

// HandleEvent applies one provider event. Payment status, order transitions,
// hold commits or releases and the dedup claim all commit together; a failed
// attempt leaves no trace and can be retried.
func (r *Reconciler) HandleEvent(ctx context.Context, ev Event) (out Outcome, err error) {
	ctx, span := otel.Tracer("webhook").Start(ctx, "HandleEvent")
	defer span.End()
	span.SetAttributes(attribute.String("event.id", ev.ID), attribute.String("event.type", ev.Type))

	log := logging.FromContext(ctx, logging.OrNop(r.Log)).With(
		zap.String("event_id", ev.ID),
		zap.String("event_type", ev.Type),
		zap.String("intent_id", ev.Data.IntentID),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			r.Metrics.Webhook(ev.Type, "error")
			return
		}
		r.Metrics.Webhook(ev.Type, string(out))
		log.Info("webhook_handled", zap.String("outcome", string(out)))
	}()

	if err := ev.Validate(); err != nil {
		return "", err
	}
	if !Known(ev.Type) {
		return OutcomeIgnored, nil
	}
	if r.Dedup != nil {
		seen, derr := r.Dedup.Seen(ctx, ev.ID)
		if derr != nil {
			log.Warn("dedup_check_failed", zap.Error(derr))
		} else if seen {
			return OutcomeDuplicate, nil
		}
	}

	var changes []orders.StatusChanged
	err = r.Store.WithinTx(ctx, func(ctx context.Context) error {
		changes = changes[:0]
		fresh, err := r.Store.ClaimEvent(ctx, ev.ID, ev.Type, r.now())
		if err != nil {
			return err
		}
		if !fresh {
			out = OutcomeDuplicate
			return nil
		}
		p, err := r.Store.LockPaymentByIntent(ctx, ev.Data.IntentID)
		if err != nil {
			return err
		}
		out, changes, err = r.apply(ctx, ev, p)
		return err
	})
	if err != nil {
		return "", err
	}

	if r.Dedup != nil && out != OutcomeDuplicate {
		if derr := r.Dedup.Mark(ctx, ev.ID); derr != nil {
			log.Warn("dedup_mark_failed", zap.Error(derr))
		}
	}
	if len(changes) > 0 {
		r.Machine.Emit(ctx, changes...)
	}
	return out, nil
}

func (r *Reconciler) apply(ctx context.Context, ev Event, p orders.Payment) (Outcome, []orders.StatusChanged, error) {
	var (
		next orders.PaymentStatus
		to   orders.Status
		desc string
	)
	switch ev.Type {
	case TypeSucceeded:
		switch p.Status {
		case orders.PaymentSucceeded:
			return OutcomeNoop, nil, nil
		case orders.PaymentFailed, orders.PaymentCanceled:
			return "", nil, fmt.Errorf("payment %s is %s: %w", p.ID, p.Status, ErrNeedsManualReview)
		}
		next, to, desc = orders.PaymentSucceeded, orders.StatusProcessing, "Payment confirmed"
	case TypeFailed, TypeCanceled:
		if p.Status.Settled() {
			// Success is final; a late decline for a captured payment is dropped.
			return OutcomeNoop, nil, nil
		}
		next, to = orders.PaymentFailed, orders.StatusCancelled
		desc = "Payment failed"
		if ev.Data.FailureReason != "" {
			desc += ": " + ev.Data.FailureReason
		}
		if ev.Type == TypeCanceled {
			next, desc = orders.PaymentCanceled, "Payment canceled"
		}
	case TypeProcessing:
		if p.Status != orders.PaymentRequiresAction {
			return OutcomeNoop, nil, nil
		}
		if err := r.Store.UpdatePaymentStatus(ctx, p.ID, orders.PaymentProcessing, r.now()); err != nil {
			return "", nil, err
		}
		return OutcomeApplied, nil, nil
	}

	if err := r.Store.UpdatePaymentStatus(ctx, p.ID, next, r.now()); err != nil {
		return "", nil, err
	}
	list, err := r.Store.ListOrdersByPayment(ctx, p.ID)
	if err != nil {
		return "", nil, err
	}
	var changes []orders.StatusChanged
	for _, o := range list {
		if err := r.Store.LockOrder(ctx, o.ID); err != nil {
			return "", nil, err
		}
		locked, err := r.Store.GetOrder(ctx, o.ID)
		if err != nil {
			return "", nil, err
		}
		ch, err := r.Machine.Apply(ctx, Actor, &locked, to, desc)
		if err != nil {
			return "", nil, err
		}
		if ch != nil {
			changes = append(changes, *ch)
		}
	}
	return OutcomeApplied, changes, nil
}
