package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/ariefcatur/go-marketplace-checkout/internal/apperr"
	"github.com/ariefcatur/go-marketplace-checkout/internal/ledger"
	"github.com/ariefcatur/go-marketplace-checkout/internal/logging"
	"github.com/ariefcatur/go-marketplace-checkout/internal/metrics"
	"github.com/ariefcatur/go-marketplace-checkout/internal/principal"
	"github.com/ariefcatur/go-marketplace-checkout/internal/txn"
	"go.uber.org/zap"
)

// Store is what the state machine needs to read and guard orders. It is the
// only code path that writes order status.
type Store interface {
	txn.Runner
	GetOrder(ctx context.Context, id string) (Order, error)
	LockOrder(ctx context.Context, id string) error
	UpdateOrderStatus(ctx context.Context, o Order) error
	AppendTracking(ctx context.Context, orderID string, ev TrackingEvent) error
}

type ReservationLedger interface {
	Commit(ctx context.Context, id string, qty int) error
	Release(ctx context.Context, id string) error
}

type CartCleaner interface {
	RemovePaidLines(ctx context.Context, cartID string, paid map[ledger.Key]int) error
}

// Notifier is the customer notification sink. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, eventType, recipient string, payload any) error
}

type Machine struct {
	Store    Store
	Ledger   ReservationLedger
	Carts    CartCleaner
	Notifier Notifier
	Now      func() time.Time
	Log      *zap.Logger
	Metrics  *metrics.Metrics
}

func (m *Machine) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

// Transition moves one order to status `to` on behalf of actor, in its own
// transaction, and notifies the customer once the change is committed.
func (m *Machine) Transition(ctx context.Context, actor principal.Principal, orderID string, to Status, description string) (Order, error) {
	var (
		out     Order
		changed *StatusChanged
	)
	err := m.Store.WithinTx(ctx, func(ctx context.Context) error {
		if err := m.Store.LockOrder(ctx, orderID); err != nil {
			return err
		}
		o, err := m.Store.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		changed, err = m.Apply(ctx, actor, &o, to, description)
		out = o
		return err
	})
	if err != nil {
		return Order{}, err
	}
	if changed != nil {
		m.Emit(ctx, *changed)
	}
	return out, nil
}

// Apply is the guarded transition. It must run inside a transaction that
// already holds the order's row lock; callers emit the returned event after
// commit. Requesting the current status is a no-op that returns nil.
func (m *Machine) Apply(ctx context.Context, actor principal.Principal, o *Order, to Status, description string) (*StatusChanged, error) {
	if actor == nil {
		return nil, fmt.Errorf("order %s: %w: no principal", o.ID, apperr.ErrForbidden)
	}
	from := o.Status
	if from == to {
		if !canTouch(actor, *o) {
			return nil, forbidden(actor, o)
		}
		return nil, nil
	}
	if !CanTransitionOrder(*o, to) {
		return nil, &TransitionError{OrderID: o.ID, From: from, To: to}
	}
	if !allowed(actor, *o, to) {
		return nil, forbidden(actor, o)
	}

	switch {
	case from == StatusPendingPayment && to == StatusProcessing:
		for _, l := range o.Lines {
			if l.ReservationID == "" {
				continue
			}
			if err := m.Ledger.Commit(ctx, l.ReservationID, l.Quantity); err != nil {
				return nil, fmt.Errorf("order %s: %w", o.ID, err)
			}
		}
		o.Captured = true
		if m.Carts != nil && o.CartID != "" {
			if err := m.Carts.RemovePaidLines(ctx, o.CartID, o.Quantities()); err != nil {
				return nil, fmt.Errorf("order %s: clear cart: %w", o.ID, err)
			}
		}
	case from == StatusPendingPayment && to == StatusCancelled:
		for _, id := range o.ReservationIDs() {
			if err := m.Ledger.Release(ctx, id); err != nil {
				return nil, fmt.Errorf("order %s: %w", o.ID, err)
			}
		}
	}

	now := m.now()
	if description == "" {
		description = defaultDescription[to]
	}
	ev := TrackingEvent{Status: to, Description: description, Actor: actor.ID(), At: now}
	o.Status = to
	o.UpdatedAt = now
	if err := m.Store.UpdateOrderStatus(ctx, *o); err != nil {
		return nil, err
	}
	if err := m.Store.AppendTracking(ctx, o.ID, ev); err != nil {
		return nil, err
	}
	o.Tracking = append(o.Tracking, ev)
	m.Metrics.Transition(string(from), string(to))

	logging.FromContext(ctx, logging.OrNop(m.Log)).Info("order_status_changed",
		zap.String("order_id", o.ID),
		zap.String("vendor_id", o.VendorID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("actor", actor.ID()),
	)
	return &StatusChanged{
		OrderID:   o.ID,
		VendorID:  o.VendorID,
		OldStatus: from,
		NewStatus: to,
		Recipient: o.Customer.Recipient(),
		At:        now,
	}, nil
}

// Emit hands committed transitions to the notifier. A failed notification is
// logged and never undoes the transition.
func (m *Machine) Emit(ctx context.Context, events ...StatusChanged) {
	log := logging.FromContext(ctx, logging.OrNop(m.Log))
	for _, ev := range events {
		if m.Notifier == nil {
			continue
		}
		if err := m.Notifier.Notify(ctx, EventOrderStatusChanged, ev.Recipient, ev); err != nil {
			m.Metrics.Notification("failed")
			log.Warn("notify_failed", zap.String("order_id", ev.OrderID), zap.Error(err))
			continue
		}
		m.Metrics.Notification("sent")
	}
}

// allowed is the single ownership gate for every order transition.
//   - payment outcomes (leaving PENDING_PAYMENT) belong to the system actor;
//   - fulfillment steps belong to the vendor that owns the order;
//   - cancelling a paid order and refunds: owning vendor or an admin.
func allowed(actor principal.Principal, o Order, to Status) bool {
	from := o.Status
	switch a := actor.(type) {
	case principal.System:
		return from == StatusPendingPayment
	case principal.Vendor:
		if a.VendorID == "" || a.VendorID != o.VendorID {
			return false
		}
		switch to {
		case StatusShipped, StatusDelivered, StatusRefunded:
			return true
		case StatusCancelled:
			return from == StatusProcessing
		}
	case principal.Admin:
		return to == StatusRefunded || (to == StatusCancelled && from == StatusProcessing)
	}
	return false
}

func canTouch(actor principal.Principal, o Order) bool {
	switch a := actor.(type) {
	case principal.System, principal.Admin:
		return true
	case principal.Vendor:
		return a.VendorID != "" && a.VendorID == o.VendorID
	}
	return false
}

func forbidden(actor principal.Principal, o *Order) error {
	return fmt.Errorf("order %s: %w: %s %s may not change this order", o.ID, apperr.ErrForbidden, actor.Role(), actor.ID())
}
