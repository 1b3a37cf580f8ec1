package orders

import (
	"fmt"

	"github.com/ariefcatur/go-marketplace-checkout/internal/apperr"
)

type Status string

const (
	StatusPendingPayment Status = "PENDING_PAYMENT"
	StatusProcessing     Status = "PROCESSING"
	StatusShipped        Status = "SHIPPED"
	StatusDelivered      Status = "DELIVERED"
	StatusCancelled      Status = "CANCELLED"
	StatusRefunded       Status = "REFUNDED"
)

var validNext = map[Status]map[Status]bool{
	StatusPendingPayment: {StatusProcessing: true, StatusCancelled: true},
	StatusProcessing:     {StatusShipped: true, StatusCancelled: true},
	StatusShipped:        {StatusDelivered: true},
	StatusDelivered:      {StatusRefunded: true},
	StatusCancelled:      {StatusRefunded: true}, // only when captured, see CanTransitionOrder
	StatusRefunded:       {},
}

func (s Status) Valid() bool {
	_, ok := validNext[s]
	return ok
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// CanTransitionOrder adds the per-order condition on top of the graph: a
// cancelled order is refundable only if its payment was captured.
func CanTransitionOrder(o Order, to Status) bool {
	if !CanTransition(o.Status, to) {
		return false
	}
	if o.Status == StatusCancelled && to == StatusRefunded {
		return o.Captured
	}
	return true
}

var defaultDescription = map[Status]string{
	StatusPendingPayment: "Order placed, awaiting payment",
	StatusProcessing:     "Payment confirmed",
	StatusShipped:        "Order shipped",
	StatusDelivered:      "Order delivered",
	StatusCancelled:      "Order cancelled",
	StatusRefunded:       "Order refunded",
}

type TransitionError struct {
	OrderID string
	From    Status
	To      Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("order %s: cannot move from %s to %s", e.OrderID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return apperr.ErrInvalidTransition }
