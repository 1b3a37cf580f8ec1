package orders

import (
	"context"
	"fmt"

	"github.com/ariefcatur/go-marketplace-checkout/internal/apperr"
	"github.com/ariefcatur/go-marketplace-checkout/internal/principal"
)

const DefaultListLimit = 50

type Reader interface {
	GetOrder(ctx context.Context, id string) (Order, error)
	ListOrders(ctx context.Context, f Filter) ([]Order, error)
}

// Query serves order reads scoped to the caller: customers see their own
// orders, vendors see orders placed with them, admins see everything.
type Query struct {
	Store Reader
}

func (q *Query) Get(ctx context.Context, actor principal.Principal, id string) (Order, error) {
	o, err := q.Store.GetOrder(ctx, id)
	if err != nil {
		return Order{}, err
	}
	if !visible(actor, o) {
		// Hide existence from callers that may not see the order.
		return Order{}, ErrOrderNotFound
	}
	return o, nil
}

func (q *Query) List(ctx context.Context, actor principal.Principal, limit int) ([]Order, error) {
	if limit <= 0 || limit > DefaultListLimit {
		limit = DefaultListLimit
	}
	f := Filter{Limit: limit}
	switch a := actor.(type) {
	case principal.Customer:
		f.UserID = a.UserID
	case principal.Vendor:
		f.VendorID = a.VendorID
	case principal.Admin:
	default:
		return nil, fmt.Errorf("list orders: %w", apperr.ErrForbidden)
	}
	if f.UserID == "" && f.VendorID == "" {
		if _, ok := actor.(principal.Admin); !ok {
			return nil, fmt.Errorf("list orders: %w", apperr.ErrForbidden)
		}
	}
	return q.Store.ListOrders(ctx, f)
}

func visible(actor principal.Principal, o Order) bool {
	switch a := actor.(type) {
	case principal.Admin, principal.System:
		return true
	case principal.Vendor:
		return a.VendorID != "" && a.VendorID == o.VendorID
	case principal.Customer:
		return a.UserID != "" && a.UserID == o.Customer.UserID
	}
	return false
}
