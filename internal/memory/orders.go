package memory

import (
	"context"
	"time"

	"github.com/ariefcatur/go-marketplace-checkout/internal/ledger"
	"github.com/ariefcatur/go-marketplace-checkout/internal/orders"
)

func (s *Store) InsertPayment(ctx context.Context, p orders.Payment) error {
	defer s.lock(ctx)()
	for _, cur := range s.st.payments {
		if cur.IdempotencyKey == p.IdempotencyKey || cur.GatewayIntentID == p.GatewayIntentID {
			return orders.ErrDuplicatePayment
		}
	}
	s.st.payments[p.ID] = p
	s.st.paymentIDs = append(s.st.paymentIDs, p.ID)
	return nil
}

func (s *Store) GetPayment(ctx context.Context, id string) (orders.Payment, error) {
	defer s.lock(ctx)()
	p, ok := s.st.payments[id]
	if !ok {
		return orders.Payment{}, orders.ErrPaymentNotFound
	}
	return p, nil
}

func (s *Store) FindPaymentsByCartHash(ctx context.Context, hash string) ([]orders.Payment, error) {
	defer s.lock(ctx)()
	var out []orders.Payment
	for _, id := range s.st.paymentIDs {
		if p := s.st.payments[id]; p.CartHash == hash {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) LockPaymentByIntent(ctx context.Context, intentID string) (orders.Payment, error) {
	defer s.lock(ctx)()
	for _, p := range s.st.payments {
		if p.GatewayIntentID == intentID {
			return p, nil
		}
	}
	return orders.Payment{}, orders.ErrPaymentNotFound
}

func (s *Store) UpdatePaymentStatus(ctx context.Context, paymentID string, status orders.PaymentStatus, at time.Time) error {
	defer s.lock(ctx)()
	p, ok := s.st.payments[paymentID]
	if !ok {
		return orders.ErrPaymentNotFound
	}
	p.Status = status
	p.UpdatedAt = at
	s.st.payments[paymentID] = p
	return nil
}

func (s *Store) InsertOrder(ctx context.Context, o orders.Order) error {
	defer s.lock(ctx)()
	if err := o.Customer.Validate(); err != nil {
		return err
	}
	s.st.orders[o.ID] = cloneOrder(o)
	s.st.orderIDs = append(s.st.orderIDs, o.ID)
	return nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (orders.Order, error) {
	defer s.lock(ctx)()
	o, ok := s.st.orders[id]
	if !ok {
		return orders.Order{}, orders.ErrOrderNotFound
	}
	return cloneOrder(o), nil
}

func (s *Store) LockOrder(ctx context.Context, id string) error {
	defer s.lock(ctx)()
	if _, ok := s.st.orders[id]; !ok {
		return orders.ErrOrderNotFound
	}
	return nil
}

func (s *Store) UpdateOrderStatus(ctx context.Context, o orders.Order) error {
	defer s.lock(ctx)()
	cur, ok := s.st.orders[o.ID]
	if !ok {
		return orders.ErrOrderNotFound
	}
	cur.Status = o.Status
	cur.Captured = o.Captured
	cur.UpdatedAt = o.UpdatedAt
	s.st.orders[o.ID] = cur
	return nil
}

func (s *Store) AppendTracking(ctx context.Context, orderID string, ev orders.TrackingEvent) error {
	defer s.lock(ctx)()
	cur, ok := s.st.orders[orderID]
	if !ok {
		return orders.ErrOrderNotFound
	}
	cur.Tracking = append(cur.Tracking, ev)
	s.st.orders[orderID] = cur
	return nil
}

func (s *Store) ListOrdersByPayment(ctx context.Context, paymentID string) ([]orders.Order, error) {
	defer s.lock(ctx)()
	var out []orders.Order
	for _, id := range s.st.orderIDs {
		if o := s.st.orders[id]; o.PaymentID == paymentID {
			out = append(out, cloneOrder(o))
		}
	}
	return out, nil
}

// ListOrders returns matching orders, newest first.
func (s *Store) ListOrders(ctx context.Context, f orders.Filter) ([]orders.Order, error) {
	defer s.lock(ctx)()
	var out []orders.Order
	for i := len(s.st.orderIDs) - 1; i >= 0; i-- {
		o := s.st.orders[s.st.orderIDs[i]]
		if f.UserID != "" && o.Customer.UserID != f.UserID {
			continue
		}
		if f.VendorID != "" && o.VendorID != f.VendorID {
			continue
		}
		out = append(out, cloneOrder(o))
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) LinkGuestOrders(ctx context.Context, userID, email string) (int, error) {
	defer s.lock(ctx)()
	n := 0
	for id, o := range s.st.orders {
		if o.Customer.UserID == "" && o.Customer.GuestEmail == email {
			o.Customer = orders.Customer{UserID: userID}
			s.st.orders[id] = o
			n++
		}
	}
	return n, nil
}

func (s *Store) HeldForCheckout(ctx context.Context, cartID string, now time.Time) (map[ledger.Key]int, error) {
	defer s.lock(ctx)()
	out := map[ledger.Key]int{}
	for _, r := range s.st.reservations {
		if !r.Active(now) {
			continue
		}
		if p, ok := s.st.payments[r.HolderRef]; ok && p.CartID == cartID && !p.Status.Settled() {
			out[r.Key()] += r.Quantity
		}
	}
	return out, nil
}

func (s *Store) ClaimEvent(ctx context.Context, eventID, eventType string, at time.Time) (bool, error) {
	defer s.lock(ctx)()
	if _, ok := s.st.events[eventID]; ok {
		return false, nil
	}
	s.st.events[eventID] = at
	return true, nil
}
