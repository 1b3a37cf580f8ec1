package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ariefcatur/go-marketplace-checkout/internal/ledger"
	"github.com/ariefcatur/go-marketplace-checkout/internal/orders"
	"github.com/jackc/pgx/v5"
)

const paymentCols = `id, gateway_intent_id, client_secret, cart_id, cart_hash, idempotency_key,
	total_cents, currency, status, created_at, updated_at`

func scanPayment(row pgx.Row) (orders.Payment, error) {
	var p orders.Payment
	var st string
	err := row.Scan(&p.ID, &p.GatewayIntentID, &p.ClientSecret, &p.CartID, &p.CartHash, &p.IdempotencyKey,
		&p.TotalCents, &p.Currency, &st, &p.CreatedAt, &p.UpdatedAt)
	p.Status = orders.PaymentStatus(st)
	p.CreatedAt, p.UpdatedAt = p.CreatedAt.UTC(), p.UpdatedAt.UTC()
	return p, err
}

func (s *Store) InsertPayment(ctx context.Context, p orders.Payment) error {
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO payments (`+paymentCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.ID, p.GatewayIntentID, p.ClientSecret, p.CartID, p.CartHash, p.IdempotencyKey,
		p.TotalCents, p.Currency, string(p.Status), p.CreatedAt, p.UpdatedAt)
	if isUniqueViolation(err) {
		return orders.ErrDuplicatePayment
	}
	return err
}

func (s *Store) GetPayment(ctx context.Context, id string) (orders.Payment, error) {
	p, err := scanPayment(s.q(ctx).QueryRow(ctx, `SELECT `+paymentCols+` FROM payments WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Payment{}, orders.ErrPaymentNotFound
	}
	return p, err
}

func (s *Store) FindPaymentsByCartHash(ctx context.Context, hash string) ([]orders.Payment, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT `+paymentCols+` FROM payments WHERE cart_hash = $1 ORDER BY created_at, id`, hash)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (orders.Payment, error) { return scanPayment(row) })
}

func (s *Store) LockPaymentByIntent(ctx context.Context, intentID string) (orders.Payment, error) {
	p, err := scanPayment(s.q(ctx).QueryRow(ctx, `
		SELECT `+paymentCols+` FROM payments WHERE gateway_intent_id = $1 FOR UPDATE`, intentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Payment{}, orders.ErrPaymentNotFound
	}
	return p, err
}

func (s *Store) UpdatePaymentStatus(ctx context.Context, paymentID string, status orders.PaymentStatus, at time.Time) error {
	ct, err := s.q(ctx).Exec(ctx, `
		UPDATE payments SET status = $2, updated_at = $3 WHERE id = $1`, paymentID, string(status), at)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return orders.ErrPaymentNotFound
	}
	return nil
}

// InsertOrder writes the order with its lines and tracking history.
func (s *Store) InsertOrder(ctx context.Context, o orders.Order) error {
	if err := o.Customer.Validate(); err != nil {
		return err
	}
	return s.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := s.q(ctx).Exec(ctx, `
			INSERT INTO orders (id, payment_id, cart_id, vendor_id, user_id, guest_email, subtotal_cents, tax_rate,
				tax_cents, shipping_cents, total_cents, shipping_address, status, captured, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
			o.ID, o.PaymentID, o.CartID, o.VendorID, nullable(o.Customer.UserID), nullable(o.Customer.GuestEmail),
			o.SubtotalCents, o.TaxRate, o.TaxCents, o.ShippingCents, o.TotalCents, o.ShippingAddress,
			string(o.Status), o.Captured, o.CreatedAt, o.UpdatedAt); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		batch := &pgx.Batch{}
		for i, l := range o.Lines {
			batch.Queue(`
				INSERT INTO order_lines (order_id, line_no, product_id, variant_id, name, quantity, unit_price_cents, reservation_id)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				o.ID, i+1, l.ProductID, l.VariantID, l.Name, l.Quantity, l.UnitPriceCents, l.ReservationID)
		}
		for _, ev := range o.Tracking {
			batch.Queue(`
				INSERT INTO order_tracking (order_id, status, description, actor, at) VALUES ($1, $2, $3, $4, $5)`,
				o.ID, string(ev.Status), ev.Description, ev.Actor, ev.At)
		}
		if batch.Len() == 0 {
			return nil
		}
		tx := ctx.Value(txKey{}).(pgx.Tx)
		return tx.SendBatch(ctx, batch).Close()
	})
}

const orderCols = `id, payment_id, cart_id, vendor_id, COALESCE(user_id, ''), COALESCE(guest_email, ''),
	subtotal_cents, tax_rate::float8, tax_cents, shipping_cents, total_cents, shipping_address, status, captured,
	created_at, updated_at`

func scanOrder(row pgx.Row) (orders.Order, error) {
	var o orders.Order
	var st string
	err := row.Scan(&o.ID, &o.PaymentID, &o.CartID, &o.VendorID, &o.Customer.UserID, &o.Customer.GuestEmail,
		&o.SubtotalCents, &o.TaxRate, &o.TaxCents, &o.ShippingCents, &o.TotalCents, &o.ShippingAddress, &st, &o.Captured,
		&o.CreatedAt, &o.UpdatedAt)
	o.Status = orders.Status(st)
	o.CreatedAt, o.UpdatedAt = o.CreatedAt.UTC(), o.UpdatedAt.UTC()
	return o, err
}

func (s *Store) GetOrder(ctx context.Context, id string) (orders.Order, error) {
	o, err := scanOrder(s.q(ctx).QueryRow(ctx, `SELECT `+orderCols+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Order{}, orders.ErrOrderNotFound
	}
	if err != nil {
		return orders.Order{}, err
	}
	if err := s.loadDetails(ctx, &o); err != nil {
		return orders.Order{}, err
	}
	return o, nil
}

func (s *Store) loadDetails(ctx context.Context, o *orders.Order) error {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT product_id, variant_id, name, quantity, unit_price_cents, reservation_id
		FROM order_lines WHERE order_id = $1 ORDER BY line_no`, o.ID)
	if err != nil {
		return err
	}
	o.Lines, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (orders.Line, error) {
		var l orders.Line
		err := row.Scan(&l.ProductID, &l.VariantID, &l.Name, &l.Quantity, &l.UnitPriceCents, &l.ReservationID)
		return l, err
	})
	if err != nil {
		return err
	}
	rows, err = s.q(ctx).Query(ctx, `
		SELECT status, description, actor, at FROM order_tracking WHERE order_id = $1 ORDER BY id`, o.ID)
	if err != nil {
		return err
	}
	o.Tracking, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (orders.TrackingEvent, error) {
		var ev orders.TrackingEvent
		var st string
		err := row.Scan(&st, &ev.Description, &ev.Actor, &ev.At)
		ev.Status = orders.Status(st)
		ev.At = ev.At.UTC()
		return ev, err
	})
	return err
}

func (s *Store) LockOrder(ctx context.Context, id string) error {
	var got string
	err := s.q(ctx).QueryRow(ctx, `SELECT id FROM orders WHERE id = $1 FOR UPDATE`, id).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.ErrOrderNotFound
	}
	return err
}

func (s *Store) UpdateOrderStatus(ctx context.Context, o orders.Order) error {
	ct, err := s.q(ctx).Exec(ctx, `
		UPDATE orders SET status = $2, captured = $3, updated_at = $4 WHERE id = $1`,
		o.ID, string(o.Status), o.Captured, o.UpdatedAt)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return orders.ErrOrderNotFound
	}
	return nil
}

func (s *Store) AppendTracking(ctx context.Context, orderID string, ev orders.TrackingEvent) error {
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO order_tracking (order_id, status, description, actor, at) VALUES ($1, $2, $3, $4, $5)`,
		orderID, string(ev.Status), ev.Description, ev.Actor, ev.At)
	return err
}

func (s *Store) ListOrdersByPayment(ctx context.Context, paymentID string) ([]orders.Order, error) {
	return s.listOrders(ctx, `WHERE payment_id = $1 ORDER BY created_at, id`, paymentID)
}

// ListOrders returns matching orders, newest first.
func (s *Store) ListOrders(ctx context.Context, f orders.Filter) ([]orders.Order, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		args = append(args, f.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if f.VendorID != "" {
		args = append(args, f.VendorID)
		where = append(where, fmt.Sprintf("vendor_id = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = "WHERE " + strings.Join(where, " AND ")
	}
	clause += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		clause += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return s.listOrders(ctx, clause, args...)
}

func (s *Store) listOrders(ctx context.Context, clause string, args ...any) ([]orders.Order, error) {
	rows, err := s.q(ctx).Query(ctx, `SELECT `+orderCols+` FROM orders `+clause, args...)
	if err != nil {
		return nil, err
	}
	list, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (orders.Order, error) { return scanOrder(row) })
	if err != nil {
		return nil, err
	}
	for i := range list {
		if err := s.loadDetails(ctx, &list[i]); err != nil {
			return nil, err
		}
	}
	return list, nil
}

// LinkGuestOrders moves matching guest orders to the account in one
// statement, so a concurrent second call links nothing. Guest emails are
// stored normalized, so the match can use orders_guest_email_idx.
func (s *Store) LinkGuestOrders(ctx context.Context, userID, email string) (int, error) {
	ct, err := s.q(ctx).Exec(ctx, `
		UPDATE orders SET user_id = $1, guest_email = NULL, updated_at = now()
		WHERE user_id IS NULL AND guest_email = $2`, userID, email)
	if err != nil {
		return 0, err
	}
	return int(ct.RowsAffected()), nil
}

// ClaimEvent records a processed webhook event id. False means another
// delivery already claimed it.
func (s *Store) ClaimEvent(ctx context.Context, eventID, eventType string, at time.Time) (bool, error) {
	ct, err := s.q(ctx).Exec(ctx, `
		INSERT INTO processed_webhook_events (event_id, event_type, processed_at) VALUES ($1, $2, $3)
		ON CONFLICT (event_id) DO NOTHING`, eventID, eventType, at)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

// HeldForCheckout sums, per stock key, the live holds owned by the cart's
// unsettled payments.
func (s *Store) HeldForCheckout(ctx context.Context, cartID string, now time.Time) (map[ledger.Key]int, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT r.product_id, r.variant_id, SUM(r.quantity)
		FROM stock_reservations r JOIN payments p ON p.id = r.holder_ref
		WHERE p.cart_id = $1 AND p.status NOT IN ('SUCCEEDED', 'FAILED', 'CANCELED')
			AND r.state = 'HELD' AND r.expires_at > $2
		GROUP BY r.product_id, r.variant_id`, cartID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[ledger.Key]int{}
	for rows.Next() {
		var k ledger.Key
		var n int
		if err := rows.Scan(&k.ProductID, &k.VariantID, &n); err != nil {
			return nil, err
		}
		out[k] = n
	}
	return out, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
