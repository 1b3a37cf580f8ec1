package postgres

import (
	"context"
	"errors"

	"github.com/ariefcatur/go-marketplace-checkout/internal/cart"
	"github.com/jackc/pgx/v5"
)

func (s *Store) FindCart(ctx context.Context, owner cart.Owner) (*cart.Cart, error) {
	var id string
	err := s.q(ctx).QueryRow(ctx, `SELECT id FROM carts WHERE owner_ref = $1`, owner.Ref()).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, cart.ErrCartNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.GetCart(ctx, id)
}

func (s *Store) GetCart(ctx context.Context, cartID string) (*cart.Cart, error) {
	c := &cart.Cart{}
	err := s.q(ctx).QueryRow(ctx, `
		SELECT id, session_id, user_id, created_at, updated_at FROM carts WHERE id = $1`, cartID).
		Scan(&c.ID, &c.Owner.SessionID, &c.Owner.UserID, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, cart.ErrCartNotFound
	}
	if err != nil {
		return nil, err
	}
	rows, err := s.q(ctx).Query(ctx, `
		SELECT product_id, variant_id, vendor_id, name, quantity, unit_price_cents, reservation_id, added_at
		FROM cart_lines WHERE cart_id = $1 ORDER BY seq`, cartID)
	if err != nil {
		return nil, err
	}
	c.Lines, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (cart.Line, error) {
		var l cart.Line
		err := row.Scan(&l.ProductID, &l.VariantID, &l.VendorID, &l.Name, &l.Quantity, &l.UnitPriceCents, &l.ReservationID, &l.AddedAt)
		l.AddedAt = l.AddedAt.UTC()
		return l, err
	})
	if err != nil {
		return nil, err
	}
	c.CreatedAt, c.UpdatedAt = c.CreatedAt.UTC(), c.UpdatedAt.UTC()
	return c, nil
}

// CreateCart is race-safe on owner: the loser of two concurrent creates gets
// the winner's cart.
func (s *Store) CreateCart(ctx context.Context, c *cart.Cart) (*cart.Cart, error) {
	ct, err := s.q(ctx).Exec(ctx, `
		INSERT INTO carts (id, owner_ref, session_id, user_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (owner_ref) DO NOTHING`,
		c.ID, c.Owner.Ref(), c.Owner.SessionID, c.Owner.UserID, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if ct.RowsAffected() == 0 {
		return s.FindCart(ctx, c.Owner)
	}
	return s.GetCart(ctx, c.ID)
}

func (s *Store) LockCart(ctx context.Context, cartID string) error {
	var id string
	err := s.q(ctx).QueryRow(ctx, `SELECT id FROM carts WHERE id = $1 FOR UPDATE`, cartID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return cart.ErrCartNotFound
	}
	return err
}

func (s *Store) SaveLine(ctx context.Context, cartID string, l cart.Line) error {
	if _, err := s.q(ctx).Exec(ctx, `
		INSERT INTO cart_lines (cart_id, product_id, variant_id, vendor_id, name, quantity, unit_price_cents, reservation_id, added_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (cart_id, product_id, variant_id)
		DO UPDATE SET quantity = EXCLUDED.quantity, reservation_id = EXCLUDED.reservation_id`,
		cartID, l.ProductID, l.VariantID, l.VendorID, l.Name, l.Quantity, l.UnitPriceCents, l.ReservationID, l.AddedAt); err != nil {
		return err
	}
	_, err := s.q(ctx).Exec(ctx, `UPDATE carts SET updated_at = now() WHERE id = $1`, cartID)
	return err
}

func (s *Store) DeleteLine(ctx context.Context, cartID, productID, variantID string) error {
	ct, err := s.q(ctx).Exec(ctx, `
		DELETE FROM cart_lines WHERE cart_id = $1 AND product_id = $2 AND variant_id = $3`,
		cartID, productID, variantID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return cart.ErrLineNotFound
	}
	return nil
}

func (s *Store) DeleteCart(ctx context.Context, cartID string) error {
	_, err := s.q(ctx).Exec(ctx, `DELETE FROM carts WHERE id = $1`, cartID)
	return err
}
