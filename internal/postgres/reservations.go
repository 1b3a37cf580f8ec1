package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/ariefcatur/go-marketplace-checkout/internal/catalog"
	"github.com/ariefcatur/go-marketplace-checkout/internal/ledger"
	"github.com/jackc/pgx/v5"
)

func (s *Store) GetProduct(ctx context.Context, productID, variantID string) (catalog.Product, error) {
	var p catalog.Product
	err := s.q(ctx).QueryRow(ctx, `
		SELECT id, variant_id, vendor_id, sku, name, price_cents
		FROM products WHERE id = $1 AND variant_id = $2`, productID, variantID).
		Scan(&p.ID, &p.VariantID, &p.VendorID, &p.SKU, &p.Name, &p.PriceCents)
	if errors.Is(err, pgx.ErrNoRows) {
		return catalog.Product{}, catalog.ErrProductNotFound
	}
	return p, err
}

func (s *Store) GetVendor(ctx context.Context, vendorID string) (catalog.Vendor, error) {
	var v catalog.Vendor
	err := s.q(ctx).QueryRow(ctx, `
		SELECT id, name, state, shipping_cents FROM vendors WHERE id = $1`, vendorID).
		Scan(&v.ID, &v.Name, &v.State, &v.ShippingCents)
	if errors.Is(err, pgx.ErrNoRows) {
		return catalog.Vendor{}, catalog.ErrVendorNotFound
	}
	return v, err
}

// UpsertVendor and UpsertProduct seed the catalog view.
func (s *Store) UpsertVendor(ctx context.Context, v catalog.Vendor) error {
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO vendors (id, name, state, shipping_cents) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, state = EXCLUDED.state, shipping_cents = EXCLUDED.shipping_cents`,
		v.ID, v.Name, v.State, v.ShippingCents)
	return err
}

func (s *Store) UpsertProduct(ctx context.Context, p catalog.Product, total int) error {
	return s.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := s.q(ctx).Exec(ctx, `
			INSERT INTO products (id, variant_id, vendor_id, sku, name, price_cents) VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id, variant_id) DO UPDATE SET vendor_id = EXCLUDED.vendor_id, sku = EXCLUDED.sku,
				name = EXCLUDED.name, price_cents = EXCLUDED.price_cents`,
			p.ID, p.VariantID, p.VendorID, p.SKU, p.Name, p.PriceCents); err != nil {
			return err
		}
		_, err := s.q(ctx).Exec(ctx, `
			INSERT INTO stock_levels (product_id, variant_id, total) VALUES ($1, $2, $3)
			ON CONFLICT (product_id, variant_id) DO UPDATE SET total = EXCLUDED.total`,
			p.ID, p.VariantID, total)
		return err
	})
}

// LockStock takes the row lock that serializes every hold change on a key.
func (s *Store) LockStock(ctx context.Context, key ledger.Key) (ledger.StockLevel, error) {
	lvl := ledger.StockLevel{Key: key}
	err := s.q(ctx).QueryRow(ctx, `
		SELECT total, sold FROM stock_levels
		WHERE product_id = $1 AND variant_id = $2
		FOR UPDATE`, key.ProductID, key.VariantID).Scan(&lvl.Total, &lvl.Sold)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.StockLevel{}, ledger.ErrUnknownStock
	}
	return lvl, err
}

func (s *Store) ExpireHeld(ctx context.Context, key ledger.Key, now time.Time) (int, error) {
	ct, err := s.q(ctx).Exec(ctx, `
		UPDATE stock_reservations SET state = 'RELEASED', updated_at = $3
		WHERE product_id = $1 AND variant_id = $2 AND state = 'HELD' AND expires_at <= $3`,
		key.ProductID, key.VariantID, now)
	if err != nil {
		return 0, err
	}
	return int(ct.RowsAffected()), nil
}

// SweepExpired releases expired holds across all keys. Rows are released in
// stock-row lock order so the sweep cannot deadlock with Reserve.
func (s *Store) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	total := 0
	err := s.WithinTx(ctx, func(ctx context.Context) error {
		rows, err := s.q(ctx).Query(ctx, `
			SELECT DISTINCT product_id, variant_id FROM stock_reservations
			WHERE state = 'HELD' AND expires_at <= $1
			ORDER BY product_id, variant_id`, now)
		if err != nil {
			return err
		}
		keys, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.Key, error) {
			var k ledger.Key
			err := row.Scan(&k.ProductID, &k.VariantID)
			return k, err
		})
		if err != nil {
			return err
		}
		for _, k := range keys {
			if _, err := s.LockStock(ctx, k); err != nil {
				return err
			}
			n, err := s.ExpireHeld(ctx, k, now)
			if err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	return total, err
}

func (s *Store) SumHeld(ctx context.Context, key ledger.Key) (int, error) {
	var n int
	err := s.q(ctx).QueryRow(ctx, `
		SELECT COALESCE(SUM(quantity), 0) FROM stock_reservations
		WHERE product_id = $1 AND variant_id = $2 AND state = 'HELD'`,
		key.ProductID, key.VariantID).Scan(&n)
	return n, err
}

const reservationCols = `id, product_id, variant_id, holder_ref, quantity, state, expires_at, created_at, updated_at`

func scanReservation(row pgx.Row) (ledger.Reservation, error) {
	var r ledger.Reservation
	var st string
	err := row.Scan(&r.ID, &r.ProductID, &r.VariantID, &r.HolderRef, &r.Quantity, &st, &r.ExpiresAt, &r.CreatedAt, &r.UpdatedAt)
	r.State = ledger.State(st)
	r.ExpiresAt = r.ExpiresAt.UTC()
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, err
}

func (s *Store) FindHeld(ctx context.Context, holderRef string, key ledger.Key) (*ledger.Reservation, error) {
	r, err := scanReservation(s.q(ctx).QueryRow(ctx, `
		SELECT `+reservationCols+` FROM stock_reservations
		WHERE holder_ref = $1 AND product_id = $2 AND variant_id = $3 AND state = 'HELD'`,
		holderRef, key.ProductID, key.VariantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) GetReservation(ctx context.Context, id string) (ledger.Reservation, error) {
	r, err := scanReservation(s.q(ctx).QueryRow(ctx, `
		SELECT `+reservationCols+` FROM stock_reservations WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Reservation{}, ledger.ErrReservationNotFound
	}
	return r, err
}

func (s *Store) InsertReservation(ctx context.Context, r ledger.Reservation) error {
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO stock_reservations (`+reservationCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.ProductID, r.VariantID, r.HolderRef, r.Quantity, string(r.State), r.ExpiresAt, r.CreatedAt, r.UpdatedAt)
	return err
}

func (s *Store) UpdateReservation(ctx context.Context, r ledger.Reservation) error {
	ct, err := s.q(ctx).Exec(ctx, `
		UPDATE stock_reservations SET quantity = $2, state = $3, expires_at = $4, updated_at = $5
		WHERE id = $1`, r.ID, r.Quantity, string(r.State), r.ExpiresAt, r.UpdatedAt)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return ledger.ErrReservationNotFound
	}
	return nil
}

func (s *Store) AddSold(ctx context.Context, key ledger.Key, qty int) error {
	ct, err := s.q(ctx).Exec(ctx, `
		UPDATE stock_levels SET sold = sold + $3
		WHERE product_id = $1 AND variant_id = $2`, key.ProductID, key.VariantID, qty)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return ledger.ErrUnknownStock
	}
	return nil
}
