package memory

import (
	"context"
	"slices"

	"github.com/ariefcatur/go-marketplace-checkout/internal/cart"
)

type cartRow struct {
	cart cart.Cart
}

func (r *cartRow) clone() *cartRow {
	c := r.cart
	c.Lines = slices.Clone(c.Lines)
	return &cartRow{cart: c}
}

func (st *state) cartByOwner(owner cart.Owner) *cartRow {
	for _, r := range st.carts {
		if r.cart.Owner == owner {
			return r
		}
	}
	return nil
}

func (s *Store) FindCart(ctx context.Context, owner cart.Owner) (*cart.Cart, error) {
	defer s.lock(ctx)()
	r := s.st.cartByOwner(owner)
	if r == nil {
		return nil, cart.ErrCartNotFound
	}
	return &r.clone().cart, nil
}

func (s *Store) GetCart(ctx context.Context, cartID string) (*cart.Cart, error) {
	defer s.lock(ctx)()
	r, ok := s.st.carts[cartID]
	if !ok {
		return nil, cart.ErrCartNotFound
	}
	return &r.clone().cart, nil
}

func (s *Store) CreateCart(ctx context.Context, c *cart.Cart) (*cart.Cart, error) {
	defer s.lock(ctx)()
	if r := s.st.cartByOwner(c.Owner); r != nil {
		return &r.clone().cart, nil
	}
	row := &cartRow{cart: *c}
	row.cart.Lines = slices.Clone(c.Lines)
	s.st.carts[c.ID] = row
	return &row.clone().cart, nil
}

func (s *Store) LockCart(ctx context.Context, cartID string) error {
	defer s.lock(ctx)()
	if _, ok := s.st.carts[cartID]; !ok {
		return cart.ErrCartNotFound
	}
	return nil
}

func (s *Store) SaveLine(ctx context.Context, cartID string, l cart.Line) error {
	defer s.lock(ctx)()
	r, ok := s.st.carts[cartID]
	if !ok {
		return cart.ErrCartNotFound
	}
	for i, cur := range r.cart.Lines {
		if cur.ProductID == l.ProductID && cur.VariantID == l.VariantID {
			r.cart.Lines[i] = l
			return nil
		}
	}
	r.cart.Lines = append(r.cart.Lines, l)
	return nil
}

func (s *Store) DeleteLine(ctx context.Context, cartID, productID, variantID string) error {
	defer s.lock(ctx)()
	r, ok := s.st.carts[cartID]
	if !ok {
		return cart.ErrCartNotFound
	}
	for i, cur := range r.cart.Lines {
		if cur.ProductID == productID && cur.VariantID == variantID {
			r.cart.Lines = slices.Delete(r.cart.Lines, i, i+1)
			return nil
		}
	}
	return cart.ErrLineNotFound
}

func (s *Store) DeleteCart(ctx context.Context, cartID string) error {
	defer s.lock(ctx)()
	delete(s.st.carts, cartID)
	return nil
}
