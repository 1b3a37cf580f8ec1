package cart

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-marketplace-checkout/internal/apperr"
	"github.com/ariefcatur/go-marketplace-checkout/internal/catalog"
	"github.com/ariefcatur/go-marketplace-checkout/internal/ledger"
	"github.com/ariefcatur/go-marketplace-checkout/internal/logging"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Reserver is the slice of the reservation ledger the cart uses.
type Reserver interface {
	Reserve(ctx context.Context, req ledger.ReserveRequest) (ledger.Reservation, error)
	ReleaseQuantity(ctx context.Context, id string, qty int) (ledger.Reservation, error)
	Release(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (ledger.Reservation, error)
}

// CheckoutHolds reports, per stock key, how many units of a cart a pending
// checkout has taken over. Those units stay on the cart lines but are held by
// the payment, so the cart's own hold only covers the rest.
type CheckoutHolds interface {
	HeldForCheckout(ctx context.Context, cartID string, now time.Time) (map[ledger.Key]int, error)
}

type Service struct {
	Store     Store
	Ledger    Reserver
	Catalog   catalog.Reader
	Checkouts CheckoutHolds
	TTL       time.Duration // hold lifetime, refreshed on every quantity change
	Now       func() time.Time
	Log       *zap.Logger
}

type AddLineInput struct {
	ProductID string
	VariantID string
	Quantity  int
}

// LineAdjustment reports a merged line that could not keep its full quantity.
type LineAdjustment struct {
	ProductID string
	VariantID string
	Requested int
	Merged    int
}

type MergeResult struct {
	Cart     *Cart
	Merged   int
	Adjusted []LineAdjustment
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// GetCart returns the owner's cart, or an empty cart when none exists yet.
func (s *Service) GetCart(ctx context.Context, owner Owner) (*Cart, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	c, err := s.Store.FindCart(ctx, owner)
	if errors.Is(err, ErrCartNotFound) {
		return &Cart{Owner: owner}, nil
	}
	return c, err
}

// AddLine adds quantity to the (product, variant) line, creating the cart and
// the line on first use. Only the added quantity is reserved; a shortfall
// leaves the cart unchanged.
func (s *Service) AddLine(ctx context.Context, owner Owner, in AddLineInput) (*Cart, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	if in.Quantity <= 0 {
		return nil, apperr.Validation("quantity must be greater than zero")
	}
	if in.ProductID == "" {
		return nil, apperr.Validation("product_id is required")
	}
	p, err := s.Catalog.GetProduct(ctx, in.ProductID, in.VariantID)
	if err != nil {
		return nil, err
	}

	var cartID string
	err = s.Store.WithinTx(ctx, func(ctx context.Context) error {
		c, err := s.lockedCart(ctx, owner, true)
		if err != nil {
			return err
		}
		cartID = c.ID

		line := Line{
			ProductID:      p.ID,
			VariantID:      p.VariantID,
			VendorID:       p.VendorID,
			Name:           p.Name,
			UnitPriceCents: p.PriceCents,
			AddedAt:        s.now(),
		}
		if i, ok := c.find(p.ID, p.VariantID); ok {
			line = c.Lines[i]
		}
		pinned, err := s.pinned(ctx, c.ID)
		if err != nil {
			return err
		}
		target := line.Quantity + in.Quantity
		if err := s.adjustHold(ctx, c.ID, &line, max(target-pinned[line.key()], 0)); err != nil {
			return err
		}
		line.Quantity = target
		return s.Store.SaveLine(ctx, c.ID, line)
	})
	if err != nil {
		return nil, err
	}
	logging.FromContext(ctx, logging.OrNop(s.Log)).Debug("cart_line_added",
		zap.String("cart_id", cartID), zap.String("product_id", in.ProductID), zap.Int("quantity", in.Quantity))
	return s.Store.GetCart(ctx, cartID)
}

// SetQuantity sets a line's quantity, reserving or releasing only the
// difference. Zero removes the line.
func (s *Service) SetQuantity(ctx context.Context, owner Owner, productID, variantID string, qty int) (*Cart, error) {
	if qty < 0 {
		return nil, apperr.Validation("quantity must not be negative")
	}
	if qty == 0 {
		return s.RemoveLine(ctx, owner, productID, variantID)
	}
	if err := owner.Validate(); err != nil {
		return nil, err
	}

	var cartID string
	err := s.Store.WithinTx(ctx, func(ctx context.Context) error {
		c, err := s.lockedCart(ctx, owner, false)
		if err != nil {
			return err
		}
		cartID = c.ID
		i, ok := c.find(productID, variantID)
		if !ok {
			return ErrLineNotFound
		}
		line := c.Lines[i]
		pinned, err := s.pinned(ctx, c.ID)
		if err != nil {
			return err
		}
		n := pinned[line.key()]
		if qty < n {
			return fmt.Errorf("%d units are in checkout: %w", n, ErrLineInCheckout)
		}
		if err := s.adjustHold(ctx, c.ID, &line, qty-n); err != nil {
			return err
		}
		line.Quantity = qty
		return s.Store.SaveLine(ctx, c.ID, line)
	})
	if err != nil {
		return nil, err
	}
	return s.Store.GetCart(ctx, cartID)
}

// RemoveLine drops the line and releases its hold.
func (s *Service) RemoveLine(ctx context.Context, owner Owner, productID, variantID string) (*Cart, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	var cartID string
	err := s.Store.WithinTx(ctx, func(ctx context.Context) error {
		c, err := s.lockedCart(ctx, owner, false)
		if err != nil {
			return err
		}
		cartID = c.ID
		i, ok := c.find(productID, variantID)
		if !ok {
			return ErrLineNotFound
		}
		pinned, err := s.pinned(ctx, c.ID)
		if err != nil {
			return err
		}
		if n := pinned[c.Lines[i].key()]; n > 0 {
			return fmt.Errorf("%d units are in checkout: %w", n, ErrLineInCheckout)
		}
		if id := c.Lines[i].ReservationID; id != "" {
			if err := s.Ledger.Release(ctx, id); err != nil && !errors.Is(err, ledger.ErrReservationNotFound) {
				return err
			}
		}
		return s.Store.DeleteLine(ctx, c.ID, productID, variantID)
	})
	if err != nil {
		return nil, err
	}
	return s.Store.GetCart(ctx, cartID)
}

// MergeGuestCartIntoUser moves a guest cart's lines into the user's cart on
// login. Matching lines are summed and the combined quantity is re-reserved
// for the user's cart; a line that no longer fits in stock is clamped to what
// is available. The guest cart is deleted only once every line is merged.
func (s *Service) MergeGuestCartIntoUser(ctx context.Context, sessionID, userID string) (MergeResult, error) {
	if sessionID == "" || userID == "" {
		return MergeResult{}, apperr.Validation("session id and user id are required")
	}
	var res MergeResult
	var userCartID string
	err := s.Store.WithinTx(ctx, func(ctx context.Context) error {
		guest, err := s.lockedCart(ctx, Guest(sessionID), false)
		if errors.Is(err, ErrCartNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		user, err := s.lockedCart(ctx, User(userID), true)
		if err != nil {
			return err
		}
		userCartID = user.ID
		pinned, err := s.pinned(ctx, user.ID)
		if err != nil {
			return err
		}

		for _, gl := range guest.Lines {
			if gl.ReservationID != "" {
				if err := s.Ledger.Release(ctx, gl.ReservationID); err != nil && !errors.Is(err, ledger.ErrReservationNotFound) {
					return err
				}
			}

			ul := gl
			ul.Quantity = 0
			ul.ReservationID = ""
			if i, ok := user.find(gl.ProductID, gl.VariantID); ok {
				ul = user.Lines[i]
			}
			n := pinned[ul.key()]
			want := ul.Quantity + gl.Quantity
			held, err := s.adjustHoldClamped(ctx, user.ID, &ul, want-n)
			if err != nil {
				return err
			}
			got := held + n
			if got != want {
				res.Adjusted = append(res.Adjusted, LineAdjustment{
					ProductID: gl.ProductID, VariantID: gl.VariantID, Requested: want, Merged: got,
				})
			}
			if got == 0 {
				continue
			}
			ul.Quantity = got
			if err := s.Store.SaveLine(ctx, user.ID, ul); err != nil {
				return err
			}
			res.Merged++
		}
		return s.Store.DeleteCart(ctx, guest.ID)
	})
	if err != nil {
		return MergeResult{}, fmt.Errorf("merge guest cart: %w", err)
	}
	if userCartID == "" {
		res.Cart, err = s.GetCart(ctx, User(userID))
		return res, err
	}
	logging.FromContext(ctx, logging.OrNop(s.Log)).Info("guest_cart_merged",
		zap.String("user_id", userID), zap.Int("merged", res.Merged), zap.Int("adjusted", len(res.Adjusted)))
	res.Cart, err = s.Store.GetCart(ctx, userCartID)
	return res, err
}

// RefreshHolds re-acquires holds that lapsed or were released, for example
// after a declined payment, so the cart can be checked out again. Lines are
// clamped to what is still available; lines with nothing left are removed.
func (s *Service) RefreshHolds(ctx context.Context, owner Owner) (*Cart, []LineAdjustment, error) {
	if err := owner.Validate(); err != nil {
		return nil, nil, err
	}
	var (
		cartID   string
		adjusted []LineAdjustment
	)
	err := s.Store.WithinTx(ctx, func(ctx context.Context) error {
		adjusted = adjusted[:0]
		c, err := s.lockedCart(ctx, owner, false)
		if err != nil {
			return err
		}
		cartID = c.ID
		pinned, err := s.pinned(ctx, c.ID)
		if err != nil {
			return err
		}
		for _, l := range c.Lines {
			n := pinned[l.key()]
			held, err := s.adjustHoldClamped(ctx, c.ID, &l, max(l.Quantity-n, 0))
			if err != nil {
				return err
			}
			got := held + n
			if got != l.Quantity {
				adjusted = append(adjusted, LineAdjustment{
					ProductID: l.ProductID, VariantID: l.VariantID, Requested: l.Quantity, Merged: got,
				})
			}
			if got == 0 {
				if err := s.Store.DeleteLine(ctx, c.ID, l.ProductID, l.VariantID); err != nil {
					return err
				}
				continue
			}
			l.Quantity = got
			if err := s.Store.SaveLine(ctx, c.ID, l); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, ErrCartNotFound) {
		return &Cart{Owner: owner}, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("refresh holds: %w", err)
	}
	c, err := s.Store.GetCart(ctx, cartID)
	return c, adjusted, err
}

// RemovePaidLines takes the paid quantities off the cart's lines and deletes
// the cart once it is empty. Units added after checkout began stay, still
// covered by the cart's own hold.
func (s *Service) RemovePaidLines(ctx context.Context, cartID string, paid map[ledger.Key]int) error {
	return s.Store.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.Store.LockCart(ctx, cartID); err != nil {
			if errors.Is(err, ErrCartNotFound) {
				return nil
			}
			return err
		}
		c, err := s.Store.GetCart(ctx, cartID)
		if err != nil {
			return err
		}
		kept := 0
		for _, l := range c.Lines {
			n := paid[l.key()]
			switch {
			case n == 0:
			case n >= l.Quantity:
				if l.ReservationID != "" {
					err := s.Ledger.Release(ctx, l.ReservationID)
					if err != nil && !errors.Is(err, ledger.ErrReservationNotFound) && !errors.Is(err, ledger.ErrAlreadyCommitted) {
						return err
					}
				}
				if err := s.Store.DeleteLine(ctx, cartID, l.ProductID, l.VariantID); err != nil {
					return err
				}
				continue
			default:
				l.Quantity -= n
				if err := s.Store.SaveLine(ctx, cartID, l); err != nil {
					return err
				}
			}
			kept++
		}
		if kept == 0 {
			return s.Store.DeleteCart(ctx, cartID)
		}
		return nil
	})
}

// lockedCart loads the owner's cart under a row lock, creating it when create
// is set. Must run inside a transaction.
func (s *Service) lockedCart(ctx context.Context, owner Owner, create bool) (*Cart, error) {
	c, err := s.Store.FindCart(ctx, owner)
	if errors.Is(err, ErrCartNotFound) && create {
		now := s.now()
		c, err = s.Store.CreateCart(ctx, &Cart{ID: uuid.NewString(), Owner: owner, CreatedAt: now, UpdatedAt: now})
	}
	if err != nil {
		return nil, err
	}
	if err := s.Store.LockCart(ctx, c.ID); err != nil {
		return nil, err
	}
	return s.Store.GetCart(ctx, c.ID)
}

// pinned returns the units of the cart held by pending checkouts.
func (s *Service) pinned(ctx context.Context, cartID string) (map[ledger.Key]int, error) {
	if s.Checkouts == nil {
		return nil, nil
	}
	return s.Checkouts.HeldForCheckout(ctx, cartID, s.now())
}

// heldQuantity is how much of the line is still covered by a live hold.
func (s *Service) heldQuantity(ctx context.Context, l Line) (int, error) {
	if l.ReservationID == "" {
		return 0, nil
	}
	r, err := s.Ledger.Get(ctx, l.ReservationID)
	if errors.Is(err, ledger.ErrReservationNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if !r.Active(s.now()) {
		return 0, nil
	}
	return r.Quantity, nil
}

// adjustHold makes the line's hold cover target units by reserving or
// releasing only the difference.
func (s *Service) adjustHold(ctx context.Context, cartID string, l *Line, target int) error {
	held, err := s.heldQuantity(ctx, *l)
	if err != nil {
		return err
	}
	switch {
	case target > held:
		r, err := s.Ledger.Reserve(ctx, ledger.ReserveRequest{
			Key:       ledger.Key{ProductID: l.ProductID, VariantID: l.VariantID},
			Quantity:  target - held,
			HolderRef: cartID,
			TTL:       s.TTL,
		})
		if err != nil {
			return err
		}
		l.ReservationID = r.ID
	case target < held:
		if _, err := s.Ledger.ReleaseQuantity(ctx, l.ReservationID, held-target); err != nil {
			return err
		}
	}
	return nil
}

// adjustHoldClamped is adjustHold that settles for the available quantity on
// a shortfall. It returns the quantity actually held.
func (s *Service) adjustHoldClamped(ctx context.Context, cartID string, l *Line, target int) (int, error) {
	err := s.adjustHold(ctx, cartID, l, target)
	avail, short := ledger.AvailableFrom(err)
	if !short {
		return target, err
	}
	held, err := s.heldQuantity(ctx, *l)
	if err != nil {
		return 0, err
	}
	got := held + avail
	if got > held {
		if err := s.adjustHold(ctx, cartID, l, got); err != nil {
			return 0, err
		}
	}
	return got, nil
}
