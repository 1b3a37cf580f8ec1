package cart

import (
	"context"
	"fmt"
	"time"

	"github.com/ariefcatur/go-marketplace-checkout/internal/apperr"
	"github.com/ariefcatur/go-marketplace-checkout/internal/ledger"
	"github.com/ariefcatur/go-marketplace-checkout/internal/txn"
)

var (
	ErrCartNotFound   = fmt.Errorf("cart %w", apperr.ErrNotFound)
	ErrLineNotFound   = fmt.Errorf("cart line %w", apperr.ErrNotFound)
	// ErrLineInCheckout: the change would drop units a pending payment holds.
	ErrLineInCheckout = fmt.Errorf("cart line is in a pending checkout: %w", apperr.ErrStockConflict)
)

// Owner identifies a cart: a device-scoped guest session or an account.
// Exactly one of the fields is set.
type Owner struct {
	SessionID string
	UserID    string
}

func Guest(sessionID string) Owner { return Owner{SessionID: sessionID} }
func User(userID string) Owner { return Owner{UserID: userID} }

func (o Owner) IsGuest() bool { return o.UserID == "" }

// Ref is the stable string form persisted as carts.owner_ref.
func (o Owner) Ref() string {
	if o.UserID != "" {
		return "user:" + o.UserID
	}
	return "session:" + o.SessionID
}

func (o Owner) Validate() error {
	switch {
	case o.UserID == "" && o.SessionID == "":
		return apperr.Validation("cart owner requires a session id or a user id")
	case o.UserID != "" && o.SessionID != "":
		return apperr.Validation("cart owner must be either a session or a user")
	}
	return nil
}

type Line struct {
	ProductID      string
	VariantID      string
	VendorID       string
	Name           string
	Quantity       int
	UnitPriceCents int64 // snapshot at first add
	ReservationID  string
	AddedAt        time.Time
}

func (l Line) SubtotalCents() int64 { return l.UnitPriceCents * int64(l.Quantity) }

func (l Line) key() ledger.Key { return ledger.Key{ProductID: l.ProductID, VariantID: l.VariantID} }

type Cart struct {
	ID        string
	Owner     Owner
	Lines     []Line
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (c *Cart) IsEmpty() bool { return c == nil || len(c.Lines) == 0 }

func (c *Cart) find(productID, variantID string) (int, bool) {
	for i, l := range c.Lines {
		if l.ProductID == productID && l.VariantID == variantID {
			return i, true
		}
	}
	return -1, false
}

// Store persists carts. FindCart and GetCart return the cart with its lines
// ordered by insertion.
type Store interface {
	txn.Runner
	FindCart(ctx context.Context, owner Owner) (*Cart, error)
	GetCart(ctx context.Context, cartID string) (*Cart, error)
	// CreateCart inserts c, or returns the owner's existing cart when another
	// request created it first.
	CreateCart(ctx context.Context, c *Cart) (*Cart, error)
	LockCart(ctx context.Context, cartID string) error
	SaveLine(ctx context.Context, cartID string, l Line) error
	DeleteLine(ctx context.Context, cartID, productID, variantID string) error
	DeleteCart(ctx context.Context, cartID string) error
}
