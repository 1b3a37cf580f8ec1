// Package ledger owns stock holds. It is the only mutation surface for stock:
// carts place and release holds through it, and the payment reconciler
// converts holds into sales through it.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-marketplace-checkout/internal/apperr"
	"github.com/ariefcatur/go-marketplace-checkout/internal/txn"
)

type State string

const (
	StateHeld      State = "HELD"
	StateCommitted State = "COMMITTED"
	StateReleased  State = "RELEASED"
)

type Key struct {
	ProductID string
	VariantID string
}

func (k Key) String() string {
	if k.VariantID == "" {
		return k.ProductID
	}
	return k.ProductID + "/" + k.VariantID
}

type Reservation struct {
	ID        string
	ProductID string
	VariantID string
	HolderRef string // cart id, or payment id once checkout took the units over
	Quantity  int
	State     State
	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (r Reservation) Key() Key { return Key{ProductID: r.ProductID, VariantID: r.VariantID} }

// Active reports whether the hold still counts against stock at now.
func (r Reservation) Active(now time.Time) bool {
	return r.State == StateHeld && r.ExpiresAt.After(now)
}

// StockLevel is the catalog total and the quantity already sold for a key.
type StockLevel struct {
	Key   Key
	Total int
	Sold  int
}

var (
	ErrInsufficientStock   = fmt.Errorf("insufficient stock: %w", apperr.ErrStockConflict)
	ErrHoldExpired         = fmt.Errorf("hold expired: %w", apperr.ErrStockConflict)
	ErrReservationNotFound = fmt.Errorf("reservation %w", apperr.ErrNotFound)
	ErrUnknownStock        = fmt.Errorf("stock level %w", apperr.ErrNotFound)
	ErrAlreadyCommitted    = fmt.Errorf("reservation already committed: %w", apperr.ErrInvalidTransition)
	ErrHoldTooSmall        = fmt.Errorf("hold too small: %w", apperr.ErrStockConflict)
	ErrQuantityMismatch    = fmt.Errorf("reservation quantity mismatch: %w", apperr.ErrStockConflict)
)

// InsufficientStockError carries the quantity that could have been reserved
// so the caller can offer a partial add.
type InsufficientStockError struct {
	Key       Key
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d", e.Key, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// AvailableFrom extracts the available quantity from a shortfall error.
func AvailableFrom(err error) (int, bool) {
	var ise *InsufficientStockError
	if errors.As(err, &ise) {
		return ise.Available, true
	}
	return 0, false
}

// Store is the persistence the ledger needs. Every method joins the
// transaction carried by ctx when there is one.
type Store interface {
	txn.Runner
	// LockStock reads the stock level and holds a row lock on it until the
	// surrounding transaction ends.
	LockStock(ctx context.Context, key Key) (StockLevel, error)
	ExpireHeld(ctx context.Context, key Key, now time.Time) (int, error)
	SumHeld(ctx context.Context, key Key) (int, error)
	FindHeld(ctx context.Context, holderRef string, key Key) (*Reservation, error)
	GetReservation(ctx context.Context, id string) (Reservation, error)
	InsertReservation(ctx context.Context, r Reservation) error
	UpdateReservation(ctx context.Context, r Reservation) error
	AddSold(ctx context.Context, key Key, qty int) error
	SweepExpired(ctx context.Context, now time.Time) (int, error)
}
