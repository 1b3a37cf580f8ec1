// Package checkout turns a multi-vendor cart into one payment intent and one
// pending order per vendor.
package checkout

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ariefcatur/go-marketplace-checkout/internal/apperr"
	"github.com/ariefcatur/go-marketplace-checkout/internal/cart"
	"github.com/ariefcatur/go-marketplace-checkout/internal/ledger"
	"github.com/ariefcatur/go-marketplace-checkout/internal/orders"
	"github.com/ariefcatur/go-marketplace-checkout/internal/txn"
)

var (
	ErrEmptyCart          = apperr.Validation("cart is empty")
	ErrStockChanged       = fmt.Errorf("stock changed: %w", apperr.ErrStockConflict)
	ErrGatewayUnavailable = apperr.ErrGatewayUnavailable
	// ErrAlreadyInCheckout: every unit in the cart is held by a pending payment.
	ErrAlreadyInCheckout = fmt.Errorf("cart is already in a pending checkout: %w", apperr.ErrStockConflict)
)

// StockChangedError names the cart line whose hold is no longer valid. The
// caller must re-fetch the cart before retrying.
type StockChangedError struct {
	ProductID string
	VariantID string
	Name      string
	Reason    string
}

func (e *StockChangedError) Error() string {
	name := e.Name
	if name == "" {
		name = ledger.Key{ProductID: e.ProductID, VariantID: e.VariantID}.String()
	}
	return fmt.Sprintf("stock changed for %q: %s", name, e.Reason)
}

func (e *StockChangedError) Unwrap() error { return ErrStockChanged }

type Request struct {
	Owner           cart.Owner
	Email           string // required for guest checkout
	ShippingAddress orders.Address
}

type Result struct {
	PaymentID    string
	ClientSecret string
	OrderIDs     []string
	TotalCents   int64
	Currency     string
	// Reused is set when an earlier checkout of the same cart content was
	// returned instead of creating a new payment.
	Reused bool
}

type CartReader interface {
	GetCart(ctx context.Context, owner cart.Owner) (*cart.Cart, error)
}

type HoldLedger interface {
	Get(ctx context.Context, id string) (ledger.Reservation, error)
	Split(ctx context.Context, id string, qty int, holderRef string, ttl time.Duration) (ledger.Reservation, error)
}

// ResultCache maps a cart content hash to the payment its checkout created.
type ResultCache interface {
	Lookup(ctx context.Context, cartHash string) (paymentID string, ok bool, err error)
	Remember(ctx context.Context, cartHash, paymentID string) error
}

type Store interface {
	txn.Runner
	cart.CheckoutHolds
	LockCart(ctx context.Context, cartID string) error
	GetPayment(ctx context.Context, id string) (orders.Payment, error)
	FindPaymentsByCartHash(ctx context.Context, hash string) ([]orders.Payment, error)
	ListOrdersByPayment(ctx context.Context, paymentID string) ([]orders.Order, error)
	InsertPayment(ctx context.Context, p orders.Payment) error
	InsertOrder(ctx context.Context, o orders.Order) error
}

// vendorGroup is one vendor's share of the cart, priced and taxed.
type vendorGroup struct {
	VendorID      string
	State         string
	Lines         []cart.Line
	SubtotalCents int64
	TaxRate       float64
	TaxCents      int64
	ShippingCents int64
}

func (g vendorGroup) TotalCents() int64 { return g.SubtotalCents + g.TaxCents + g.ShippingCents }

func (r Request) customer() (orders.Customer, error) {
	if !r.Owner.IsGuest() {
		return orders.Customer{UserID: r.Owner.UserID}, nil
	}
	email := orders.NormalizeEmail(r.Email)
	if email == "" || !strings.Contains(email, "@") {
		return orders.Customer{}, apperr.Validation("guest checkout requires a valid email")
	}
	return orders.Customer{GuestEmail: email}, nil
}

// cartHash identifies the cart content for idempotency: the same owner
// checking out the same lines always gets the same hash. Hold ids are left
// out since re-acquiring a lapsed hold does not change what is bought.
func cartHash(c *cart.Cart) string {
	lines := make([]string, 0, len(c.Lines))
	for _, l := range c.Lines {
		lines = append(lines, strings.Join([]string{
			l.ProductID, l.VariantID, strconv.Itoa(l.Quantity),
			strconv.FormatInt(l.UnitPriceCents, 10),
		}, "|"))
	}
	sort.Strings(lines)
	h := sha256.New()
	h.Write([]byte(c.Owner.Ref()))
	h.Write([]byte{0})
	h.Write([]byte(c.ID))
	for _, l := range lines {
		h.Write([]byte{0})
		h.Write([]byte(l))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// idempotencyKey derives the gateway key. Each settled attempt on the same
// content bumps the suffix so a retry after a decline, or buying the same
// lines again, gets a fresh intent, while a double click reuses the live one.
func idempotencyKey(hash string, settledAttempts int) string {
	return "chk_" + hash[:32] + "_" + strconv.Itoa(settledAttempts)
}

func isStockChanged(err error) bool {
	return errors.Is(err, apperr.ErrStockConflict)
}
