package orders

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ariefcatur/go-marketplace-checkout/internal/apperr"
	"github.com/ariefcatur/go-marketplace-checkout/internal/ledger"
)

var (
	ErrOrderNotFound   = fmt.Errorf("order %w", apperr.ErrNotFound)
	ErrPaymentNotFound = fmt.Errorf("payment %w", apperr.ErrNotFound)
	// ErrDuplicatePayment is returned by stores when a payment with the same
	// idempotency key or gateway intent already exists.
	ErrDuplicatePayment = errors.New("payment already exists")
)

type PaymentStatus string

const (
	PaymentRequiresAction PaymentStatus = "REQUIRES_ACTION"
	PaymentProcessing     PaymentStatus = "PROCESSING"
	PaymentSucceeded      PaymentStatus = "SUCCEEDED"
	PaymentFailed         PaymentStatus = "FAILED"
	PaymentCanceled       PaymentStatus = "CANCELED"
)

// Settled reports whether the payment reached a final outcome.
func (s PaymentStatus) Settled() bool {
	return s == PaymentSucceeded || s == PaymentFailed || s == PaymentCanceled
}

// Customer is who an order belongs to: an account or a guest email, never
// both and never neither.
type Customer struct {
	UserID     string
	GuestEmail string
}

func (c Customer) Validate() error {
	switch {
	case c.UserID == "" && c.GuestEmail == "":
		return apperr.Validation("order customer requires a user id or a guest email")
	case c.UserID != "" && c.GuestEmail != "":
		return apperr.Validation("order customer cannot be both a user and a guest")
	}
	return nil
}

// Recipient is the address handed to the notification sink.
func (c Customer) Recipient() string {
	if c.UserID != "" {
		return "user:" + c.UserID
	}
	return c.GuestEmail
}

// NormalizeEmail is the canonical form used for guest emails.
func NormalizeEmail(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

type Payment struct {
	ID              string
	GatewayIntentID string
	ClientSecret    string
	CartID          string
	CartHash        string
	IdempotencyKey  string
	TotalCents      int64
	Currency        string
	Status          PaymentStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Line struct {
	ProductID      string
	VariantID      string
	Name           string
	Quantity       int
	UnitPriceCents int64
	ReservationID  string
}

type TrackingEvent struct {
	Status      Status
	Description string
	Actor       string
	At          time.Time
}

// Order is one vendor's slice of a checkout. Amounts and the tax rate are
// frozen at creation.
type Order struct {
	ID              string
	PaymentID       string
	CartID          string
	VendorID        string
	Customer        Customer
	Lines           []Line
	SubtotalCents   int64
	TaxRate         float64
	TaxCents        int64
	ShippingCents   int64
	TotalCents      int64
	ShippingAddress Address
	Status          Status
	Captured        bool // payment for this order was confirmed at least once
	Tracking        []TrackingEvent
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (o Order) ReservationIDs() []string {
	out := make([]string, 0, len(o.Lines))
	for _, l := range o.Lines {
		if l.ReservationID != "" {
			out = append(out, l.ReservationID)
		}
	}
	return out
}

// Quantities sums the order's units per stock key.
func (o Order) Quantities() map[ledger.Key]int {
	out := make(map[ledger.Key]int, len(o.Lines))
	for _, l := range o.Lines {
		out[ledger.Key{ProductID: l.ProductID, VariantID: l.VariantID}] += l.Quantity
	}
	return out
}

type Address struct {
	Name       string `json:"name"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

func (a Address) Validate() error {
	if a.Line1 == "" || a.City == "" || a.PostalCode == "" {
		return apperr.Validation("shipping address requires line1, city and postal_code")
	}
	return nil
}

// Filter selects orders for listing. Empty fields do not filter; only admins
// list without a user or vendor.
type Filter struct {
	UserID   string
	VendorID string
	Limit    int
}
