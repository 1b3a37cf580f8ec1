// Package catalog is the read-only view of products and vendors the checkout
// core needs. Browsing, search and admin CRUD live elsewhere.
package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/go-marketplace-checkout/internal/apperr"
)

var (
	ErrProductNotFound = fmt.Errorf("product %w", apperr.ErrNotFound)
	ErrVendorNotFound  = fmt.Errorf("vendor %w", apperr.ErrNotFound)
)

type Product struct {
	ID         string
	VariantID  string // "" when the product has no variants
	VendorID   string
	SKU        string
	Name       string
	PriceCents int64
}

type Vendor struct {
	ID            string
	Name          string
	State         string // jurisdiction used for tax
	ShippingCents int64  // flat per-order shipping, not taxed
}

type Reader interface {
	GetProduct(ctx context.Context, productID, variantID string) (Product, error)
	GetVendor(ctx context.Context, vendorID string) (Vendor, error)
}

// IsNotFound reports whether err is a missing product or vendor.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrProductNotFound) || errors.Is(err, ErrVendorNotFound)
}
