package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/ariefcatur/go-marketplace-checkout/internal/apperr"
)

// Writer is implemented by stores that accept catalog seeding.
type Writer interface {
	UpsertVendor(ctx context.Context, v Vendor) error
	UpsertProduct(ctx context.Context, p Product, total int) error
}

type Seed struct {
	Vendors  []SeedVendor  `json:"vendors"`
	Products []SeedProduct `json:"products"`
}

type SeedVendor struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	State         string `json:"state"`
	ShippingCents int64  `json:"shipping_cents"`
}

type SeedProduct struct {
	ID         string `json:"id"`
	VariantID  string `json:"variant_id"`
	VendorID   string `json:"vendor_id"`
	SKU        string `json:"sku"`
	Name       string `json:"name"`
	PriceCents int64  `json:"price_cents"`
	Stock      int    `json:"stock"`
}

func LoadSeed(r io.Reader) (Seed, error) {
	var s Seed
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		return Seed{}, apperr.Validation("decode seed: %v", err)
	}
	return s, s.Validate()
}

func (s Seed) Validate() error {
	vendors := make(map[string]bool, len(s.Vendors))
	for _, v := range s.Vendors {
		if v.ID == "" || v.ShippingCents < 0 {
			return apperr.Validation("vendor %q: id required and shipping must not be negative", v.ID)
		}
		vendors[v.ID] = true
	}
	for _, p := range s.Products {
		switch {
		case p.ID == "" || p.Name == "":
			return apperr.Validation("product %q: id and name required", p.ID)
		case !vendors[p.VendorID]:
			return apperr.Validation("product %q: unknown vendor %q", p.ID, p.VendorID)
		case p.PriceCents < 0 || p.Stock < 0:
			return apperr.Validation("product %q: price and stock must not be negative", p.ID)
		}
	}
	return nil
}

// Apply upserts vendors first so product rows can reference them.
func (s Seed) Apply(ctx context.Context, w Writer) error {
	for _, v := range s.Vendors {
		if err := w.UpsertVendor(ctx, Vendor{ID: v.ID, Name: v.Name, State: v.State, ShippingCents: v.ShippingCents}); err != nil {
			return fmt.Errorf("seed vendor %s: %w", v.ID, err)
		}
	}
	for _, p := range s.Products {
		prod := Product{ID: p.ID, VariantID: p.VariantID, VendorID: p.VendorID, SKU: p.SKU, Name: p.Name, PriceCents: p.PriceCents}
		if err := w.UpsertProduct(ctx, prod, p.Stock); err != nil {
			return fmt.Errorf("seed product %s: %w", p.ID, err)
		}
	}
	return nil
}
