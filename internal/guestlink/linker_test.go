package guestlink_test

import (
	"context"
	"testing"
	"time"

	"github.com/ariefcatur/go-marketplace-checkout/internal/apperr"
	"github.com/ariefcatur/go-marketplace-checkout/internal/cart"
	"github.com/ariefcatur/go-marketplace-checkout/internal/catalog"
	"github.com/ariefcatur/go-marketplace-checkout/internal/checkout"
	"github.com/ariefcatur/go-marketplace-checkout/internal/gateway"
	"github.com/ariefcatur/go-marketplace-checkout/internal/guestlink"
	"github.com/ariefcatur/go-marketplace-checkout/internal/ledger"
	"github.com/ariefcatur/go-marketplace-checkout/internal/memory"
	"github.com/ariefcatur/go-marketplace-checkout/internal/orders"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var addr = orders.Address{Line1: "Insurgentes 1", City: "CDMX", PostalCode: "06600"}

type fixture struct {
	store  *memory.Store
	carts  *cart.Service
	orch   *checkout.Orchestrator
	linker *guestlink.Linker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := func() time.Time { return time.Date(2025, 9, 9, 9, 0, 0, 0, time.UTC) }
	st := memory.New()
	st.AddVendor(catalog.Vendor{ID: "v1", State: "Yucatán"})
	st.AddProduct(catalog.Product{ID: "hamaca", VendorID: "v1", Name: "Hamaca", PriceCents: 2000}, 10)
	l := &ledger.Ledger{Store: st, Now: now}
	carts := &cart.Service{Store: st, Ledger: l, Catalog: st, Checkouts: st, Now: now}
	return &fixture{
		store: st,
		carts: carts,
		orch: &checkout.Orchestrator{
			Carts: carts, Ledger: l, Catalog: st, Gateway: gateway.NewFake(), Store: st, Currency: "MXN", Now: now,
		},
		linker: &guestlink.Linker{Store: st},
	}
}

func (f *fixture) guestOrder(t *testing.T, session, email string) string {
	t.Helper()
	ctx := context.Background()
	_, err := f.carts.AddLine(ctx, cart.Guest(session), cart.AddLineInput{ProductID: "hamaca", Quantity: 1})
	require.NoError(t, err)
	res, err := f.orch.BeginCheckout(ctx, checkout.Request{Owner: cart.Guest(session), Email: email, ShippingAddress: addr})
	require.NoError(t, err)
	return res.OrderIDs[0]
}

func TestLinkGuestOrders_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.guestOrder(t, "s1", "maria@example.com")
	b := f.guestOrder(t, "s2", "MARIA@example.com")
	other := f.guestOrder(t, "s3", "juan@example.com")

	n, err := f.linker.LinkGuestOrders(ctx, "u-maria", " Maria@Example.com")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = f.linker.LinkGuestOrders(ctx, "u-maria", "maria@example.com")
	require.NoError(t, err)
	assert.Zero(t, n)

	for _, id := range []string{a, b} {
		o, err := f.store.GetOrder(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, orders.Customer{UserID: "u-maria"}, o.Customer)
	}
	o, err := f.store.GetOrder(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, "juan@example.com", o.Customer.GuestEmail)

	// Orders already linked to an account are never moved.
	n, err = f.linker.LinkGuestOrders(ctx, "u-someone-else", "maria@example.com")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLinkGuestOrders_RoundTripAfterMerge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.carts.AddLine(ctx, cart.Guest("s1"), cart.AddLineInput{ProductID: "hamaca", Quantity: 2})
	require.NoError(t, err)

	_, err = f.carts.MergeGuestCartIntoUser(ctx, "s1", "u1")
	require.NoError(t, err)
	res, err := f.orch.BeginCheckout(ctx, checkout.Request{Owner: cart.User("u1"), ShippingAddress: addr})
	require.NoError(t, err)

	o, err := f.store.GetOrder(ctx, res.OrderIDs[0])
	require.NoError(t, err)
	assert.Equal(t, orders.Customer{UserID: "u1"}, o.Customer)

	n, err := f.linker.LinkGuestOrders(ctx, "u1", "u1@example.com")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLinkGuestOrders_Validation(t *testing.T) {
	f := newFixture(t)
	_, err := f.linker.LinkGuestOrders(context.Background(), "", "a@b.c")
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = f.linker.LinkGuestOrders(context.Background(), "u1", "nope")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}
