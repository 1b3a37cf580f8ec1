package webhook_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ariefcatur/go-marketplace-checkout/internal/cart"
	"github.com/ariefcatur/go-marketplace-checkout/internal/catalog"
	"github.com/ariefcatur/go-marketplace-checkout/internal/checkout"
	"github.com/ariefcatur/go-marketplace-checkout/internal/gateway"
	"github.com/ariefcatur/go-marketplace-checkout/internal/ledger"
	"github.com/ariefcatur/go-marketplace-checkout/internal/memory"
	"github.com/ariefcatur/go-marketplace-checkout/internal/metrics"
	"github.com/ariefcatur/go-marketplace-checkout/internal/orders"
	"github.com/ariefcatur/go-marketplace-checkout/internal/redisx"
	"github.com/ariefcatur/go-marketplace-checkout/internal/webhook"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var addr = orders.Address{Line1: "Calle 5 de Mayo 2", City: "Puebla", PostalCode: "72000"}

type fixture struct {
	store      *memory.Store
	ledger     *ledger.Ledger
	carts      *cart.Service
	orch       *checkout.Orchestrator
	reconciler *webhook.Reconciler
	metrics    *metrics.Metrics
	now        time.Time
}

func (f *fixture) clock() time.Time { return f.now }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: memory.New(), now: time.Date(2025, 8, 3, 18, 0, 0, 0, time.UTC)}
	f.metrics = metrics.New(prometheus.NewRegistry())
	f.store.AddVendor(catalog.Vendor{ID: "vx", State: "Jalisco"})
	f.store.AddVendor(catalog.Vendor{ID: "vy", State: "Sonora"})
	f.store.AddProduct(catalog.Product{ID: "p1", VendorID: "vx", Name: "Sombrero", PriceCents: 1000}, 2)
	f.store.AddProduct(catalog.Product{ID: "p2", VendorID: "vy", Name: "Botas", PriceCents: 500}, 1)

	f.ledger = &ledger.Ledger{Store: f.store, Now: f.clock}
	f.carts = &cart.Service{Store: f.store, Ledger: f.ledger, Catalog: f.store, Checkouts: f.store, Now: f.clock}
	f.orch = &checkout.Orchestrator{
		Carts: f.carts, Ledger: f.ledger, Catalog: f.store, Gateway: gateway.NewFake(),
		Store: f.store, Currency: "MXN", Now: f.clock,
	}
	machine := &orders.Machine{Store: f.store, Ledger: f.ledger, Carts: f.carts, Now: f.clock, Metrics: f.metrics}
	f.reconciler = &webhook.Reconciler{Store: f.store, Machine: machine, Now: f.clock, Metrics: f.metrics}
	return f
}

// checkout fills a cart with p1×2 and p2×1 and begins checkout.
func (f *fixture) checkout(t *testing.T, owner cart.Owner) (checkout.Result, orders.Payment) {
	t.Helper()
	ctx := context.Background()
	for _, in := range []cart.AddLineInput{{ProductID: "p1", Quantity: 2}, {ProductID: "p2", Quantity: 1}} {
		_, err := f.carts.AddLine(ctx, owner, in)
		require.NoError(t, err)
	}
	res, err := f.orch.BeginCheckout(ctx, checkout.Request{Owner: owner, Email: "guest@example.com", ShippingAddress: addr})
	require.NoError(t, err)
	p, err := f.store.GetPayment(ctx, res.PaymentID)
	require.NoError(t, err)
	return res, p
}

func event(id, typ, intent string) webhook.Event {
	return webhook.Event{ID: id, Type: typ, Data: webhook.EventData{IntentID: intent}}
}

func TestHandleEvent_SucceededIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, p := f.checkout(t, cart.User("u1"))
	ev := event("evt_1", webhook.TypeSucceeded, p.GatewayIntentID)

	out, err := f.reconciler.HandleEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeApplied, out)

	out, err = f.reconciler.HandleEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeDuplicate, out)

	for _, id := range res.OrderIDs {
		o, err := f.store.GetOrder(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, orders.StatusProcessing, o.Status)
		assert.True(t, o.Captured)
		require.Len(t, o.Tracking, 2, "placed + exactly one confirmation")
	}
	paid, err := f.store.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.PaymentSucceeded, paid.Status)
	assert.Equal(t, 2, f.store.Stock(ledger.Key{ProductID: "p1"}).Sold)

	c, err := f.carts.GetCart(ctx, cart.User("u1"))
	require.NoError(t, err)
	assert.True(t, c.IsEmpty())
	assert.Equal(t, float64(2), testutil.ToFloat64(f.metrics.Transitions.WithLabelValues("PENDING_PAYMENT", "PROCESSING")))
}

func TestHandleEvent_DistinctEventSameOutcomeIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, p := f.checkout(t, cart.User("u1"))

	_, err := f.reconciler.HandleEvent(ctx, event("evt_1", webhook.TypeSucceeded, p.GatewayIntentID))
	require.NoError(t, err)
	out, err := f.reconciler.HandleEvent(ctx, event("evt_2", webhook.TypeSucceeded, p.GatewayIntentID))
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeNoop, out)

	o, err := f.store.GetOrder(ctx, res.OrderIDs[0])
	require.NoError(t, err)
	assert.Len(t, o.Tracking, 2)
}

func TestHandleEvent_ScenarioD_FailureReleasesHolds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, p := f.checkout(t, cart.Guest("sess-1"))

	fail := event("evt_f", webhook.TypeFailed, p.GatewayIntentID)
	fail.Data.FailureReason = "card_declined"
	out, err := f.reconciler.HandleEvent(ctx, fail)
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeApplied, out)

	for _, id := range res.OrderIDs {
		o, err := f.store.GetOrder(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, orders.StatusCancelled, o.Status)
		assert.False(t, o.Captured)
		assert.Equal(t, "Payment failed: card_declined", o.Tracking[len(o.Tracking)-1].Description)
		for _, rid := range o.ReservationIDs() {
			r, err := f.ledger.Get(ctx, rid)
			require.NoError(t, err)
			assert.Equal(t, ledger.StateReleased, r.State)
		}
	}

	// Every unit is immediately reservable by someone else.
	other := cart.Guest("sess-2")
	_, err = f.carts.AddLine(ctx, other, cart.AddLineInput{ProductID: "p1", Quantity: 2})
	require.NoError(t, err)
	_, err = f.carts.AddLine(ctx, other, cart.AddLineInput{ProductID: "p2", Quantity: 1})
	require.NoError(t, err)

	// The failed shopper's cart is intact and can re-acquire once stock frees up.
	c, err := f.carts.GetCart(ctx, cart.Guest("sess-1"))
	require.NoError(t, err)
	assert.Len(t, c.Lines, 2)
}

func TestHandleEvent_RetryAfterDeclineRefreshesHolds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := cart.User("u1")
	_, p := f.checkout(t, owner)

	_, err := f.reconciler.HandleEvent(ctx, event("evt_f", webhook.TypeFailed, p.GatewayIntentID))
	require.NoError(t, err)

	_, err = f.orch.BeginCheckout(ctx, checkout.Request{Owner: owner, ShippingAddress: addr})
	require.ErrorIs(t, err, checkout.ErrStockChanged)

	_, adjusted, err := f.carts.RefreshHolds(ctx, owner)
	require.NoError(t, err)
	assert.Empty(t, adjusted)

	res, err := f.orch.BeginCheckout(ctx, checkout.Request{Owner: owner, ShippingAddress: addr})
	require.NoError(t, err)
	assert.NotEqual(t, p.ID, res.PaymentID)
}

func TestHandleEvent_SuccessAfterFailureNeedsReview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, p := f.checkout(t, cart.User("u1"))

	_, err := f.reconciler.HandleEvent(ctx, event("evt_f", webhook.TypeFailed, p.GatewayIntentID))
	require.NoError(t, err)
	_, err = f.reconciler.HandleEvent(ctx, event("evt_s", webhook.TypeSucceeded, p.GatewayIntentID))
	require.ErrorIs(t, err, webhook.ErrNeedsManualReview)

	o, err := f.store.GetOrder(ctx, res.OrderIDs[0])
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCancelled, o.Status)

	// The rejected event was not claimed and can be replayed after review.
	fresh, err := f.store.ClaimEvent(ctx, "evt_s", webhook.TypeSucceeded, f.now)
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestHandleEvent_LateFailureAfterSuccessIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, p := f.checkout(t, cart.User("u1"))

	_, err := f.reconciler.HandleEvent(ctx, event("evt_s", webhook.TypeSucceeded, p.GatewayIntentID))
	require.NoError(t, err)
	out, err := f.reconciler.HandleEvent(ctx, event("evt_f", webhook.TypeFailed, p.GatewayIntentID))
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeNoop, out)

	o, err := f.store.GetOrder(ctx, res.OrderIDs[0])
	require.NoError(t, err)
	assert.Equal(t, orders.StatusProcessing, o.Status)
}

func TestHandleEvent_ProcessingAndUnknownTypes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, p := f.checkout(t, cart.User("u1"))

	out, err := f.reconciler.HandleEvent(ctx, event("evt_p", webhook.TypeProcessing, p.GatewayIntentID))
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeApplied, out)
	got, err := f.store.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.PaymentProcessing, got.Status)

	out, err = f.reconciler.HandleEvent(ctx, event("evt_x", "charge.refunded", p.GatewayIntentID))
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeIgnored, out)
}

func TestHandleEvent_PaymentNotFoundRollsBackClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.reconciler.HandleEvent(ctx, event("evt_early", webhook.TypeSucceeded, "pi_unknown"))
	require.ErrorIs(t, err, orders.ErrPaymentNotFound)

	fresh, err := f.store.ClaimEvent(ctx, "evt_early", webhook.TypeSucceeded, f.now)
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestHandleEvent_RedisFastPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	f.reconciler.Dedup = &redisx.Dedup{Client: rdb, Service: "webhook"}
	_, p := f.checkout(t, cart.User("u1"))

	ev := event("evt_r", webhook.TypeSucceeded, p.GatewayIntentID)
	_, err := f.reconciler.HandleEvent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, mr.Exists("dedup:webhook:evt_r"))

	out, err := f.reconciler.HandleEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeDuplicate, out)

	// Redis down: the database claim still deduplicates.
	mr.Close()
	out, err = f.reconciler.HandleEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeDuplicate, out)
}

func TestHandleEvent_CartEditWhilePendingDoesNotChangeSale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := cart.User("u1")
	_, err := f.carts.AddLine(ctx, owner, cart.AddLineInput{ProductID: "p1", Quantity: 1})
	require.NoError(t, err)
	res, err := f.orch.BeginCheckout(ctx, checkout.Request{Owner: owner, ShippingAddress: addr})
	require.NoError(t, err)
	p, err := f.store.GetPayment(ctx, res.PaymentID)
	require.NoError(t, err)

	_, err = f.carts.AddLine(ctx, owner, cart.AddLineInput{ProductID: "p1", Quantity: 1})
	require.NoError(t, err)
	_, err = f.reconciler.HandleEvent(ctx, event("evt_s", webhook.TypeSucceeded, p.GatewayIntentID))
	require.NoError(t, err)

	o, err := f.store.GetOrder(ctx, res.OrderIDs[0])
	require.NoError(t, err)
	require.Len(t, o.Lines, 1)
	assert.Equal(t, o.Lines[0].Quantity, f.store.Stock(ledger.Key{ProductID: "p1"}).Sold)

	c, err := f.carts.GetCart(ctx, owner)
	require.NoError(t, err)
	require.Len(t, c.Lines, 1)
	assert.Equal(t, 1, c.Lines[0].Quantity, "the unit added after checkout stays in the cart")
}
