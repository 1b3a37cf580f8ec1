package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ariefcatur/go-marketplace-checkout/internal/cart"
	"github.com/ariefcatur/go-marketplace-checkout/internal/checkout"
	"github.com/ariefcatur/go-marketplace-checkout/internal/guestlink"
	"github.com/ariefcatur/go-marketplace-checkout/internal/orders"
	"github.com/ariefcatur/go-marketplace-checkout/internal/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ cart.Store         = (*Store)(nil)
	_ cart.CheckoutHolds = (*Store)(nil)
	_ checkout.Store     = (*Store)(nil)
	_ webhook.Store      = (*Store)(nil)
	_ guestlink.Store    = (*Store)(nil)
)

func TestWithinTx_RollsBackOnError(t *testing.T) {
	s := New()
	ctx := context.Background()
	c := &cart.Cart{ID: "c1", Owner: cart.Guest("s1")}
	_, err := s.CreateCart(ctx, c)
	require.NoError(t, err)

	boom := errors.New("boom")
	err = s.WithinTx(ctx, func(ctx context.Context) error {
		require.NoError(t, s.SaveLine(ctx, "c1", cart.Line{ProductID: "p1", Quantity: 2}))
		// nested call joins and must not commit on its own
		require.NoError(t, s.WithinTx(ctx, func(ctx context.Context) error {
			return s.SaveLine(ctx, "c1", cart.Line{ProductID: "p2", Quantity: 1})
		}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.GetCart(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, got.Lines)
}

func TestGetCart_ReturnsCopy(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.CreateCart(ctx, &cart.Cart{ID: "c1", Owner: cart.User("u1")})
	require.NoError(t, err)
	require.NoError(t, s.SaveLine(ctx, "c1", cart.Line{ProductID: "p1", Quantity: 1}))

	got, err := s.GetCart(ctx, "c1")
	require.NoError(t, err)
	got.Lines[0].Quantity = 99

	again, err := s.GetCart(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, again.Lines[0].Quantity)
}

func TestInsertPayment_DuplicateKey(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.InsertPayment(ctx, orders.Payment{ID: "p1", GatewayIntentID: "pi_1", IdempotencyKey: "k"}))
	err := s.InsertPayment(ctx, orders.Payment{ID: "p2", GatewayIntentID: "pi_2", IdempotencyKey: "k"})
	assert.ErrorIs(t, err, orders.ErrDuplicatePayment)
}

func TestClaimEvent_Once(t *testing.T) {
	s := New()
	ctx := context.Background()
	first, err := s.ClaimEvent(ctx, "evt_1", webhook.TypeSucceeded, fixedNow)
	require.NoError(t, err)
	second, err := s.ClaimEvent(ctx, "evt_1", webhook.TypeSucceeded, fixedNow)
	require.NoError(t, err)
	assert.True(t, first)
	assert.False(t, second)
}

var fixedNow = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
