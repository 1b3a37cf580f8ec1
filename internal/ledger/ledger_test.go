package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ariefcatur/go-marketplace-checkout/internal/apperr"
	"github.com/ariefcatur/go-marketplace-checkout/internal/catalog"
	"github.com/ariefcatur/go-marketplace-checkout/internal/ledger"
	"github.com/ariefcatur/go-marketplace-checkout/internal/memory"
	"github.com/ariefcatur/go-marketplace-checkout/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

var keyP = ledger.Key{ProductID: "p1"}

func setup(t *testing.T, stock int) (*ledger.Ledger, *memory.Store, *clock) {
	t.Helper()
	st := memory.New()
	st.AddProduct(catalog.Product{ID: "p1", VendorID: "v1", Name: "Mug", PriceCents: 500}, stock)
	clk := &clock{t: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
	return &ledger.Ledger{Store: st, TTL: 20 * time.Minute, Now: clk.Now}, st, clk
}

func TestReserve_ConcurrentLastUnit(t *testing.T) {
	l, _, _ := setup(t, 1)
	ctx := context.Background()

	var won, lost atomic.Int32
	var g errgroup.Group
	for i := 0; i < 20; i++ {
		holder := fmt.Sprintf("cart-%d", i)
		g.Go(func() error {
			_, err := l.Reserve(ctx, ledger.ReserveRequest{Key: keyP, Quantity: 1, HolderRef: holder})
			switch {
			case err == nil:
				won.Add(1)
			case errors.Is(err, apperr.ErrStockConflict):
				lost.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.EqualValues(t, 1, won.Load())
	assert.EqualValues(t, 19, lost.Load())
}

func TestReserve_ShortfallReportsAvailable(t *testing.T) {
	l, _, _ := setup(t, 3)
	ctx := context.Background()

	_, err := l.Reserve(ctx, ledger.ReserveRequest{Key: keyP, Quantity: 2, HolderRef: "a"})
	require.NoError(t, err)

	_, err = l.Reserve(ctx, ledger.ReserveRequest{Key: keyP, Quantity: 2, HolderRef: "b"})
	require.ErrorIs(t, err, ledger.ErrInsufficientStock)
	avail, ok := ledger.AvailableFrom(err)
	require.True(t, ok)
	assert.Equal(t, 1, avail)
}

func TestReserve_SameHolderIncrements(t *testing.T) {
	l, _, clk := setup(t, 5)
	ctx := context.Background()

	first, err := l.Reserve(ctx, ledger.ReserveRequest{Key: keyP, Quantity: 1, HolderRef: "a"})
	require.NoError(t, err)
	clk.Advance(5 * time.Minute)
	second, err := l.Reserve(ctx, ledger.ReserveRequest{Key: keyP, Quantity: 2, HolderRef: "a"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 3, second.Quantity)
	assert.Equal(t, clk.Now().Add(20*time.Minute), second.ExpiresAt)
}

func TestReserve_Validation(t *testing.T) {
	l, _, _ := setup(t, 5)
	_, err := l.Reserve(context.Background(), ledger.ReserveRequest{Key: keyP, Quantity: 0, HolderRef: "a"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = l.Reserve(context.Background(), ledger.ReserveRequest{Key: ledger.Key{ProductID: "nope"}, Quantity: 1, HolderRef: "a"})
	assert.ErrorIs(t, err, ledger.ErrUnknownStock)
}

func TestExpiry_ReleasedAtTTLAndReservable(t *testing.T) {
	l, st, clk := setup(t, 1)
	ctx := context.Background()

	r, err := l.Reserve(ctx, ledger.ReserveRequest{Key: keyP, Quantity: 1, HolderRef: "a", TTL: time.Minute})
	require.NoError(t, err)

	clk.Advance(time.Minute - time.Nanosecond)
	_, err = l.Reserve(ctx, ledger.ReserveRequest{Key: keyP, Quantity: 1, HolderRef: "b"})
	require.ErrorIs(t, err, ledger.ErrInsufficientStock)

	clk.Advance(2 * time.Nanosecond)
	_, err = l.Reserve(ctx, ledger.ReserveRequest{Key: keyP, Quantity: 1, HolderRef: "b"})
	require.NoError(t, err)

	old, err := st.GetReservation(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateReleased, old.State)
}

func TestSweepExpired(t *testing.T) {
	reg := prometheus.NewRegistry()
	l, _, clk := setup(t, 10)
	l.Metrics = metrics.New(reg)
	ctx := context.Background()

	for _, h := range []string{"a", "b", "c"} {
		_, err := l.Reserve(ctx, ledger.ReserveRequest{Key: keyP, Quantity: 1, HolderRef: h, TTL: time.Minute})
		require.NoError(t, err)
	}
	_, err := l.Reserve(ctx, ledger.ReserveRequest{Key: keyP, Quantity: 1, HolderRef: "d", TTL: time.Hour})
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	n, err := l.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, float64(3), testutil.ToFloat64(l.Metrics.SweptHolds))

	avail, err := l.Available(ctx, keyP)
	require.NoError(t, err)
	assert.Equal(t, 9, avail)
}

func TestCommit_DecrementsStockAndIsIdempotent(t *testing.T) {
	l, st, _ := setup(t, 3)
	ctx := context.Background()

	r, err := l.Reserve(ctx, ledger.ReserveRequest{Key: keyP, Quantity: 2, HolderRef: "a"})
	require.NoError(t, err)
	require.NoError(t, l.Commit(ctx, r.ID, 2))
	require.NoError(t, l.Commit(ctx, r.ID, 2))

	assert.Equal(t, 2, st.Stock(keyP).Sold)
	got, err := l.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateCommitted, got.State)

	avail, err := l.Available(ctx, keyP)
	require.NoError(t, err)
	assert.Equal(t, 1, avail)

	err = l.Release(ctx, r.ID)
	assert.ErrorIs(t, err, ledger.ErrAlreadyCommitted)
}

func TestCommit_ExpiredHoldTakenByOthers(t *testing.T) {
	l, _, clk := setup(t, 1)
	ctx := context.Background()

	r, err := l.Reserve(ctx, ledger.ReserveRequest{Key: keyP, Quantity: 1, HolderRef: "a", TTL: time.Minute})
	require.NoError(t, err)
	clk.Advance(2 * time.Minute)
	_, err = l.Reserve(ctx, ledger.ReserveRequest{Key: keyP, Quantity: 1, HolderRef: "b"})
	require.NoError(t, err)

	err = l.Commit(ctx, r.ID, 1)
	assert.ErrorIs(t, err, ledger.ErrInsufficientStock)
}

func TestCommit_ReleasedHoldReacquired(t *testing.T) {
	l, st, clk := setup(t, 2)
	ctx := context.Background()

	r, err := l.Reserve(ctx, ledger.ReserveRequest{Key: keyP, Quantity: 1, HolderRef: "a", TTL: time.Minute})
	require.NoError(t, err)
	clk.Advance(2 * time.Minute)
	_, err = l.SweepExpired(ctx)
	require.NoError(t, err)

	require.NoError(t, l.Commit(ctx, r.ID, 1))
	assert.Equal(t, 1, st.Stock(keyP).Sold)
}

func TestCommit_QuantityMustMatch(t *testing.T) {
	l, st, _ := setup(t, 5)
	ctx := context.Background()

	r, err := l.Reserve(ctx, ledger.ReserveRequest{Key: keyP, Quantity: 3, HolderRef: "a"})
	require.NoError(t, err)

	err = l.Commit(ctx, r.ID, 1)
	assert.ErrorIs(t, err, ledger.ErrQuantityMismatch)
	assert.ErrorIs(t, err, apperr.ErrStockConflict)
	assert.Equal(t, 0, st.Stock(keyP).Sold)

	got, err := l.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateHeld, got.State)
}

func TestSplit_MovesUnitsToNewHolder(t *testing.T) {
	l, _, clk := setup(t, 5)
	ctx := context.Background()

	src, err := l.Reserve(ctx, ledger.ReserveRequest{Key: keyP, Quantity: 3, HolderRef: "cart"})
	require.NoError(t, err)

	moved, err := l.Split(ctx, src.ID, 2, "payment", time.Hour)
	require.NoError(t, err)
	assert.NotEqual(t, src.ID, moved.ID)
	assert.Equal(t, "payment", moved.HolderRef)
	assert.Equal(t, 2, moved.Quantity)
	assert.Equal(t, clk.Now().Add(time.Hour), moved.ExpiresAt)

	left, err := l.Get(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, left.Quantity)
	assert.Equal(t, ledger.StateHeld, left.State)

	avail, err := l.Available(ctx, keyP)
	require.NoError(t, err)
	assert.Equal(t, 2, avail, "split does not change availability")

	// Growing the source afterwards never touches the moved units.
	_, err = l.Reserve(ctx, ledger.ReserveRequest{Key: keyP, Quantity: 2, HolderRef: "cart"})
	require.NoError(t, err)
	got, err := l.Get(ctx, moved.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Quantity)

	require.NoError(t, l.Commit(ctx, moved.ID, 2))
}

func TestSplit_WholeHoldReleasesSource(t *testing.T) {
	l, _, _ := setup(t, 2)
	ctx := context.Background()

	src, err := l.Reserve(ctx, ledger.ReserveRequest{Key: keyP, Quantity: 2, HolderRef: "cart"})
	require.NoError(t, err)
	_, err = l.Split(ctx, src.ID, 2, "payment", 0)
	require.NoError(t, err)

	left, err := l.Get(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateReleased, left.State)

	avail, err := l.Available(ctx, keyP)
	require.NoError(t, err)
	assert.Equal(t, 0, avail)
}

func TestSplit_Errors(t *testing.T) {
	l, _, clk := setup(t, 5)
	ctx := context.Background()

	src, err := l.Reserve(ctx, ledger.ReserveRequest{Key: keyP, Quantity: 1, HolderRef: "cart", TTL: time.Minute})
	require.NoError(t, err)

	_, err = l.Split(ctx, src.ID, 2, "payment", 0)
	assert.ErrorIs(t, err, ledger.ErrHoldTooSmall)

	_, err = l.Split(ctx, src.ID, 0, "payment", 0)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	clk.Advance(2 * time.Minute)
	_, err = l.Split(ctx, src.ID, 1, "payment", 0)
	assert.ErrorIs(t, err, ledger.ErrHoldExpired)
}

func TestReleaseQuantity(t *testing.T) {
	l, _, _ := setup(t, 5)
	ctx := context.Background()

	r, err := l.Reserve(ctx, ledger.ReserveRequest{Key: keyP, Quantity: 4, HolderRef: "a"})
	require.NoError(t, err)

	left, err := l.ReleaseQuantity(ctx, r.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, left.Quantity)
	assert.Equal(t, ledger.StateHeld, left.State)

	avail, err := l.Available(ctx, keyP)
	require.NoError(t, err)
	assert.Equal(t, 4, avail)

	gone, err := l.ReleaseQuantity(ctx, r.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateReleased, gone.State)

	require.NoError(t, l.Release(ctx, r.ID), "releasing twice is a no-op")
}
