package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/ariefcatur/go-marketplace-checkout/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestSweeper_ReleasesInBackground(t *testing.T) {
	l, st, _ := setup(t, 2)
	ctx := context.Background()
	r, err := l.Reserve(ctx, ledger.ReserveRequest{Key: keyP, Quantity: 1, HolderRef: "a", TTL: time.Minute})
	require.NoError(t, err)

	// Move the ledger clock well past the hold expiry.
	l.Now = func() time.Time { return time.Now().Add(time.Hour) }

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- (&ledger.Sweeper{Ledger: l, Interval: 10 * time.Millisecond, Log: zaptest.NewLogger(t)}).Run(runCtx) }()

	assert.Eventually(t, func() bool {
		got, err := st.GetReservation(ctx, r.ID)
		return err == nil && got.State == ledger.StateReleased
	}, time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
