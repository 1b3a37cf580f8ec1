// Package guestlink re-parents guest orders to an account after sign-in.
package guestlink

import (
	"context"
	"strings"

	"github.com/ariefcatur/go-marketplace-checkout/internal/apperr"
	"github.com/ariefcatur/go-marketplace-checkout/internal/logging"
	"github.com/ariefcatur/go-marketplace-checkout/internal/orders"
	"go.uber.org/zap"
)

type Store interface {
	// LinkGuestOrders sets user_id on every order whose guest email matches
	// and whose user id is empty, clearing the guest email, in one statement.
	LinkGuestOrders(ctx context.Context, userID, email string) (int, error)
}

type Linker struct {
	Store Store
	Log   *zap.Logger
}

// LinkGuestOrders is idempotent: a second call for the same user and email
// links nothing. Orders already owned by any account are never touched.
func (l *Linker) LinkGuestOrders(ctx context.Context, userID, email string) (int, error) {
	email = orders.NormalizeEmail(email)
	if strings.TrimSpace(userID) == "" {
		return 0, apperr.Validation("user id is required")
	}
	if email == "" || !strings.Contains(email, "@") {
		return 0, apperr.Validation("a valid email is required")
	}
	n, err := l.Store.LinkGuestOrders(ctx, userID, email)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.FromContext(ctx, logging.OrNop(l.Log)).Info("guest_orders_linked",
			zap.String("user_id", userID), zap.Int("count", n))
	}
	return n, nil
}
