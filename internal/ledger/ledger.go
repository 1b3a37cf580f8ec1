package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/ariefcatur/go-marketplace-checkout/internal/apperr"
	"github.com/ariefcatur/go-marketplace-checkout/internal/logging"
	"github.com/ariefcatur/go-marketplace-checkout/internal/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const DefaultTTL = 20 * time.Minute

type Ledger struct {
	Store   Store
	TTL     time.Duration // default hold lifetime when a request carries none
	Now     func() time.Time
	Log     *zap.Logger
	Metrics *metrics.Metrics
}

type ReserveRequest struct {
	Key       Key
	Quantity  int
	HolderRef string
	TTL       time.Duration
}

func (l *Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}

func (l *Ledger) ttl(d time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	if l.TTL > 0 {
		return l.TTL
	}
	return DefaultTTL
}

// Reserve places a hold of req.Quantity for req.HolderRef. The availability
// check and the write happen under the same stock row lock, so two holders can
// never both take the last unit. A holder that already has a live hold on the
// key gets it incremented and its expiry refreshed.
func (l *Ledger) Reserve(ctx context.Context, req ReserveRequest) (Reservation, error) {
	if req.Quantity <= 0 {
		return Reservation{}, apperr.Validation("quantity must be greater than zero")
	}
	if req.Key.ProductID == "" || req.HolderRef == "" {
		return Reservation{}, apperr.Validation("product and holder are required")
	}

	var out Reservation
	err := l.Store.WithinTx(ctx, func(ctx context.Context) error {
		now := l.now()
		avail, err := l.available(ctx, req.Key, now)
		if err != nil {
			return err
		}
		if req.Quantity > avail {
			return &InsufficientStockError{Key: req.Key, Requested: req.Quantity, Available: max(avail, 0)}
		}

		expires := now.Add(l.ttl(req.TTL))
		existing, err := l.Store.FindHeld(ctx, req.HolderRef, req.Key)
		if err != nil {
			return err
		}
		if existing != nil {
			existing.Quantity += req.Quantity
			existing.ExpiresAt = expires
			existing.UpdatedAt = now
			out = *existing
			return l.Store.UpdateReservation(ctx, out)
		}

		out = Reservation{
			ID:        uuid.NewString(),
			ProductID: req.Key.ProductID,
			VariantID: req.Key.VariantID,
			HolderRef: req.HolderRef,
			Quantity:  req.Quantity,
			State:     StateHeld,
			ExpiresAt: expires,
			CreatedAt: now,
			UpdatedAt: now,
		}
		return l.Store.InsertReservation(ctx, out)
	})
	if err != nil {
		l.Metrics.Reservation(outcomeOf(err))
		if _, short := AvailableFrom(err); !short {
			err = fmt.Errorf("ledger reserve %s: %w", req.Key, err)
		}
		return Reservation{}, err
	}
	l.Metrics.Reservation("held")
	return out, nil
}

// available must run inside a transaction; it locks the stock row and lazily
// releases expired holds on the key before counting.
func (l *Ledger) available(ctx context.Context, key Key, now time.Time) (int, error) {
	lvl, err := l.Store.LockStock(ctx, key)
	if err != nil {
		return 0, err
	}
	expired, err := l.Store.ExpireHeld(ctx, key, now)
	if err != nil {
		return 0, err
	}
	if expired > 0 {
		l.Metrics.Swept(expired)
		logging.FromContext(ctx, logging.OrNop(l.Log)).Debug("expired_holds_released",
			zap.String("key", key.String()), zap.Int("count", expired))
	}
	held, err := l.Store.SumHeld(ctx, key)
	if err != nil {
		return 0, err
	}
	return lvl.Total - lvl.Sold - held, nil
}

// Available returns the quantity that can still be reserved for key.
func (l *Ledger) Available(ctx context.Context, key Key) (int, error) {
	var n int
	err := l.Store.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		n, err = l.available(ctx, key, l.now())
		return err
	})
	return max(n, 0), err
}

func (l *Ledger) Get(ctx context.Context, id string) (Reservation, error) {
	return l.Store.GetReservation(ctx, id)
}

// ReleaseQuantity gives back qty units of a hold. Releasing the whole
// quantity (or more) releases the hold; otherwise the remaining hold's expiry
// is refreshed. Releasing an already released hold is a no-op.
func (l *Ledger) ReleaseQuantity(ctx context.Context, id string, qty int) (Reservation, error) {
	if qty <= 0 {
		return Reservation{}, apperr.Validation("release quantity must be greater than zero")
	}
	var out Reservation
	err := l.Store.WithinTx(ctx, func(ctx context.Context) error {
		r, err := l.lockReservation(ctx, id)
		if err != nil {
			return err
		}
		switch r.State {
		case StateReleased:
			out = r
			return nil
		case StateCommitted:
			return ErrAlreadyCommitted
		}
		now := l.now()
		if qty >= r.Quantity {
			r.State = StateReleased
		} else {
			r.Quantity -= qty
			r.ExpiresAt = now.Add(l.ttl(0))
		}
		r.UpdatedAt = now
		out = r
		return l.Store.UpdateReservation(ctx, r)
	})
	if err != nil {
		return Reservation{}, fmt.Errorf("ledger release %s: %w", id, err)
	}
	return out, nil
}

// Release releases the whole hold.
func (l *Ledger) Release(ctx context.Context, id string) error {
	err := l.Store.WithinTx(ctx, func(ctx context.Context) error {
		r, err := l.lockReservation(ctx, id)
		if err != nil {
			return err
		}
		switch r.State {
		case StateReleased:
			return nil
		case StateCommitted:
			return ErrAlreadyCommitted
		}
		r.State = StateReleased
		r.UpdatedAt = l.now()
		return l.Store.UpdateReservation(ctx, r)
	})
	if err != nil {
		return fmt.Errorf("ledger release %s: %w", id, err)
	}
	l.Metrics.Reservation("released")
	return nil
}

// Split moves qty units of a live hold into a new hold owned by holderRef and
// returns it. The source keeps the rest and is released when nothing is left.
// Availability on the key does not change.
func (l *Ledger) Split(ctx context.Context, id string, qty int, holderRef string, ttl time.Duration) (Reservation, error) {
	if qty <= 0 {
		return Reservation{}, apperr.Validation("split quantity must be greater than zero")
	}
	if holderRef == "" {
		return Reservation{}, apperr.Validation("holder is required")
	}
	var out Reservation
	err := l.Store.WithinTx(ctx, func(ctx context.Context) error {
		r, err := l.lockReservation(ctx, id)
		if err != nil {
			return err
		}
		now := l.now()
		if !r.Active(now) {
			return ErrHoldExpired
		}
		if r.Quantity < qty {
			return fmt.Errorf("holds %d of %d: %w", r.Quantity, qty, ErrHoldTooSmall)
		}
		if r.Quantity == qty {
			r.State = StateReleased
		} else {
			r.Quantity -= qty
		}
		r.UpdatedAt = now
		if err := l.Store.UpdateReservation(ctx, r); err != nil {
			return err
		}
		out = Reservation{
			ID:        uuid.NewString(),
			ProductID: r.ProductID,
			VariantID: r.VariantID,
			HolderRef: holderRef,
			Quantity:  qty,
			State:     StateHeld,
			ExpiresAt: now.Add(l.ttl(ttl)),
			CreatedAt: now,
			UpdatedAt: now,
		}
		return l.Store.InsertReservation(ctx, out)
	})
	if err != nil {
		return Reservation{}, fmt.Errorf("ledger split %s: %w", id, err)
	}
	l.Metrics.Reservation("split")
	return out, nil
}

// Commit turns a hold of exactly qty units into a permanent sale. It is
// idempotent on committed holds. A hold that was released by expiry is
// re-acquired when the stock still allows it; otherwise the shortfall is
// returned.
func (l *Ledger) Commit(ctx context.Context, id string, qty int) error {
	err := l.Store.WithinTx(ctx, func(ctx context.Context) error {
		r, err := l.lockReservation(ctx, id)
		if err != nil {
			return err
		}
		if r.Quantity != qty {
			return fmt.Errorf("holds %d, sale needs %d: %w", r.Quantity, qty, ErrQuantityMismatch)
		}
		now := l.now()
		switch r.State {
		case StateCommitted:
			return nil
		case StateReleased:
			avail, err := l.available(ctx, r.Key(), now)
			if err != nil {
				return err
			}
			if r.Quantity > avail {
				return &InsufficientStockError{Key: r.Key(), Requested: r.Quantity, Available: max(avail, 0)}
			}
		}
		r.State = StateCommitted
		r.UpdatedAt = now
		if err := l.Store.UpdateReservation(ctx, r); err != nil {
			return err
		}
		return l.Store.AddSold(ctx, r.Key(), r.Quantity)
	})
	if err != nil {
		l.Metrics.Reservation("commit_failed")
		return fmt.Errorf("ledger commit %s: %w", id, err)
	}
	l.Metrics.Reservation("committed")
	return nil
}

// SweepExpired releases every hold whose expiry has passed.
func (l *Ledger) SweepExpired(ctx context.Context) (int, error) {
	n, err := l.Store.SweepExpired(ctx, l.now())
	if err != nil {
		return 0, fmt.Errorf("ledger sweep: %w", err)
	}
	l.Metrics.Swept(n)
	return n, nil
}

// lockReservation loads a reservation and takes the stock row lock of its key
// so every state change on a key is serialized with Reserve.
func (l *Ledger) lockReservation(ctx context.Context, id string) (Reservation, error) {
	r, err := l.Store.GetReservation(ctx, id)
	if err != nil {
		return Reservation{}, err
	}
	if _, err := l.Store.LockStock(ctx, r.Key()); err != nil {
		return Reservation{}, err
	}
	return l.Store.GetReservation(ctx, id)
}

func outcomeOf(err error) string {
	if _, ok := AvailableFrom(err); ok {
		return "insufficient"
	}
	return "error"
}
