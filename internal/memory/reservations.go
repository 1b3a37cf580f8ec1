package memory

import (
	"context"
	"time"

	"github.com/ariefcatur/go-marketplace-checkout/internal/ledger"
)

func (s *Store) LockStock(ctx context.Context, key ledger.Key) (ledger.StockLevel, error) {
	defer s.lock(ctx)()
	lvl, ok := s.st.stock[key]
	if !ok {
		return ledger.StockLevel{}, ledger.ErrUnknownStock
	}
	return lvl, nil
}

func (s *Store) ExpireHeld(ctx context.Context, key ledger.Key, now time.Time) (int, error) {
	defer s.lock(ctx)()
	return s.st.expire(now, &key), nil
}

func (s *Store) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	defer s.lock(ctx)()
	return s.st.expire(now, nil), nil
}

func (st *state) expire(now time.Time, key *ledger.Key) int {
	n := 0
	for id, r := range st.reservations {
		if key != nil && r.Key() != *key {
			continue
		}
		if r.State == ledger.StateHeld && !r.ExpiresAt.After(now) {
			r.State = ledger.StateReleased
			r.UpdatedAt = now
			st.reservations[id] = r
			n++
		}
	}
	return n
}

func (s *Store) SumHeld(ctx context.Context, key ledger.Key) (int, error) {
	defer s.lock(ctx)()
	sum := 0
	for _, r := range s.st.reservations {
		if r.State == ledger.StateHeld && r.Key() == key {
			sum += r.Quantity
		}
	}
	return sum, nil
}

func (s *Store) FindHeld(ctx context.Context, holderRef string, key ledger.Key) (*ledger.Reservation, error) {
	defer s.lock(ctx)()
	for _, r := range s.st.reservations {
		if r.State == ledger.StateHeld && r.HolderRef == holderRef && r.Key() == key {
			return &r, nil
		}
	}
	return nil, nil
}

func (s *Store) GetReservation(ctx context.Context, id string) (ledger.Reservation, error) {
	defer s.lock(ctx)()
	r, ok := s.st.reservations[id]
	if !ok {
		return ledger.Reservation{}, ledger.ErrReservationNotFound
	}
	return r, nil
}

func (s *Store) InsertReservation(ctx context.Context, r ledger.Reservation) error {
	defer s.lock(ctx)()
	s.st.reservations[r.ID] = r
	return nil
}

func (s *Store) UpdateReservation(ctx context.Context, r ledger.Reservation) error {
	defer s.lock(ctx)()
	if _, ok := s.st.reservations[r.ID]; !ok {
		return ledger.ErrReservationNotFound
	}
	s.st.reservations[r.ID] = r
	return nil
}

func (s *Store) AddSold(ctx context.Context, key ledger.Key, qty int) error {
	defer s.lock(ctx)()
	lvl, ok := s.st.stock[key]
	if !ok {
		return ledger.ErrUnknownStock
	}
	lvl.Sold += qty
	s.st.stock[key] = lvl
	return nil
}

// Stock returns the stock level of key, for tests and diagnostics.
func (s *Store) Stock(key ledger.Key) ledger.StockLevel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.stock[key]
}
