// Package memory is an in-process implementation of every store the checkout
// core uses. A transaction takes the store-wide lock and restores a snapshot
// when it fails, so it keeps the same all-or-nothing behaviour as Postgres.
// It backs the unit tests and local runs without a database.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/ariefcatur/go-marketplace-checkout/internal/catalog"
	"github.com/ariefcatur/go-marketplace-checkout/internal/ledger"
	"github.com/ariefcatur/go-marketplace-checkout/internal/orders"
)

type txKey struct{}

type productKey struct{ productID, variantID string }

type state struct {
	products     map[productKey]catalog.Product
	vendors      map[string]catalog.Vendor
	stock        map[ledger.Key]ledger.StockLevel
	reservations map[string]ledger.Reservation
	carts        map[string]*cartRow
	payments     map[string]orders.Payment
	paymentIDs   []string
	orders       map[string]orders.Order
	orderIDs     []string
	events       map[string]time.Time
}

type Store struct {
	mu sync.Mutex
	st *state
}

func New() *Store {
	return &Store{st: &state{
		products:     map[productKey]catalog.Product{},
		vendors:      map[string]catalog.Vendor{},
		stock:        map[ledger.Key]ledger.StockLevel{},
		reservations: map[string]ledger.Reservation{},
		carts:        map[string]*cartRow{},
		payments:     map[string]orders.Payment{},
		orders:       map[string]orders.Order{},
		events:       map[string]time.Time{},
	}}
}

// WithinTx runs fn holding the store lock. Nested calls join the outer
// transaction; only the outermost call restores the snapshot on error.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.inTx(ctx) {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.st.clone()
	if err := fn(context.WithValue(ctx, txKey{}, s)); err != nil {
		s.st = snap
		return err
	}
	return nil
}

func (s *Store) inTx(ctx context.Context) bool {
	v, _ := ctx.Value(txKey{}).(*Store)
	return v == s
}

// lock takes the store lock for a single call made outside a transaction.
func (s *Store) lock(ctx context.Context) func() {
	if s.inTx(ctx) {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (st *state) clone() *state {
	out := &state{
		products:     cloneMap(st.products),
		vendors:      cloneMap(st.vendors),
		stock:        cloneMap(st.stock),
		reservations: cloneMap(st.reservations),
		carts:        make(map[string]*cartRow, len(st.carts)),
		payments:     cloneMap(st.payments),
		paymentIDs:   slices.Clone(st.paymentIDs),
		orders:       make(map[string]orders.Order, len(st.orders)),
		orderIDs:     slices.Clone(st.orderIDs),
		events:       cloneMap(st.events),
	}
	for id, c := range st.carts {
		out.carts[id] = c.clone()
	}
	for id, o := range st.orders {
		out.orders[id] = cloneOrder(o)
	}
	return out
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneOrder(o orders.Order) orders.Order {
	o.Lines = slices.Clone(o.Lines)
	o.Tracking = slices.Clone(o.Tracking)
	return o
}

// Seeding helpers.

func (s *Store) AddVendor(v catalog.Vendor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.vendors[v.ID] = v
}

// AddProduct registers a product and its stock level.
func (s *Store) AddProduct(p catalog.Product, stock int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.products[productKey{p.ID, p.VariantID}] = p
	key := ledger.Key{ProductID: p.ID, VariantID: p.VariantID}
	lvl := s.st.stock[key]
	lvl.Key = key
	lvl.Total = stock
	s.st.stock[key] = lvl
}

func (s *Store) GetProduct(ctx context.Context, productID, variantID string) (catalog.Product, error) {
	defer s.lock(ctx)()
	p, ok := s.st.products[productKey{productID, variantID}]
	if !ok {
		return catalog.Product{}, catalog.ErrProductNotFound
	}
	return p, nil
}

func (s *Store) GetVendor(ctx context.Context, vendorID string) (catalog.Vendor, error) {
	defer s.lock(ctx)()
	v, ok := s.st.vendors[vendorID]
	if !ok {
		return catalog.Vendor{}, catalog.ErrVendorNotFound
	}
	return v, nil
}

var (
	_ catalog.Reader = (*Store)(nil)
	_ ledger.Store   = (*Store)(nil)
	_ orders.Store   = (*Store)(nil)
	_ orders.Reader  = (*Store)(nil)
)
