package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-marketplace-checkout/internal/apperr"
	"github.com/ariefcatur/go-marketplace-checkout/internal/cart"
	"github.com/ariefcatur/go-marketplace-checkout/internal/catalog"
	"github.com/ariefcatur/go-marketplace-checkout/internal/gateway"
	"github.com/ariefcatur/go-marketplace-checkout/internal/ledger"
	"github.com/ariefcatur/go-marketplace-checkout/internal/logging"
	"github.com/ariefcatur/go-marketplace-checkout/internal/metrics"
	"github.com/ariefcatur/go-marketplace-checkout/internal/orders"
	"github.com/ariefcatur/go-marketplace-checkout/internal/tax"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const (
	DefaultHoldTTL        = 30 * time.Minute
	DefaultGatewayTimeout = 10 * time.Second
)

type Orchestrator struct {
	Carts          CartReader
	Ledger         HoldLedger
	Catalog        catalog.Reader
	Gateway        gateway.Gateway
	Store          Store
	Results        ResultCache // optional fast path in front of the payment lookup
	Currency       string
	HoldTTL        time.Duration // lifetime of the holds a pending payment owns
	GatewayTimeout time.Duration
	Now            func() time.Time
	Log            *zap.Logger
	Metrics        *metrics.Metrics
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}

// BeginCheckout validates the cart's holds, prices and taxes each vendor's
// share, creates exactly one payment intent for the grand total and persists
// the payment with one pending order per vendor in a single transaction. Each
// order line gets its own hold, split off the cart's, so later cart edits
// never change what the payment sells. The cart is left intact; paid units
// leave it only when the payment is confirmed.
func (o *Orchestrator) BeginCheckout(ctx context.Context, req Request) (res Result, err error) {
	ctx, span := otel.Tracer("checkout").Start(ctx, "BeginCheckout")
	start := time.Now()
	log := logging.FromContext(ctx, logging.OrNop(o.Log)).With(zap.String("owner", req.Owner.Ref()))
	defer func() {
		outcome := "created"
		switch {
		case err != nil:
			outcome = outcomeOf(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
			log.Warn("checkout_failed", zap.String("outcome", outcome), zap.Error(err))
		case res.Reused:
			outcome = "reused"
		}
		if err == nil {
			span.SetAttributes(attribute.String("payment.id", res.PaymentID), attribute.Int("orders", len(res.OrderIDs)))
			log.Info("checkout_done", zap.String("outcome", outcome), zap.String("payment_id", res.PaymentID),
				zap.Strings("order_ids", res.OrderIDs), zap.Int64("total_cents", res.TotalCents))
		}
		o.Metrics.Checkout(outcome, time.Since(start).Seconds())
		span.End()
	}()

	if err := req.Owner.Validate(); err != nil {
		return Result{}, err
	}
	if err := req.ShippingAddress.Validate(); err != nil {
		return Result{}, err
	}
	customer, err := req.customer()
	if err != nil {
		return Result{}, err
	}

	c, err := o.Carts.GetCart(ctx, req.Owner)
	if err != nil {
		return Result{}, err
	}
	if c.IsEmpty() {
		return Result{}, ErrEmptyCart
	}

	hash := cartHash(c)
	if p, ok := o.cached(ctx, hash); ok {
		return o.reuse(ctx, p)
	}
	prior, err := o.Store.FindPaymentsByCartHash(ctx, hash)
	if err != nil {
		return Result{}, err
	}
	settled := 0
	for _, p := range prior {
		if p.Status.Settled() {
			settled++
			continue
		}
		o.remember(ctx, hash, p.ID)
		return o.reuse(ctx, p)
	}

	pinned, err := o.Store.HeldForCheckout(ctx, c.ID, o.now())
	if err != nil {
		return Result{}, err
	}
	lines := unpinned(c.Lines, pinned)
	if len(lines) == 0 {
		return Result{}, ErrAlreadyInCheckout
	}
	if err := o.validateHolds(ctx, lines); err != nil {
		return Result{}, err
	}

	groups, err := o.price(ctx, lines)
	if err != nil {
		return Result{}, err
	}
	var grand int64
	for _, g := range groups {
		grand += g.TotalCents()
	}

	key := idempotencyKey(hash, settled)
	intent, err := o.createIntent(ctx, gateway.IntentRequest{
		AmountCents:    grand,
		Currency:       o.Currency,
		IdempotencyKey: key,
		Metadata:       map[string]string{"cart_id": c.ID, "owner": req.Owner.Ref()},
	})
	if err != nil {
		return Result{}, err
	}

	now := o.now()
	payment := orders.Payment{
		ID:              uuid.NewString(),
		GatewayIntentID: intent.ID,
		ClientSecret:    intent.ClientSecret,
		CartID:          c.ID,
		CartHash:        hash,
		IdempotencyKey:  key,
		TotalCents:      grand,
		Currency:        o.Currency,
		Status:          orders.PaymentRequiresAction,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	res = Result{PaymentID: payment.ID, ClientSecret: intent.ClientSecret, TotalCents: grand, Currency: o.Currency}

	err = o.Store.WithinTx(ctx, func(ctx context.Context) error {
		if err := o.Store.LockCart(ctx, c.ID); err != nil {
			return err
		}
		cur, err := o.Carts.GetCart(ctx, req.Owner)
		if err != nil {
			return err
		}
		if cur.ID != c.ID || cartHash(cur) != hash {
			return &StockChangedError{Reason: "cart changed during checkout"}
		}
		if err := o.Store.InsertPayment(ctx, payment); err != nil {
			return err
		}
		for _, g := range groups {
			for i, l := range g.Lines {
				r, err := o.Ledger.Split(ctx, l.ReservationID, l.Quantity, payment.ID, o.holdTTL())
				if err != nil {
					return stockChanged(l, err)
				}
				g.Lines[i].ReservationID = r.ID
			}
			ord := newOrder(payment, c.ID, customer, req.ShippingAddress, g, now)
			if err := o.Store.InsertOrder(ctx, ord); err != nil {
				return err
			}
			res.OrderIDs = append(res.OrderIDs, ord.ID)
		}
		return nil
	})
	switch {
	case err == nil:
		o.remember(ctx, hash, payment.ID)
		return res, nil
	case errors.Is(err, orders.ErrDuplicatePayment):
		// A concurrent click persisted the same intent first.
		prior, ferr := o.Store.FindPaymentsByCartHash(ctx, hash)
		if ferr != nil {
			return Result{}, ferr
		}
		for _, p := range prior {
			if p.IdempotencyKey == key {
				return o.reuse(ctx, p)
			}
		}
		return Result{}, err
	case isStockChanged(err):
		var sc *StockChangedError
		if errors.As(err, &sc) {
			return Result{}, sc
		}
		return Result{}, &StockChangedError{Reason: err.Error()}
	default:
		return Result{}, fmt.Errorf("persist checkout: %w", err)
	}
}

// unpinned returns the cart lines reduced by the units pending checkouts
// already hold; lines left with nothing are dropped.
func unpinned(lines []cart.Line, pinned map[ledger.Key]int) []cart.Line {
	out := make([]cart.Line, 0, len(lines))
	for _, l := range lines {
		l.Quantity -= pinned[ledger.Key{ProductID: l.ProductID, VariantID: l.VariantID}]
		if l.Quantity > 0 {
			out = append(out, l)
		}
	}
	return out
}

func stockChanged(l cart.Line, err error) error {
	if !isStockChanged(err) {
		return err
	}
	return &StockChangedError{ProductID: l.ProductID, VariantID: l.VariantID, Name: l.Name, Reason: err.Error()}
}

// validateHolds re-checks every line's hold just before pricing.
func (o *Orchestrator) validateHolds(ctx context.Context, lines []cart.Line) error {
	now := o.now()
	for _, l := range lines {
		changed := &StockChangedError{ProductID: l.ProductID, VariantID: l.VariantID, Name: l.Name}
		if l.ReservationID == "" {
			changed.Reason = "line has no stock hold"
			return changed
		}
		r, err := o.Ledger.Get(ctx, l.ReservationID)
		if errors.Is(err, ledger.ErrReservationNotFound) {
			changed.Reason = "stock hold is gone"
			return changed
		}
		if err != nil {
			return err
		}
		if !r.Active(now) {
			changed.Reason = "stock hold expired"
			return changed
		}
		if r.Quantity < l.Quantity {
			changed.Reason = fmt.Sprintf("only %d of %d units are held", r.Quantity, l.Quantity)
			return changed
		}
	}
	return nil
}

// price groups lines by vendor, in first-seen order, and freezes each
// group's tax. Shipping is added after tax and is not taxed.
func (o *Orchestrator) price(ctx context.Context, lines []cart.Line) ([]vendorGroup, error) {
	var groups []vendorGroup
	index := map[string]int{}
	for _, l := range lines {
		i, ok := index[l.VendorID]
		if !ok {
			i = len(groups)
			index[l.VendorID] = i
			groups = append(groups, vendorGroup{VendorID: l.VendorID})
		}
		groups[i].Lines = append(groups[i].Lines, l)
		groups[i].SubtotalCents += l.SubtotalCents()
	}
	for i := range groups {
		v, err := o.Catalog.GetVendor(ctx, groups[i].VendorID)
		if err != nil {
			return nil, fmt.Errorf("vendor %s: %w", groups[i].VendorID, err)
		}
		t := tax.Compute(groups[i].SubtotalCents, v.State)
		groups[i].State = v.State
		groups[i].TaxRate = t.Rate
		groups[i].TaxCents = t.TaxCents
		groups[i].ShippingCents = v.ShippingCents
	}
	return groups, nil
}

func (o *Orchestrator) createIntent(ctx context.Context, req gateway.IntentRequest) (gateway.Intent, error) {
	timeout := o.GatewayTimeout
	if timeout <= 0 {
		timeout = DefaultGatewayTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	intent, err := o.Gateway.CreateIntent(ctx, req)
	if err != nil {
		return gateway.Intent{}, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	return intent, nil
}

func (o *Orchestrator) reuse(ctx context.Context, p orders.Payment) (Result, error) {
	list, err := o.Store.ListOrdersByPayment(ctx, p.ID)
	if err != nil {
		return Result{}, err
	}
	res := Result{PaymentID: p.ID, ClientSecret: p.ClientSecret, TotalCents: p.TotalCents, Currency: p.Currency, Reused: true}
	for _, ord := range list {
		res.OrderIDs = append(res.OrderIDs, ord.ID)
	}
	return res, nil
}

// cached returns the unsettled payment a previous checkout of the same
// content created, when the result cache knows it.
func (o *Orchestrator) cached(ctx context.Context, hash string) (orders.Payment, bool) {
	if o.Results == nil {
		return orders.Payment{}, false
	}
	log := logging.FromContext(ctx, logging.OrNop(o.Log))
	id, ok, err := o.Results.Lookup(ctx, hash)
	if err != nil {
		log.Warn("checkout_cache_lookup_failed", zap.Error(err))
		return orders.Payment{}, false
	}
	if !ok {
		return orders.Payment{}, false
	}
	p, err := o.Store.GetPayment(ctx, id)
	if err != nil || p.CartHash != hash {
		return orders.Payment{}, false
	}
	if p.Status.Settled() {
		return orders.Payment{}, false
	}
	return p, true
}

func (o *Orchestrator) remember(ctx context.Context, hash, paymentID string) {
	if o.Results == nil {
		return
	}
	if err := o.Results.Remember(ctx, hash, paymentID); err != nil {
		logging.FromContext(ctx, logging.OrNop(o.Log)).Warn("checkout_cache_store_failed", zap.Error(err))
	}
}

func (o *Orchestrator) holdTTL() time.Duration {
	if o.HoldTTL > 0 {
		return o.HoldTTL
	}
	return DefaultHoldTTL
}

func newOrder(p orders.Payment, cartID string, customer orders.Customer, addr orders.Address, g vendorGroup, now time.Time) orders.Order {
	lines := make([]orders.Line, 0, len(g.Lines))
	for _, l := range g.Lines {
		lines = append(lines, orders.Line{
			ProductID:      l.ProductID,
			VariantID:      l.VariantID,
			Name:           l.Name,
			Quantity:       l.Quantity,
			UnitPriceCents: l.UnitPriceCents,
			ReservationID:  l.ReservationID,
		})
	}
	return orders.Order{
		ID:              uuid.NewString(),
		PaymentID:       p.ID,
		CartID:          cartID,
		VendorID:        g.VendorID,
		Customer:        customer,
		Lines:           lines,
		SubtotalCents:   g.SubtotalCents,
		TaxRate:         g.TaxRate,
		TaxCents:        g.TaxCents,
		ShippingCents:   g.ShippingCents,
		TotalCents:      g.TotalCents(),
		ShippingAddress: addr,
		Status:          orders.StatusPendingPayment,
		Tracking: []orders.TrackingEvent{{
			Status:      orders.StatusPendingPayment,
			Description: "Order placed, awaiting payment",
			Actor:       "system:checkout",
			At:          now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, apperr.ErrStockConflict):
		return "stock_changed"
	case errors.Is(err, apperr.ErrGatewayUnavailable):
		return "gateway_unavailable"
	case errors.Is(err, apperr.ErrValidation):
		return "invalid"
	default:
		return "error"
	}
}
