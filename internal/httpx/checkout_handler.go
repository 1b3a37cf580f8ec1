package httpx

import (
	"context"
	"net/http"
	"time"

	"github.com/ariefcatur/go-marketplace-checkout/internal/checkout"
	"github.com/ariefcatur/go-marketplace-checkout/internal/orders"
	"github.com/ariefcatur/go-marketplace-checkout/internal/principal"
	"github.com/go-chi/chi/v5"
)

type Checkouter interface {
	BeginCheckout(ctx context.Context, req checkout.Request) (checkout.Result, error)
}

type CheckoutHandler struct {
	Checkout Checkouter
	// Timeout bounds the whole checkout including the gateway call.
	Timeout time.Duration
}

type checkoutReq struct {
	Email           string         `json:"email"`
	ShippingAddress orders.Address `json:"shipping_address"`
}

type checkoutResp struct {
	PaymentID    string   `json:"payment_id"`
	ClientSecret string   `json:"client_secret"`
	OrderIDs     []string `json:"order_ids"`
	TotalCents   int64    `json:"total_cents"`
	Currency     string   `json:"currency"`
	Reused       bool     `json:"reused"`
}

func (h *CheckoutHandler) Register(r chi.Router) {
	r.Post("/checkout", h.begin)
}

func (h *CheckoutHandler) begin(w http.ResponseWriter, r *http.Request) {
	owner, err := cartOwner(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req checkoutReq
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if p, ok := principal.FromContext(r.Context()); ok && req.Email == "" {
		if c, isCustomer := p.(principal.Customer); isCustomer {
			req.Email = c.Email
		}
	}

	ctx := r.Context()
	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}
	res, err := h.Checkout.BeginCheckout(ctx, checkout.Request{Owner: owner, Email: req.Email, ShippingAddress: req.ShippingAddress})
	if err != nil {
		writeError(w, r, err)
		return
	}
	code := http.StatusCreated
	if res.Reused {
		code = http.StatusOK
	}
	writeJSON(w, code, checkoutResp{
		PaymentID: res.PaymentID, ClientSecret: res.ClientSecret, OrderIDs: res.OrderIDs,
		TotalCents: res.TotalCents, Currency: res.Currency, Reused: res.Reused,
	})
}
