package httpx

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ariefcatur/go-marketplace-checkout/internal/orders"
	"github.com/ariefcatur/go-marketplace-checkout/internal/principal"
	"github.com/go-chi/chi/v5"
)

type Transitioner interface {
	Transition(ctx context.Context, actor principal.Principal, orderID string, to orders.Status, description string) (orders.Order, error)
}

type OrderReader interface {
	Get(ctx context.Context, actor principal.Principal, id string) (orders.Order, error)
	List(ctx context.Context, actor principal.Principal, limit int) ([]orders.Order, error)
}

type GuestLinker interface {
	LinkGuestOrders(ctx context.Context, userID, email string) (int, error)
}

type OrdersHandler struct {
	Machine Transitioner
	Query   OrderReader
	Linker  GuestLinker
}

type statusReq struct {
	Status      string `json:"status"`
	Description string `json:"description"`
}

type orderLineResp struct {
	ProductID      string `json:"product_id"`
	VariantID      string `json:"variant_id,omitempty"`
	Name           string `json:"name"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

type trackingResp struct {
	Status      orders.Status `json:"status"`
	Description string        `json:"description"`
	At          time.Time     `json:"at"`
}

type orderResp struct {
	ID              string          `json:"id"`
	PaymentID       string          `json:"payment_id"`
	VendorID        string          `json:"vendor_id"`
	UserID          string          `json:"user_id,omitempty"`
	GuestEmail      string          `json:"guest_email,omitempty"`
	Status          orders.Status   `json:"status"`
	Lines           []orderLineResp `json:"lines"`
	SubtotalCents   int64           `json:"subtotal_cents"`
	TaxRate         float64         `json:"tax_rate"`
	TaxCents        int64           `json:"tax_cents"`
	ShippingCents   int64           `json:"shipping_cents"`
	TotalCents      int64           `json:"total_cents"`
	ShippingAddress orders.Address  `json:"shipping_address"`
	Tracking        []trackingResp  `json:"tracking"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Get("/orders", h.listOrders)
	r.Get("/orders/{id}", h.getOrder)
	r.Post("/orders/{id}/status", h.transition)
	r.Post("/orders/link-guest", h.linkGuest)
}

func toOrderResp(o orders.Order) orderResp {
	out := orderResp{
		ID: o.ID, PaymentID: o.PaymentID, VendorID: o.VendorID,
		UserID: o.Customer.UserID, GuestEmail: o.Customer.GuestEmail, Status: o.Status,
		Lines: make([]orderLineResp, 0, len(o.Lines)), SubtotalCents: o.SubtotalCents,
		TaxRate: o.TaxRate, TaxCents: o.TaxCents, ShippingCents: o.ShippingCents, TotalCents: o.TotalCents,
		ShippingAddress: o.ShippingAddress, Tracking: make([]trackingResp, 0, len(o.Tracking)),
		CreatedAt: o.CreatedAt, UpdatedAt: o.UpdatedAt,
	}
	for _, l := range o.Lines {
		out.Lines = append(out.Lines, orderLineResp{
			ProductID: l.ProductID, VariantID: l.VariantID, Name: l.Name, Quantity: l.Quantity, UnitPriceCents: l.UnitPriceCents,
		})
	}
	for _, ev := range o.Tracking {
		out.Tracking = append(out.Tracking, trackingResp{Status: ev.Status, Description: ev.Description, At: ev.At})
	}
	return out
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	actor, err := requirePrincipal(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	o, err := h.Query.Get(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResp(o))
}

func (h *OrdersHandler) listOrders(w http.ResponseWriter, r *http.Request) {
	actor, err := requirePrincipal(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := h.Query.List(r.Context(), actor, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]orderResp, 0, len(list))
	for _, o := range list {
		out = append(out, toOrderResp(o))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *OrdersHandler) transition(w http.ResponseWriter, r *http.Request) {
	actor, err := requirePrincipal(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req statusReq
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	to := orders.Status(strings.ToUpper(strings.TrimSpace(req.Status)))
	o, err := h.Machine.Transition(r.Context(), actor, chi.URLParam(r, "id"), to, req.Description)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResp(o))
}

// linkGuest attaches guest orders placed with the customer's verified email.
func (h *OrdersHandler) linkGuest(w http.ResponseWriter, r *http.Request) {
	c, err := requireCustomer(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	n, err := h.Linker.LinkGuestOrders(r.Context(), c.UserID, c.Email)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"linked": n})
}
