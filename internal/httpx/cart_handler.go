package httpx

import (
	"context"
	"net/http"
	"time"

	"github.com/ariefcatur/go-marketplace-checkout/internal/cart"
	"github.com/ariefcatur/go-marketplace-checkout/internal/ledger"
	"github.com/go-chi/chi/v5"
)

type CartService interface {
	GetCart(ctx context.Context, owner cart.Owner) (*cart.Cart, error)
	AddLine(ctx context.Context, owner cart.Owner, in cart.AddLineInput) (*cart.Cart, error)
	SetQuantity(ctx context.Context, owner cart.Owner, productID, variantID string, qty int) (*cart.Cart, error)
	RemoveLine(ctx context.Context, owner cart.Owner, productID, variantID string) (*cart.Cart, error)
	MergeGuestCartIntoUser(ctx context.Context, sessionID, userID string) (cart.MergeResult, error)
	RefreshHolds(ctx context.Context, owner cart.Owner) (*cart.Cart, []cart.LineAdjustment, error)
}

type Availability interface {
	Available(ctx context.Context, key ledger.Key) (int, error)
}

type CartHandler struct {
	Carts CartService
	Stock Availability
}

type lineReq struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id"`
	Quantity  int    `json:"quantity"`
}

type quantityReq struct {
	Quantity int `json:"quantity"`
}

type lineResp struct {
	ProductID      string    `json:"product_id"`
	VariantID      string    `json:"variant_id,omitempty"`
	VendorID       string    `json:"vendor_id"`
	Name           string    `json:"name"`
	Quantity       int       `json:"quantity"`
	UnitPriceCents int64     `json:"unit_price_cents"`
	SubtotalCents  int64     `json:"subtotal_cents"`
	ReservationID  string    `json:"reservation_id,omitempty"`
	AddedAt        time.Time `json:"added_at"`
}

type cartResp struct {
	ID            string     `json:"id,omitempty"`
	Lines         []lineResp `json:"lines"`
	SubtotalCents int64      `json:"subtotal_cents"`
}

type adjustmentResp struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
	Requested int    `json:"requested"`
	Kept      int    `json:"kept"`
}

type adjustedCartResp struct {
	Cart     cartResp         `json:"cart"`
	Merged   int              `json:"merged,omitempty"`
	Adjusted []adjustmentResp `json:"adjusted"`
}

func (h *CartHandler) Register(r chi.Router) {
	r.Get("/cart", h.getCart)
	r.Post("/cart/lines", h.addLine)
	r.Put("/cart/lines/{product}", h.setQuantity)
	r.Delete("/cart/lines/{product}", h.removeLine)
	r.Post("/cart/merge", h.merge)
	r.Post("/cart/refresh", h.refresh)
	r.Get("/products/{product}/availability", h.availability)
}

func toCartResp(c *cart.Cart) cartResp {
	out := cartResp{Lines: []lineResp{}}
	if c == nil {
		return out
	}
	out.ID = c.ID
	for _, l := range c.Lines {
		out.Lines = append(out.Lines, lineResp{
			ProductID: l.ProductID, VariantID: l.VariantID, VendorID: l.VendorID, Name: l.Name,
			Quantity: l.Quantity, UnitPriceCents: l.UnitPriceCents, SubtotalCents: l.SubtotalCents(),
			ReservationID: l.ReservationID, AddedAt: l.AddedAt,
		})
		out.SubtotalCents += l.SubtotalCents()
	}
	return out
}

func toAdjustments(in []cart.LineAdjustment) []adjustmentResp {
	out := make([]adjustmentResp, 0, len(in))
	for _, a := range in {
		out = append(out, adjustmentResp{ProductID: a.ProductID, VariantID: a.VariantID, Requested: a.Requested, Kept: a.Merged})
	}
	return out
}

func (h *CartHandler) getCart(w http.ResponseWriter, r *http.Request) {
	owner, err := cartOwner(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	c, err := h.Carts.GetCart(r.Context(), owner)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCartResp(c))
}

func (h *CartHandler) addLine(w http.ResponseWriter, r *http.Request) {
	owner, err := cartOwner(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req lineReq
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	c, err := h.Carts.AddLine(r.Context(), owner, cart.AddLineInput{ProductID: req.ProductID, VariantID: req.VariantID, Quantity: req.Quantity})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCartResp(c))
}

func (h *CartHandler) setQuantity(w http.ResponseWriter, r *http.Request) {
	owner, err := cartOwner(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req quantityReq
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	c, err := h.Carts.SetQuantity(r.Context(), owner, chi.URLParam(r, "product"), r.URL.Query().Get("variant"), req.Quantity)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCartResp(c))
}

func (h *CartHandler) removeLine(w http.ResponseWriter, r *http.Request) {
	owner, err := cartOwner(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	c, err := h.Carts.RemoveLine(r.Context(), owner, chi.URLParam(r, "product"), r.URL.Query().Get("variant"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCartResp(c))
}

// merge folds the guest session cart into the signed-in customer's cart.
func (h *CartHandler) merge(w http.ResponseWriter, r *http.Request) {
	c, err := requireCustomer(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.Carts.MergeGuestCartIntoUser(r.Context(), r.Header.Get(HeaderSessionID), c.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, adjustedCartResp{Cart: toCartResp(res.Cart), Merged: res.Merged, Adjusted: toAdjustments(res.Adjusted)})
}

// refresh re-acquires holds that expired or were released, for example
// after a declined payment.
func (h *CartHandler) refresh(w http.ResponseWriter, r *http.Request) {
	owner, err := cartOwner(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	c, adjusted, err := h.Carts.RefreshHolds(r.Context(), owner)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, adjustedCartResp{Cart: toCartResp(c), Adjusted: toAdjustments(adjusted)})
}

func (h *CartHandler) availability(w http.ResponseWriter, r *http.Request) {
	key := ledger.Key{ProductID: chi.URLParam(r, "product"), VariantID: r.URL.Query().Get("variant")}
	n, err := h.Stock.Available(r.Context(), key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"product_id": key.ProductID, "variant_id": key.VariantID, "available": n})
}
