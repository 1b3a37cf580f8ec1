package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ariefcatur/go-marketplace-checkout/internal/apperr"
	"github.com/ariefcatur/go-marketplace-checkout/internal/checkout"
	"github.com/ariefcatur/go-marketplace-checkout/internal/logging"
	"go.uber.org/zap"
)

const maxBody = 1 << 20

type errorBody struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
	ProductID string `json:"product_id,omitempty"`
	VariantID string `json:"variant_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrStockConflict), errors.Is(err, apperr.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, apperr.ErrGatewayUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps a domain error onto its HTTP status. Internal errors are
// logged and never echoed.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusOf(err)
	body := errorBody{Error: err.Error(), Retryable: apperr.Retryable(err)}
	var sc *checkout.StockChangedError
	if errors.As(err, &sc) {
		body.ProductID, body.VariantID = sc.ProductID, sc.VariantID
	}
	if code == http.StatusInternalServerError {
		logging.FromContext(r.Context(), nil).Error("request_failed",
			zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
		body = errorBody{Error: "internal error"}
	}
	writeJSON(w, code, body)
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Validation("invalid json: %v", err)
	}
	return nil
}
