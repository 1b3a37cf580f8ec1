package httpx

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/ariefcatur/go-marketplace-checkout/internal/apperr"
	"github.com/ariefcatur/go-marketplace-checkout/internal/logging"
	"github.com/ariefcatur/go-marketplace-checkout/internal/webhook"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const HeaderSignature = "X-Signature"

// WebhookSink takes a verified event: the inline processor or the Kafka queue.
type WebhookSink interface {
	Submit(ctx context.Context, ev webhook.Event) error
}

type WebhookHandler struct {
	Secret []byte
	Sink   WebhookSink
	Now    func() time.Time
}

func (h *WebhookHandler) Register(r chi.Router) {
	r.Post("/webhooks/payments", h.receive)
}

// receive acknowledges with 200 once the event is accepted. Any 5xx makes
// the provider redeliver, which dedup absorbs.
func (h *WebhookHandler) receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		writeError(w, r, apperr.Validation("read body: %v", err))
		return
	}
	ev, err := webhook.Parse(h.Secret, body, r.Header.Get(HeaderSignature))
	if errors.Is(err, webhook.ErrInvalidSignature) {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: err.Error()})
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !webhook.Known(ev.Type) {
		logging.FromContext(r.Context(), nil).Info("webhook_ignored", zap.String("event_id", ev.ID), zap.String("event_type", ev.Type))
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}
	ev.ReceivedAt = h.now()
	if err := h.Sink.Submit(r.Context(), ev); err != nil {
		logging.FromContext(r.Context(), nil).Error("webhook_submit_failed", zap.String("event_id", ev.ID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "webhook not accepted", Retryable: true})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (h *WebhookHandler) now() time.Time {
	if h.Now != nil {
		return h.Now().UTC()
	}
	return time.Now().UTC()
}
