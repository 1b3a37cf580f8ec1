// Package webhook reconciles payment-provider events with payments, orders
// and stock holds. Providers deliver at least once and in any order, so every
// event is deduplicated by id and every transition checks current state.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/ariefcatur/go-marketplace-checkout/internal/apperr"
)

const (
	TypeSucceeded  = "payment_intent.succeeded"
	TypeFailed     = "payment_intent.payment_failed"
	TypeCanceled   = "payment_intent.canceled"
	TypeProcessing = "payment_intent.processing"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrNeedsManualReview marks events that contradict a settled payment,
	// such as a success arriving after the payment was declined.
	ErrNeedsManualReview = errors.New("event needs manual review")
)

type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Data       EventData `json:"data"`
	ReceivedAt time.Time `json:"received_at,omitempty"`
}

type EventData struct {
	IntentID      string `json:"intent_id"`
	FailureReason string `json:"failure_reason,omitempty"`
}

func (e Event) Validate() error {
	if e.ID == "" || e.Type == "" || e.Data.IntentID == "" {
		return apperr.Validation("webhook event requires id, type and data.intent_id")
	}
	return nil
}

func Known(eventType string) bool {
	switch eventType {
	case TypeSucceeded, TypeFailed, TypeCanceled, TypeProcessing:
		return true
	}
	return false
}

// Sign returns the hex HMAC-SHA256 of body under secret, the value providers
// send in the signature header.
func Sign(secret, body []byte) string {
	return hex.EncodeToString(sum(secret, body))
}

// Parse verifies the signature and decodes the event.
func Parse(secret, body []byte, signature string) (Event, error) {
	if len(secret) > 0 {
		got, err := hex.DecodeString(strings.TrimSpace(signature))
		if err != nil || !hmac.Equal(got, sum(secret, body)) {
			return Event{}, ErrInvalidSignature
		}
	}
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return Event{}, apperr.Validation("decode webhook: %v", err)
	}
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

func sum(secret, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}
