package orders

import (
	"encoding/json"
	"time"
)

const (
	EventOrderStatusChanged = "OrderStatusChanged"
	EventPaymentWebhook     = "PaymentWebhookReceived"
	EventWebhookDeadLetter  = "PaymentWebhookDeadLettered"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order id or gateway intent id
	Payload       json.RawMessage `json:"payload"`
}

// StatusChanged is emitted after every applied order transition.
type StatusChanged struct {
	OrderID   string    `json:"order_id"`
	VendorID  string    `json:"vendor_id"`
	OldStatus Status    `json:"old_status"`
	NewStatus Status    `json:"new_status"`
	Recipient string    `json:"recipient"`
	At        time.Time `json:"at"`
}
