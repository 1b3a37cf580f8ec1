package kafka

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ariefcatur/go-marketplace-checkout/internal/orders"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

func MustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// NewEnvelope wraps payload with fresh event metadata.
func NewEnvelope(eventType, producer, correlationID string, payload any) (orders.Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return orders.Envelope{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		CorrelationID: correlationID,
		Payload:       raw,
	}, nil
}

// Headers are the routing headers attached to every envelope.
func Headers(env orders.Envelope) []kafka.Header {
	return []kafka.Header{
		{Key: "x-event-type", Value: []byte(env.EventType)},
		{Key: "x-event-version", Value: []byte(strconv.Itoa(env.EventVersion))},
	}
}

func UnmarshalEnvelope(b []byte) (orders.Envelope, error) {
	var env orders.Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

func UnwrapPayload[T any](payload json.RawMessage) (T, error) {
	var t T
	if err := json.Unmarshal(payload, &t); err != nil {
		return t, fmt.Errorf("decode payload: %w", err)
	}
	return t, nil
}
