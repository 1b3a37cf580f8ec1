// Package notify delivers order events to the customer notification channel.
package notify

import (
	"context"

	kafkax "github.com/ariefcatur/go-marketplace-checkout/internal/kafka"
	"github.com/ariefcatur/go-marketplace-checkout/internal/orders"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type Publisher interface {
	Publish(ctx context.Context, key, value []byte, headers ...kafkago.Header) error
}

// Message is the payload of every notification envelope.
type Message struct {
	Recipient string `json:"recipient"`
	Event     any    `json:"event"`
}

// Kafka publishes notifications to the order.notifications topic, keyed by
// recipient. The mailer consuming that topic lives outside this service.
type Kafka struct {
	Producer    Publisher
	ServiceName string
}

func (k *Kafka) Notify(ctx context.Context, eventType, recipient string, payload any) error {
	correlation := recipient
	if ev, ok := payload.(orders.StatusChanged); ok {
		correlation = ev.OrderID
	}
	env, err := kafkax.NewEnvelope(eventType, k.ServiceName, correlation, Message{Recipient: recipient, Event: payload})
	if err != nil {
		return err
	}
	return k.Producer.Publish(ctx, orders.PartitionKey(recipient), kafkax.MustMarshal(env), kafkax.Headers(env)...)
}

// Log writes notifications to the logger; used when no broker is configured.
type Log struct {
	Logger *zap.Logger
}

func (l *Log) Notify(_ context.Context, eventType, recipient string, payload any) error {
	if l.Logger == nil {
		return nil
	}
	l.Logger.Info("notification", zap.String("event_type", eventType), zap.String("recipient", recipient), zap.Any("payload", payload))
	return nil
}
