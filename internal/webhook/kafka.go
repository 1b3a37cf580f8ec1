package webhook

import (
	"context"
	"encoding/json"
	"fmt"

	kafkax "github.com/ariefcatur/go-marketplace-checkout/internal/kafka"
	"github.com/ariefcatur/go-marketplace-checkout/internal/logging"
	"github.com/ariefcatur/go-marketplace-checkout/internal/orders"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Publisher must return only after the broker acknowledged the write: the
// intake answers the gateway and the processor commits offsets on its result.
// kafka.SyncProducer satisfies it; the buffered kafka.Producer does not.
type Publisher interface {
	Publish(ctx context.Context, key, value []byte, headers ...kafkago.Header) error
}

// Queue hands verified events to the worker through the webhook topic, keyed
// by intent id so events of one payment stay ordered.
type Queue struct {
	Producer    Publisher
	ServiceName string
}

func (q *Queue) Submit(ctx context.Context, ev Event) error {
	env, err := kafkax.NewEnvelope(orders.EventPaymentWebhook, q.ServiceName, ev.Data.IntentID, ev)
	if err != nil {
		return err
	}
	return q.Producer.Publish(ctx, orders.PartitionKey(ev.Data.IntentID), kafkax.MustMarshal(env), kafkax.Headers(env)...)
}

type DeadLetter struct {
	Event  Event  `json:"event"`
	Reason string `json:"reason"`
	Error  string `json:"error"`
}

// KafkaDeadLetters publishes unprocessable events to the dead-letter topic.
type KafkaDeadLetters struct {
	Producer    Publisher
	ServiceName string
}

func (d *KafkaDeadLetters) DeadLetter(ctx context.Context, ev Event, reason string, cause error) error {
	msg := DeadLetter{Event: ev, Reason: reason}
	if cause != nil {
		msg.Error = cause.Error()
	}
	env, err := kafkax.NewEnvelope(orders.EventWebhookDeadLetter, d.ServiceName, ev.Data.IntentID, msg)
	if err != nil {
		return err
	}
	return d.Producer.Publish(ctx, orders.PartitionKey(ev.Data.IntentID), kafkax.MustMarshal(env), kafkax.Headers(env)...)
}

// Consumer adapts the processor to the webhook topic.
type Consumer struct {
	Processor *Processor
	Log       *zap.Logger
}

// HandleMessage is installed as the kafka consumer handler.
func (c *Consumer) HandleMessage(ctx context.Context, m kafkago.Message) error {
	log := logging.OrNop(c.Log)
	env, err := kafkax.UnmarshalEnvelope(m.Value)
	if err != nil {
		log.Error("webhook_message_undecodable", zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}
	if env.EventType != orders.EventPaymentWebhook {
		return nil
	}
	ev, err := kafkax.UnwrapPayload[Event](env.Payload)
	if err != nil {
		return c.deadLetterRaw(ctx, env, err)
	}
	ctx = logging.WithLogger(ctx, log.With(zap.String("envelope_id", env.EventID)))
	return c.Processor.Process(ctx, ev)
}

func (c *Consumer) deadLetterRaw(ctx context.Context, env orders.Envelope, cause error) error {
	c.Processor.Metrics.DeadLetter(ReasonInvalid)
	if c.Processor.DeadLetters == nil {
		return nil
	}
	var ev Event
	_ = json.Unmarshal(env.Payload, &ev)
	if err := c.Processor.DeadLetters.DeadLetter(ctx, ev, ReasonInvalid, cause); err != nil {
		return fmt.Errorf("dead letter %s: %w", env.EventID, err)
	}
	return nil
}
