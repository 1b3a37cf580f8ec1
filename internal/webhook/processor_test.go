package webhook_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-marketplace-checkout/internal/apperr"
	"github.com/ariefcatur/go-marketplace-checkout/internal/cart"
	kafkax "github.com/ariefcatur/go-marketplace-checkout/internal/kafka"
	"github.com/ariefcatur/go-marketplace-checkout/internal/orders"
	"github.com/ariefcatur/go-marketplace-checkout/internal/webhook"
	"github.com/prometheus/client_golang/prometheus/testutil"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type deadLetters struct {
	mu      sync.Mutex
	reasons []string
	events  []webhook.Event
	err     error
}

func (d *deadLetters) DeadLetter(_ context.Context, ev webhook.Event, reason string, _ error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.events = append(d.events, ev)
	d.reasons = append(d.reasons, reason)
	return nil
}

type flakyHandler struct {
	failures int
	calls    int
	err      error
}

func (h *flakyHandler) HandleEvent(context.Context, webhook.Event) (webhook.Outcome, error) {
	h.calls++
	if h.calls <= h.failures {
		return "", h.err
	}
	return webhook.OutcomeApplied, nil
}

func fastProcessor(t *testing.T, h webhook.Handler, dl webhook.DeadLetterSink) *webhook.Processor {
	return &webhook.Processor{
		Handler:        h,
		DeadLetters:    dl,
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Log:            zaptest.NewLogger(t),
	}
}

func TestProcess_RetriesUntilPaymentVisible(t *testing.T) {
	h := &flakyHandler{failures: 2, err: orders.ErrPaymentNotFound}
	dl := &deadLetters{}
	p := fastProcessor(t, h, dl)

	require.NoError(t, p.Process(context.Background(), event("evt_1", webhook.TypeSucceeded, "pi_1")))
	assert.Equal(t, 3, h.calls)
	assert.Empty(t, dl.events)
}

func TestProcess_ExhaustedRetriesDeadLetter(t *testing.T) {
	f := newFixture(t)
	dl := &deadLetters{}
	p := fastProcessor(t, f.reconciler, dl)
	p.Metrics = f.metrics

	err := p.Process(context.Background(), event("evt_lost", webhook.TypeSucceeded, "pi_nobody"))
	require.NoError(t, err)
	require.Len(t, dl.events, 1)
	assert.Equal(t, "evt_lost", dl.events[0].ID)
	assert.Equal(t, []string{webhook.ReasonPaymentNotFound}, dl.reasons)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.DeadLetters.WithLabelValues(webhook.ReasonPaymentNotFound)))
}

func TestProcess_PermanentErrorsSkipRetry(t *testing.T) {
	h := &flakyHandler{failures: 10, err: webhook.ErrNeedsManualReview}
	dl := &deadLetters{}
	p := fastProcessor(t, h, dl)

	require.NoError(t, p.Process(context.Background(), event("evt_1", webhook.TypeSucceeded, "pi_1")))
	assert.Equal(t, 1, h.calls)
	assert.Equal(t, []string{webhook.ReasonManualReview}, dl.reasons)
}

func TestProcess_DeadLetterFailureIsReturned(t *testing.T) {
	h := &flakyHandler{failures: 10, err: apperr.Validation("bad")}
	dl := &deadLetters{err: errors.New("broker down")}
	p := fastProcessor(t, h, dl)

	err := p.Process(context.Background(), event("evt_1", webhook.TypeSucceeded, "pi_1"))
	assert.EqualError(t, err, "broker down")
}

func TestProcess_ExhaustedWithoutSinkReturnsError(t *testing.T) {
	h := &flakyHandler{failures: 10, err: orders.ErrPaymentNotFound}
	p := fastProcessor(t, h, nil)

	err := p.Process(context.Background(), event("evt_1", webhook.TypeSucceeded, "pi_1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, orders.ErrPaymentNotFound)
	assert.Equal(t, 4, h.calls)
}

func TestProcess_CancelledContextIsNotDeadLettered(t *testing.T) {
	h := &flakyHandler{failures: 10, err: orders.ErrPaymentNotFound}
	dl := &deadLetters{}
	p := fastProcessor(t, h, dl)
	p.MaxRetries = 100
	p.InitialBackoff = 50 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Process(ctx, event("evt_1", webhook.TypeSucceeded, "pi_1"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, dl.events)
}

type publisher struct {
	mu   sync.Mutex
	msgs []kafkago.Message
}

func (p *publisher) Publish(_ context.Context, key, value []byte, headers ...kafkago.Header) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, kafkago.Message{Key: key, Value: value, Headers: headers})
	return nil
}

func TestQueueAndConsumer_RoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, pay := f.checkout(t, cart.User("u1"))

	pub := &publisher{}
	q := &webhook.Queue{Producer: pub, ServiceName: "api"}
	require.NoError(t, q.Submit(ctx, event("evt_k", webhook.TypeSucceeded, pay.GatewayIntentID)))
	require.Len(t, pub.msgs, 1)
	assert.Equal(t, pay.GatewayIntentID, string(pub.msgs[0].Key))

	c := &webhook.Consumer{Processor: fastProcessor(t, f.reconciler, &deadLetters{}), Log: zaptest.NewLogger(t)}
	require.NoError(t, c.HandleMessage(ctx, pub.msgs[0]))
	require.NoError(t, c.HandleMessage(ctx, pub.msgs[0]), "redelivery is harmless")

	o, err := f.store.GetOrder(ctx, res.OrderIDs[0])
	require.NoError(t, err)
	assert.Equal(t, orders.StatusProcessing, o.Status)
	assert.Len(t, o.Tracking, 2)
}

func TestConsumer_BadPayloadIsDeadLettered(t *testing.T) {
	env, err := kafkax.NewEnvelope(orders.EventPaymentWebhook, "api", "pi_1", "not an event")
	require.NoError(t, err)
	dl := &deadLetters{}
	c := &webhook.Consumer{Processor: fastProcessor(t, &flakyHandler{}, dl)}

	require.NoError(t, c.HandleMessage(context.Background(), kafkago.Message{Value: kafkax.MustMarshal(env)}))
	assert.Equal(t, []string{webhook.ReasonInvalid}, dl.reasons)

	// Other event types on the topic are skipped.
	other, err := kafkax.NewEnvelope("Something", "api", "", map[string]string{})
	require.NoError(t, err)
	require.NoError(t, c.HandleMessage(context.Background(), kafkago.Message{Value: kafkax.MustMarshal(other)}))
	assert.Len(t, dl.reasons, 1)
}

func TestKafkaDeadLetters_Envelope(t *testing.T) {
	pub := &publisher{}
	d := &webhook.KafkaDeadLetters{Producer: pub, ServiceName: "worker"}
	require.NoError(t, d.DeadLetter(context.Background(), event("evt_1", webhook.TypeFailed, "pi_9"), webhook.ReasonManualReview, errors.New("conflict")))

	require.Len(t, pub.msgs, 1)
	env, err := kafkax.UnmarshalEnvelope(pub.msgs[0].Value)
	require.NoError(t, err)
	assert.Equal(t, orders.EventWebhookDeadLetter, env.EventType)
	assert.Equal(t, "pi_9", env.CorrelationID)

	var body webhook.DeadLetter
	require.NoError(t, json.Unmarshal(env.Payload, &body))
	assert.Equal(t, "evt_1", body.Event.ID)
	assert.Equal(t, webhook.ReasonManualReview, body.Reason)
	assert.Equal(t, "conflict", body.Error)
}

type failingWriter struct{ err error }

func (w failingWriter) WriteMessages(context.Context, ...kafkago.Message) error { return w.err }
func (w failingWriter) Close() error { return nil }

func TestKafkaIntake_BrokerFailureIsReturned(t *testing.T) {
	ctx := context.Background()
	down := errors.New("leader not available")

	q := &webhook.Queue{Producer: kafkax.NewSyncProducerWithWriter(failingWriter{down}, orders.TopicPaymentWebhook), ServiceName: "api"}
	assert.ErrorIs(t, q.Submit(ctx, event("evt_1", webhook.TypeSucceeded, "pi_1")), down)

	d := &webhook.KafkaDeadLetters{Producer: kafkax.NewSyncProducerWithWriter(failingWriter{down}, orders.TopicPaymentWebhookDLQ), ServiceName: "worker"}
	assert.ErrorIs(t, d.DeadLetter(ctx, event("evt_1", webhook.TypeFailed, "pi_1"), webhook.ReasonInvalid, nil), down)

	h := &flakyHandler{failures: 10, err: webhook.ErrNeedsManualReview}
	p := fastProcessor(t, h, d)
	assert.ErrorIs(t, p.Process(ctx, event("evt_2", webhook.TypeSucceeded, "pi_1")), down, "offset stays uncommitted")
}
