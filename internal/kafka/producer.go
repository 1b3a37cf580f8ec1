package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ariefcatur/go-marketplace-checkout/internal/logging"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

var ErrProducerClosed = errors.New("kafka producer closed")

// Writer is the subset of *kafka.Writer the producer uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer buffers messages in an inbox drained by a single goroutine, so
// request handlers never block on the broker.
type Producer struct {
	w       Writer
	topic   string
	log     *zap.Logger
	inbox   chan kafka.Message
	closeCh chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewProducer(brokers []string, topic string, buf int, log *zap.Logger) *Producer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	return NewProducerWithWriter(w, topic, buf, log)
}

func NewProducerWithWriter(w Writer, topic string, buf int, log *zap.Logger) *Producer {
	if buf <= 0 {
		buf = 256
	}
	return &Producer{
		w:       w,
		topic:   topic,
		log:     logging.OrNop(log).With(zap.String("topic", topic)),
		inbox:   make(chan kafka.Message, buf),
		closeCh: make(chan struct{}),
	}
}

func (p *Producer) Topic() string { return p.topic }

// Start runs the write loop until Close; buffered messages are flushed first.
func (p *Producer) Start() {
	go func() {
		defer close(p.closeCh)
		for m := range p.inbox {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := p.w.WriteMessages(ctx, m); err != nil {
				p.log.Error("kafka_write_failed", zap.ByteString("key", m.Key), zap.Error(err))
			}
			cancel()
		}
		if err := p.w.Close(); err != nil {
			p.log.Warn("kafka_writer_close", zap.Error(err))
		}
	}()
}

// Publish queues one message. It blocks only while the inbox is full.
func (p *Producer) Publish(ctx context.Context, key, value []byte, headers ...kafka.Header) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrProducerClosed
	}
	select {
	case p.inbox <- kafka.Message{Key: key, Value: value, Time: time.Now(), Headers: headers}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting messages and lets the loop flush what is queued.
func (p *Producer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.inbox)
}

// WaitClosed blocks until the loop has flushed and closed the writer.
func (p *Producer) WaitClosed() { <-p.closeCh }

// SyncProducer writes each message straight to the broker and returns once
// every in-sync replica acknowledged it. Use it where the caller answers its
// own client based on the write, such as webhook intake.
type SyncProducer struct {
	w     Writer
	topic string
}

func NewSyncProducer(brokers []string, topic string) *SyncProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	return NewSyncProducerWithWriter(w, topic)
}

func NewSyncProducerWithWriter(w Writer, topic string) *SyncProducer {
	return &SyncProducer{w: w, topic: topic}
}

func (p *SyncProducer) Topic() string { return p.topic }

func (p *SyncProducer) Publish(ctx context.Context, key, value []byte, headers ...kafka.Header) error {
	m := kafka.Message{Key: key, Value: value, Time: time.Now(), Headers: headers}
	if err := p.w.WriteMessages(ctx, m); err != nil {
		return fmt.Errorf("kafka write %s: %w", p.topic, err)
	}
	return nil
}

func (p *SyncProducer) Close() error { return p.w.Close() }
