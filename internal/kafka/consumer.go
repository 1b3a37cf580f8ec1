package kafka

import (
	"context"
	"sync"
	"time"

	"github.com/ariefcatur/go-marketplace-checkout/internal/logging"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Handler returns nil only when the message is done and its offset may be
// committed.
type Handler func(ctx context.Context, m kafka.Message) error

type Consumer struct {
	r       *kafka.Reader
	workers int
	log     *zap.Logger
}

func NewConsumer(brokers []string, group, topic string, workers int, log *zap.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commit
	})
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{r: r, workers: workers, log: logging.OrNop(log).With(zap.String("topic", topic))}
}

// Start fetches messages and fans them out to the workers. Messages are
// routed by partition so per-key ordering survives the fan-out.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()

	jobs := make([]chan kafka.Message, c.workers)
	var wg sync.WaitGroup
	for i := range jobs {
		jobs[i] = make(chan kafka.Message, 64)
		wg.Add(1)
		go func(in <-chan kafka.Message) {
			defer wg.Done()
			for m := range in {
				c.handle(ctx, h, m)
			}
		}(jobs[i])
	}
	stop := func() {
		for _, ch := range jobs {
			close(ch)
		}
		wg.Wait()
	}

	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			stop()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case jobs[m.Partition%c.workers] <- m:
		case <-ctx.Done():
			stop()
			return nil
		}
	}
}

func (c *Consumer) handle(ctx context.Context, h Handler, m kafka.Message) {
	for {
		err := h(ctx, m)
		if err == nil {
			if err := c.r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
				c.log.Warn("kafka_commit_failed", zap.Int64("offset", m.Offset), zap.Error(err))
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		c.log.Error("kafka_handler_failed", zap.Int("partition", m.Partition), zap.Int64("offset", m.Offset), zap.Error(err))
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return
		}
	}
}
