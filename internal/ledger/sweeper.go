package ledger

import (
	"context"
	"time"

	"github.com/ariefcatur/go-marketplace-checkout/internal/logging"
	"go.uber.org/zap"
)

// Sweeper periodically releases expired holds so their stock becomes
// reservable even when nobody calls Reserve on the same key.
type Sweeper struct {
	Ledger   *Ledger
	Interval time.Duration
	Log      *zap.Logger
}

func (s *Sweeper) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	log := logging.OrNop(s.Log).With(zap.String("component", "sweeper"))
	log.Info("sweeper_started", zap.Duration("interval", interval))

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("sweeper_stopped")
			return nil
		case <-t.C:
			n, err := s.Ledger.SweepExpired(ctx)
			if err != nil {
				log.Error("sweep_failed", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Info("holds_swept", zap.Int("count", n))
			}
		}
	}
}
