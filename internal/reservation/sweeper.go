package reservation

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// maxBatchesPerTick bounds how much backlog one tick may drain.
const maxBatchesPerTick = 10

type Sweeper struct {
	manager   *Manager
	interval  time.Duration
	batchSize int
	logger    *zap.Logger
}

func NewSweeper(manager *Manager, interval time.Duration, batchSize int, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{manager: manager, interval: interval, batchSize: batchSize, logger: logger}
}

// Run sweeps once immediately and then on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("reservation sweeper started", zap.Duration("interval", s.interval), zap.Int("batch_size", s.batchSize))
	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			s.logger.Info("reservation sweeper stopped")
			return
		case <-ticker.C:
		}
	}
}

// Tick drains full batches until one comes back short. Reservations that
// failed to close are not retried until the next tick.
func (s *Sweeper) Tick(ctx context.Context) int {
	total := 0
	failed := make(map[string]struct{})
	for i := 0; i < maxBatchesPerTick; i++ {
		result, err := s.manager.sweepExpired(ctx, s.batchSize, failed)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Error("reservation sweep failed", zap.Error(err))
			}
			return total
		}
		total += len(result.Expired)
		for _, id := range result.failedIDs {
			failed[id] = struct{}{}
		}
		if len(result.Expired)+result.Failed < s.batchSize {
			break
		}
	}
	if total > 0 {
		s.logger.Info("expired reservations released", zap.Int("count", total))
	}
	return total
}
