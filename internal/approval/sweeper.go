package approval

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically expires overdue pending records.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper returns a sweeper that runs every interval.
func NewSweeper(engine *Engine, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{engine: engine, interval: interval, logger: logger}
}

// Run sweeps once immediately and then on every tick until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("approval sweeper started", "interval", s.interval)
	s.sweep(ctx)
	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-ctx.Done():
			s.logger.Info("approval sweeper stopped")
			return
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	expired, err := s.engine.SweepExpired(ctx, s.engine.now())
	if err != nil {
		s.logger.Error("approval sweep failed", "error", err)
		return
	}
	if len(expired) > 0 {
		s.logger.Info("expired pending approvals", "count", len(expired))
	}
}
