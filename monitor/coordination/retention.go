package coordination

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper deletes expired closed alarms.
type Sweeper interface {
	SweepRetention(ctx context.Context, retention time.Duration) (int64, error)
}

// RetentionSweeper runs the alarm retention sweep on a fixed interval.
type RetentionSweeper struct {
	sweeper   Sweeper
	retention time.Duration
	interval  time.Duration
	logger    *zap.Logger
}

func NewRetentionSweeper(s Sweeper, retention, interval time.Duration, logger *zap.Logger) *RetentionSweeper {
	return &RetentionSweeper{
		sweeper:   s,
		retention: retention,
		interval:  interval,
		logger:    logger,
	}
}

func (r *RetentionSweeper) Start(ctx context.Context) {
	go r.loop(ctx)
}

func (r *RetentionSweeper) loop(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep and returns the number of alarms removed.
func (r *RetentionSweeper) RunOnce(ctx context.Context) int64 {
	n, err := r.sweeper.SweepRetention(ctx, r.retention)
	if err != nil {
		r.logger.Error("retention sweep failed", zap.Error(err))
		return 0
	}
	return n
}
