// Package sweep runs the periodic cache expiry sweep.
package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kalambet/qroute/internal/cache"
	"github.com/kalambet/qroute/internal/storage"
)

// Sweeper removes expired cache entries.
type Sweeper interface {
	EvictExpired(ctx context.Context) (cache.SweepStats, error)
}

// Recorder stores sweep outcomes.
type Recorder interface {
	RecordSweep(ctx context.Context, r storage.SweepRun) error
}

// Worker runs the sweep on a fixed interval.
type Worker struct {
	sweeper  Sweeper
	recorder Recorder
	interval time.Duration
	logger   *zap.Logger
}

// NewWorker creates a Worker. If interval is <= 0 it defaults to 10 minutes.
// recorder may be nil.
func NewWorker(sweeper Sweeper, recorder Recorder, interval time.Duration, logger *zap.Logger) *Worker {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		sweeper:  sweeper,
		recorder: recorder,
		interval: interval,
		logger:   logger,
	}
}

// Run sweeps every interval until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("sweep: iteration failed", zap.Error(err))
			}
		}
	}
}

// RunOnce performs a single sweep and records it.
func (w *Worker) RunOnce(ctx context.Context) (cache.SweepStats, error) {
	start := time.Now()
	stats, sweepErr := w.sweeper.EvictExpired(ctx)

	run := storage.SweepRun{
		ID:         uuid.New().String(),
		StartedAt:  start,
		Duration:   time.Since(start),
		Scanned:    stats.Scanned,
		Removed:    stats.Removed + stats.MemoryExpired,
		BytesFreed: stats.BytesFreed,
	}
	if sweepErr != nil {
		run.Error = sweepErr.Error()
	}
	if w.recorder != nil {
		if err := w.recorder.RecordSweep(context.WithoutCancel(ctx), run); err != nil {
			w.logger.Warn("sweep: recording run", zap.Error(err))
		}
	}
	if sweepErr != nil {
		return stats, fmt.Errorf("evicting expired entries: %w", sweepErr)
	}

	if stats.Removed > 0 || stats.MemoryExpired > 0 {
		w.logger.Info("sweep: removed entries",
			zap.Int("disk", stats.Removed),
			zap.Int("memory", stats.MemoryExpired),
			zap.Int("corrupt", stats.Corrupt),
			zap.Int64("bytes_freed", stats.BytesFreed))
	}
	return stats, nil
}
