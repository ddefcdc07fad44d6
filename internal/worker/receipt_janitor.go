package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/chatdesk-io/chatdesk/internal/repository"
)

// ReceiptJanitor deletes inbound receipts that are older than any event the
// history filter would still accept, keeping the dedup table bounded.
type ReceiptJanitor struct {
	receipts  repository.ReceiptRepository
	retention time.Duration
	interval  time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// NewReceiptJanitor constructs the janitor.
func NewReceiptJanitor(receipts repository.ReceiptRepository, retention, interval time.Duration, logger *zap.Logger) *ReceiptJanitor {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReceiptJanitor{
		receipts:  receipts,
		retention: retention,
		interval:  interval,
		logger:    logger,
		now:       time.Now,
	}
}

// Sweep runs one purge and returns the number of deleted receipts.
func (j *ReceiptJanitor) Sweep(ctx context.Context) (int64, error) {
	cutoff := j.now().Add(-j.retention)
	n, err := j.receipts.PurgeBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		j.logger.Info("purged inbound receipts", zap.Int64("count", n), zap.Time("before", cutoff))
	}
	return n, nil
}

// Start sweeps immediately and then on every interval until ctx is done.
func (j *ReceiptJanitor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()
		for {
			if _, err := j.Sweep(ctx); err != nil && ctx.Err() == nil {
				j.logger.Warn("receipt purge failed", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}
