package ratelimit

import (
	"context"
	"time"

	"github.com/scholarmail/gatekeeper/pkg/logger"
)

// Janitor sweeps dead records on a timer. It shares the stores with the
// evaluator but never runs in the request path; a sweep only removes
// records whose windows are strictly in the past, so it cannot race a
// live increment.
type Janitor struct {
	svc           *Service
	interval      time.Duration
	retentionDays int
}

func NewJanitor(svc *Service, interval time.Duration, retentionDays int) *Janitor {
	if interval <= 0 {
		interval = time.Hour
	}
	if retentionDays < 1 {
		retentionDays = 7
	}
	return &Janitor{
		svc:           svc,
		interval:      interval,
		retentionDays: retentionDays,
	}
}

// Run blocks until ctx is cancelled, sweeping every interval. Call it from
// its own goroutine.
func (j *Janitor) Run(ctx context.Context) {
	logger.Info(logger.JANITOR, "Retention janitor running every %s, keeping %d days", j.interval, j.retentionDays)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info(logger.JANITOR, "Retention janitor stopping")
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep runs one retention pass. Idempotent: back-to-back sweeps find
// nothing new to do.
func (j *Janitor) Sweep(ctx context.Context) CleanupResult {
	result, err := j.svc.Cleanup(ctx, j.retentionDays)
	if err != nil {
		logger.Error(logger.JANITOR, "Retention sweep failed: %v", err)
		return result
	}

	if result.CountersDeleted > 0 || result.BlocksDeactivated > 0 {
		logger.Info(logger.JANITOR, "Swept %d stale counters, deactivated %d expired blocks",
			result.CountersDeleted, result.BlocksDeactivated)
	}
	return result
}
