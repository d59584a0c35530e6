package worker

import (
	"context"
	"time"

	"github.com/worknow/newsletter/internal/pkg/logger"
)

// =============================================================================
// DATA CLEANUP WORKER: removes expired verification requests
// =============================================================================
// Verification requests are never deleted on the hot path: an expired request
// must keep answering CodeExpired (not CodeNotFound) and keeps its resend
// cooldown. Once a request is past expiry plus the retention window nothing
// reads it any more, and this worker drops it.

const (
	// DefaultCleanupInterval is how often the cleanup cycle runs.
	DefaultCleanupInterval = 15 * time.Minute

	// DefaultRetention is how long an expired request is kept.
	DefaultRetention = time.Hour
)

// Purger deletes verification requests expired for longer than retention.
type Purger interface {
	PurgeExpired(ctx context.Context, retention time.Duration) (int64, error)
}

// SessionSweeper drops expired in-process admin sessions.
type SessionSweeper interface {
	CleanupExpired() int
}

// DataCleanupWorker periodically purges expired verification requests.
type DataCleanupWorker struct {
	purger    Purger
	sessions  SessionSweeper
	interval  time.Duration
	retention time.Duration
}

// NewDataCleanupWorker creates a cleanup worker. Non-positive durations fall
// back to the defaults.
func NewDataCleanupWorker(purger Purger, interval, retention time.Duration) *DataCleanupWorker {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &DataCleanupWorker{purger: purger, interval: interval, retention: retention}
}

// SetSessionSweeper adds in-memory session cleanup to every cycle.
func (dc *DataCleanupWorker) SetSessionSweeper(s SessionSweeper) { dc.sessions = s }

// Start begins the cleanup loop. It blocks until ctx is cancelled.
func (dc *DataCleanupWorker) Start(ctx context.Context) {
	logger.Info("data cleanup starting", "component", "cleanup", "interval", dc.interval.String(), "retention", dc.retention.String())

	// Run once immediately on start
	dc.Cleanup(ctx)

	ticker := time.NewTicker(dc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("data cleanup stopping", "component", "cleanup")
			return
		case <-ticker.C:
			dc.Cleanup(ctx)
		}
	}
}

// Cleanup runs one cycle and returns the number of purged requests.
func (dc *DataCleanupWorker) Cleanup(ctx context.Context) int64 {
	start := time.Now()

	n, err := dc.purger.PurgeExpired(ctx, dc.retention)
	if err != nil {
		logger.Error("verification cleanup failed", "component", "cleanup", "error", err)
	} else if n > 0 {
		logger.Info("removed expired verification requests", "component", "cleanup", "count", n)
	}

	if dc.sessions != nil {
		if s := dc.sessions.CleanupExpired(); s > 0 {
			logger.Debug("removed expired admin sessions", "component", "cleanup", "count", s)
		}
	}

	logger.Debug("cleanup cycle completed", "component", "cleanup", "duration", time.Since(start).Round(time.Millisecond).String())
	return n
}
