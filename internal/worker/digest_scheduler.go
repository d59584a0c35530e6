package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/worknow/newsletter/internal/pkg/logger"
	"github.com/worknow/newsletter/internal/service/digest"
)

// DefaultDigestInterval is how often the check-and-send cycle runs.
const DefaultDigestInterval = 15 * time.Minute

// CycleRunner runs one check-and-send cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context) (digest.Report, error)
}

// DigestScheduler triggers the check-and-send cycle on a fixed interval. Any
// number of replicas may run it; the cycle's own lock lets one win per tick.
type DigestScheduler struct {
	runner       CycleRunner
	pollInterval time.Duration
	cycleTimeout time.Duration

	cyclesRun     int64
	cyclesSkipped int64
	notified      int64
	errors        int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.RWMutex
}

// SchedulerStats is a snapshot of DigestScheduler counters.
type SchedulerStats struct {
	CyclesRun     int64 `json:"cyclesRun"`
	CyclesSkipped int64 `json:"cyclesSkipped"`
	Notified      int64 `json:"notified"`
	Errors        int64 `json:"errors"`
}

// NewDigestScheduler creates a scheduler. A non-positive interval uses
// DefaultDigestInterval.
func NewDigestScheduler(runner CycleRunner, interval time.Duration) *DigestScheduler {
	if interval <= 0 {
		interval = DefaultDigestInterval
	}
	return &DigestScheduler{
		runner:       runner,
		pollInterval: interval,
		cycleTimeout: interval,
	}
}

// Start begins the scheduler loop
func (ds *DigestScheduler) Start() error {
	ds.mu.Lock()
	if ds.running {
		ds.mu.Unlock()
		return fmt.Errorf("digest scheduler already running")
	}
	ds.running = true
	ds.ctx, ds.cancel = context.WithCancel(context.Background())
	ds.mu.Unlock()

	logger.Info("digest scheduler starting", "component", "digest_scheduler", "interval", ds.pollInterval.String())

	ds.wg.Add(1)
	go ds.loop()
	return nil
}

// Stop cancels the loop and waits for an in-flight cycle to finish.
func (ds *DigestScheduler) Stop() {
	ds.mu.Lock()
	if !ds.running {
		ds.mu.Unlock()
		return
	}
	ds.running = false
	ds.mu.Unlock()

	ds.cancel()
	ds.wg.Wait()
	st := ds.Stats()
	logger.Info("digest scheduler stopped", "component", "digest_scheduler",
		"cycles", st.CyclesRun, "skipped", st.CyclesSkipped, "notified", st.Notified, "errors", st.Errors)
}

// Stats returns the current counters.
func (ds *DigestScheduler) Stats() SchedulerStats {
	return SchedulerStats{
		CyclesRun:     atomic.LoadInt64(&ds.cyclesRun),
		CyclesSkipped: atomic.LoadInt64(&ds.cyclesSkipped),
		Notified:      atomic.LoadInt64(&ds.notified),
		Errors:        atomic.LoadInt64(&ds.errors),
	}
}

func (ds *DigestScheduler) loop() {
	defer ds.wg.Done()

	ticker := time.NewTicker(ds.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ds.ctx.Done():
			return
		case <-ticker.C:
			ds.RunOnce(ds.ctx)
		}
	}
}

// RunOnce runs a single cycle. Losing the lock to another replica is not an
// error.
func (ds *DigestScheduler) RunOnce(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, ds.cycleTimeout)
	defer cancel()

	rep, err := ds.runner.RunCycle(cctx)
	switch {
	case errors.Is(err, digest.ErrCycleRunning):
		atomic.AddInt64(&ds.cyclesSkipped, 1)
		logger.Debug("digest cycle skipped, another instance holds the lock", "component", "digest_scheduler")
	case err != nil:
		atomic.AddInt64(&ds.errors, 1)
		logger.Error("digest cycle failed", "component", "digest_scheduler", "error", err)
	default:
		atomic.AddInt64(&ds.cyclesRun, 1)
		atomic.AddInt64(&ds.notified, int64(rep.Notified))
	}
}
