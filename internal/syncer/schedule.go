package syncer

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// StartRetry schedules a reconciliation pass every interval while records are
// still queued. A pass that overruns the interval delays the next one.
// A zero interval disables the job.
func (c *Coordinator) StartRetry(interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create retry scheduler: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(c.retryPending),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName("sync-retry"),
	)
	if err != nil {
		_ = sched.Shutdown()
		return fmt.Errorf("schedule retry job: %w", err)
	}
	sched.Start()

	c.mu.Lock()
	prev := c.sched
	c.sched = sched
	c.mu.Unlock()
	if prev != nil {
		_ = prev.Shutdown()
	}
	c.logger.Info("sync_retry_scheduled", zap.Duration("interval", interval))
	return nil
}

func (c *Coordinator) stopRetry() {
	c.mu.Lock()
	sched := c.sched
	c.sched = nil
	c.mu.Unlock()
	if sched != nil {
		if err := sched.Shutdown(); err != nil {
			c.logger.Debug("sync_retry_shutdown_failed", zap.Error(err))
		}
	}
}

// retryPending pushes leftovers from a partially failed pass. No-op when
// offline or when nothing is queued.
func (c *Coordinator) retryPending() {
	if !c.monitor.IsOnline() {
		return
	}
	ctx := c.runContext()
	if ctx.Err() != nil || len(c.local.Pending(ctx)) == 0 {
		return
	}
	res := c.Reconcile(ctx)
	c.logger.Debug("sync_retry_done",
		zap.Int("pushed", res.Pushed),
		zap.Int("failed", res.Failed),
	)
}
