package syncer

import (
	"context"

	"github.com/park285/card-scorekeeper/internal/connectivity"
	"github.com/park285/card-scorekeeper/internal/game"
	"go.uber.org/zap"
)

// ReconcileResult summarizes one pass.
type ReconcileResult struct {
	Pushed    int  `json:"pushed"`
	Failed    int  `json:"failed"`
	Cleared   bool `json:"cleared"`
	Coalesced bool `json:"coalesced"`
}

// Reconcile pushes every queued record, oldest first. A record that still fails
// after the retry budget stays queued; the rest of the pass continues. When every
// queued record made it, the local cache is cleared and keeps only the records
// of the pass until the remote view refills it. Each push holds the same lock
// as Save, so a record is never pushed twice at once.
// A call made while a pass is running schedules one more pass and returns.
func (c *Coordinator) Reconcile(ctx context.Context) ReconcileResult {
	c.recMu.Lock()
	if c.reconciling {
		c.again = true
		c.recMu.Unlock()
		return ReconcileResult{Coalesced: true}
	}
	c.reconciling = true
	c.recMu.Unlock()

	var res ReconcileResult
	for {
		res = c.reconcileOnce(ctx)
		c.recMu.Lock()
		if !c.again || ctx.Err() != nil {
			c.reconciling, c.again = false, false
			c.recMu.Unlock()
			return res
		}
		c.again = false
		c.recMu.Unlock()
	}
}

func (c *Coordinator) reconcileOnce(ctx context.Context) ReconcileResult {
	var res ReconcileResult
	queued := c.local.Pending(ctx)
	if len(queued) == 0 {
		return res
	}
	c.logger.Info("sync_reconcile_start", zap.Int("pending", len(queued)))

	done := make([]string, 0, len(queued))
	for _, q := range queued {
		if ctx.Err() != nil {
			break
		}
		pushed, err := c.pushQueued(ctx, q.ID)
		if err != nil {
			res.Failed++
			c.logger.Warn("sync_reconcile_record_failed", zap.String("id", q.ID), zap.Error(err))
			continue
		}
		if pushed {
			res.Pushed++
		}
		done = append(done, q.ID)
	}

	if res.Failed == 0 && ctx.Err() == nil {
		res.Cleared = c.clearDrained(ctx, done)
	}
	c.logger.Info("sync_reconcile_done",
		zap.Int("pushed", res.Pushed),
		zap.Int("failed", res.Failed),
		zap.Bool("cleared", res.Cleared),
	)
	return res
}

// pushQueued pushes the latest local version of id and settles it. It reports
// false when a Save already delivered the record.
func (c *Coordinator) pushQueued(ctx context.Context, id string) (bool, error) {
	c.pushMu.Lock()
	defer c.pushMu.Unlock()

	if !c.local.IsPending(ctx, id) {
		return false, nil
	}
	r := c.local.Get(ctx, id)
	if r == nil {
		c.local.Settle(ctx, id)
		return false, nil
	}
	stamped, err := c.push(ctx, r)
	if err != nil {
		return false, err
	}
	c.local.Put(ctx, stamped)
	c.local.Settle(ctx, id)
	return true, nil
}

// clearDrained empties the local cache when nothing is queued, then writes back
// the current copies of ids. Returns false when something was queued meanwhile.
func (c *Coordinator) clearDrained(ctx context.Context, ids []string) bool {
	c.pushMu.Lock()
	defer c.pushMu.Unlock()

	if len(c.local.Pending(ctx)) > 0 {
		return false
	}
	keep := make([]*game.Record, 0, len(ids))
	for _, id := range ids {
		if r := c.local.Get(ctx, id); r != nil {
			keep = append(keep, r)
		}
	}
	c.local.Clear(ctx)
	for _, r := range keep {
		c.local.Put(ctx, r)
	}
	return true
}

func (c *Coordinator) push(ctx context.Context, r *game.Record) (*game.Record, error) {
	var lastErr error
	for attempt := 1; attempt <= c.retryMax; attempt++ {
		stamped, err := c.remote.Update(ctx, r)
		if err == nil {
			return stamped, nil
		}
		lastErr = err
		if attempt == c.retryMax {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.clock.After(connectivity.Backoff(attempt)):
		}
	}
	return nil, lastErr
}
