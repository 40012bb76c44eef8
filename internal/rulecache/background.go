package rulecache

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"vigil/internal/bus"
	"vigil/internal/metrics"
	"vigil/internal/queue"
)

// Start launches the retry drain loop and the invalidation listener. They
// run until Stop is called or ctx is cancelled.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		return errors.New("rulecache: already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	msgs, err := c.bus.Subscribe(runCtx, c.cfg.Channel)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe to %s: %w", c.cfg.Channel, err)
	}
	c.cancel = cancel

	c.wg.Add(2)
	go c.retryLoop(runCtx)
	go c.listen(msgs)

	c.log.Info().
		Str("instance_id", c.cfg.InstanceID).
		Str("channel", c.cfg.Channel).
		Dur("poll_interval", c.cfg.PollInterval).
		Msg("rule cache coordinator started")
	return nil
}

// Stop ends the background loops and waits for them. Tenants still queued
// for retry are dropped.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	c.wg.Wait()
	c.log.Info().Int("pending_retries", c.retry.Len()).Msg("rule cache coordinator stopped")
}

func (c *Coordinator) retryLoop(ctx context.Context) {
	defer c.wg.Done()

	// tenants still locked elsewhere wait one poll interval before the next attempt
	parked := make(map[string]time.Time)

	for ctx.Err() == nil {
		batch := c.retry.NextBatch(ctx, c.cfg.PollInterval, c.cfg.DrainMax)
		batch = queue.Dedupe(append(batch, dueTenants(parked, time.Now())...))
		metrics.RetryQueueSize.Set(float64(c.retry.Len() + len(parked)))
		if len(batch) == 0 {
			continue
		}
		metrics.RetryBatchSize.Observe(float64(len(batch)))

		due := time.Now().Add(c.cfg.PollInterval)
		for _, tenantID := range c.processRetries(ctx, batch) {
			parked[tenantID] = due
		}
	}
}

// dueTenants removes and returns the parked tenants whose wait has elapsed.
func dueTenants(parked map[string]time.Time, now time.Time) []string {
	var due []string
	for tenantID, at := range parked {
		if !now.Before(at) {
			due = append(due, tenantID)
			delete(parked, tenantID)
		}
	}
	return due
}

// processRetries refreshes each queued tenant once and returns the tenants
// whose lock is still held elsewhere.
func (c *Coordinator) processRetries(ctx context.Context, tenants []string) []string {
	c.log.Debug().Strs("tenants", tenants).Msg("processing deferred updates")

	var (
		g     errgroup.Group
		mu    sync.Mutex
		again []string
	)
	for _, tenantID := range tenants {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					c.log.Error().
						Interface("panic", r).
						Bytes("stack", debug.Stack()).
						Str("tenant_id", tenantID).
						Msg("retry panic recovered")
					metrics.PanicsRecovered.WithLabelValues("rule_cache_retry").Inc()
				}
			}()

			_, deflected, err := c.refresh(ctx, tenantID, false)
			if err != nil {
				c.log.Error().Err(err).Str("tenant_id", tenantID).Msg("deferred cache update failed")
			}
			if deflected {
				mu.Lock()
				again = append(again, tenantID)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return again
}

// listen applies invalidation hints from other instances to the local copy.
// It only ever evicts; the next read goes to the store.
func (c *Coordinator) listen(msgs <-chan bus.Message) {
	defer c.wg.Done()

	for msg := range msgs {
		metrics.InvalidationsTotal.WithLabelValues("received").Inc()
		if msg.Origin == c.cfg.InstanceID {
			continue
		}
		c.applyInvalidation(msg)
	}
}

func (c *Coordinator) applyInvalidation(msg bus.Message) {
	switch msg.Action {
	case bus.ActionClear:
		c.evictLocal(msg.TenantID)
	case bus.ActionUpdate:
		local, ok := c.local.Peek(msg.TenantID)
		if ok && local.Version != msg.Version {
			c.evictLocal(msg.TenantID)
		}
	default:
		c.log.Debug().Str("action", msg.Action).Str("tenant_id", msg.TenantID).Msg("ignoring unknown invalidation action")
	}
}

// CacheStats is the operator view of the rule cache.
type CacheStats struct {
	UpdateCount         int64   `json:"update_count"`
	FailureCount        int64   `json:"failure_count"`
	AvgUpdateTimeMillis float64 `json:"avg_update_time_millis"`
	QueueSize           int     `json:"queue_size"`
	RetryQueueSize      int     `json:"retry_queue_size"`
	PoolSize            int     `json:"pool_size"`
	ActiveThreads       int     `json:"active_threads"`
	CompletedTasks      uint64  `json:"completed_tasks"`
	LocalEntries        int     `json:"local_entries"`
}

func (c *Coordinator) Statistics() CacheStats {
	snap := c.stats.Snapshot()
	pool := c.pool.Stats()
	return CacheStats{
		UpdateCount:         snap.UpdateCount,
		FailureCount:        snap.FailureCount,
		AvgUpdateTimeMillis: snap.AvgUpdateTimeMillis,
		QueueSize:           pool.QueueSize,
		RetryQueueSize:      c.retry.Len(),
		PoolSize:            pool.Workers,
		ActiveThreads:       pool.Active,
		CompletedTasks:      pool.Completed,
		LocalEntries:        c.local.Len(),
	}
}

// HealthCheck round-trips a sentinel key through the store and checks that
// the update pool still accepts work.
func (c *Coordinator) HealthCheck(ctx context.Context) error {
	key := c.cfg.KeyPrefix + "health:" + c.cfg.InstanceID
	want := strconv.FormatInt(time.Now().UnixNano(), 10)

	if err := c.store.Set(ctx, key, []byte(want), 10*time.Second); err != nil {
		return fmt.Errorf("store write: %w", err)
	}
	got, err := c.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("store read: %w", err)
	}
	if string(got) != want {
		return fmt.Errorf("store read back %q, wrote %q", got, want)
	}

	if c.pool.IsShutdown() || c.pool.IsTerminated() {
		return ErrPoolStopped
	}
	return nil
}
