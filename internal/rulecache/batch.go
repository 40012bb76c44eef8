package rulecache

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"vigil/internal/metrics"
	"vigil/internal/queue"
)

// BatchResult reports how a BatchUpdate or WarmUp went. Tenants that had not
// finished when the timeout fired are listed under Errors with the context
// error; their work may still complete in the background.
type BatchResult struct {
	Total     int              `json:"total"`
	Succeeded int              `json:"succeeded"`
	Deflected int              `json:"deflected"`
	Failed    int              `json:"failed"`
	TimedOut  bool             `json:"timed_out"`
	Elapsed   time.Duration    `json:"elapsed"`
	Errors    map[string]error `json:"-"`

	// DeflectedTenants were locked by another holder, sorted.
	DeflectedTenants []string `json:"deflected_tenants,omitempty"`
}

// tenantFunc does one tenant's work. deflected means the lock was held
// elsewhere.
type tenantFunc func(ctx context.Context, tenantID string) (deflected bool, err error)

type collector struct {
	mu      sync.Mutex
	pending map[string]struct{}
	res     BatchResult
}

func newCollector(tenants []string) *collector {
	c := &collector{
		pending: make(map[string]struct{}, len(tenants)),
		res:     BatchResult{Total: len(tenants), Errors: make(map[string]error)},
	}
	for _, t := range tenants {
		c.pending[t] = struct{}{}
	}
	return c
}

func (c *collector) record(tenantID string, deflected bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.pending[tenantID]; !ok {
		return
	}
	delete(c.pending, tenantID)

	switch {
	case err != nil:
		c.res.Failed++
		c.res.Errors[tenantID] = err
	case deflected:
		c.res.Deflected++
		c.res.DeflectedTenants = append(c.res.DeflectedTenants, tenantID)
	default:
		c.res.Succeeded++
	}
}

// finish closes the result. Anything still pending is failed with cause.
func (c *collector) finish(cause error, elapsed time.Duration) BatchResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	for t := range c.pending {
		c.res.Failed++
		c.res.Errors[t] = cause
		delete(c.pending, t)
	}
	c.res.TimedOut = cause != nil
	c.res.Elapsed = elapsed

	out := c.res
	out.DeflectedTenants = slices.Sorted(slices.Values(c.res.DeflectedTenants))
	out.Errors = make(map[string]error, len(c.res.Errors))
	for k, v := range c.res.Errors {
		out.Errors[k] = v
	}
	return out
}

// BatchUpdate refreshes many tenants in chunks. Chunks run as pool tasks;
// tenants inside a chunk run in parallel. One tenant failing does not stop
// the others. The whole batch is bounded by the update timeout.
func (c *Coordinator) BatchUpdate(ctx context.Context, tenantIDs []string) BatchResult {
	res := c.fanOut(ctx, "batch_update", tenantIDs, c.cfg.UpdateTimeout, func(ctx context.Context, tenantID string) (bool, error) {
		_, deflected, err := c.refresh(ctx, tenantID, true)
		return deflected, err
	})

	c.log.Info().
		Int("total", res.Total).
		Int("succeeded", res.Succeeded).
		Int("deflected", res.Deflected).
		Int("failed", res.Failed).
		Bool("timed_out", res.TimedOut).
		Dur("elapsed", res.Elapsed).
		Msg("batch update finished")
	return res
}

// WarmUp loads tenants into the cache at their current version without
// bumping it or publishing invalidations. A tenant whose lock is held is
// skipped since the holder is already loading it.
func (c *Coordinator) WarmUp(ctx context.Context, tenantIDs []string) BatchResult {
	res := c.fanOut(ctx, "warm_up", tenantIDs, c.cfg.WarmUpTimeout, c.warm)

	c.log.Info().
		Int("total", res.Total).
		Int("loaded", res.Succeeded).
		Int("skipped", res.Deflected).
		Int("failed", res.Failed).
		Bool("timed_out", res.TimedOut).
		Dur("elapsed", res.Elapsed).
		Msg("cache warm-up finished")
	return res
}

func (c *Coordinator) warm(ctx context.Context, tenantID string) (bool, error) {
	lock, held, err := c.locker.TryLock(ctx, c.lockKey(tenantID), c.cfg.LockTTL)
	if !held {
		if err != nil {
			return false, err
		}
		return true, nil
	}
	defer c.release(ctx, lock)

	start := time.Now()
	set, err := c.load(ctx, tenantID, false)
	if err != nil {
		c.stats.RecordFailure()
		return false, err
	}
	c.stats.RecordUpdate(time.Since(start).Milliseconds())
	c.local.Add(tenantID, set)
	return false, nil
}

func (c *Coordinator) fanOut(ctx context.Context, op string, tenantIDs []string, timeout time.Duration, fn tenantFunc) BatchResult {
	start := time.Now()
	tenants := queue.Dedupe(nonEmpty(tenantIDs))
	col := newCollector(tenants)
	if len(tenants) == 0 {
		return col.finish(nil, time.Since(start))
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, chunk := range chunks(tenants, c.cfg.ChunkSize) {
		wg.Add(1)
		task := func(context.Context) {
			defer wg.Done()
			c.runChunk(ctx, op, chunk, col, fn)
		}
		if err := c.pool.Submit(task); err != nil {
			c.log.Debug().Err(err).Str("op", op).Int("chunk_size", len(chunk)).Msg("pool rejected chunk, running on caller goroutine")
			go task(ctx)
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		// tasks that gave up on the deadline can finish before we notice it
		return col.finish(ctx.Err(), time.Since(start))
	case <-ctx.Done():
		c.log.Warn().Str("op", op).Dur("timeout", timeout).Msg("batch did not finish in time")
		return col.finish(ctx.Err(), time.Since(start))
	}
}

func (c *Coordinator) runChunk(ctx context.Context, op string, chunk []string, col *collector, fn tenantFunc) {
	var g errgroup.Group
	for _, tenantID := range chunk {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					c.log.Error().
						Interface("panic", r).
						Bytes("stack", debug.Stack()).
						Str("tenant_id", tenantID).
						Str("op", op).
						Msg("tenant task panic recovered")
					metrics.PanicsRecovered.WithLabelValues("rule_cache").Inc()
					col.record(tenantID, false, fmt.Errorf("panic: %v", r))
				}
			}()

			deflected, err := fn(ctx, tenantID)
			col.record(tenantID, deflected, err)
			return nil
		})
	}
	_ = g.Wait()
}

func chunks(items []string, size int) [][]string {
	if size <= 0 {
		size = len(items)
	}
	out := make([][]string, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, items[start:end])
	}
	return out
}

func nonEmpty(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}
