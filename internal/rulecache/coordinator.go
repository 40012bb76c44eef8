// Package rulecache keeps each tenant's alert rules cached in the shared
// store and coherent across instances.
//
// Writers reload a tenant under a tenant-scoped lock, bump the tenant's
// version counter, write the new rule set and publish an invalidation hint.
// A writer that loses the lock race does not wait: the tenant is pushed onto
// a retry queue drained by a background loop. Readers never lock; they serve
// an in-process copy while its version matches the stored counter, fall back
// to the stored rule set, and reload from the source only on a miss.
package rulecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"vigil/internal/bus"
	"vigil/internal/logger"
	"vigil/internal/metrics"
	"vigil/internal/models"
	"vigil/internal/queue"
	"vigil/internal/state"
	"vigil/internal/stats"
	"vigil/internal/storage"
	"vigil/internal/worker"
)

var (
	// ErrSourceLoad means the rule repository could not be read. The cached
	// rule set, if any, is left as it was.
	ErrSourceLoad = errors.New("rule source load failed")

	// ErrRulesNotReady is returned by GetCachedRules when nothing is cached,
	// no local copy exists, and another holder is currently loading.
	ErrRulesNotReady = errors.New("rule set not cached yet")

	ErrEmptyTenant = errors.New("tenant id is required")
	ErrPoolStopped = errors.New("update pool is not running")
)

// Config controls keys, timings and batch sizes.
type Config struct {
	KeyPrefix     string
	TTL           time.Duration
	LockTTL       time.Duration
	Channel       string
	ChunkSize     int
	UpdateTimeout time.Duration
	WarmUpTimeout time.Duration
	PollInterval  time.Duration
	DrainMax      int
	LocalSize     int
	LocalTTL      time.Duration
	InstanceID    string
}

// DefaultConfig mirrors config.Default.
func DefaultConfig() Config {
	return Config{
		KeyPrefix:     "vigil:",
		TTL:           24 * time.Hour,
		LockTTL:       5 * time.Minute,
		Channel:       "vigil.rules.invalidate",
		ChunkSize:     10,
		UpdateTimeout: 5 * time.Minute,
		WarmUpTimeout: 2 * time.Minute,
		PollInterval:  5 * time.Second,
		DrainMax:      20,
		LocalSize:     10000,
		LocalTTL:      time.Minute,
	}
}

// Deps are the collaborators a Coordinator works with. Store, Bus, Rules,
// Pool and Stats are required.
type Deps struct {
	Store   state.Store
	Locker  state.Locker
	Bus     bus.Bus
	Rules   storage.RuleRepository
	Pool    *worker.Pool
	Retry   *queue.Queue[string]
	Stats   *stats.Counters
	SyncLog storage.SyncLog
}

// Coordinator owns the read and write paths of the rule cache.
type Coordinator struct {
	cfg     Config
	store   state.Store
	locker  state.Locker
	bus     bus.Bus
	rules   storage.RuleRepository
	pool    *worker.Pool
	retry   *queue.Queue[string]
	stats   *stats.Counters
	syncLog storage.SyncLog

	local  *expirable.LRU[string, *models.RuleSet]
	flight singleflight.Group
	log    zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New validates deps and fills optional ones with defaults.
func New(cfg Config, deps Deps) (*Coordinator, error) {
	if deps.Store == nil || deps.Bus == nil || deps.Rules == nil || deps.Pool == nil || deps.Stats == nil {
		return nil, errors.New("rulecache: store, bus, rules, pool and stats are required")
	}

	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.Channel == "" {
		cfg.Channel = def.Channel
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.UpdateTimeout <= 0 {
		cfg.UpdateTimeout = def.UpdateTimeout
	}
	if cfg.WarmUpTimeout <= 0 {
		cfg.WarmUpTimeout = def.WarmUpTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.DrainMax <= 0 {
		cfg.DrainMax = def.DrainMax
	}
	if cfg.LocalSize <= 0 {
		cfg.LocalSize = def.LocalSize
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	if deps.Locker == nil {
		deps.Locker = state.NewStoreLocker(deps.Store)
	}
	if deps.Retry == nil {
		deps.Retry = queue.New[string](1000)
	}
	if deps.SyncLog == nil {
		deps.SyncLog = storage.LogSyncLog{}
	}

	return &Coordinator{
		cfg:     cfg,
		store:   deps.Store,
		locker:  deps.Locker,
		bus:     deps.Bus,
		rules:   deps.Rules,
		pool:    deps.Pool,
		retry:   deps.Retry,
		stats:   deps.Stats,
		syncLog: deps.SyncLog,
		local:   expirable.NewLRU[string, *models.RuleSet](cfg.LocalSize, nil, cfg.LocalTTL),
		log:     logger.WithComponent("rule_cache"),
	}, nil
}

func (c *Coordinator) rulesKey(tenantID string) string {
	return c.cfg.KeyPrefix + "rules:" + tenantID
}

func (c *Coordinator) versionKey(tenantID string) string {
	return c.cfg.KeyPrefix + "rules:version:" + tenantID
}

func (c *Coordinator) stampKey(tenantID string) string {
	return c.cfg.KeyPrefix + "rules:stamp:" + tenantID
}

func (c *Coordinator) lockKey(tenantID string) string {
	return c.cfg.KeyPrefix + "lock:" + tenantID
}

// InstanceID identifies this process on the invalidation bus.
func (c *Coordinator) InstanceID() string { return c.cfg.InstanceID }

// UpdateCache reloads the tenant's rules into the cache. Losing the lock
// race is not an error: the tenant is queued for the retry loop and nil is
// returned. Load and write failures are counted and returned.
func (c *Coordinator) UpdateCache(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return ErrEmptyTenant
	}
	_, _, err := c.refresh(ctx, tenantID, true)
	return err
}

// UpdateCacheAsync runs UpdateCache on the worker pool and returns at once.
// Failures are visible only through statistics and logs.
func (c *Coordinator) UpdateCacheAsync(tenantID string) {
	if tenantID == "" {
		return
	}

	err := c.pool.Submit(func(ctx context.Context) {
		if err := c.UpdateCache(ctx, tenantID); err != nil {
			c.log.Error().Err(err).Str("tenant_id", tenantID).Msg("async cache update failed")
		}
	})
	if err != nil {
		c.log.Warn().Err(err).Str("tenant_id", tenantID).Msg("update pool rejected task, deferring to retry queue")
		c.deflect(tenantID)
	}
}

// refresh is the locked write path. deflected reports that another holder
// owned the lock. With requeue the tenant goes to the retry queue and the
// deflection is recorded; without it the caller owns the retry.
func (c *Coordinator) refresh(ctx context.Context, tenantID string, requeue bool) (set *models.RuleSet, deflected bool, err error) {
	lock, held, lockErr := c.locker.TryLock(ctx, c.lockKey(tenantID), c.cfg.LockTTL)
	if !held {
		if lockErr != nil {
			c.log.Warn().Err(lockErr).Str("tenant_id", tenantID).Msg("lock attempt failed, treating as contended")
		}
		metrics.CacheUpdatesTotal.WithLabelValues("deflected").Inc()
		if requeue {
			c.deflect(tenantID)
			c.recordSync(ctx, storage.SyncStatus{TenantID: tenantID, Status: storage.SyncDeflected})
		}
		return nil, true, nil
	}
	defer c.release(ctx, lock)

	start := time.Now()
	set, err = c.load(ctx, tenantID, true)
	elapsed := time.Since(start)
	metrics.CacheUpdateDuration.Observe(elapsed.Seconds())

	if err != nil {
		c.stats.RecordFailure()
		metrics.CacheUpdatesTotal.WithLabelValues("failed").Inc()
		c.log.Error().Err(err).Str("tenant_id", tenantID).Dur("duration", elapsed).Msg("cache update failed")
		c.recordSync(ctx, storage.SyncStatus{
			TenantID:       tenantID,
			Status:         storage.SyncFailed,
			DurationMillis: elapsed.Milliseconds(),
			Error:          err.Error(),
		})
		return nil, false, err
	}

	c.stats.RecordUpdate(elapsed.Milliseconds())
	metrics.CacheUpdatesTotal.WithLabelValues("success").Inc()
	c.local.Add(tenantID, set)

	c.log.Debug().
		Str("tenant_id", tenantID).
		Int64("version", set.Version).
		Int("rule_count", set.RuleCount).
		Dur("duration", elapsed).
		Msg("cache updated")

	c.recordSync(ctx, storage.SyncStatus{
		TenantID:       tenantID,
		Version:        set.Version,
		Status:         storage.SyncSuccess,
		RuleCount:      set.RuleCount,
		DurationMillis: elapsed.Milliseconds(),
	})
	c.publish(ctx, bus.UpdateMessage(tenantID, set.Version, c.cfg.InstanceID))
	return set, false, nil
}

// load reads the source and writes the rule set. With bump the version
// counter is incremented; otherwise the current counter value is reused.
func (c *Coordinator) load(ctx context.Context, tenantID string, bump bool) (*models.RuleSet, error) {
	rules, err := c.rules.LoadEnabledRules(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("%w: tenant %s: %w", ErrSourceLoad, tenantID, err)
	}
	rules = models.ActiveByPriority(rules)

	var version int64
	if bump {
		version, err = c.store.Increment(ctx, c.versionKey(tenantID))
	} else {
		version, err = c.currentVersion(ctx, tenantID)
	}
	if err != nil {
		return nil, err
	}

	set := models.NewRuleSet(tenantID, version, rules)
	set.Stamp = strconv.FormatInt(version, 10) + ":" + uuid.NewString()
	data, err := json.Marshal(set)
	if err != nil {
		return nil, fmt.Errorf("encode rule set: %w", err)
	}
	if err := c.store.Set(ctx, c.rulesKey(tenantID), data, c.cfg.TTL); err != nil {
		return nil, err
	}
	// stamp last: a reader that sees it can trust the rule set
	if err := c.store.Set(ctx, c.stampKey(tenantID), []byte(set.Stamp), c.cfg.TTL); err != nil {
		return nil, err
	}
	return set, nil
}

// release frees the lock even when ctx is already cancelled.
func (c *Coordinator) release(ctx context.Context, lock *state.Lock) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	released, err := lock.Release(releaseCtx)
	if err != nil {
		c.log.Warn().Err(err).Str("key", lock.Key()).Msg("lock release failed, lease will expire")
		return
	}
	if !released {
		c.log.Warn().Str("key", lock.Key()).Msg("lock lease expired before release")
	}
}

func (c *Coordinator) deflect(tenantID string) {
	if !c.retry.Offer(tenantID) {
		metrics.RetryQueueDropped.Inc()
		c.log.Warn().Str("tenant_id", tenantID).Msg("retry queue full, dropping deferred update")
	}
	metrics.RetryQueueSize.Set(float64(c.retry.Len()))
}

func (c *Coordinator) publish(ctx context.Context, msg bus.Message) {
	if err := c.bus.Publish(ctx, c.cfg.Channel, msg); err != nil {
		c.log.Warn().Err(err).Str("tenant_id", msg.TenantID).Str("action", msg.Action).Msg("invalidation publish failed")
	}
}

func (c *Coordinator) recordSync(ctx context.Context, s storage.SyncStatus) {
	s.RecordedAt = time.Now().UTC()
	if err := c.syncLog.RecordSync(context.WithoutCancel(ctx), s); err != nil {
		c.log.Warn().Err(err).Str("tenant_id", s.TenantID).Msg("sync status not recorded")
	}
}

// currentVersion returns the stored counter, zero when absent.
func (c *Coordinator) currentVersion(ctx context.Context, tenantID string) (int64, error) {
	b, err := c.store.Get(ctx, c.versionKey(tenantID))
	if errors.Is(err, state.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt version counter for %s: %w", tenantID, err)
	}
	return v, nil
}

// currentStamp returns the stamp of the last cache write.
func (c *Coordinator) currentStamp(ctx context.Context, tenantID string) (string, error) {
	b, err := c.store.Get(ctx, c.stampKey(tenantID))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// readStored fetches and decodes the shared rule set.
func (c *Coordinator) readStored(ctx context.Context, tenantID string) (*models.RuleSet, error) {
	b, err := c.store.Get(ctx, c.rulesKey(tenantID))
	if err != nil {
		return nil, err
	}
	var set models.RuleSet
	if err := json.Unmarshal(b, &set); err != nil {
		return nil, fmt.Errorf("decode rule set for %s: %w", tenantID, err)
	}
	if set.Rules == nil {
		set.Rules = []models.Rule{}
	}
	return &set, nil
}

// Clear removes the tenant's rule set and version counter everywhere.
// Clearing an absent tenant succeeds.
func (c *Coordinator) Clear(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return ErrEmptyTenant
	}

	c.local.Remove(tenantID)
	if err := c.store.Delete(ctx, c.rulesKey(tenantID), c.stampKey(tenantID), c.versionKey(tenantID)); err != nil {
		return err
	}

	c.log.Info().Str("tenant_id", tenantID).Msg("cache cleared")
	c.publish(ctx, bus.ClearMessage(tenantID, c.cfg.InstanceID))
	return nil
}

// GetCachedRules is the read path used by evaluation. The result must be
// treated as read-only.
func (c *Coordinator) GetCachedRules(ctx context.Context, tenantID string) (*models.RuleSet, error) {
	if tenantID == "" {
		return nil, ErrEmptyTenant
	}

	// the local copy is trusted only while the stored stamp still matches it
	local, haveLocal := c.local.Get(tenantID)
	if haveLocal {
		stamp, err := c.currentStamp(ctx, tenantID)
		switch {
		case errors.Is(err, state.ErrNotFound):
			// cleared or expired
		case err != nil:
			metrics.CacheReadsTotal.WithLabelValues("stale").Inc()
			c.log.Warn().Err(err).Str("tenant_id", tenantID).Msg("stamp check failed, serving local copy")
			return local, nil
		case stamp == local.Stamp:
			metrics.CacheReadsTotal.WithLabelValues("local").Inc()
			return local, nil
		}
	}

	set, err := c.readStored(ctx, tenantID)
	if err == nil {
		metrics.CacheReadsTotal.WithLabelValues("store").Inc()
		c.local.Add(tenantID, set)
		return set, nil
	}
	if !errors.Is(err, state.ErrNotFound) {
		c.log.Warn().Err(err).Str("tenant_id", tenantID).Msg("cache read failed, treating as miss")
	}

	v, err, _ := c.flight.Do(tenantID, func() (any, error) {
		// another caller may have filled the store while we waited
		if set, err := c.readStored(ctx, tenantID); err == nil {
			c.local.Add(tenantID, set)
			return set, nil
		}

		set, deflected, err := c.refresh(ctx, tenantID, true)
		if err != nil {
			return nil, err
		}
		if deflected {
			return nil, ErrRulesNotReady
		}
		return set, nil
	})
	if err == nil {
		metrics.CacheReadsTotal.WithLabelValues("source").Inc()
		return v.(*models.RuleSet), nil
	}

	if haveLocal {
		metrics.CacheReadsTotal.WithLabelValues("stale").Inc()
		return local, nil
	}
	return nil, err
}

// evictLocal drops the in-process copy.
func (c *Coordinator) evictLocal(tenantID string) {
	if c.local.Remove(tenantID) {
		metrics.InvalidationsTotal.WithLabelValues("evicted").Inc()
	}
}
