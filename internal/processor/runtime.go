package processor

import (
	"context"
	"fmt"
	"os"

	"vigil/internal/alerts"
	"vigil/internal/bus"
	"vigil/internal/evaluation"
	"vigil/internal/kafka"
	"vigil/internal/logger"
	"vigil/internal/queue"
	"vigil/internal/rulecache"
	"vigil/internal/state"
	"vigil/internal/stats"
	"vigil/internal/storage"
	"vigil/internal/worker"
)

// Init builds every backend and the two core components. It is idempotent
// and is called by Run; CLI commands call it directly.
func (p *Processor) Init(ctx context.Context) error {
	if p.cache != nil {
		return nil
	}
	log := logger.WithComponent("processor")

	if err := p.initState(ctx); err != nil {
		p.Close()
		return fmt.Errorf("failed to initialize cache store: %w", err)
	}
	if err := p.initBus(); err != nil {
		p.Close()
		return fmt.Errorf("failed to initialize invalidation bus: %w", err)
	}
	if err := p.initStorage(ctx); err != nil {
		p.Close()
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	p.initWorkerPool()
	p.workerPool.Start()

	p.counters = stats.New()
	cache, err := rulecache.New(rulecache.Config{
		KeyPrefix:     p.cfg.Cache.KeyPrefix,
		TTL:           p.cfg.Cache.TTL,
		LockTTL:       p.cfg.Cache.LockTTL,
		Channel:       p.cfg.Bus.Channel,
		ChunkSize:     p.cfg.Batch.ChunkSize,
		UpdateTimeout: p.cfg.Batch.UpdateTimeout,
		WarmUpTimeout: p.cfg.Batch.WarmUpTimeout,
		PollInterval:  p.cfg.Retry.PollInterval,
		DrainMax:      p.cfg.Retry.DrainMax,
		LocalSize:     p.cfg.Cache.LocalSize,
		LocalTTL:      p.cfg.Cache.LocalTTL,
	}, rulecache.Deps{
		Store:   p.store,
		Bus:     p.bus,
		Rules:   p.rules,
		Pool:    p.workerPool,
		Retry:   queue.New[string](p.cfg.Retry.QueueSize),
		Stats:   p.counters,
		SyncLog: p.syncLog,
	})
	if err != nil {
		p.Close()
		return err
	}
	p.cache = cache
	p.engine = evaluation.NewEngine(cache, alerts.NewThresholdEngine(), p.alertStore, p.workerPool, p.counters)

	log.Info().
		Str("cache_backend", p.cfg.Cache.Backend).
		Str("bus_backend", p.cfg.Bus.Backend).
		Str("rule_backend", p.cfg.Storage.RuleBackend).
		Str("alert_backend", p.cfg.Storage.AlertBackend).
		Str("instance_id", cache.InstanceID()).
		Msg("runtime initialized")
	return nil
}

func (p *Processor) initState(ctx context.Context) error {
	switch p.cfg.Cache.Backend {
	case "redis":
		client, err := state.DialRedis(ctx, p.cfg.Cache.Redis)
		if err != nil {
			return err
		}
		store := state.NewRedisStore(client)
		p.store = store
		p.redisStore = store
		p.closers = append(p.closers, store.Close)
	default:
		p.store = state.NewMemoryStore()
	}
	return nil
}

func (p *Processor) initBus() error {
	switch p.cfg.Bus.Backend {
	case "nats":
		host, _ := os.Hostname()
		conn, err := bus.DialNATS(p.cfg.Bus.NATSURL, "vigil-"+host)
		if err != nil {
			return err
		}
		p.bus = bus.NewNATSBus(conn, p.cfg.Bus.BufferSize, true)
	case "redis":
		if p.redisStore == nil {
			return fmt.Errorf("redis bus needs the redis cache backend")
		}
		p.bus = bus.NewRedisBus(p.redisStore.Client(), p.cfg.Bus.BufferSize)
	default:
		p.bus = bus.NewMemoryBus(p.cfg.Bus.BufferSize)
	}
	p.closers = append(p.closers, p.bus.Close)
	return nil
}

func (p *Processor) initStorage(ctx context.Context) error {
	log := logger.WithComponent("processor")
	sc := p.cfg.Storage

	var pg *storage.Postgres
	if sc.RuleBackend == "postgres" || sc.AlertBackend == "postgres" {
		var err error
		pg, err = storage.OpenPostgres(ctx, sc.PostgresDSN, sc.MaxOpenConns)
		if err != nil {
			return err
		}
		p.closers = append(p.closers, pg.Close)
	}

	switch sc.RuleBackend {
	case "postgres":
		p.rules = pg
	default:
		if sc.RulesFile != "" {
			repo, err := storage.LoadRulesFile(sc.RulesFile)
			if err != nil {
				return err
			}
			p.rules = repo
		} else {
			p.rules = storage.NewMemoryRules()
		}
	}

	switch sc.AlertBackend {
	case "postgres":
		p.alertStore = pg
	case "kafka":
		producer, err := kafka.NewProducer(p.cfg.Kafka.Brokers, p.cfg.Kafka.AlertsTopic, p.cfg.Kafka.Producer)
		if err != nil {
			return err
		}
		p.producer = producer
		p.alertStore = producer
		p.closers = append(p.closers, producer.Close)
		log.Info().
			Strs("brokers", p.cfg.Kafka.Brokers).
			Str("topic", p.cfg.Kafka.AlertsTopic).
			Msg("kafka alert producer initialized")
	default:
		p.alertStore = storage.NewMemoryAlerts()
	}

	if pg != nil {
		p.syncLog = pg
	} else {
		p.syncLog = storage.LogSyncLog{}
	}
	return nil
}

func (p *Processor) initWorkerPool() {
	log := logger.WithComponent("processor")
	p.workerPool = worker.NewPool(worker.Config{
		Name:      "update_pool",
		Workers:   p.cfg.Pool.Workers,
		QueueSize: p.cfg.Pool.QueueSize,
	})
	log.Info().Int("workers", p.workerPool.Stats().Workers).Int("queue_size", p.cfg.Pool.QueueSize).Msg("worker pool initialized")
}

// Close stops the pool and releases backends in reverse order of creation.
func (p *Processor) Close() error {
	if p.workerPool != nil {
		p.workerPool.Shutdown(p.cfg.Pool.ShutdownGrace)
	}

	var first error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	p.closers = nil
	return first
}
