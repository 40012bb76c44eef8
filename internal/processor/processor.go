package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vigil/internal/bus"
	"vigil/internal/config"
	"vigil/internal/evaluation"
	"vigil/internal/handlers"
	"vigil/internal/kafka"
	"vigil/internal/logger"
	"vigil/internal/middleware"
	"vigil/internal/rulecache"
	"vigil/internal/state"
	"vigil/internal/stats"
	"vigil/internal/storage"
	"vigil/internal/worker"
)

// Processor owns the service runtime: backends, the rule cache, the
// evaluation engine, the HTTP surface and the Kafka consumers.
type Processor struct {
	cfg        *config.Config
	configPath string

	store      state.Store
	redisStore *state.RedisStore
	bus        bus.Bus
	rules      storage.RuleRepository
	alertStore storage.AlertRecordStore
	syncLog    storage.SyncLog
	producer   *kafka.Producer

	workerPool *worker.Pool
	counters   *stats.Counters
	cache      *rulecache.Coordinator
	engine     *evaluation.Engine

	httpServer *http.Server
	closers    []func() error
	wg         sync.WaitGroup
}

// Option configures a Processor.
type Option func(*Processor)

// WithConfigPath enables hot reload of the log level from path.
func WithConfigPath(path string) Option {
	return func(p *Processor) { p.configPath = path }
}

// New constructs a Processor with given config.
func New(cfg *config.Config, opts ...Option) *Processor {
	p := &Processor{cfg: cfg}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Cache returns the rule cache coordinator. Init must have run.
func (p *Processor) Cache() *rulecache.Coordinator { return p.cache }

// Engine returns the evaluation engine. Init must have run.
func (p *Processor) Engine() *evaluation.Engine { return p.engine }

// Run starts background goroutines and blocks until context cancelled.
func (p *Processor) Run(ctx context.Context) error {
	log := logger.WithComponent("processor")
	log.Info().Msg("processor starting")

	if err := p.Init(ctx); err != nil {
		log.Error().Err(err).Msg("failed to initialize runtime")
		return err
	}

	if err := p.cache.Start(ctx); err != nil {
		p.Close()
		return fmt.Errorf("failed to start rule cache: %w", err)
	}

	if len(p.cfg.WarmUpTenants) > 0 {
		p.cache.WarmUp(ctx, p.cfg.WarmUpTenants)
	}

	p.initHTTPServer()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		log.Info().Str("addr", p.cfg.HTTP.Addr).Msg("starting HTTP server")
		if err := p.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	if p.cfg.Kafka.Enabled {
		p.startConsumers(ctx)
	}

	if p.configPath != "" {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.watchConfig(ctx)
		}()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.reportStats(ctx)
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	return p.shutdown()
}

func (p *Processor) startConsumers(ctx context.Context) {
	log := logger.WithComponent("processor")
	kc := p.cfg.Kafka

	consumers := []*kafka.Consumer{
		kafka.NewConsumer(
			kafka.NewReader(kc.Brokers, kc.GroupID, kc.EventsTopic, kc.Consumer),
			kc.EventsTopic, kc.Consumer,
			kafka.EventHandler(kc.EventsTopic, p.engine),
		),
		kafka.NewConsumer(
			kafka.NewReader(kc.Brokers, kc.GroupID, kc.RuleChangesTopic, kc.Consumer),
			kc.RuleChangesTopic, kc.Consumer,
			kafka.RuleChangeHandler(kc.RuleChangesTopic, p.cache),
		),
	}

	for _, c := range consumers {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if err := c.Run(ctx); err != nil {
				log.Error().Err(err).Msg("kafka consumer exited")
			}
		}()
	}
	log.Info().
		Strs("brokers", kc.Brokers).
		Str("events_topic", kc.EventsTopic).
		Str("rule_changes_topic", kc.RuleChangesTopic).
		Msg("kafka consumers started")
}

// watchConfig applies log level changes; everything else needs a restart.
func (p *Processor) watchConfig(ctx context.Context) {
	log := logger.WithComponent("processor")
	err := config.Watch(ctx, p.configPath, func(next *config.Config) {
		if next.Log.Level != p.cfg.Log.Level && logger.SetLevel(next.Log.Level) {
			log.Info().Str("level", next.Log.Level).Msg("log level changed")
			p.cfg.Log.Level = next.Log.Level
		}
	})
	if err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Str("path", p.configPath).Msg("config watch stopped")
	}
}

// Handler returns the HTTP routes.
func (p *Processor) Handler() http.Handler {
	mux := http.NewServeMux()

	evaluate := handlers.NewEvaluateHandler(handlers.EvaluateConfig{
		Evaluator:   p.engine,
		MaxBodySize: p.cfg.HTTP.MaxBodySize,
	})
	mux.Handle("/evaluate", middleware.Chain(evaluate, middleware.Recovery, middleware.Logging))

	mux.HandleFunc("/health", p.healthHandler)
	mux.HandleFunc("/stats", p.statsHandler)
	mux.Handle("/stats/reset", middleware.Chain(http.HandlerFunc(p.resetStatsHandler), middleware.Recovery, middleware.Logging))
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func (p *Processor) initHTTPServer() {
	p.httpServer = &http.Server{
		Addr:         p.cfg.HTTP.Addr,
		Handler:      p.Handler(),
		ReadTimeout:  p.cfg.HTTP.ReadTimeout,
		WriteTimeout: p.cfg.HTTP.WriteTimeout,
		IdleTimeout:  p.cfg.HTTP.IdleTimeout,
	}
}

// shutdown performs graceful shutdown
func (p *Processor) shutdown() error {
	log := logger.WithComponent("processor")
	log.Info().Msg("initiating graceful shutdown")

	// 1. Stop accepting new HTTP requests
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log.Info().Msg("stopping HTTP server")
	if err := p.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Consumers and watchers follow ctx; wait for them
	p.wg.Wait()

	// 3. Background cache loops
	p.cache.Stop()

	// 4. Drain the pool, then close backends
	if err := p.Close(); err != nil {
		log.Error().Err(err).Msg("backend close error")
	}

	log.Info().Msg("processor stopped gracefully")
	return nil
}

// reportStats periodically logs statistics
func (p *Processor) reportStats(ctx context.Context) {
	log := logger.WithComponent("processor")
	interval := p.cfg.Evaluation.StatsInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cs := p.cache.Statistics()
			snap := p.counters.Snapshot()

			ev := log.Info().
				Int64("cache_updates", cs.UpdateCount).
				Int64("cache_failures", cs.FailureCount).
				Float64("avg_update_ms", cs.AvgUpdateTimeMillis).
				Int("retry_queue", cs.RetryQueueSize).
				Int("pool_queue", cs.QueueSize).
				Int("active_workers", cs.ActiveThreads).
				Int64("events_processed", snap.ProcessedCount).
				Int64("alerts_triggered", snap.TriggeredCount).
				Int64("evaluation_errors", snap.ErrorCount)
			if p.producer != nil {
				ps := p.producer.Stats()
				ev = ev.Uint64("producer_sent", ps.MessagesSent).Uint64("producer_failed", ps.MessagesFailed)
			}
			ev.Msg("stats")
		}
	}
}

// healthHandler handles health check requests
func (p *Processor) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := p.cache.HealthCheck(ctx); err != nil {
		http.Error(w, fmt.Sprintf("unhealthy: %v", err), http.StatusServiceUnavailable)
		return
	}
	if p.producer != nil {
		if err := p.producer.HealthCheck(ctx); err != nil {
			http.Error(w, fmt.Sprintf("unhealthy: %v", err), http.StatusServiceUnavailable)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","timestamp":"%s"}`, time.Now().Format(time.RFC3339))
}

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	Cache    rulecache.CacheStats `json:"cache"`
	Counters stats.Snapshot       `json:"counters"`
	Pool     worker.Stats         `json:"pool"`
	Producer *kafka.ProducerStats `json:"producer,omitempty"`
}

// statsHandler returns current statistics
func (p *Processor) statsHandler(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		Cache:    p.cache.Statistics(),
		Counters: p.engine.Statistics(),
		Pool:     p.workerPool.Stats(),
	}
	if p.producer != nil {
		ps := p.producer.Stats()
		resp.Producer = &ps
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

func (p *Processor) resetStatsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	p.engine.ResetStatistics()
	w.WriteHeader(http.StatusNoContent)
}
