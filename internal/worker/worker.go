package worker

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"vigil/internal/logger"
	"vigil/internal/metrics"
)

// Pool errors
var (
	ErrPoolClosed = errors.New("worker pool is shut down")
	ErrQueueFull  = errors.New("worker pool queue is full")
)

const (
	MinWorkers = 2
	MaxWorkers = 8
)

// Task is a unit of work. ctx is cancelled when the pool is forced to stop
// after its shutdown grace period.
type Task func(ctx context.Context)

// Pool runs tasks on a fixed set of workers fed by a bounded queue.
type Pool struct {
	name    string
	tasks   chan Task
	workers int

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.RWMutex
	shutdown   bool
	terminated atomic.Bool

	// Metrics
	active    atomic.Int64
	completed atomic.Uint64
	panicked  atomic.Uint64
	rejected  atomic.Uint64
}

// Config holds worker pool configuration
type Config struct {
	Name      string
	Workers   int
	QueueSize int
}

// NewPool creates a pool with Workers clamped to [MinWorkers, MaxWorkers].
func NewPool(cfg Config) *Pool {
	if cfg.Workers < MinWorkers {
		cfg.Workers = MinWorkers
	}
	if cfg.Workers > MaxWorkers {
		cfg.Workers = MaxWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.Name == "" {
		cfg.Name = "worker_pool"
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		name:    cfg.Name,
		tasks:   make(chan Task, cfg.QueueSize),
		workers: cfg.Workers,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the workers
func (p *Pool) Start() {
	log := logger.WithComponent(p.name)
	log.Info().
		Int("workers", p.workers).
		Int("queue_size", cap(p.tasks)).
		Msg("starting worker pool")

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Submit queues a task without blocking.
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.shutdown {
		p.rejected.Add(1)
		metrics.PoolRejectedTotal.Inc()
		return ErrPoolClosed
	}

	select {
	case p.tasks <- task:
		metrics.PoolQueueSize.Set(float64(len(p.tasks)))
		return nil
	default:
		p.rejected.Add(1)
		metrics.PoolRejectedTotal.Inc()
		return ErrQueueFull
	}
}

// Shutdown stops accepting tasks and lets queued and running tasks finish
// within grace. After that the task context is cancelled and Shutdown waits
// for workers to return. It reports whether the drain finished in time.
func (p *Pool) Shutdown(grace time.Duration) bool {
	log := logger.WithComponent(p.name)

	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		p.wg.Wait()
		return true
	}
	p.shutdown = true
	close(p.tasks)
	p.mu.Unlock()

	log.Info().Dur("grace", grace).Msg("stopping worker pool")

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	graceful := true
	select {
	case <-done:
	case <-time.After(grace):
		graceful = false
		log.Warn().Msg("worker pool grace period elapsed - cancelling tasks")
		p.cancel()
		<-done
	}

	p.cancel()
	p.terminated.Store(true)
	log.Info().Bool("graceful", graceful).Msg("worker pool stopped")
	return graceful
}

// IsShutdown reports whether Shutdown has been called.
func (p *Pool) IsShutdown() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.shutdown
}

// IsTerminated reports whether all workers have exited.
func (p *Pool) IsTerminated() bool { return p.terminated.Load() }

// worker runs tasks until the queue is closed and drained
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	log := logger.WithComponent(p.name).With().Int("worker_id", id).Logger()
	log.Debug().Msg("worker started")
	defer log.Debug().Msg("worker stopped")

	for task := range p.tasks {
		metrics.PoolQueueSize.Set(float64(len(p.tasks)))
		p.run(task)
	}
}

// run executes one task, keeping the worker alive if it panics.
func (p *Pool) run(task Task) {
	p.active.Add(1)
	metrics.PoolActiveWorkers.Inc()
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			log := logger.WithComponent(p.name)
			log.Error().
				Interface("panic", r).
				Bytes("stack", stack).
				Msg("task panic recovered")
			metrics.PanicsRecovered.WithLabelValues(p.name).Inc()
			p.panicked.Add(1)
		}
		p.active.Add(-1)
		metrics.PoolActiveWorkers.Dec()
		p.completed.Add(1)
	}()

	task(p.ctx)
}

// Stats returns worker pool statistics. Fields are read independently.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   p.workers,
		QueueSize: len(p.tasks),
		Active:    int(p.active.Load()),
		Completed: p.completed.Load(),
		Panicked:  p.panicked.Load(),
		Rejected:  p.rejected.Load(),
	}
}

// Stats holds worker pool metrics
type Stats struct {
	Workers   int    `json:"pool_size"`
	QueueSize int    `json:"queue_size"`
	Active    int    `json:"active_threads"`
	Completed uint64 `json:"completed_tasks"`
	Panicked  uint64 `json:"panicked_tasks"`
	Rejected  uint64 `json:"rejected_tasks"`
}
