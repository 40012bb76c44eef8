package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPool_RunsTasks(t *testing.T) {
	pool := NewPool(Config{Workers: 4, QueueSize: 100})
	pool.Start()
	defer pool.Shutdown(time.Second)

	var ran atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		if err := pool.Submit(func(ctx context.Context) {
			defer wg.Done()
			ran.Add(1)
		}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	wg.Wait()

	if ran.Load() != 50 {
		t.Errorf("expected 50 tasks run, got %d", ran.Load())
	}
}

func TestPool_ClampsWorkers(t *testing.T) {
	if got := NewPool(Config{Workers: 1}).Stats().Workers; got != MinWorkers {
		t.Errorf("expected %d workers, got %d", MinWorkers, got)
	}
	if got := NewPool(Config{Workers: 64}).Stats().Workers; got != MaxWorkers {
		t.Errorf("expected %d workers, got %d", MaxWorkers, got)
	}
}

func TestPool_RejectsWhenQueueFull(t *testing.T) {
	pool := NewPool(Config{Workers: 2, QueueSize: 1})
	// not started: nothing drains the queue
	if err := pool.Submit(func(context.Context) {}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if err := pool.Submit(func(context.Context) {}); err != ErrQueueFull {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
	if pool.Stats().Rejected != 1 {
		t.Errorf("expected 1 rejection, got %d", pool.Stats().Rejected)
	}
}

func TestPool_RecoversPanics(t *testing.T) {
	pool := NewPool(Config{Workers: 2, QueueSize: 10})
	pool.Start()
	defer pool.Shutdown(time.Second)

	done := make(chan struct{})
	_ = pool.Submit(func(context.Context) { panic("boom") })
	_ = pool.Submit(func(context.Context) { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pool stopped running tasks after a panic")
	}

	deadline := time.Now().Add(time.Second)
	for pool.Stats().Panicked != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if pool.Stats().Panicked != 1 {
		t.Errorf("expected 1 panicked task, got %d", pool.Stats().Panicked)
	}
}

func TestPool_GracefulShutdownDrainsQueue(t *testing.T) {
	pool := NewPool(Config{Workers: 2, QueueSize: 20})
	pool.Start()

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		_ = pool.Submit(func(context.Context) {
			time.Sleep(5 * time.Millisecond)
			ran.Add(1)
		})
	}

	if !pool.Shutdown(5 * time.Second) {
		t.Error("expected graceful shutdown")
	}
	if ran.Load() != 10 {
		t.Errorf("expected 10 tasks drained, got %d", ran.Load())
	}
	if !pool.IsShutdown() || !pool.IsTerminated() {
		t.Error("expected pool to be shut down and terminated")
	}
	if err := pool.Submit(func(context.Context) {}); err != ErrPoolClosed {
		t.Errorf("expected ErrPoolClosed, got %v", err)
	}
}

func TestPool_ForcedShutdownCancelsTasks(t *testing.T) {
	pool := NewPool(Config{Workers: 2, QueueSize: 4})
	pool.Start()

	cancelled := make(chan struct{})
	_ = pool.Submit(func(ctx context.Context) {
		<-ctx.Done()
		close(cancelled)
	})

	if pool.Shutdown(20 * time.Millisecond) {
		t.Error("expected shutdown to report a forced stop")
	}
	select {
	case <-cancelled:
	default:
		t.Error("task context was not cancelled")
	}
}
