// Package queue provides the bounded retry queue used to defer work that lost
// a lock race, and the wait-then-drain step that turns it into batches.
package queue

import (
	"context"
	"time"
)

// Queue is a bounded FIFO. Offer never blocks; a full queue rejects.
type Queue[T comparable] struct {
	items chan T
}

func New[T comparable](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue[T]{items: make(chan T, capacity)}
}

// Offer enqueues item and reports false when the queue is full.
func (q *Queue[T]) Offer(item T) bool {
	select {
	case q.items <- item:
		return true
	default:
		return false
	}
}

// Poll waits up to timeout for one item.
func (q *Queue[T]) Poll(ctx context.Context, timeout time.Duration) (T, bool) {
	var zero T

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case item := <-q.items:
		return item, true
	case <-timer.C:
		return zero, false
	case <-ctx.Done():
		return zero, false
	}
}

// Drain moves up to max items into dst without blocking.
func (q *Queue[T]) Drain(dst []T, max int) []T {
	for i := 0; i < max; i++ {
		select {
		case item := <-q.items:
			dst = append(dst, item)
		default:
			return dst
		}
	}
	return dst
}

// NextBatch waits up to wait for a first item, then drains up to max-1 more
// without blocking and drops duplicates, keeping first-seen order. It returns
// nil when nothing arrived in time.
func (q *Queue[T]) NextBatch(ctx context.Context, wait time.Duration, max int) []T {
	first, ok := q.Poll(ctx, wait)
	if !ok {
		return nil
	}

	batch := make([]T, 0, max)
	batch = append(batch, first)
	batch = q.Drain(batch, max-1)
	return Dedupe(batch)
}

// Len is the number of queued items.
func (q *Queue[T]) Len() int { return len(q.items) }

// Cap is the queue capacity.
func (q *Queue[T]) Cap() int { return cap(q.items) }

// Dedupe removes repeated items in place, keeping first occurrences.
func Dedupe[T comparable](items []T) []T {
	seen := make(map[T]struct{}, len(items))
	out := items[:0]
	for _, it := range items {
		if _, dup := seen[it]; dup {
			continue
		}
		seen[it] = struct{}{}
		out = append(out, it)
	}
	return out
}
