package bus

import (
	"context"
	"sync"
)

// MemoryBus fans messages out to in-process subscribers. It serves
// single-instance deployments and tests.
type MemoryBus struct {
	mu         sync.RWMutex
	subs       map[string]map[*memSub]struct{}
	bufferSize int
	closed     bool
}

type memSub struct {
	ch chan Message
}

func NewMemoryBus(bufferSize int) *MemoryBus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &MemoryBus{
		subs:       make(map[string]map[*memSub]struct{}),
		bufferSize: bufferSize,
	}
}

func (b *MemoryBus) Publish(_ context.Context, channel string, msg Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}

	for sub := range b.subs[channel] {
		deliver(sub.ch, msg)
	}
	published()
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	sub := &memSub{ch: make(chan Message, b.bufferSize)}
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*memSub]struct{})
	}
	b.subs[channel][sub] = struct{}{}

	go func() {
		<-ctx.Done()
		b.remove(channel, sub)
	}()
	return sub.ch, nil
}

func (b *MemoryBus) remove(channel string, sub *memSub) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[channel][sub]; !ok {
		return
	}
	delete(b.subs[channel], sub)
	close(sub.ch)
}

// Close ends every subscription.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for sub := range subs {
			close(sub.ch)
		}
	}
	b.subs = make(map[string]map[*memSub]struct{})
	return nil
}
