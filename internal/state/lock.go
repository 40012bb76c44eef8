package state

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Locker hands out tenant-scoped mutual exclusion. TryLock never waits: it
// either acquires the lock or reports that somebody else holds it.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (*Lock, bool, error)
}

// Lock is a held lease. It expires on its own after the TTL so a crashed
// holder cannot block the key forever.
type Lock struct {
	store Store
	key   string
	token []byte
}

// Key returns the locked key.
func (l *Lock) Key() string { return l.key }

// Release frees the lock if this holder still owns it. Releasing after the
// lease expired and someone else took it is a no-op that reports false.
func (l *Lock) Release(ctx context.Context) (bool, error) {
	return l.store.CompareAndDelete(ctx, l.key, l.token)
}

// StoreLocker implements Locker over any Store via SetIfAbsent.
type StoreLocker struct {
	store Store
}

func NewStoreLocker(store Store) *StoreLocker {
	return &StoreLocker{store: store}
}

// TryLock stores a random token under key. A store failure is returned
// together with held=false; callers must treat it as contention.
func (s *StoreLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (*Lock, bool, error) {
	token := []byte(uuid.NewString())

	ok, err := s.store.SetIfAbsent(ctx, key, token, ttl)
	if err != nil || !ok {
		return nil, false, err
	}
	return &Lock{store: s.store, key: key, token: token}, true, nil
}
