// Package lock serializes writes to one entity across resolution workers.
package lock

import (
	"context"
	"slices"
	"sync"

	"github.com/rotisserie/eris"
)

// ErrLockNotAcquired is returned when a lock could not be taken before the
// context or wait deadline expired.
var ErrLockNotAcquired = eris.New("lock: not acquired")

// Locker hands out exclusive locks by key. The returned function releases
// the lock and is safe to call once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// EntityKey is the lock key guarding writes to one entity.
func EntityKey(entityID string) string {
	return "entity:" + entityID
}

// IdentityKey is the lock key guarding creation of an entity for one
// identifier within a tenant.
func IdentityKey(tenantID, identifier string) string {
	return "ident:" + tenantID + ":" + identifier
}

type keyed struct {
	ch   chan struct{}
	refs int
}

// KeyedMutex is an in-process Locker. Entries are dropped once no goroutine
// holds or waits for them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyed
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyed)}
}

// Lock blocks until key is free or ctx is done.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	k, ok := m.locks[key]
	if !ok {
		k = &keyed{ch: make(chan struct{}, 1)}
		m.locks[key] = k
	}
	k.refs++
	m.mu.Unlock()

	select {
	case k.ch <- struct{}{}:
	case <-ctx.Done():
		m.release(key, k)
		return nil, eris.Wrapf(ErrLockNotAcquired, "lock: %s: %v", key, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-k.ch
			m.release(key, k)
		})
	}, nil
}

func (m *KeyedMutex) release(key string, k *keyed) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k.refs--
	if k.refs == 0 {
		delete(m.locks, key)
	}
}

// Len reports how many keys are held or awaited.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

// LockAll takes every key in sorted order, so two callers locking the same
// set cannot deadlock. Duplicate keys are locked once.
func LockAll(ctx context.Context, l Locker, keys ...string) (func(), error) {
	sorted := slices.Clone(keys)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	unlocks := make([]func(), 0, len(sorted))
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, key := range sorted {
		unlock, err := l.Lock(ctx, key)
		if err != nil {
			release()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}
	return release, nil
}
