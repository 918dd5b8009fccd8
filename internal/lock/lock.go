// Package lock provides the per-pool exclusive scope the trade executor holds
// while it computes and persists a trade. Locks are keyed by market id, so
// different pools never block each other.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/gerardkasemba/betadame-sub004/internal/errs"
)

// DefaultWait bounds how long Acquire waits for a busy pool.
const DefaultWait = 3 * time.Second

// Locker grants exclusive access to a key. Acquire blocks for at most the
// implementation's wait bound; a timeout is errs.ConcurrencyConflict and a
// cancelled ctx is errs.Canceled. The returned release func is safe to call
// more than once.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// KeyedMutex is an in-process Locker. It is correct only when this process
// is the sole writer of the store.
type KeyedMutex struct {
	wait time.Duration

	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{} // holds one token while the key is locked
	refs int           // holders plus waiters
}

// NewKeyedMutex returns a KeyedMutex that waits at most wait for a key.
// A non-positive wait uses DefaultWait.
func NewKeyedMutex(wait time.Duration) *KeyedMutex {
	if wait <= 0 {
		wait = DefaultWait
	}
	return &KeyedMutex{wait: wait, slots: make(map[string]*slot)}
}

func (m *KeyedMutex) Acquire(ctx context.Context, key string) (func(), error) {
	const op = "lock.KeyedMutex.Acquire"

	m.mu.Lock()
	s, ok := m.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		m.slots[key] = s
	}
	s.refs++
	m.mu.Unlock()

	timer := time.NewTimer(m.wait)
	defer timer.Stop()

	select {
	case s.ch <- struct{}{}:
	case <-timer.C:
		m.drop(key, s)
		return nil, errs.Field(errs.ConcurrencyConflict, op, "market_id", key, "pool is busy, retry the trade")
	case <-ctx.Done():
		m.drop(key, s)
		return nil, errs.Wrap(errs.Canceled, op, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			m.drop(key, s)
		})
	}, nil
}

// Held reports the number of keys with a holder or waiter.
func (m *KeyedMutex) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}

func (m *KeyedMutex) drop(key string, s *slot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(m.slots, key)
	}
}

var _ Locker = (*KeyedMutex)(nil)
