package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/gerardkasemba/betadame-sub004/internal/errs"
)

// unlockLua deletes a lock key only if its value matches the caller's token,
// so an expired holder never releases a lock someone else now owns.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

const (
	retryBase = 10 * time.Millisecond
	retryMax  = 250 * time.Millisecond
)

// RedisLocker is a Locker shared by every engine instance that talks to the
// same Redis. It uses SETNX with a TTL and a Lua compare-and-delete unlock.
type RedisLocker struct {
	rdb      *redis.Client
	unlockSc *redis.Script
	ttl      time.Duration
	wait     time.Duration
}

// NewRedisLocker creates a RedisLocker. ttl must outlive the commit timeout
// so a live holder never loses its lock mid-commit.
func NewRedisLocker(rdb *redis.Client, ttl, wait time.Duration) *RedisLocker {
	if wait <= 0 {
		wait = DefaultWait
	}
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &RedisLocker{
		rdb:      rdb,
		unlockSc: redis.NewScript(unlockLua),
		ttl:      ttl,
		wait:     wait,
	}
}

func poolLockKey(key string) string {
	return "amm:lock:pool:" + key
}

// Acquire polls SETNX with capped exponential backoff until the wait bound.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	const op = "lock.RedisLocker.Acquire"

	token := uuid.New().String()
	lk := poolLockKey(key)
	deadline := time.Now().Add(l.wait)

	for attempt := 0; ; attempt++ {
		ok, err := l.rdb.SetNX(ctx, lk, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, errs.Wrap(errs.Canceled, op, ctx.Err())
			}
			return nil, errs.Wrap(errs.Internal, op, fmt.Errorf("redis: acquire lock %s: %w", key, err))
		}
		if ok {
			break
		}

		delay := Backoff(attempt)
		if remaining := time.Until(deadline); remaining <= 0 {
			return nil, errs.Field(errs.ConcurrencyConflict, op, "market_id", key, "pool is busy, retry the trade")
		} else if delay > remaining {
			delay = remaining
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, errs.Wrap(errs.Canceled, op, ctx.Err())
		case <-t.C:
		}
	}

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			// Background context so the unlock still runs when the caller's
			// context is already cancelled.
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = l.unlockSc.Run(unlockCtx, l.rdb, []string{lk}, token).Err()
		})
	}
	return unlock, nil
}

// Backoff returns the delay before SETNX attempt n+1: retryBase doubled per
// attempt, capped at retryMax.
func Backoff(attempt int) time.Duration {
	if attempt < 0 {
		return retryBase
	}
	if attempt > 30 {
		return retryMax
	}
	d := retryBase * time.Duration(1<<attempt)
	if d > retryMax {
		return retryMax
	}
	return d
}

var _ Locker = (*RedisLocker)(nil)
