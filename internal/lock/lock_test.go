package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gerardkasemba/betadame-sub004/internal/errs"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	m := NewKeyedMutex(2 * time.Second)
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := m.Acquire(ctx, "m1")
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				cur := atomic.LoadInt32(&maxInside)
				if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Errorf("expected at most one holder, saw %d", maxInside)
	}
	if m.Held() != 0 {
		t.Errorf("expected no slots left, got %d", m.Held())
	}
}

func TestKeyedMutex_DifferentKeysDoNotBlock(t *testing.T) {
	m := NewKeyedMutex(50 * time.Millisecond)
	ctx := context.Background()

	r1, err := m.Acquire(ctx, "m1")
	if err != nil {
		t.Fatalf("acquire m1: %v", err)
	}
	defer r1()

	r2, err := m.Acquire(ctx, "m2")
	if err != nil {
		t.Fatalf("acquire m2 should not block on m1: %v", err)
	}
	r2()
}

func TestKeyedMutex_TimeoutIsConcurrencyConflict(t *testing.T) {
	m := NewKeyedMutex(20 * time.Millisecond)
	ctx := context.Background()

	release, err := m.Acquire(ctx, "m1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	_, err = m.Acquire(ctx, "m1")
	if !errs.Is(err, errs.ConcurrencyConflict) {
		t.Errorf("expected ConcurrencyConflict, got %v", err)
	}
}

func TestKeyedMutex_CancelledContext(t *testing.T) {
	m := NewKeyedMutex(time.Second)

	release, err := m.Acquire(context.Background(), "m1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Acquire(ctx, "m1")
	if !errs.Is(err, errs.Canceled) {
		t.Errorf("expected Canceled, got %v", err)
	}
}

func TestKeyedMutex_ReleaseIdempotent(t *testing.T) {
	m := NewKeyedMutex(20 * time.Millisecond)
	ctx := context.Background()

	release, err := m.Acquire(ctx, "m1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	release()
	release()

	again, err := m.Acquire(ctx, "m1")
	if err != nil {
		t.Fatalf("re-acquire after release: %v", err)
	}
	again()
	if m.Held() != 0 {
		t.Errorf("expected no slots left, got %d", m.Held())
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, retryBase},
		{0, 10 * time.Millisecond},
		{1, 20 * time.Millisecond},
		{4, 160 * time.Millisecond},
		{5, retryMax},
		{64, retryMax},
	}
	for _, tt := range tests {
		if got := Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}
