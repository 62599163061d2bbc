package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestDistributedLockIsExclusive(t *testing.T) {
	_, client := newRedis(t)
	ctx := context.Background()

	a := NewDistributedLock(client, "reconcile:paystack:ref-1", "holder-a", time.Minute)
	b := NewDistributedLock(client, "reconcile:paystack:ref-1", "holder-b", time.Minute)

	ok, err := a.TryLock(ctx)
	if err != nil || !ok {
		t.Fatalf("first lock should succeed: ok=%v err=%v", ok, err)
	}
	ok, err = b.TryLock(ctx)
	if err != nil || ok {
		t.Fatalf("second lock should fail: ok=%v err=%v", ok, err)
	}

	if err := b.Unlock(ctx); err != nil {
		t.Fatalf("foreign unlock: %v", err)
	}
	if ok, _ := b.TryLock(ctx); ok {
		t.Fatalf("foreign unlock must not release the lock")
	}

	if err := a.Unlock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if ok, _ := b.TryLock(ctx); !ok {
		t.Fatalf("lock should be free after owner unlock")
	}
}

func TestDistributedLockGivesUpAfterRetries(t *testing.T) {
	_, client := newRedis(t)
	ctx := context.Background()

	holder := NewDistributedLock(client, "k", "a", time.Minute)
	if ok, _ := holder.TryLock(ctx); !ok {
		t.Fatalf("setup lock failed")
	}
	waiter := NewDistributedLock(client, "k", "b", time.Minute)
	err := waiter.Lock(ctx, time.Millisecond, 3)
	if !errors.Is(err, ErrLockFailed) {
		t.Fatalf("expected ErrLockFailed, got %v", err)
	}
}

func TestDistributedLockExpires(t *testing.T) {
	mr, client := newRedis(t)
	ctx := context.Background()

	a := NewDistributedLock(client, "k", "a", time.Second)
	if ok, _ := a.TryLock(ctx); !ok {
		t.Fatalf("lock failed")
	}
	mr.FastForward(2 * time.Second)

	b := NewDistributedLock(client, "k", "b", time.Second)
	if ok, _ := b.TryLock(ctx); !ok {
		t.Fatalf("lock should be free after ttl")
	}
}

func testLockerSerializes(t *testing.T, locker Locker) {
	t.Helper()
	var inside int32
	var maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locker.Acquire(context.Background(), "same-key")
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()
	if maxInside != 1 {
		t.Fatalf("expected at most one holder at a time, saw %d", maxInside)
	}
}

func TestRedisLockerSerializes(t *testing.T) {
	_, client := newRedis(t)
	testLockerSerializes(t, NewRedisLocker(client, "reconcile", 5*time.Second))
}

func TestLocalLockerSerializes(t *testing.T) {
	testLockerSerializes(t, NewLocalLocker())
}

func TestLocalLockerHonoursContext(t *testing.T) {
	l := NewLocalLocker()
	release, err := l.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx, "k"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	other, err := l.Acquire(context.Background(), "other")
	if err != nil {
		t.Fatalf("different keys must not block: %v", err)
	}
	other()
	release()
	release()

	if len(l.locks) != 0 {
		t.Fatalf("expected lock table to be empty, got %d", len(l.locks))
	}
}
