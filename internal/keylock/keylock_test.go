package keylock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLocalSerializesSameKey(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "deposit:D-1")
			if err != nil {
				t.Error(err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Fatalf("expected at most one holder, saw %d", maxInside)
	}
	if len(l.locks) != 0 {
		t.Fatalf("expected lock table to be empty, has %d entries", len(l.locks))
	}
}

func TestLocalTryLock(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	unlock, ok, err := l.TryLock(ctx, "cycle:acme")
	if err != nil || !ok {
		t.Fatalf("first TryLock: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := l.TryLock(ctx, "cycle:acme"); ok {
		t.Fatal("second TryLock should fail while held")
	}
	if _, ok, _ := l.TryLock(ctx, "cycle:other"); !ok {
		t.Fatal("different key should be free")
	}
	unlock()
	unlock() // idempotent

	again, ok, _ := l.TryLock(ctx, "cycle:acme")
	if !ok {
		t.Fatal("TryLock after unlock should succeed")
	}
	again()
}

func TestLocalLockHonorsContext(t *testing.T) {
	l := NewLocal()
	unlock, err := l.Lock(context.Background(), "token:123")
	if err != nil {
		t.Fatal(err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "token:123"); err == nil {
		t.Fatal("expected context error while key is held")
	}
}
