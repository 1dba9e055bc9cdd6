package idempotency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"interview-analytics/internal/broker"
	"interview-analytics/internal/kvstore"
	"interview-analytics/internal/testsupport/redistest"
)

func TestStoreGuardFirstCallWins(t *testing.T) {
	mr, client := redistest.Start(t)
	guard := NewStoreGuard(kvstore.NewRedis(client))
	ctx := context.Background()

	first, err := guard.CheckAndSet(ctx, "live_chunk", "mtg-1", "chunk-1", time.Minute)
	if err != nil || !first {
		t.Fatalf("expected first call to win, got %v, %v", first, err)
	}
	second, err := guard.CheckAndSet(ctx, "live_chunk", "mtg-1", "chunk-1", time.Minute)
	if err != nil || second {
		t.Fatalf("expected duplicate, got %v, %v", second, err)
	}
	if other, _ := guard.CheckAndSet(ctx, "live_chunk", "mtg-2", "chunk-1", time.Minute); !other {
		t.Fatal("expected keys to be scoped by resource")
	}

	mr.FastForward(2 * time.Minute)
	again, err := guard.CheckAndSet(ctx, "live_chunk", "mtg-1", "chunk-1", time.Minute)
	if err != nil || !again {
		t.Fatalf("expected key to be accepted after ttl, got %v, %v", again, err)
	}
	if ttl := mr.TTL(Key("live_chunk", "mtg-1", "chunk-1")); ttl != time.Minute {
		t.Fatalf("expected ttl of one minute, got %v", ttl)
	}
}

func TestStoreGuardConcurrentCallersSeeOneWinner(t *testing.T) {
	_, client := redistest.Start(t)
	guard := NewStoreGuard(kvstore.NewRedis(client))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := guard.CheckAndSet(context.Background(), "stt", "mtg-1", "evt-1", 0); err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := wins.Load(); got != 1 {
		t.Fatalf("expected exactly one winner, got %d", got)
	}
}

func TestStoreGuardPropagatesBrokerErrors(t *testing.T) {
	mr, client := redistest.Start(t)
	guard := NewStoreGuard(kvstore.NewRedis(client))
	mr.Close()

	_, err := guard.CheckAndSet(context.Background(), "stt", "mtg-1", "evt-1", time.Minute)
	if !errors.Is(err, broker.ErrUnavailable) {
		t.Fatalf("expected broker unavailable, got %v", err)
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemoryGuardExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	guard := newMemoryGuard(10, clock.Now)
	ctx := context.Background()

	if ok, _ := guard.CheckAndSet(ctx, "s", "r", "k", time.Second); !ok {
		t.Fatal("expected first call to win")
	}
	if ok, _ := guard.CheckAndSet(ctx, "s", "r", "k", time.Second); ok {
		t.Fatal("expected duplicate within ttl")
	}
	clock.Advance(time.Second)
	if ok, _ := guard.CheckAndSet(ctx, "s", "r", "k", time.Second); !ok {
		t.Fatal("expected key to be accepted after ttl")
	}
}

func TestMemoryGuardStaysBounded(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	guard := newMemoryGuard(3, clock.Now)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		clock.Advance(time.Millisecond)
		if _, err := guard.CheckAndSet(ctx, "s", "r", fmt.Sprintf("k%d", i), time.Hour); err != nil {
			t.Fatalf("CheckAndSet: %v", err)
		}
	}
	if got := guard.Len(); got != 3 {
		t.Fatalf("expected 3 keys held, got %d", got)
	}
	// The oldest keys were evicted, the newest are still deduplicated.
	if ok, _ := guard.CheckAndSet(ctx, "s", "r", "k4", time.Hour); ok {
		t.Fatal("expected newest key to still be remembered")
	}
	if ok, _ := guard.CheckAndSet(ctx, "s", "r", "k0", time.Hour); !ok {
		t.Fatal("expected evicted key to be accepted again")
	}
}

func TestMemoryGuardEvictsExpiredFirst(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	guard := newMemoryGuard(2, clock.Now)
	ctx := context.Background()

	guard.CheckAndSet(ctx, "s", "r", "short", time.Second)
	guard.CheckAndSet(ctx, "s", "r", "long", time.Hour)
	clock.Advance(2 * time.Second)
	guard.CheckAndSet(ctx, "s", "r", "new", time.Hour)

	if got := guard.Len(); got != 2 {
		t.Fatalf("expected 2 keys held, got %d", got)
	}
	if ok, _ := guard.CheckAndSet(ctx, "s", "r", "long", time.Hour); ok {
		t.Fatal("expected unexpired key to survive eviction")
	}
}
