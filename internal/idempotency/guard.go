// Package idempotency deduplicates repeated deliveries of the same logical
// event, keyed by scope, resource and an idempotency key.
package idempotency

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"interview-analytics/internal/kvstore"
)

// DefaultTTL is how long a key is remembered when no TTL is given.
const DefaultTTL = 24 * time.Hour

// Guard reports whether a key is seen for the first time. CheckAndSet returns
// true exactly once per key within its TTL.
type Guard interface {
	CheckAndSet(ctx context.Context, scope, resourceID, key string, ttl time.Duration) (bool, error)
}

// Key returns the storage key for one event.
func Key(scope, resourceID, key string) string {
	return fmt.Sprintf("idem:%s:%s:%s", scope, resourceID, key)
}

// StoreGuard keeps keys in a shared state store, so it deduplicates across
// processes.
type StoreGuard struct {
	store kvstore.Store
}

func NewStoreGuard(store kvstore.Store) *StoreGuard {
	return &StoreGuard{store: store}
}

func (g *StoreGuard) CheckAndSet(ctx context.Context, scope, resourceID, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ok, err := g.store.SetNX(ctx, Key(scope, resourceID, key), "1", ttl)
	if err != nil {
		return false, fmt.Errorf("idempotency check: %w", err)
	}
	return ok, nil
}

// MemoryGuard is a bounded in-process guard. It only deduplicates within one
// process and forgets everything on restart.
type MemoryGuard struct {
	mu      sync.Mutex
	maxKeys int
	now     func() time.Time
	expires map[string]time.Time
}

// NewMemoryGuard returns a guard holding at most maxKeys live keys. When the
// bound is exceeded expired keys are dropped first, then the keys closest to
// expiry.
func NewMemoryGuard(maxKeys int) *MemoryGuard {
	return newMemoryGuard(maxKeys, time.Now)
}

func newMemoryGuard(maxKeys int, now func() time.Time) *MemoryGuard {
	if maxKeys <= 0 {
		maxKeys = 10000
	}
	return &MemoryGuard{maxKeys: maxKeys, now: now, expires: make(map[string]time.Time)}
}

func (g *MemoryGuard) CheckAndSet(_ context.Context, scope, resourceID, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	k := Key(scope, resourceID, key)
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()
	if exp, ok := g.expires[k]; ok && now.Before(exp) {
		return false, nil
	}
	g.expires[k] = now.Add(ttl)
	if len(g.expires) > g.maxKeys {
		g.evict(now)
	}
	return true, nil
}

// Len reports the number of keys currently held.
func (g *MemoryGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.expires)
}

func (g *MemoryGuard) evict(now time.Time) {
	for k, exp := range g.expires {
		if !now.Before(exp) {
			delete(g.expires, k)
		}
	}
	if len(g.expires) <= g.maxKeys {
		return
	}
	keys := make([]string, 0, len(g.expires))
	for k := range g.expires {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return g.expires[keys[i]].Before(g.expires[keys[j]])
	})
	for _, k := range keys[:len(keys)-g.maxKeys] {
		delete(g.expires, k)
	}
}
