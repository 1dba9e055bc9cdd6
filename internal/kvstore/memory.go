package kvstore

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Memory is a process-local Store for deployments without an external
// broker and for tests. State is lost on restart and not shared between
// processes.
type Memory struct {
	mu   sync.Mutex
	now  func() time.Time
	kv   map[string]memoryEntry
	sets map[string]map[string]struct{}
}

type memoryEntry struct {
	value  string
	expiry time.Time
}

// NewMemory constructs an empty store. A nil clock defaults to time.Now.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{
		now:  now,
		kv:   make(map[string]memoryEntry),
		sets: make(map[string]map[string]struct{}),
	}
}

func (m *Memory) lookup(key string) (memoryEntry, bool) {
	entry, ok := m.kv[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !entry.expiry.IsZero() && !m.now().Before(entry.expiry) {
		delete(m.kv, key)
		return memoryEntry{}, false
	}
	return entry, true
}

func (m *Memory) expiryFor(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.lookup(key)
	return entry.value, ok, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[key] = memoryEntry{value: value, expiry: m.expiryFor(ttl)}
	return nil
}

func (m *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lookup(key); ok {
		return false, nil
	}
	m.kv[key] = memoryEntry{value: value, expiry: m.expiryFor(ttl)}
	return true, nil
}

func (m *Memory) CompareAndDelete(_ context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.lookup(key)
	if !ok || entry.value != value {
		return false, nil
	}
	delete(m.kv, key)
	return true, nil
}

func (m *Memory) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, _ := m.lookup(key)
	current, _ := strconv.ParseInt(entry.value, 10, 64)
	current++
	entry.value = strconv.FormatInt(current, 10)
	m.kv[key] = entry
	return current, nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.lookup(key)
	if !ok {
		return nil
	}
	entry.expiry = m.expiryFor(ttl)
	m.kv[key] = entry
	return nil
}

func (m *Memory) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{}, len(members))
		m.sets[key] = set
	}
	for _, member := range members {
		set[member] = struct{}{}
	}
	return nil
}

func (m *Memory) SRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		return nil
	}
	for _, member := range members {
		delete(set, member)
	}
	if len(set) == 0 {
		delete(m.sets, key)
	}
	return nil
}

func (m *Memory) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.sets[key]
	members := make([]string, 0, len(set))
	for member := range set {
		members = append(members, member)
	}
	sort.Strings(members)
	return members, nil
}
