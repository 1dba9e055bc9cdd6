package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"interview-analytics/internal/kvstore"
)

// SessionState is the connector's view of one meeting.
type SessionState struct {
	ResourceID string    `json:"resource_id"`
	Provider   string    `json:"provider"`
	Connected  bool      `json:"connected"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Registry keeps session states in process and mirrors every save to the
// state store so another process can pick them up. The in-process copy wins
// on reads until it is older than the session TTL.
type Registry struct {
	store  kvstore.Store
	keys   keys
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]cachedSession
}

type cachedSession struct {
	state   SessionState
	expires time.Time
}

func NewRegistry(store kvstore.Store, provider string, ttl time.Duration, now func() time.Time, logger *slog.Logger) *Registry {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Registry{
		store:  store,
		keys:   keys{provider: provider},
		ttl:    ttl,
		now:    now,
		logger: logger,
		cache:  make(map[string]cachedSession),
	}
}

// Get returns the state of resourceID, or a fresh disconnected state when
// nothing is recorded. A store failure still yields the fresh state together
// with the error.
func (r *Registry) Get(ctx context.Context, resourceID string) (SessionState, error) {
	state, ok, err := r.load(ctx, resourceID)
	if err != nil || !ok {
		return r.fresh(resourceID), err
	}
	return state, nil
}

func (r *Registry) fresh(resourceID string) SessionState {
	return SessionState{
		ResourceID: resourceID,
		Provider:   r.keys.provider,
		UpdatedAt:  r.now().UTC(),
	}
}

func (r *Registry) load(ctx context.Context, resourceID string) (SessionState, bool, error) {
	r.mu.RLock()
	cached, ok := r.cache[resourceID]
	r.mu.RUnlock()
	if ok {
		if r.now().Before(cached.expires) {
			return cached.state, true, nil
		}
		r.Forget(resourceID)
	}

	raw, found, err := r.store.Get(ctx, r.keys.session(resourceID))
	if err != nil {
		return SessionState{}, false, fmt.Errorf("load session %s: %w", resourceID, err)
	}
	if !found {
		return SessionState{}, false, nil
	}
	var state SessionState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		r.logger.Warn("discarding unreadable session state", "meeting_id", resourceID, "error", err)
		return SessionState{}, false, nil
	}
	r.remember(state)
	return state, true, nil
}

// Save records state in process first, then in the store. A store failure is
// returned but the in-process copy is kept.
func (r *Registry) Save(ctx context.Context, state SessionState) error {
	if state.Provider == "" {
		state.Provider = r.keys.provider
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = r.now().UTC()
	}
	r.remember(state)

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", state.ResourceID, err)
	}
	if err := r.store.Set(ctx, r.keys.session(state.ResourceID), string(data), r.ttl); err != nil {
		return fmt.Errorf("save session %s: %w", state.ResourceID, err)
	}
	if err := r.store.SAdd(ctx, r.keys.sessionIndex(), state.ResourceID); err != nil {
		return fmt.Errorf("index session %s: %w", state.ResourceID, err)
	}
	if err := r.store.Expire(ctx, r.keys.sessionIndex(), r.ttl); err != nil {
		return fmt.Errorf("index session %s: %w", state.ResourceID, err)
	}
	return nil
}

// List merges known sessions from the process and the store index, newest
// first. A non-positive limit returns every session.
func (r *Registry) List(ctx context.Context, limit int) ([]SessionState, error) {
	ids := make(map[string]struct{})
	r.mu.RLock()
	for id := range r.cache {
		ids[id] = struct{}{}
	}
	r.mu.RUnlock()

	members, err := r.store.SMembers(ctx, r.keys.sessionIndex())
	if err != nil {
		if len(ids) == 0 {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		r.logger.Warn("session index unavailable, listing cached sessions", "error", err)
	}
	for _, id := range members {
		ids[id] = struct{}{}
	}

	sessions := make([]SessionState, 0, len(ids))
	var expired []string
	for id := range ids {
		state, ok, err := r.load(ctx, id)
		if err != nil {
			r.logger.Warn("session load failed", "meeting_id", id, "error", err)
			continue
		}
		if !ok {
			expired = append(expired, id)
			continue
		}
		sessions = append(sessions, state)
	}
	if len(expired) > 0 {
		if err := r.store.SRem(ctx, r.keys.sessionIndex(), expired...); err != nil {
			r.logger.Warn("session index prune failed", "error", err)
		}
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].UpdatedAt.Equal(sessions[j].UpdatedAt) {
			return sessions[i].ResourceID < sessions[j].ResourceID
		}
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
	if limit > 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions, nil
}

func (r *Registry) remember(state SessionState) {
	r.mu.Lock()
	r.cache[state.ResourceID] = cachedSession{state: state, expires: r.now().Add(r.ttl)}
	r.mu.Unlock()
}

// Forget drops the in-process copy of resourceID.
func (r *Registry) Forget(resourceID string) {
	r.mu.Lock()
	delete(r.cache, resourceID)
	r.mu.Unlock()
}
