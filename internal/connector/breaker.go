package connector

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"interview-analytics/internal/kvstore"
	"interview-analytics/internal/observability/metrics"
)

// Breaker states.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

// Reset reasons.
const (
	ResetManual = "manual_reset"
	ResetAuto   = "auto_health_recovered"
)

// BreakerState is the persisted breaker record. OpenedAt is set only while
// State is open.
type BreakerState struct {
	State               string     `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	OpenedAt            *time.Time `json:"opened_at"`
	LastError           string     `json:"last_error,omitempty"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

type BreakerConfig struct {
	FailureThreshold int
	OpenFor          time.Duration
	// StateTTL bounds how long the record lives in the store without
	// updates.
	StateTTL time.Duration
}

// Breaker guards calls to one provider. Every transition is a
// read-modify-write of the shared record; concurrent writers race and the
// last one wins. Half-open admits every caller until the next outcome is
// recorded.
type Breaker struct {
	store    kvstore.Store
	key      string
	provider string
	cfg      BreakerConfig
	now      func() time.Time
	logger   *slog.Logger
	metrics  *metrics.Recorder

	mu   sync.Mutex
	last BreakerState
}

func NewBreaker(store kvstore.Store, provider string, cfg BreakerConfig, now func() time.Time, logger *slog.Logger, recorder *metrics.Recorder) *Breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = 7 * 24 * time.Hour
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Breaker{
		store:    store,
		key:      keys{provider: provider}.breaker(),
		provider: provider,
		cfg:      cfg,
		now:      now,
		logger:   logger,
		metrics:  recorder,
		last:     BreakerState{State: StateClosed, UpdatedAt: now().UTC()},
	}
}

// State returns the current record, falling back to the last one seen when
// the store cannot be read.
func (b *Breaker) State(ctx context.Context) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loadLocked(ctx)
}

// BeforeCall rejects op with *CircuitOpenError while the breaker cools down.
// After the cooldown it moves to half-open and lets the call through.
func (b *Breaker) BeforeCall(ctx context.Context, op string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.loadLocked(ctx)
	if st.State != StateOpen {
		return nil
	}
	now := b.now()
	if st.OpenedAt != nil {
		if reopen := st.OpenedAt.Add(b.cfg.OpenFor); now.Before(reopen) {
			return &CircuitOpenError{Provider: b.provider, Operation: op, RetryAfter: reopen.Sub(now)}
		}
	}
	st.State = StateHalfOpen
	st.OpenedAt = nil
	st.UpdatedAt = now.UTC()
	b.saveLocked(ctx, st)
	b.logger.Info("circuit breaker half-open", "provider", b.provider, "operation", op)
	return nil
}

func (b *Breaker) OnSuccess(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.loadLocked(ctx)
	if st.State == StateClosed && st.ConsecutiveFailures == 0 {
		return
	}
	if st.State != StateClosed {
		b.logger.Info("circuit breaker closed", "provider", b.provider)
	}
	b.saveLocked(ctx, BreakerState{State: StateClosed, UpdatedAt: b.now().UTC()})
}

func (b *Breaker) OnFailure(ctx context.Context, cause error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.loadLocked(ctx)
	now := b.now().UTC()
	st.ConsecutiveFailures++
	st.LastError = truncateError(cause)
	st.UpdatedAt = now
	if st.State == StateHalfOpen || st.ConsecutiveFailures >= b.cfg.FailureThreshold {
		if st.State != StateOpen {
			b.logger.Warn("circuit breaker opened", "provider", b.provider, "failures", st.ConsecutiveFailures, "error", st.LastError)
		}
		st.State = StateOpen
		st.OpenedAt = &now
	} else {
		st.State = StateClosed
		st.OpenedAt = nil
	}
	b.saveLocked(ctx, st)
}

// Reset closes the breaker unconditionally. source labels who asked for it
// in metrics, for example "admin" or "job".
func (b *Breaker) Reset(ctx context.Context, source, reason string) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := BreakerState{State: StateClosed, UpdatedAt: b.now().UTC()}
	b.saveLocked(ctx, st)
	b.metrics.ObserveBreakerReset(source, reason)
	b.logger.Info("circuit breaker reset", "provider", b.provider, "source", source, "reason", reason)
	return st
}

func (b *Breaker) loadLocked(ctx context.Context) BreakerState {
	raw, ok, err := b.store.Get(ctx, b.key)
	if err != nil {
		b.logger.Warn("circuit breaker state unavailable, using last known", "provider", b.provider, "error", err)
		return b.last
	}
	if !ok {
		return BreakerState{State: StateClosed, UpdatedAt: b.last.UpdatedAt}
	}
	var st BreakerState
	if err := json.Unmarshal([]byte(raw), &st); err != nil || !validState(st.State) {
		b.logger.Warn("discarding unreadable circuit breaker state", "provider", b.provider)
		return BreakerState{State: StateClosed, UpdatedAt: b.now().UTC()}
	}
	if st.State != StateOpen {
		st.OpenedAt = nil
	}
	b.last = st
	return st
}

func (b *Breaker) saveLocked(ctx context.Context, st BreakerState) {
	b.last = st
	b.metrics.SetBreakerState(b.provider, st.State)
	data, err := json.Marshal(st)
	if err != nil {
		return
	}
	if err := b.store.Set(ctx, b.key, string(data), b.cfg.StateTTL); err != nil {
		b.logger.Warn("circuit breaker state not persisted", "provider", b.provider, "error", err)
	}
}

func validState(state string) bool {
	switch state {
	case StateClosed, StateOpen, StateHalfOpen:
		return true
	}
	return false
}
