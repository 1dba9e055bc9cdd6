package connector

import (
	"context"
	"log/slog"
	"time"

	"interview-analytics/internal/idempotency"
	"interview-analytics/internal/kvstore"
	"interview-analytics/internal/observability/logging"
	"interview-analytics/internal/observability/metrics"
)

// RetryConfig is a linear retry budget: Attempts calls in total, sleeping
// Backoff*n after the n-th failure.
type RetryConfig struct {
	Attempts int
	Backoff  time.Duration
}

type ReconcileConfig struct {
	Enabled        bool
	Limit          int
	StaleThreshold time.Duration
}

type LivePullConfig struct {
	Enabled       bool
	BatchLimit    int
	SessionsLimit int
	Retry         RetryConfig
	// IdempotencyTTL is how long a chunk id is remembered. Zero uses the
	// guard default.
	IdempotencyTTL time.Duration
}

type AutoResetConfig struct {
	Enabled bool
	MinAge  time.Duration
}

type Config struct {
	Provider   string
	Retry      RetryConfig
	Breaker    BreakerConfig
	AutoReset  AutoResetConfig
	LockTTL    time.Duration
	SessionTTL time.Duration
	Reconcile  ReconcileConfig
	LivePull   LivePullConfig
}

// Options carries the collaborators of a Service. Guard defaults to a
// store-backed guard and Ingestor may be nil when live pull is disabled.
type Options struct {
	Config   Config
	Guard    idempotency.Guard
	Ingestor Ingestor
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
	Now      func() time.Time
}

// Service is the facade used by the admin surface and the background loops.
type Service struct {
	cfg       Config
	connector Connector
	store     kvstore.Store
	keys      keys
	registry  *Registry
	breaker   *Breaker
	lock      *Lock
	guard     idempotency.Guard
	ingestor  Ingestor
	logger    *slog.Logger
	metrics   *metrics.Recorder
	now       func() time.Time
}

func NewService(conn Connector, store kvstore.Store, opts Options) *Service {
	cfg := opts.Config
	if cfg.Provider == "" {
		cfg.Provider = ProviderSberJazzMock
	}
	if cfg.Retry.Attempts < 1 {
		cfg.Retry.Attempts = 1
	}
	if cfg.LivePull.Retry.Attempts < 1 {
		cfg.LivePull.Retry.Attempts = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logging.WithComponent(logger, "connector").With("provider", cfg.Provider)
	recorder := opts.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	guard := opts.Guard
	if guard == nil {
		guard = idempotency.NewStoreGuard(store)
	}
	return &Service{
		cfg:       cfg,
		connector: conn,
		store:     store,
		keys:      keys{provider: cfg.Provider},
		registry:  NewRegistry(store, cfg.Provider, cfg.SessionTTL, now, logger),
		breaker:   NewBreaker(store, cfg.Provider, cfg.Breaker, now, logger, recorder),
		lock:      NewLock(store, cfg.Provider, cfg.LockTTL, logger),
		guard:     guard,
		ingestor:  opts.Ingestor,
		logger:    logger,
		metrics:   recorder,
		now:       now,
	}
}

func (s *Service) Provider() string { return s.cfg.Provider }
func (s *Service) Registry() *Registry { return s.registry }
func (s *Service) Breaker() *Breaker { return s.breaker }
func (s *Service) Config() Config { return s.cfg }

// Join connects the provider to a meeting.
func (s *Service) Join(ctx context.Context, resourceID string) (SessionState, error) {
	return s.transition(ctx, resourceID, "join", s.connector.Join, true)
}

// Leave disconnects the provider from a meeting.
func (s *Service) Leave(ctx context.Context, resourceID string) (SessionState, error) {
	return s.transition(ctx, resourceID, "leave", s.connector.Leave, false)
}

// Reconnect leaves a connected meeting first, ignoring a failed leave, and
// then joins.
func (s *Service) Reconnect(ctx context.Context, resourceID string) (SessionState, error) {
	current, err := s.registry.Get(ctx, resourceID)
	if err != nil {
		s.logger.Warn("session state unavailable before reconnect", "meeting_id", resourceID, "error", err)
	}
	if current.Connected {
		if _, err := s.Leave(ctx, resourceID); err != nil {
			s.logger.Warn("leave before reconnect failed", "meeting_id", resourceID, "error", err)
		}
	}
	return s.Join(ctx, resourceID)
}

func (s *Service) transition(ctx context.Context, resourceID, op string, call func(context.Context, string) error, connect bool) (SessionState, error) {
	var state SessionState
	err := s.lock.WithLock(ctx, resourceID, op, func(ctx context.Context) error {
		if err := s.breaker.BeforeCall(ctx, op); err != nil {
			return err
		}
		var callErr error
		state, callErr = s.callWithRetry(ctx, resourceID, op, call, connect)
		return callErr
	})
	return state, err
}

func (s *Service) callWithRetry(ctx context.Context, resourceID, op string, call func(context.Context, string) error, connect bool) (SessionState, error) {
	log := s.logger.With("meeting_id", resourceID, "operation", op)
	attempts := s.cfg.Retry.Attempts
	tried := 0
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		tried = attempt
		s.metrics.ObserveConnectorAttempt(op)
		err := call(ctx, resourceID)
		if err == nil {
			s.breaker.OnSuccess(ctx)
			state := SessionState{
				ResourceID: resourceID,
				Provider:   s.cfg.Provider,
				Connected:  connect,
				Attempts:   attempt,
				UpdatedAt:  s.now().UTC(),
			}
			s.save(ctx, state)
			log.Info("connector call succeeded", "attempt", attempt)
			return state, nil
		}
		lastErr = err
		log.Warn("connector call failed", "attempt", attempt, "error", truncateError(err))
		if attempt < attempts && !sleep(ctx, s.cfg.Retry.Backoff*time.Duration(attempt)) {
			break
		}
	}

	s.metrics.ObserveConnectorFailure(op)
	s.breaker.OnFailure(ctx, lastErr)
	state := SessionState{
		ResourceID: resourceID,
		Provider:   s.cfg.Provider,
		Connected:  !connect,
		Attempts:   tried,
		LastError:  truncateError(lastErr),
		UpdatedAt:  s.now().UTC(),
	}
	s.save(ctx, state)
	return state, &CallError{Op: op, Attempts: tried, State: state, Err: lastErr}
}

func (s *Service) save(ctx context.Context, state SessionState) {
	if err := s.registry.Save(ctx, state); err != nil {
		s.logger.Warn("session state not persisted", "meeting_id", state.ResourceID, "error", err)
	}
}

// State returns the recorded state of one meeting.
func (s *Service) State(ctx context.Context, resourceID string) (SessionState, error) {
	return s.registry.Get(ctx, resourceID)
}

// Sessions lists recorded sessions, newest first.
func (s *Service) Sessions(ctx context.Context, limit int) ([]SessionState, error) {
	return s.registry.List(ctx, limit)
}

// Health is the result of probing the provider.
type Health struct {
	Provider string `json:"provider"`
	Healthy  bool   `json:"healthy"`
	Error    string `json:"error,omitempty"`
}

// Health probes the provider. Connectors without a probe report unhealthy
// so they are never auto-reset.
func (s *Service) Health(ctx context.Context) Health {
	health := Health{Provider: s.cfg.Provider}
	checker, ok := s.connector.(HealthChecker)
	if !ok {
		health.Error = "health probe not supported"
	} else if err := checker.Health(ctx); err != nil {
		health.Error = truncateError(err)
	} else {
		health.Healthy = true
	}
	s.metrics.SetConnectorHealth(s.cfg.Provider, health.Healthy)
	return health
}

func (s *Service) BreakerState(ctx context.Context) BreakerState {
	return s.breaker.State(ctx)
}

// ResetBreaker closes the breaker on operator request.
func (s *Service) ResetBreaker(ctx context.Context, reason string) BreakerState {
	if reason == "" {
		reason = ResetManual
	}
	return s.breaker.Reset(ctx, "admin", reason)
}

// AutoResetBreaker closes an open breaker that has been open for at least
// the configured minimum age once the provider probes healthy. It reports
// whether a reset happened.
func (s *Service) AutoResetBreaker(ctx context.Context) (bool, error) {
	if !s.cfg.AutoReset.Enabled {
		return false, nil
	}
	st := s.breaker.State(ctx)
	if st.State != StateOpen || st.OpenedAt == nil {
		return false, nil
	}
	if s.now().Sub(*st.OpenedAt) < s.cfg.AutoReset.MinAge {
		return false, nil
	}
	health := s.Health(ctx)
	if !health.Healthy {
		s.logger.Info("circuit breaker kept open, provider unhealthy", "error", health.Error)
		return false, nil
	}
	s.breaker.Reset(ctx, "job", ResetAuto)
	return true, nil
}

// RefreshMetrics publishes session, breaker and health gauges.
func (s *Service) RefreshMetrics(ctx context.Context) error {
	sessions, err := s.registry.List(ctx, 0)
	if err != nil {
		return err
	}
	var connected, disconnected int64
	for _, state := range sessions {
		if state.Connected {
			connected++
		} else {
			disconnected++
		}
	}
	s.metrics.SetSessions(connected, disconnected)
	s.metrics.SetBreakerState(s.cfg.Provider, s.breaker.State(ctx).State)
	s.Health(ctx)
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
