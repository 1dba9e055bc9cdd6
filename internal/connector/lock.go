package connector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"interview-analytics/internal/kvstore"
)

// Lock is an advisory per-meeting mutex. It does not fence: a holder that
// outlives the TTL keeps running while a new holder may start.
type Lock struct {
	store  kvstore.Store
	keys   keys
	ttl    time.Duration
	logger *slog.Logger
}

func NewLock(store kvstore.Store, provider string, ttl time.Duration, logger *slog.Logger) *Lock {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Lock{store: store, keys: keys{provider: provider}, ttl: ttl, logger: logger}
}

// WithLock runs fn while holding the lock for resourceID. It fails fast with
// ErrOperationInProgress when another holder has it. The lock is released
// only if it still carries this call's token.
func (l *Lock) WithLock(ctx context.Context, resourceID, op string, fn func(context.Context) error) error {
	key := l.keys.lock(resourceID)
	token := uuid.NewString()
	acquired, err := l.store.SetNX(ctx, key, token, l.ttl)
	if err != nil {
		return fmt.Errorf("acquire %s lock for %s: %w", op, resourceID, err)
	}
	if !acquired {
		return fmt.Errorf("%w: %s for %s", ErrOperationInProgress, op, resourceID)
	}
	defer func() {
		released, err := l.store.CompareAndDelete(context.WithoutCancel(ctx), key, token)
		switch {
		case err != nil:
			l.logger.Warn("operation lock release failed", "meeting_id", resourceID, "operation", op, "error", err)
		case !released:
			l.logger.Warn("operation lock expired before release", "meeting_id", resourceID, "operation", op)
		}
	}()
	return fn(ctx)
}
