// Package jobs runs periodic background work on a ticker.
package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Ticker is the subset of time.Ticker the runner needs.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

// TickerFactory builds the ticker for a loop.
type TickerFactory func(time.Duration) Ticker

// Func is one unit of periodic work.
type Func func(context.Context) error

// Start runs fn every interval until ctx is cancelled or the returned stop
// func is called. A tick that is running when stop is called finishes first.
// Errors and panics are logged and the loop keeps going.
func Start(ctx context.Context, logger *slog.Logger, name string, interval time.Duration, fn Func) func() {
	return StartWithTicker(ctx, logger, name, interval, fn, func(d time.Duration) Ticker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func StartWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	name string,
	interval time.Duration,
	fn Func,
	newTicker TickerFactory,
) func() {
	if fn == nil || interval <= 0 {
		return func() {}
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("job", name)
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		logger.Info("background job started", "interval", interval.String())
		for {
			select {
			case <-workerCtx.Done():
				logger.Info("background job stopped")
				return
			case <-ticker.C():
				runOnce(context.WithoutCancel(workerCtx), logger, fn)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

func runOnce(ctx context.Context, logger *slog.Logger, fn Func) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("background job panicked", "panic", r)
		}
	}()
	started := time.Now()
	if err := fn(ctx); err != nil {
		logger.Error("background job failed", "error", err, "duration", time.Since(started))
		return
	}
	logger.Debug("background job finished", "duration", time.Since(started))
}
