// Command reconciler keeps meeting connector sessions healthy. It runs the
// breaker auto-reset, stale session reconciliation and live pull on a timer
// and serves the admin HTTP surface.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"interview-analytics/internal/admin"
	"interview-analytics/internal/broker"
	"interview-analytics/internal/config"
	"interview-analytics/internal/connector"
	"interview-analytics/internal/idempotency"
	"interview-analytics/internal/jobs"
	"interview-analytics/internal/kvstore"
	"interview-analytics/internal/observability/logging"
	"interview-analytics/internal/observability/metrics"
	"interview-analytics/internal/observability/tracing"
	"interview-analytics/internal/queue"
)

func main() {
	addr := flag.String("addr", "", "admin HTTP listen address")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	once := flag.Bool("once", false, "run a single tick, print its report and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	cfg.Admin.Addr = firstNonEmpty(*addr, cfg.Admin.Addr)
	cfg.Log.Level = firstNonEmpty(*logLevel, cfg.Log.Level)
	logger := logging.Init(cfg.LogOptions())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *once); err != nil {
		logger.Error("reconciler stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("reconciler stopped")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger, once bool) error {
	shutdownTracing, err := tracing.Setup(ctx, cfg.TracingOptions())
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	client, err := broker.NewClient(cfg.BrokerOptions())
	if err != nil {
		return fmt.Errorf("create broker client: %w", err)
	}
	defer client.Close()
	if err := broker.Ping(ctx, client); err != nil {
		logger.Warn("broker not reachable at startup", "error", err)
	}

	recorder := metrics.Default()
	q := queue.New(client, queue.Options{
		Logger:  logging.WithComponent(logger, "queue"),
		Metrics: recorder,
		MaxLen:  cfg.Queue.MaxLen,
	})
	dispatcher := queue.NewDispatcher(q, logging.WithComponent(logger, "dispatch"))

	svc, err := newConnectorService(cfg, client, dispatcher, logger, recorder)
	if err != nil {
		return err
	}

	if once {
		if svc == nil {
			return errors.New("meeting connector is disabled")
		}
		report := svc.Tick(ctx)
		if err := json.NewEncoder(os.Stdout).Encode(summarize(report)); err != nil {
			return err
		}
		return report.Err()
	}

	stopTick := func() {}
	if svc != nil {
		stopTick = jobs.Start(ctx, logger, "connector-tick", cfg.Reconcile.Interval, func(ctx context.Context) error {
			return svc.Tick(ctx).Err()
		})
	}
	defer stopTick()
	stopDepth := jobs.Start(ctx, logger, "queue-depth", cfg.Reconcile.Interval, func(ctx context.Context) error {
		for _, stage := range queue.Stages() {
			q.Stats(ctx, stage.Queue, stage.Group)
		}
		return nil
	})
	defer stopDepth()

	handler := &admin.Handler{
		Queues:    q,
		Connector: svc,
		Ping:      func(ctx context.Context) error { return broker.Ping(ctx, client) },
		Metrics:   recorder,
		Logger:    logging.WithComponent(logger, "admin"),
	}
	srv := &http.Server{
		Addr:              cfg.Admin.Addr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("admin listening", "addr", cfg.Admin.Addr)
		return admin.Run(gctx, admin.RunConfig{Server: srv, ShutdownTimeout: cfg.Admin.ShutdownTimeout})
	})
	return g.Wait()
}

// newConnectorService returns nil when the provider is "none".
func newConnectorService(cfg config.Config, client redis.UniversalClient, dispatcher *queue.Dispatcher, logger *slog.Logger, recorder *metrics.Recorder) (*connector.Service, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Connector.Provider))
	if provider == "none" {
		logger.Info("meeting connector disabled")
		return nil, nil
	}
	conn, err := connector.Resolve(provider, cfg.Connector.MockSampleB64)
	if err != nil {
		return nil, err
	}

	var store kvstore.Store = kvstore.NewRedis(client)
	if cfg.StateStore == "memory" {
		logger.Warn("connector state kept in process; other replicas will not see it")
		store = kvstore.NewMemory(nil)
	}
	var guard idempotency.Guard = idempotency.NewStoreGuard(store)
	if cfg.Idempotency.Backend == "memory" {
		guard = idempotency.NewMemoryGuard(cfg.Idempotency.MaxKeys)
	}

	connCfg := cfg.ConnectorOptions()
	connCfg.Provider = provider
	return connector.NewService(conn, store, connector.Options{
		Config:   connCfg,
		Guard:    guard,
		Ingestor: queueIngestor(dispatcher),
		Logger:   logger,
		Metrics:  recorder,
	}), nil
}

// queueIngestor turns live chunks into transcription tasks.
func queueIngestor(dispatcher *queue.Dispatcher) connector.Ingestor {
	return connector.IngestorFunc(func(ctx context.Context, resourceID string, seq int64, contentB64, key string) (connector.IngestResult, error) {
		if _, err := dispatcher.EnqueueSTTContent(ctx, resourceID, int(seq), contentB64, key); err != nil {
			return connector.IngestResult{}, err
		}
		return connector.IngestResult{}, nil
	})
}

type tickSummary struct {
	AutoReset bool                       `json:"auto_reset"`
	Reconcile *connector.ReconcileReport `json:"reconcile,omitempty"`
	LivePull  *connector.LivePullReport  `json:"live_pull,omitempty"`
	Errors    []string                   `json:"errors,omitempty"`
}

func summarize(report connector.TickReport) tickSummary {
	summary := tickSummary{AutoReset: report.AutoReset, Reconcile: report.Reconcile, LivePull: report.LivePull}
	for _, err := range []error{report.AutoResetErr, report.ReconcileErr, report.LivePullErr} {
		if err != nil {
			summary.Errors = append(summary.Errors, err.Error())
		}
	}
	return summary
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
