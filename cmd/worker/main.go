// Command worker drains the pipeline queues. Each selected stage gets its
// own consumers in the stage's consumer group; a failed task is retried with
// the stage's fixed backoff and dead-lettered once its budget is spent.
package main

import (
	"context"
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

	"golang.org/x/sync/errgroup"

	"interview-analytics/internal/admin"
	"interview-analytics/internal/broker"
	"interview-analytics/internal/config"
	"interview-analytics/internal/observability/logging"
	"interview-analytics/internal/observability/metrics"
	"interview-analytics/internal/observability/tracing"
	"interview-analytics/internal/queue"
)

// restartDelay is how long a consumer waits before reading again after the
// broker failed a read.
const restartDelay = 2 * time.Second

type options struct {
	stages      []queue.Stage
	concurrency int
	consumerID  string
	serveAdmin  bool
}

func main() {
	stagesFlag := flag.String("stages", "", "comma separated stages to consume (default: all)")
	concurrency := flag.Int("concurrency", 1, "consumers per stage")
	consumerID := flag.String("consumer", "", "consumer name prefix (default: hostname)")
	addr := flag.String("addr", "", "admin HTTP listen address")
	serveAdmin := flag.Bool("admin", true, "serve health and metrics endpoints")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	cfg.Admin.Addr = firstNonEmpty(*addr, cfg.Admin.Addr)
	cfg.Log.Level = firstNonEmpty(*logLevel, cfg.Log.Level)
	logger := logging.Init(cfg.LogOptions())

	stages, err := parseStages(*stagesFlag)
	if err != nil {
		logger.Error("invalid stages", "error", err)
		os.Exit(2)
	}
	if *concurrency < 1 {
		logger.Error("concurrency must be at least 1", "concurrency", *concurrency)
		os.Exit(2)
	}
	hostname, _ := os.Hostname()
	opts := options{
		stages:      stages,
		concurrency: *concurrency,
		consumerID:  firstNonEmpty(*consumerID, hostname, "worker"),
		serveAdmin:  *serveAdmin,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts, logger); err != nil {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("worker stopped")
}

func run(ctx context.Context, cfg config.Config, opts options, logger *slog.Logger) error {
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
	p := newPipeline(queue.NewDispatcher(q, logging.WithComponent(logger, "dispatch")), logging.WithComponent(logger, "pipeline"))

	g, gctx := errgroup.WithContext(ctx)
	for _, consumer := range consumers(q, p, cfg, opts, logger, recorder) {
		g.Go(func() error {
			supervise(gctx, consumer, logger)
			return nil
		})
	}

	if opts.serveAdmin {
		handler := &admin.Handler{
			Queues:  q,
			Stages:  opts.stages,
			Ping:    func(ctx context.Context) error { return broker.Ping(ctx, client) },
			Metrics: recorder,
			Logger:  logging.WithComponent(logger, "admin"),
		}
		srv := &http.Server{
			Addr:              cfg.Admin.Addr,
			Handler:           handler.Routes(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("admin listening", "addr", cfg.Admin.Addr)
			return admin.Run(gctx, admin.RunConfig{Server: srv, ShutdownTimeout: cfg.Admin.ShutdownTimeout})
		})
	}
	return g.Wait()
}

func consumers(q *queue.Queue, p *pipeline, cfg config.Config, opts options, logger *slog.Logger, recorder *metrics.Recorder) []*queue.Consumer {
	out := make([]*queue.Consumer, 0, len(opts.stages)*opts.concurrency)
	for _, stage := range opts.stages {
		policy := cfg.RetryPolicy(stage)
		logger.Info("stage configured", "queue", stage.Queue, "group", stage.Group, "max_attempts", policy.MaxAttempts, "backoff", policy.Backoff.String())
		for i := 1; i <= opts.concurrency; i++ {
			out = append(out, &queue.Consumer{
				Queue:   q,
				Stage:   stage,
				Name:    fmt.Sprintf("%s-%s-%d", opts.consumerID, stage.Name, i),
				Block:   cfg.Queue.Block,
				Policy:  policy,
				Handler: p.handler(stage),
				Logger:  logger,
				Metrics: recorder,
			})
		}
	}
	return out
}

// supervise keeps a consumer running until ctx ends. A broker read failure
// stops the consumer; it is restarted after restartDelay.
func supervise(ctx context.Context, consumer *queue.Consumer, logger *slog.Logger) {
	for {
		err := consumer.Run(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}
		logger.Error("consumer failed, restarting", "queue", consumer.Stage.Queue, "consumer", consumer.Name, "error", err, "delay", restartDelay.String())
		timer := time.NewTimer(restartDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// parseStages resolves a comma separated list of stage or queue names. An
// empty list selects every stage.
func parseStages(raw string) ([]queue.Stage, error) {
	if strings.TrimSpace(raw) == "" {
		return queue.Stages(), nil
	}
	seen := make(map[string]struct{})
	var stages []queue.Stage
	var errs []error
	for _, name := range strings.Split(raw, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		stage, ok := queue.LookupStage(name)
		if !ok {
			errs = append(errs, fmt.Errorf("unknown stage %q", name))
			continue
		}
		if _, dup := seen[stage.Name]; dup {
			continue
		}
		seen[stage.Name] = struct{}{}
		stages = append(stages, stage)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if len(stages) == 0 {
		return nil, errors.New("no stages selected")
	}
	return stages, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
