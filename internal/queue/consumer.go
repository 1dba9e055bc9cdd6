package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"interview-analytics/internal/observability/logging"
	"interview-analytics/internal/observability/metrics"
)

// Handler processes one task. A returned error triggers a retry.
type Handler func(ctx context.Context, task *Task) error

// Task outcomes reported to the metrics recorder.
const (
	OutcomeAcked        = "acked"
	OutcomeRequeued     = "requeued"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeStranded     = "stranded"
)

// Consumer drives a handler over one stage's stream.
type Consumer struct {
	Queue   *Queue
	Stage   Stage
	Name    string
	Block   time.Duration
	// Policy overrides Stage.Retry when MaxAttempts is set.
	Policy  RetryPolicy
	Handler Handler
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// Run reads and handles tasks until ctx is cancelled, which is noticed at the
// next read timeout. Broker read failures are returned.
func (c *Consumer) Run(ctx context.Context) error {
	if c.Queue == nil || c.Handler == nil {
		return errors.New("consumer requires a queue and a handler")
	}
	name := c.Name
	if name == "" {
		name = fmt.Sprintf("%s-%s", c.Stage.Name, uuid.NewString()[:8])
	}
	block := c.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	policy := c.Policy
	if policy.MaxAttempts == 0 {
		policy = c.Stage.Retry
	}
	if policy.MaxAttempts == 0 {
		policy = DefaultRetryPolicy
	}
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("queue", c.Stage.Queue, "consumer", name)
	recorder := c.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}

	logger.Info("consumer started")
	for {
		if ctx.Err() != nil {
			logger.Info("consumer stopped")
			return nil
		}
		task, err := c.Queue.Read(ctx, c.Stage.Queue, c.Stage.Group, name, block)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("consumer stopped")
				return nil
			}
			return fmt.Errorf("read %s: %w", c.Stage.Queue, err)
		}
		if task == nil {
			continue
		}
		outcome := c.handle(ctx, logger, policy, task)
		recorder.ObserveTaskOutcome(c.Stage.Queue, outcome)
	}
}

func (c *Consumer) handle(ctx context.Context, logger *slog.Logger, policy RetryPolicy, task *Task) string {
	taskCtx := task.Context(ctx)
	taskCtx = logging.ContextWithEventID(taskCtx, task.EventID)
	if meetingID := task.MeetingID(); meetingID != "" {
		taskCtx = logging.ContextWithMeetingID(taskCtx, meetingID)
	}
	log := logging.WithContext(taskCtx, logger)

	entryID := task.EntryID
	ackCtx := context.WithoutCancel(ctx)
	err := c.Handler(taskCtx, task)
	if err == nil {
		c.Queue.Ack(ackCtx, c.Stage.Queue, c.Stage.Group, entryID)
		return OutcomeAcked
	}

	log.Warn("task failed", "attempts", task.Attempts+1, "error", err)
	requeued, retryErr := c.Queue.RetryWithBackoff(ctx, c.Stage.Queue, task, policy.budget(), policy.Backoff)
	if retryErr != nil {
		// Leave the entry pending rather than lose the task.
		log.Error("task retry failed", "entry_id", entryID, "error", retryErr)
		return OutcomeStranded
	}
	c.Queue.Ack(ackCtx, c.Stage.Queue, c.Stage.Group, entryID)
	if requeued {
		return OutcomeRequeued
	}
	return OutcomeDeadLettered
}
