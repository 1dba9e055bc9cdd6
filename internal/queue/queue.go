// Package queue implements named work streams on top of Redis Streams with
// consumer groups, fixed-backoff retry and a per-queue dead-letter stream.
// Delivery is at-least-once: handlers must tolerate duplicates.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"interview-analytics/internal/broker"
	"interview-analytics/internal/observability/metrics"
)

// ErrTaskRejected is returned when the broker refuses a write.
var ErrTaskRejected = errors.New("task rejected by broker")

const payloadField = "payload"

// DLQName returns the dead-letter stream paired with queue.
func DLQName(queue string) string {
	return queue + ":dlq"
}

// Options tune a Queue. The zero value is usable.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	// MaxLen caps each stream approximately on append. Zero disables
	// trimming.
	MaxLen int64
	Now    func() time.Time
}

// Queue reads and writes tasks on any number of named streams sharing one
// broker client.
type Queue struct {
	client  redis.UniversalClient
	logger  *slog.Logger
	metrics *metrics.Recorder
	maxLen  int64
	now     func() time.Time

	groupMu sync.Mutex
	groups  map[string]struct{}
}

func New(client redis.UniversalClient, opts Options) *Queue {
	q := &Queue{
		client:  client,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		maxLen:  opts.MaxLen,
		now:     opts.Now,
		groups:  make(map[string]struct{}),
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	if q.metrics == nil {
		q.metrics = metrics.Default()
	}
	if q.now == nil {
		q.now = time.Now
	}
	return q
}

// Enqueue appends payload to queue and returns the generated event id.
// Reserved envelope keys in payload are overwritten.
func (q *Queue) Enqueue(ctx context.Context, queue string, payload map[string]any) (string, error) {
	values := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		if k == fieldTraceContext {
			continue
		}
		values[k] = v
	}
	injectTraceContext(ctx, values)
	task := Task{
		SchemaVersion: SchemaVersion,
		EventID:       NewEventID(prefixFor(queue), q.now()),
		QueueName:     queue,
		Payload:       values,
	}
	if err := q.add(ctx, queue, task); err != nil {
		return "", err
	}
	return task.EventID, nil
}

func (q *Queue) add(ctx context.Context, stream string, task Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("%w: encode task: %v", ErrTaskRejected, err)
	}
	args := &redis.XAddArgs{
		Stream: stream,
		Values: []any{payloadField, string(data)},
	}
	if q.maxLen > 0 {
		args.MaxLen = q.maxLen
		args.Approx = true
	}
	if err := q.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrTaskRejected, broker.Classify(err))
	}
	return nil
}

// Read returns at most one new task for consumer within block, or nil when
// none arrived. Entries that cannot be decoded are acked and skipped.
func (q *Queue) Read(ctx context.Context, queue, group, consumer string, block time.Duration) (*Task, error) {
	if err := q.ensureGroup(ctx, queue, group); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(block)
	for {
		wait := time.Until(deadline)
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{queue, ">"},
			Count:    1,
			Block:    wait,
		}).Result()
		if err != nil {
			if broker.IsNil(err) {
				return nil, nil
			}
			if broker.IsNoGroup(err) {
				q.forgetGroup(queue, group)
			}
			return nil, broker.Classify(err)
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				task, err := decodeMessage(msg)
				if err != nil {
					q.logger.Error("dropping malformed task", "queue", queue, "entry_id", msg.ID, "error", err)
					q.Ack(ctx, queue, group, msg.ID)
					continue
				}
				task.EntryID = msg.ID
				if task.QueueName == "" {
					task.QueueName = queue
				}
				return task, nil
			}
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
	}
}

func decodeMessage(msg redis.XMessage) (*Task, error) {
	raw, ok := msg.Values[payloadField]
	if !ok {
		return nil, errors.New("entry has no payload field")
	}
	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return nil, fmt.Errorf("unexpected payload type %T", raw)
	}
	return decodeTask(data)
}

// Ack removes entryID from the group's pending list. Failures are logged
// only; an unacked entry is at worst redelivered.
func (q *Queue) Ack(ctx context.Context, queue, group, entryID string) {
	if entryID == "" {
		return
	}
	if err := q.client.XAck(ctx, queue, group, entryID).Err(); err != nil {
		q.logger.Warn("task ack failed", "queue", queue, "group", group, "entry_id", entryID, "error", broker.Classify(err))
	}
}

// RetryWithBackoff increments the task's attempts. Once attempts exceeds
// maxAttempts the task is appended to the dead-letter stream and false is
// returned. Otherwise it waits backoff and appends the task to queue again,
// returning true. A non-nil error means the task was written nowhere. The
// caller still owns the original entry in both cases and acks it only on a
// nil error.
func (q *Queue) RetryWithBackoff(ctx context.Context, queue string, task *Task, maxAttempts int, backoff time.Duration) (bool, error) {
	task.Attempts++
	if task.Attempts > maxAttempts {
		if err := q.add(ctx, DLQName(queue), *task); err != nil {
			return false, err
		}
		q.logger.Warn("task dead-lettered", "queue", queue, "event_id", task.EventID, "attempts", task.Attempts)
		return false, nil
	}

	writeCtx := ctx
	if !sleep(ctx, backoff) {
		// Shutting down: requeue right away so the task is not stranded in
		// the pending list.
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
	}
	if err := q.add(writeCtx, queue, *task); err != nil {
		return false, err
	}
	return true, nil
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

// Depth is a best-effort probe result. Err is set when the probe failed, in
// which case Count is zero.
type Depth struct {
	Count int64  `json:"count"`
	Err   string `json:"error,omitempty"`
}

func depthOf(n int64, err error) Depth {
	if err != nil {
		return Depth{Err: broker.Classify(err).Error()}
	}
	return Depth{Count: n}
}

// Length reports the number of entries in queue.
func (q *Queue) Length(ctx context.Context, queue string) Depth {
	return depthOf(q.client.XLen(ctx, queue).Result())
}

// PendingCount reports entries delivered to group but not yet acked.
func (q *Queue) PendingCount(ctx context.Context, queue, group string) Depth {
	summary, err := q.client.XPending(ctx, queue, group).Result()
	if err != nil {
		return depthOf(0, err)
	}
	return Depth{Count: summary.Count}
}

// DLQLength reports the number of dead-lettered tasks for queue.
func (q *Queue) DLQLength(ctx context.Context, queue string) Depth {
	return q.Length(ctx, DLQName(queue))
}

// Stats groups the depth probes of one queue.
type Stats struct {
	Queue   string `json:"queue"`
	Group   string `json:"group"`
	Length  Depth  `json:"length"`
	Pending Depth  `json:"pending"`
	DLQ     Depth  `json:"dlq"`
}

// Stats probes queue and records the result in the metrics recorder.
func (q *Queue) Stats(ctx context.Context, queue, group string) Stats {
	stats := Stats{
		Queue:   queue,
		Group:   group,
		Length:  q.Length(ctx, queue),
		Pending: q.PendingCount(ctx, queue, group),
		DLQ:     q.DLQLength(ctx, queue),
	}
	depth := metrics.QueueDepth{
		Depth:   stats.Length.Count,
		Pending: stats.Pending.Count,
		DLQ:     stats.DLQ.Count,
	}
	for _, d := range []Depth{stats.Length, stats.Pending, stats.DLQ} {
		if d.Err != "" {
			depth.Errors++
		}
	}
	q.metrics.SetQueueDepth(queue, depth)
	return stats
}

// DeadLetters lists up to limit dead-lettered tasks of queue, newest first.
// Entries that fail to decode are skipped.
func (q *Queue) DeadLetters(ctx context.Context, queue string, limit int64) ([]Task, error) {
	if limit <= 0 {
		limit = 50
	}
	msgs, err := q.client.XRevRangeN(ctx, DLQName(queue), "+", "-", limit).Result()
	if err != nil {
		return nil, broker.Classify(err)
	}
	tasks := make([]Task, 0, len(msgs))
	for _, msg := range msgs {
		task, err := decodeMessage(msg)
		if err != nil {
			continue
		}
		task.EntryID = msg.ID
		tasks = append(tasks, *task)
	}
	return tasks, nil
}

func (q *Queue) ensureGroup(ctx context.Context, queue, group string) error {
	key := queue + "\x00" + group
	q.groupMu.Lock()
	defer q.groupMu.Unlock()
	if _, ok := q.groups[key]; ok {
		return nil
	}
	// Start at "0" so tasks enqueued before the first consumer are delivered.
	if err := q.client.XGroupCreateMkStream(ctx, queue, group, "0").Err(); err != nil && !broker.IsBusyGroup(err) {
		return broker.Classify(err)
	}
	q.groups[key] = struct{}{}
	return nil
}

func (q *Queue) forgetGroup(queue, group string) {
	q.groupMu.Lock()
	delete(q.groups, queue+"\x00"+group)
	q.groupMu.Unlock()
}
