package queue

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"interview-analytics/internal/broker"
	"interview-analytics/internal/observability/logging"
	"interview-analytics/internal/observability/metrics"
	"interview-analytics/internal/observability/tracing"
	"interview-analytics/internal/testsupport/redistest"
)

func newTestQueue(t *testing.T) (*Queue, redis.UniversalClient, *metrics.Recorder) {
	t.Helper()
	_, client := redistest.Start(t)
	recorder := metrics.New()
	q := New(client, Options{Logger: logging.Discard(), Metrics: recorder})
	return q, client, recorder
}

func TestNewEventIDFormat(t *testing.T) {
	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	id := NewEventID("stt", now)
	if !regexp.MustCompile(`^stt_20260304050607_[0-9a-f]{12}$`).MatchString(id) {
		t.Fatalf("unexpected event id %q", id)
	}
	if other := NewEventID("stt", now); other == id {
		t.Fatalf("expected unique ids, got %q twice", id)
	}
}

func TestEnqueueReadAck(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	eventID, err := q.Enqueue(ctx, "q:stt", map[string]any{"meeting_id": "mtg-1", "chunk_seq": 4, "attempts": 9})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if !strings.HasPrefix(eventID, "stt_") {
		t.Fatalf("expected stt prefix, got %q", eventID)
	}

	task, err := q.Read(ctx, "q:stt", "g:stt", "c1", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if task == nil {
		t.Fatal("expected a task")
	}
	if task.EventID != eventID || task.SchemaVersion != SchemaVersion {
		t.Fatalf("unexpected envelope %+v", task)
	}
	if task.Attempts != 0 {
		t.Fatalf("expected reserved attempts to be reset, got %d", task.Attempts)
	}
	if task.MeetingID() != "mtg-1" || task.Int("chunk_seq") != 4 {
		t.Fatalf("unexpected payload %+v", task.Payload)
	}
	if got := q.PendingCount(ctx, "q:stt", "g:stt"); got.Count != 1 {
		t.Fatalf("expected 1 pending, got %+v", got)
	}

	q.Ack(ctx, "q:stt", "g:stt", task.EntryID)
	if got := q.PendingCount(ctx, "q:stt", "g:stt"); got.Count != 0 || got.Err != "" {
		t.Fatalf("expected 0 pending after ack, got %+v", got)
	}
}

func TestReadDeliversTasksEnqueuedBeforeGroupExists(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()
	if _, err := q.Enqueue(ctx, "q:enhancer", map[string]any{"meeting_id": "m"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	task, err := q.Read(ctx, "q:enhancer", "g:enhancer", "c1", 50*time.Millisecond)
	if err != nil || task == nil {
		t.Fatalf("expected early task, got %v, %v", task, err)
	}
}

func TestReadTimeoutReturnsNil(t *testing.T) {
	q, _, _ := newTestQueue(t)
	task, err := q.Read(context.Background(), "q:analytics", "g:analytics", "c1", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if task != nil {
		t.Fatalf("expected no task, got %+v", task)
	}
}

func TestReadSkipsMalformedEntries(t *testing.T) {
	q, client, _ := newTestQueue(t)
	ctx := context.Background()

	if err := q.ensureGroup(ctx, "q:stt", "g:stt"); err != nil {
		t.Fatalf("ensureGroup: %v", err)
	}
	for _, raw := range []string{"not json", `{"event_id":"x"}`, `{"schema_version":"v2","event_id":"x"}`} {
		if err := client.XAdd(ctx, &redis.XAddArgs{Stream: "q:stt", Values: []any{"payload", raw}}).Err(); err != nil {
			t.Fatalf("XAdd: %v", err)
		}
	}
	if err := client.XAdd(ctx, &redis.XAddArgs{Stream: "q:stt", Values: []any{"other", "1"}}).Err(); err != nil {
		t.Fatalf("XAdd: %v", err)
	}
	eventID, err := q.Enqueue(ctx, "q:stt", map[string]any{"meeting_id": "m"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	task, err := q.Read(ctx, "q:stt", "g:stt", "c1", 200*time.Millisecond)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if task == nil || task.EventID != eventID {
		t.Fatalf("expected the valid task, got %+v", task)
	}
	if got := q.PendingCount(ctx, "q:stt", "g:stt"); got.Count != 1 {
		t.Fatalf("expected only the valid entry pending, got %+v", got)
	}
}

func TestRetryWithBackoffRequeuesThenDeadLetters(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()
	task := &Task{SchemaVersion: SchemaVersion, EventID: "stt_1", QueueName: "q:stt", Payload: map[string]any{"meeting_id": "m"}}

	requeued, err := q.RetryWithBackoff(ctx, "q:stt", task, 1, time.Millisecond)
	if err != nil || !requeued {
		t.Fatalf("expected requeue, got %v, %v", requeued, err)
	}
	if got := q.Length(ctx, "q:stt"); got.Count != 1 {
		t.Fatalf("expected requeued entry, got %+v", got)
	}

	requeued, err = q.RetryWithBackoff(ctx, "q:stt", task, 1, time.Millisecond)
	if err != nil || requeued {
		t.Fatalf("expected dead-letter, got %v, %v", requeued, err)
	}
	if got := q.DLQLength(ctx, "q:stt"); got.Count != 1 {
		t.Fatalf("expected 1 dead letter, got %+v", got)
	}

	letters, err := q.DeadLetters(ctx, "q:stt", 10)
	if err != nil {
		t.Fatalf("DeadLetters: %v", err)
	}
	if len(letters) != 1 || letters[0].EventID != "stt_1" || letters[0].Attempts != 2 {
		t.Fatalf("unexpected dead letters %+v", letters)
	}
}

func TestRetryWithBackoffRequeuesWhenCancelledDuringBackoff(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	task := &Task{SchemaVersion: SchemaVersion, EventID: "enh_1", Payload: map[string]any{}}

	requeued, err := q.RetryWithBackoff(ctx, "q:enhancer", task, 3, time.Hour)
	if err != nil || !requeued {
		t.Fatalf("expected immediate requeue, got %v, %v", requeued, err)
	}
	if got := q.Length(context.Background(), "q:enhancer"); got.Count != 1 {
		t.Fatalf("expected requeued entry, got %+v", got)
	}
}

func TestDepthProbesReportErrors(t *testing.T) {
	q, client, recorder := newTestQueue(t)
	ctx := context.Background()
	if err := client.Set(ctx, "q:delivery", "not a stream", 0).Err(); err != nil {
		t.Fatalf("Set: %v", err)
	}

	length := q.Length(ctx, "q:delivery")
	if length.Count != 0 || !strings.Contains(length.Err, "WRONGTYPE") {
		t.Fatalf("expected WRONGTYPE probe error, got %+v", length)
	}
	if pending := q.PendingCount(ctx, "q:missing", "g:missing"); pending.Count != 0 || pending.Err == "" {
		t.Fatalf("expected pending probe error for missing stream, got %+v", pending)
	}
	if dlq := q.DLQLength(ctx, "q:missing"); dlq.Count != 0 || dlq.Err != "" {
		t.Fatalf("expected empty dlq, got %+v", dlq)
	}

	stats := q.Stats(ctx, "q:delivery", "g:delivery")
	if stats.Length.Err == "" {
		t.Fatalf("expected stats to carry the probe error, got %+v", stats)
	}
	if got := recorder.QueueDepths()["q:delivery"]; got.Errors < 1 {
		t.Fatalf("expected recorded probe errors, got %+v", got)
	}
}

func TestEnqueueRejectedWhenBrokerDown(t *testing.T) {
	mr, client := redistest.Start(t)
	q := New(client, Options{Logger: logging.Discard()})
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := q.Enqueue(ctx, "q:stt", map[string]any{"meeting_id": "m"})
	if !errors.Is(err, ErrTaskRejected) {
		t.Fatalf("expected ErrTaskRejected, got %v", err)
	}
	if !errors.Is(err, broker.ErrUnavailable) {
		t.Fatalf("expected broker unavailable cause, got %v", err)
	}
}

func TestEnqueueCarriesTraceContext(t *testing.T) {
	if _, err := tracing.Setup(context.Background(), tracing.Config{}); err != nil {
		t.Fatalf("tracing setup: %v", err)
	}
	q, _, _ := newTestQueue(t)
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	if _, err := q.Enqueue(ctx, "q:analytics", map[string]any{"meeting_id": "m"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	task, err := q.Read(context.Background(), "q:analytics", "g:analytics", "c1", 100*time.Millisecond)
	if err != nil || task == nil {
		t.Fatalf("Read: %v, %v", task, err)
	}
	got := trace.SpanContextFromContext(task.Context(context.Background()))
	if got.TraceID() != traceID {
		t.Fatalf("expected trace id to survive the queue, got %s", got.TraceID())
	}
}

func TestDispatcherPayloads(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()
	d := NewDispatcher(q, logging.Discard())

	if _, err := d.EnqueueRetention(ctx, "meeting", "mtg-9", "expired"); err != nil {
		t.Fatalf("EnqueueRetention: %v", err)
	}
	task, err := q.Read(ctx, StageRetention.Queue, StageRetention.Group, "c1", 100*time.Millisecond)
	if err != nil || task == nil {
		t.Fatalf("Read: %v, %v", task, err)
	}
	if !strings.HasPrefix(task.EventID, "ret_") {
		t.Fatalf("unexpected event id %q", task.EventID)
	}
	if task.String("entity_type") != "meeting" || task.String("entity_id") != "mtg-9" || task.String("reason") != "expired" {
		t.Fatalf("unexpected payload %+v", task.Payload)
	}

	if _, err := d.EnqueueSTTContent(ctx, "mtg-9", 3, "AAAA", "live-1"); err != nil {
		t.Fatalf("EnqueueSTTContent: %v", err)
	}
	task, err = q.Read(ctx, StageSTT.Queue, StageSTT.Group, "c1", 100*time.Millisecond)
	if err != nil || task == nil {
		t.Fatalf("Read: %v, %v", task, err)
	}
	if task.Int("chunk_seq") != 3 || task.String("content_b64") != "AAAA" || task.String("idempotency_key") != "live-1" {
		t.Fatalf("unexpected stt payload %+v", task.Payload)
	}

	if _, err := d.EnqueueEnhancer(ctx, ""); err == nil {
		t.Fatal("expected missing meeting id to be rejected")
	}
}

func TestConsumerDeadLettersAfterMaxAttempts(t *testing.T) {
	q, _, recorder := newTestQueue(t)
	bg := context.Background()
	eventID, err := q.Enqueue(bg, StageSTT.Queue, map[string]any{"meeting_id": "mtg-1"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	var calls atomic.Int32
	consumer := &Consumer{
		Queue:  q,
		Stage:  StageSTT,
		Name:   "worker-1",
		Block:  20 * time.Millisecond,
		Policy: RetryPolicy{MaxAttempts: 3},
		Handler: func(context.Context, *Task) error {
			calls.Add(1)
			return errors.New("stt backend down")
		},
		Logger:  logging.Discard(),
		Metrics: recorder,
	}

	ctx, cancel := context.WithCancel(bg)
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if q.DLQLength(bg, StageSTT.Queue).Count == 1 && q.PendingCount(bg, StageSTT.Queue, StageSTT.Group).Count == 0 {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("task never reached the dead-letter stream")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}

	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 handler calls, got %d", got)
	}
	letters, err := q.DeadLetters(bg, StageSTT.Queue, 10)
	if err != nil {
		t.Fatalf("DeadLetters: %v", err)
	}
	if len(letters) != 1 || letters[0].EventID != eventID || letters[0].Attempts != 3 {
		t.Fatalf("unexpected dead letters %+v", letters)
	}
	outcomes := recorder.TaskOutcomes()
	if outcomes[metrics.TaskLabel{Queue: StageSTT.Queue, Outcome: OutcomeRequeued}] != 2 {
		t.Fatalf("expected 2 requeues, got %+v", outcomes)
	}
	if outcomes[metrics.TaskLabel{Queue: StageSTT.Queue, Outcome: OutcomeDeadLettered}] != 1 {
		t.Fatalf("expected 1 dead-letter, got %+v", outcomes)
	}
}

func TestConsumerAcksSuccessfulTasks(t *testing.T) {
	q, _, recorder := newTestQueue(t)
	bg := context.Background()
	if _, err := q.Enqueue(bg, StageDelivery.Queue, map[string]any{"meeting_id": "mtg-2"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	handled := make(chan string, 1)
	consumer := &Consumer{
		Queue: q,
		Stage: StageDelivery,
		Block: 20 * time.Millisecond,
		Handler: func(ctx context.Context, task *Task) error {
			id, _ := logging.MeetingIDFromContext(ctx)
			handled <- id
			return nil
		},
		Logger:  logging.Discard(),
		Metrics: recorder,
	}
	ctx, cancel := context.WithCancel(bg)
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	select {
	case id := <-handled:
		if id != "mtg-2" {
			t.Fatalf("expected meeting id in handler context, got %q", id)
		}
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("handler never called")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if got := recorder.TaskOutcomes()[metrics.TaskLabel{Queue: StageDelivery.Queue, Outcome: OutcomeAcked}]; got != 1 {
		t.Fatalf("expected 1 acked outcome, got %d", got)
	}
	if got := q.PendingCount(bg, StageDelivery.Queue, StageDelivery.Group); got.Count != 0 {
		t.Fatalf("expected no pending entries, got %+v", got)
	}
}
