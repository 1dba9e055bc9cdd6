package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Dispatcher packs the per-stage task payloads consumed by the pipeline
// workers.
type Dispatcher struct {
	queue  *Queue
	logger *slog.Logger
}

func NewDispatcher(q *Queue, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{queue: q, logger: logger}
}

// EnqueueSTT schedules transcription of a stored audio chunk.
func (d *Dispatcher) EnqueueSTT(ctx context.Context, meetingID string, chunkSeq int, blobKey string) (string, error) {
	if meetingID == "" || blobKey == "" {
		return "", errors.New("meeting id and blob key are required")
	}
	return d.enqueue(ctx, StageSTT, map[string]any{
		"meeting_id": meetingID,
		"chunk_seq":  chunkSeq,
		"blob_key":   blobKey,
		"timestamp":  d.queue.now().UTC().Format(time.RFC3339Nano),
	})
}

// EnqueueSTTContent schedules transcription of a chunk whose audio travels
// inline, as delivered by the live pull.
func (d *Dispatcher) EnqueueSTTContent(ctx context.Context, meetingID string, chunkSeq int, contentB64, idempotencyKey string) (string, error) {
	if meetingID == "" || contentB64 == "" {
		return "", errors.New("meeting id and content are required")
	}
	payload := map[string]any{
		"meeting_id":  meetingID,
		"chunk_seq":   chunkSeq,
		"content_b64": contentB64,
		"source":      "live_pull",
		"timestamp":   d.queue.now().UTC().Format(time.RFC3339Nano),
	}
	if idempotencyKey != "" {
		payload["idempotency_key"] = idempotencyKey
	}
	return d.enqueue(ctx, StageSTT, payload)
}

func (d *Dispatcher) EnqueueEnhancer(ctx context.Context, meetingID string) (string, error) {
	return d.enqueueMeeting(ctx, StageEnhancer, meetingID)
}

func (d *Dispatcher) EnqueueAnalytics(ctx context.Context, meetingID string) (string, error) {
	return d.enqueueMeeting(ctx, StageAnalytics, meetingID)
}

func (d *Dispatcher) EnqueueDelivery(ctx context.Context, meetingID string) (string, error) {
	return d.enqueueMeeting(ctx, StageDelivery, meetingID)
}

// EnqueueRetention schedules cleanup of one stored entity.
func (d *Dispatcher) EnqueueRetention(ctx context.Context, entityType, entityID, reason string) (string, error) {
	if entityType == "" || entityID == "" {
		return "", errors.New("entity type and id are required")
	}
	return d.enqueue(ctx, StageRetention, map[string]any{
		"entity_type": entityType,
		"entity_id":   entityID,
		"reason":      reason,
	})
}

func (d *Dispatcher) enqueueMeeting(ctx context.Context, stage Stage, meetingID string) (string, error) {
	if meetingID == "" {
		return "", errors.New("meeting id is required")
	}
	return d.enqueue(ctx, stage, map[string]any{"meeting_id": meetingID})
}

func (d *Dispatcher) enqueue(ctx context.Context, stage Stage, payload map[string]any) (string, error) {
	eventID, err := d.queue.Enqueue(ctx, stage.Queue, payload)
	if err != nil {
		d.logger.Error("enqueue failed", "queue", stage.Queue, "meeting_id", payload["meeting_id"], "error", err)
		return "", err
	}
	d.logger.Debug("task enqueued", "queue", stage.Queue, "event_id", eventID, "meeting_id", payload["meeting_id"])
	return eventID, nil
}
