package connector

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"interview-analytics/internal/observability/metrics"
)

// IdempotencyScope namespaces live chunk keys in the idempotency guard.
const IdempotencyScope = "live_chunk"

const batchSchema = `{
	"type": "object",
	"required": ["chunks"],
	"properties": {
		"chunks": {"type": "array"},
		"next_cursor": {"type": ["string", "null"]}
	}
}`

const chunkSchema = `{
	"type": "object",
	"required": ["content_b64"],
	"properties": {
		"id": {"type": ["string", "integer"]},
		"seq": {"type": "integer", "minimum": 0},
		"content_b64": {"type": "string", "minLength": 1}
	}
}`

var (
	batchValidator = jsonschema.MustCompileString("live-batch.json", batchSchema)
	chunkValidator = jsonschema.MustCompileString("live-chunk.json", chunkSchema)
)

type liveBatch struct {
	Chunks     []json.RawMessage `json:"chunks"`
	NextCursor *string           `json:"next_cursor"`
}

type liveChunk struct {
	ID         json.RawMessage `json:"id"`
	Seq        *int64          `json:"seq"`
	ContentB64 string          `json:"content_b64"`
}

func (c liveChunk) id() string {
	if len(c.ID) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(c.ID, &s); err == nil {
		return s
	}
	return string(c.ID)
}

// idempotencyKey identifies a chunk across repeated fetches of the same
// page: the upstream id, else the explicit sequence, else a content hash.
func (c liveChunk) idempotencyKey() string {
	if id := c.id(); id != "" {
		return id
	}
	if c.Seq != nil {
		return fmt.Sprintf("seq-%d", *c.Seq)
	}
	sum := sha256.Sum256([]byte(c.ContentB64))
	return "sha256-" + hex.EncodeToString(sum[:])
}

func parseBatch(raw []byte) (liveBatch, error) {
	var batch liveBatch
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return batch, nil
	}
	var doc any
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return batch, fmt.Errorf("%w: %v", ErrInvalidUpstreamPayload, err)
	}
	if err := batchValidator.Validate(doc); err != nil {
		return batch, fmt.Errorf("%w: %v", ErrInvalidUpstreamPayload, err)
	}
	if err := json.Unmarshal(trimmed, &batch); err != nil {
		return batch, fmt.Errorf("%w: %v", ErrInvalidUpstreamPayload, err)
	}
	return batch, nil
}

func parseChunk(raw json.RawMessage) (liveChunk, error) {
	var chunk liveChunk
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return chunk, err
	}
	if err := chunkValidator.Validate(doc); err != nil {
		return chunk, err
	}
	err := json.Unmarshal(raw, &chunk)
	return chunk, err
}

// PullResult counts what one live pull did for one meeting. Pulled counts
// valid chunks; duplicates are pulled but not ingested.
type PullResult struct {
	ResourceID string `json:"resource_id"`
	Pulled     int    `json:"pulled"`
	Ingested   int    `json:"ingested"`
	Invalid    int    `json:"invalid_chunks"`
	Failed     int    `json:"failed"`
	Cursor     string `json:"cursor,omitempty"`
}

// PullLive fetches one page of live chunks for resourceID after the stored
// cursor and hands every new chunk to the ingestor. The cursor only advances
// when the connector returns one.
func (s *Service) PullLive(ctx context.Context, resourceID string, batchLimit int) (PullResult, error) {
	result := PullResult{ResourceID: resourceID}
	if s.ingestor == nil {
		return result, errors.New("live pull requires an ingestor")
	}
	if batchLimit <= 0 {
		batchLimit = s.cfg.LivePull.BatchLimit
	}
	if batchLimit <= 0 {
		batchLimit = 20
	}
	log := s.logger.With("meeting_id", resourceID)

	cursor, _, err := s.store.Get(ctx, s.keys.liveCursor(resourceID))
	if err != nil {
		return result, fmt.Errorf("load live cursor: %w", err)
	}
	result.Cursor = cursor

	raw, err := s.fetchWithRetry(ctx, resourceID, cursor, batchLimit)
	if err != nil {
		return result, err
	}
	batch, err := parseBatch(raw)
	if err != nil {
		return result, err
	}

	for i, rawChunk := range batch.Chunks {
		chunk, err := parseChunk(rawChunk)
		if err != nil {
			result.Invalid++
			log.Warn("skipping malformed live chunk", "index", i, "error", err)
			continue
		}
		key := chunk.idempotencyKey()
		result.Pulled++

		fresh, err := s.guard.CheckAndSet(ctx, IdempotencyScope, resourceID, key, s.cfg.LivePull.IdempotencyTTL)
		if err != nil {
			result.Failed++
			log.Warn("live chunk idempotency check failed", "chunk_id", key, "error", err)
			continue
		}
		if !fresh {
			continue
		}
		seq, err := s.sequence(ctx, resourceID, chunk)
		if err != nil {
			result.Failed++
			log.Warn("live chunk sequence unavailable", "chunk_id", key, "error", err)
			continue
		}
		ingested, err := s.ingestor.Ingest(ctx, resourceID, seq, chunk.ContentB64, key)
		if err != nil {
			result.Failed++
			log.Warn("live chunk ingest failed", "chunk_id", key, "seq", seq, "error", err)
			continue
		}
		if !ingested.IsDuplicate {
			result.Ingested++
		}
	}

	if batch.NextCursor != nil && *batch.NextCursor != "" {
		if err := s.store.Set(ctx, s.keys.liveCursor(resourceID), *batch.NextCursor, s.registry.ttl); err != nil {
			return result, fmt.Errorf("save live cursor: %w", err)
		}
		result.Cursor = *batch.NextCursor
	}
	s.touch(ctx, resourceID)
	return result, nil
}

func (s *Service) fetchWithRetry(ctx context.Context, resourceID, cursor string, limit int) ([]byte, error) {
	retry := s.cfg.LivePull.Retry
	tried := 0
	var lastErr error
	for attempt := 1; attempt <= retry.Attempts; attempt++ {
		tried = attempt
		s.metrics.ObserveConnectorAttempt("fetch_live_chunks")
		raw, err := s.connector.FetchLiveChunks(ctx, resourceID, cursor, limit)
		if err == nil {
			return raw, nil
		}
		lastErr = err
		s.logger.Warn("live chunk fetch failed", "meeting_id", resourceID, "attempt", attempt, "error", truncateError(err))
		if attempt < retry.Attempts && !sleep(ctx, retry.Backoff*time.Duration(attempt)) {
			break
		}
	}
	s.metrics.ObserveConnectorFailure("fetch_live_chunks")
	state, _ := s.registry.Get(ctx, resourceID)
	return nil, &CallError{Op: "fetch_live_chunks", Attempts: tried, State: state, Err: lastErr}
}

// sequence returns the chunk's explicit sequence or the next value of the
// per-meeting fallback counter. The counter lives as long as the session.
func (s *Service) sequence(ctx context.Context, resourceID string, chunk liveChunk) (int64, error) {
	if chunk.Seq != nil {
		return *chunk.Seq, nil
	}
	key := s.keys.liveSeq(resourceID)
	seq, err := s.store.Incr(ctx, key)
	if err != nil {
		return 0, err
	}
	if err := s.store.Expire(ctx, key, s.registry.ttl); err != nil {
		s.logger.Warn("live sequence expiry not set", "meeting_id", resourceID, "error", err)
	}
	return seq, nil
}

// touch refreshes updated_at of a session after a successful pull.
func (s *Service) touch(ctx context.Context, resourceID string) {
	state, err := s.registry.Get(ctx, resourceID)
	if err != nil {
		return
	}
	state.UpdatedAt = s.now().UTC()
	s.save(ctx, state)
}

// LivePullReport summarises one pass over connected sessions.
type LivePullReport struct {
	Scanned   int       `json:"scanned"`
	Connected int       `json:"connected"`
	Pulled    int       `json:"pulled"`
	Ingested  int       `json:"ingested"`
	Invalid   int       `json:"invalid_chunks"`
	Failed    int       `json:"failed"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PullLiveSessions runs PullLive for up to the configured number of
// connected sessions. A failing session is counted and the pass continues.
func (s *Service) PullLiveSessions(ctx context.Context) (LivePullReport, error) {
	report := LivePullReport{UpdatedAt: s.now().UTC()}
	sessions, err := s.registry.List(ctx, 0)
	if err != nil {
		return report, err
	}
	report.Scanned = len(sessions)
	limit := s.cfg.LivePull.SessionsLimit
	for _, state := range sessions {
		if !state.Connected {
			continue
		}
		if limit > 0 && report.Connected >= limit {
			break
		}
		report.Connected++
		pulled, err := s.PullLive(ctx, state.ResourceID, s.cfg.LivePull.BatchLimit)
		report.Pulled += pulled.Pulled
		report.Ingested += pulled.Ingested
		report.Invalid += pulled.Invalid
		report.Failed += pulled.Failed
		if err != nil {
			report.Failed++
			s.logger.Warn("live pull failed", "meeting_id", state.ResourceID, "error", err)
		}
	}
	s.metrics.ObserveLivePull(metrics.LivePullResult{
		Pulled:   report.Pulled,
		Ingested: report.Ingested,
		Invalid:  report.Invalid,
		Failed:   report.Failed,
	})
	return report, nil
}
