// Package connector wraps the external meeting-platform connector with the
// resilience it needs: a circuit breaker per provider, per-meeting operation
// locks, a session registry mirrored to the state store, and the periodic
// reconciliation and live-pull passes.
package connector

import (
	"context"
	"fmt"
	"strings"
)

// Connector is the upstream meeting platform. Implementations live outside
// this package; responses are treated as untrusted.
type Connector interface {
	Join(ctx context.Context, resourceID string) error
	Leave(ctx context.Context, resourceID string) error
	// FetchLiveChunks returns one raw JSON page of the form
	// {"chunks":[{"id":..,"seq":..,"content_b64":..}],"next_cursor":..}.
	FetchLiveChunks(ctx context.Context, resourceID, cursor string, limit int) ([]byte, error)
}

// HealthChecker is implemented by connectors able to probe the platform.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// IngestResult reports what the ingestion pipeline did with a chunk.
type IngestResult struct {
	IsDuplicate bool
}

// Ingestor accepts live audio chunks for processing.
type Ingestor interface {
	Ingest(ctx context.Context, resourceID string, seq int64, contentB64, idempotencyKey string) (IngestResult, error)
}

// IngestorFunc adapts a function to Ingestor.
type IngestorFunc func(ctx context.Context, resourceID string, seq int64, contentB64, idempotencyKey string) (IngestResult, error)

func (f IngestorFunc) Ingest(ctx context.Context, resourceID string, seq int64, contentB64, idempotencyKey string) (IngestResult, error) {
	return f(ctx, resourceID, seq, contentB64, idempotencyKey)
}

const (
	ProviderSberJazz     = "sberjazz"
	ProviderSberJazzMock = "sberjazz_mock"
)

// Resolve returns the connector for provider. Only the mock ships with this
// module; real platform adapters are passed to NewService directly.
func Resolve(provider string, mockSampleB64 string) (Connector, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case ProviderSberJazzMock, "":
		return &MockConnector{SampleB64: mockSampleB64}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
}

type keys struct {
	provider string
}

func (k keys) session(id string) string { return "connector:" + k.provider + ":session:" + id }
func (k keys) sessionIndex() string     { return "connector:" + k.provider + ":sessions" }
func (k keys) breaker() string          { return "connector:" + k.provider + ":circuit_breaker" }
func (k keys) lock(id string) string    { return "connector:" + k.provider + ":op_lock:" + id }
func (k keys) liveCursor(id string) string {
	return "connector:" + k.provider + ":live_cursor:" + id
}
func (k keys) liveSeq(id string) string { return "connector:" + k.provider + ":live_seq:" + id }
