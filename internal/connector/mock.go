package connector

import (
	"context"
	"encoding/json"
)

// MockConnector stands in for the meeting platform in development. When
// SampleB64 is set the first live page of every meeting carries one chunk
// with that content; every later page is empty.
type MockConnector struct {
	SampleB64 string
}

func (m *MockConnector) Join(context.Context, string) error  { return nil }
func (m *MockConnector) Leave(context.Context, string) error { return nil }
func (m *MockConnector) Health(context.Context) error        { return nil }

type mockChunk struct {
	ID         string `json:"id"`
	Seq        int64  `json:"seq"`
	ContentB64 string `json:"content_b64"`
}

type mockPage struct {
	Chunks     []mockChunk `json:"chunks"`
	NextCursor *string     `json:"next_cursor"`
}

func (m *MockConnector) FetchLiveChunks(_ context.Context, resourceID, cursor string, _ int) ([]byte, error) {
	page := mockPage{Chunks: []mockChunk{}}
	if cursor != "" {
		page.NextCursor = &cursor
	}
	if m.SampleB64 != "" && cursor == "" {
		next := "mock-live-1"
		page.Chunks = append(page.Chunks, mockChunk{ID: resourceID + ":mock-live:1", Seq: 1, ContentB64: m.SampleB64})
		page.NextCursor = &next
	}
	return json.Marshal(page)
}
