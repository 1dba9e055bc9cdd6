package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewRespectsCustomWriter(t *testing.T) {
	var buf bytes.Buffer

	logger := New(Config{Writer: &buf})
	logger.Info("custom writer")

	if buf.Len() == 0 {
		t.Fatalf("expected output in custom writer, got none")
	}
}

func TestParseLevel(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected slog.Level
	}{
		{name: "debug", input: "debug", expected: slog.LevelDebug},
		{name: "warning", input: "warning", expected: slog.LevelWarn},
		{name: "error", input: "error", expected: slog.LevelError},
		{name: "empty", input: "", expected: slog.LevelInfo},
		{name: "mixed case", input: " DeBuG ", expected: slog.LevelDebug},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := parseLevel(tc.input).Level(); got != tc.expected {
				t.Fatalf("parseLevel(%q) = %v, want %v", tc.input, got, tc.expected)
			}
		})
	}
}

func TestTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf, Format: "text"})
	logger.Info("plain", "queue", "q:stt")
	if !strings.Contains(buf.String(), "queue=q:stt") {
		t.Fatalf("expected text output, got %q", buf.String())
	}
}

func TestWithContextAddsIdentifiers(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf})

	ctx := ContextWithMeetingID(context.Background(), " mtg-1 ")
	ctx = ContextWithEventID(ctx, "stt_20260101000000_abcdef")
	ctx = ContextWithEventID(ctx, "   ")

	WithContext(ctx, logger).Info("processing")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode log record: %v", err)
	}
	if record["meeting_id"] != "mtg-1" {
		t.Fatalf("unexpected meeting_id %v", record["meeting_id"])
	}
	if record["event_id"] != "stt_20260101000000_abcdef" {
		t.Fatalf("unexpected event_id %v", record["event_id"])
	}
}

func TestWithComponentNilLogger(t *testing.T) {
	if WithComponent(nil, "queue") != nil {
		t.Fatal("expected nil logger to stay nil")
	}
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf})
	handler := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/queues", nil))

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode log record: %v", err)
	}
	if record["path"] != "/admin/queues" {
		t.Fatalf("unexpected path %v", record["path"])
	}
	if status, _ := record["status"].(float64); int(status) != http.StatusTeapot {
		t.Fatalf("unexpected status %v", record["status"])
	}
}
