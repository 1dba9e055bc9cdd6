package metrics

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"":                                                  "/",
		"/":                                                 "/",
		"/admin/queues":                                     "/admin/queues",
		"/admin/connector/sessions/mtg-1/join":              "/admin/connector/sessions/:id/join",
		"admin/connector/sessions/mtg_20260101000000_ab12/": "/admin/connector/sessions/:id",
	}
	for input, want := range cases {
		if got := normalizePath(input); got != want {
			t.Fatalf("normalizePath(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestWriteRendersQueueAndConnectorMetrics(t *testing.T) {
	recorder := New()
	recorder.SetQueueDepth("q:stt", QueueDepth{Depth: 3, Pending: 1, DLQ: 2})
	recorder.SetQueueDepth("q:retention", QueueDepth{Errors: 3})
	recorder.ObserveTaskOutcome("q:stt", "dead_lettered")
	recorder.ObserveConnectorAttempt("join")
	recorder.ObserveConnectorFailure("join")
	recorder.SetBreakerState("sberjazz", "open")
	recorder.ObserveBreakerReset("job", "auto")
	recorder.SetConnectorHealth("sberjazz", true)
	recorder.SetSessions(2, 1)
	recorder.RecordReconcile(ReconcileResult{Scanned: 5, Stale: 2, Reconnected: 1, Failed: 1})
	recorder.ObserveLivePull(LivePullResult{Pulled: 4, Ingested: 3, Invalid: 1})
	recorder.ObserveLivePull(LivePullResult{Pulled: 1, Ingested: 1})

	var buf bytes.Buffer
	recorder.Write(&buf)
	out := buf.String()

	wants := []string{
		`iaa_queue_depth{queue="q:stt"} 3`,
		`iaa_queue_pending{queue="q:stt"} 1`,
		`iaa_queue_dlq_depth{queue="q:stt"} 2`,
		`iaa_queue_probe_errors{queue="q:retention"} 3`,
		`iaa_queue_tasks_total{queue="q:stt",outcome="dead_lettered"} 1`,
		`iaa_connector_attempts_total{operation="join"} 1`,
		`iaa_connector_failures_total{operation="join"} 1`,
		`iaa_circuit_breaker_state{provider="sberjazz",state="open"} 2`,
		`iaa_circuit_breaker_resets_total{source="job",reason="auto"} 1`,
		`iaa_connector_health{provider="sberjazz"} 1`,
		`iaa_connector_sessions{state="connected"} 2`,
		`iaa_reconcile_last{result="stale"} 2`,
		`iaa_live_pull_chunks_total{result="pulled"} 5`,
		`iaa_live_pull_chunks_total{result="ingested"} 4`,
	}
	for _, want := range wants {
		if !strings.Contains(out, want) {
			t.Fatalf("expected output to contain %q\n%s", want, out)
		}
	}
}

func TestRecorderConcurrentUpdates(t *testing.T) {
	recorder := New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			recorder.ObserveTaskOutcome("q:stt", "acked")
			recorder.ObserveConnectorAttempt("join")
		}()
	}
	wg.Wait()

	if got := recorder.TaskOutcomes()[TaskLabel{Queue: "q:stt", Outcome: "acked"}]; got != 20 {
		t.Fatalf("expected 20 acked outcomes, got %d", got)
	}
	attempts, _ := recorder.ConnectorCounts()
	if attempts["join"] != 20 {
		t.Fatalf("expected 20 join attempts, got %d", attempts["join"])
	}
}

func TestResetClearsState(t *testing.T) {
	recorder := New()
	recorder.ObserveBreakerReset("admin", "manual")
	recorder.Reset()
	if len(recorder.BreakerResets()) != 0 {
		t.Fatal("expected reset counters to be cleared")
	}
}

func TestHTTPMiddlewareObservesRequests(t *testing.T) {
	recorder := New()
	handler := HTTPMiddleware(recorder, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/connector/sessions/mtg-7/join", nil))

	var buf bytes.Buffer
	recorder.Write(&buf)
	want := `iaa_http_requests_total{method="POST",path="/admin/connector/sessions/:id/join",status="409"} 1`
	if !strings.Contains(buf.String(), want) {
		t.Fatalf("expected %q in output\n%s", want, buf.String())
	}
}
