package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"interview-analytics/internal/connector"
	"interview-analytics/internal/kvstore"
	"interview-analytics/internal/observability/logging"
	"interview-analytics/internal/observability/metrics"
	"interview-analytics/internal/queue"
	"interview-analytics/internal/testsupport/redistest"
)

type flakyConnector struct {
	joinErr error
}

func (f *flakyConnector) Join(context.Context, string) error  { return f.joinErr }
func (f *flakyConnector) Leave(context.Context, string) error { return nil }
func (f *flakyConnector) FetchLiveChunks(context.Context, string, string, int) ([]byte, error) {
	return []byte(`{"chunks":[]}`), nil
}

type fixture struct {
	handler http.Handler
	store   kvstore.Store
	queues  *queue.Queue
}

func newFixture(t *testing.T, conn connector.Connector) fixture {
	t.Helper()
	_, client := redistest.Start(t)
	recorder := metrics.New()
	store := kvstore.NewMemory(nil)
	q := queue.New(client, queue.Options{Logger: logging.Discard(), Metrics: recorder})
	h := &Handler{
		Queues:  q,
		Ping:    func(ctx context.Context) error { return client.Ping(ctx).Err() },
		Metrics: recorder,
		Logger:  logging.Discard(),
	}
	if conn != nil {
		h.Connector = connector.NewService(conn, store, connector.Options{
			Config: connector.Config{
				Retry:   connector.RetryConfig{Attempts: 1},
				Breaker: connector.BreakerConfig{FailureThreshold: 1, OpenFor: time.Minute},
			},
			Logger:  logging.Discard(),
			Metrics: recorder,
		})
	}
	return fixture{handler: h.Routes(), store: store, queues: q}
}

func (f fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(dest); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, &connector.MockConnector{})
	rec := f.do(t, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Status     string            `json:"status"`
		Components []componentStatus `json:"components"`
	}
	decode(t, rec, &body)
	if body.Status != "ok" || len(body.Components) != 2 {
		t.Fatalf("unexpected health %+v", body)
	}
}

func TestHealthzReportsBrokerOutage(t *testing.T) {
	h := &Handler{
		Ping:    func(context.Context) error { return errors.New("dial tcp: connection refused") },
		Metrics: metrics.New(),
		Logger:  logging.Discard(),
	}
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "degraded") {
		t.Fatalf("expected degraded 503, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestQueuesReportsEveryStage(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.queues.Enqueue(context.Background(), queue.StageSTT.Queue, map[string]any{"meeting_id": "m"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	rec := f.do(t, http.MethodGet, "/admin/queues", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Queues []queue.Stats `json:"queues"`
	}
	decode(t, rec, &body)
	if len(body.Queues) != len(queue.Stages()) {
		t.Fatalf("expected every stage, got %d", len(body.Queues))
	}
	if body.Queues[0].Queue != "q:stt" || body.Queues[0].Length.Count != 1 {
		t.Fatalf("unexpected stt stats %+v", body.Queues[0])
	}
	if body.Queues[1].Length.Count != 0 {
		t.Fatalf("expected empty enhancer queue, got %+v", body.Queues[1])
	}
}

func TestDeadLettersUnknownStage(t *testing.T) {
	f := newFixture(t, nil)
	if rec := f.do(t, http.MethodGet, "/admin/queues/nope/dlq", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestConnectorRoutesDisabledWithoutConnector(t *testing.T) {
	f := newFixture(t, nil)
	if rec := f.do(t, http.MethodGet, "/admin/connector/breaker", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestJoinAndInspectSession(t *testing.T) {
	f := newFixture(t, &connector.MockConnector{})
	rec := f.do(t, http.MethodPost, "/admin/connector/sessions/m-1/join", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, "/admin/connector/sessions/m-1", "")
	var state connector.SessionState
	decode(t, rec, &state)
	if !state.Connected || state.ResourceID != "m-1" {
		t.Fatalf("unexpected state %+v", state)
	}

	rec = f.do(t, http.MethodGet, "/admin/connector/sessions?limit=10", "")
	var list struct {
		Sessions []connector.SessionState `json:"sessions"`
	}
	decode(t, rec, &list)
	if len(list.Sessions) != 1 {
		t.Fatalf("expected one session, got %+v", list)
	}

	if rec := f.do(t, http.MethodGet, "/admin/connector/sessions?limit=x", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}
}

func TestJoinErrorMapping(t *testing.T) {
	f := newFixture(t, &flakyConnector{joinErr: errors.New("provider down")})

	rec := f.do(t, http.MethodPost, "/admin/connector/sessions/m-2/join", "")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 for failed call, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodPost, "/admin/connector/sessions/m-2/join", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for open breaker, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Retry-After"); got != "60" {
		t.Fatalf("expected Retry-After 60, got %q", got)
	}

	rec = f.do(t, http.MethodPost, "/admin/connector/breaker/reset", `{"reason":"manual_reset"}`)
	var st connector.BreakerState
	decode(t, rec, &st)
	if st.State != connector.StateClosed {
		t.Fatalf("expected closed breaker, got %+v", st)
	}
}

func TestJoinConflictWhileLocked(t *testing.T) {
	f := newFixture(t, &connector.MockConnector{})
	if _, err := f.store.SetNX(context.Background(), "connector:sberjazz_mock:op_lock:m-3", "other", time.Minute); err != nil {
		t.Fatalf("SetNX: %v", err)
	}
	if rec := f.do(t, http.MethodPost, "/admin/connector/sessions/m-3/join", ""); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestBreakerResetRejectsUnknownFields(t *testing.T) {
	f := newFixture(t, &connector.MockConnector{})
	if rec := f.do(t, http.MethodPost, "/admin/connector/breaker/reset", `{"why":"x"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/admin/connector/breaker/reset", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected empty body to be accepted, got %d", rec.Code)
	}
}

func TestPullRequiresIngestor(t *testing.T) {
	f := newFixture(t, &connector.MockConnector{})
	if rec := f.do(t, http.MethodPost, "/admin/connector/sessions/m-4/pull", ""); rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 without ingestor, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, &connector.MockConnector{})
	f.do(t, http.MethodGet, "/healthz", "")
	rec := f.do(t, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "iaa_http_requests_total") {
		t.Fatalf("unexpected metrics response %d: %s", rec.Code, rec.Body.String())
	}
}
