// Package admin serves the operator HTTP surface: health, metrics, queue
// depths and connector controls.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"

	"interview-analytics/internal/connector"
	"interview-analytics/internal/observability/logging"
	"interview-analytics/internal/observability/metrics"
	"interview-analytics/internal/queue"
)

// Handler routes admin requests. Connector may be nil when the process runs
// without a meeting connector; its routes then answer 503.
type Handler struct {
	Queues    *queue.Queue
	Stages    []queue.Stage
	Connector *connector.Service
	Ping      func(context.Context) error
	Metrics   *metrics.Recorder
	Logger    *slog.Logger
}

// Routes builds the admin mux wrapped in request logging and metrics.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.Handle("GET /metrics", h.recorder().Handler())
	mux.HandleFunc("GET /admin/queues", h.handleQueues)
	mux.HandleFunc("GET /admin/queues/{stage}/dlq", h.handleDeadLetters)
	mux.HandleFunc("GET /admin/connector/breaker", h.withConnector(h.handleBreaker))
	mux.HandleFunc("POST /admin/connector/breaker/reset", h.withConnector(h.handleBreakerReset))
	mux.HandleFunc("GET /admin/connector/health", h.withConnector(h.handleConnectorHealth))
	mux.HandleFunc("GET /admin/connector/sessions", h.withConnector(h.handleSessions))
	mux.HandleFunc("GET /admin/connector/sessions/{id}", h.withConnector(h.handleSession))
	mux.HandleFunc("POST /admin/connector/sessions/{id}/join", h.withConnector(h.handleJoin))
	mux.HandleFunc("POST /admin/connector/sessions/{id}/leave", h.withConnector(h.handleLeave))
	mux.HandleFunc("POST /admin/connector/sessions/{id}/reconnect", h.withConnector(h.handleReconnect))
	mux.HandleFunc("POST /admin/connector/sessions/{id}/pull", h.withConnector(h.handlePull))

	return logging.RequestLogger(h.logger())(metrics.HTTPMiddleware(h.recorder(), mux))
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *Handler) recorder() *metrics.Recorder {
	if h.Metrics != nil {
		return h.Metrics
	}
	return metrics.Default()
}

func (h *Handler) stages() []queue.Stage {
	if len(h.Stages) > 0 {
		return h.Stages
	}
	return queue.Stages()
}

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	overall := "ok"
	code := http.StatusOK
	components := make([]componentStatus, 0, 2)
	record := func(component string, err error) {
		status := componentStatus{Component: component, Status: "ok"}
		if err != nil {
			status.Status = "degraded"
			status.Error = err.Error()
			overall = "degraded"
			code = http.StatusServiceUnavailable
		}
		components = append(components, status)
	}
	if h.Ping != nil {
		record("broker", h.Ping(r.Context()))
	}
	if h.Connector != nil {
		// An unhealthy provider degrades the report but not the status code:
		// the breaker already handles it.
		health := h.Connector.Health(r.Context())
		status := componentStatus{Component: "connector", Status: "ok"}
		if !health.Healthy {
			status.Status = "degraded"
			status.Error = health.Error
		}
		components = append(components, status)
	}
	writeJSON(w, code, map[string]any{"status": overall, "components": components})
}

func (h *Handler) handleQueues(w http.ResponseWriter, r *http.Request) {
	if h.Queues == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("queues are not configured"))
		return
	}
	stats := make([]queue.Stats, 0, len(h.stages()))
	for _, stage := range h.stages() {
		stats = append(stats, h.Queues.Stats(r.Context(), stage.Queue, stage.Group))
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": stats})
}

func (h *Handler) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if h.Queues == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("queues are not configured"))
		return
	}
	stage, ok := queue.LookupStage(r.PathValue("stage"))
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("unknown stage"))
		return
	}
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	tasks, err := h.Queues.DeadLetters(r.Context(), stage.Queue, int64(limit))
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue": queue.DLQName(stage.Queue), "tasks": tasks})
}

func (h *Handler) withConnector(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.Connector == nil {
			writeError(w, http.StatusServiceUnavailable, errors.New("meeting connector is disabled"))
			return
		}
		next(w, r)
	}
}

func (h *Handler) handleBreaker(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Connector.BreakerState(r.Context()))
}

type resetRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	st := h.Connector.ResetBreaker(r.Context(), strings.TrimSpace(req.Reason))
	h.logger().Info("circuit breaker reset by operator", "reason", req.Reason)
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) handleConnectorHealth(w http.ResponseWriter, r *http.Request) {
	health := h.Connector.Health(r.Context())
	code := http.StatusOK
	if !health.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}

func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sessions, err := h.Connector.Sessions(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	state, err := h.Connector.State(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *Handler) handleJoin(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Connector.Join)
}

func (h *Handler) handleLeave(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Connector.Leave)
}

func (h *Handler) handleReconnect(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Connector.Reconnect)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, op func(context.Context, string) (connector.SessionState, error)) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, errors.New("meeting id is required"))
		return
	}
	ctx := logging.ContextWithMeetingID(r.Context(), id)
	state, err := op(ctx, id)
	if err != nil {
		writeConnectorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *Handler) handlePull(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := h.Connector.PullLive(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		if errors.Is(err, connector.ErrInvalidUpstreamPayload) {
			writeError(w, http.StatusBadGateway, err)
			return
		}
		writeConnectorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// writeConnectorError maps connector failures onto status codes: an open
// breaker is 503 with Retry-After, lock contention 409, an exhausted call 502.
func writeConnectorError(w http.ResponseWriter, err error) {
	var open *connector.CircuitOpenError
	var call *connector.CallError
	switch {
	case errors.As(err, &open):
		seconds := int(math.Ceil(open.RetryAfter.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		writeError(w, http.StatusServiceUnavailable, err)
	case errors.Is(err, connector.ErrOperationInProgress):
		writeError(w, http.StatusConflict, err)
	case errors.As(err, &call):
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "state": call.State})
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// decodeOptionalJSON accepts an empty body.
func decodeOptionalJSON(r *http.Request, dest any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
