package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// QueueDepth is the last observed backlog of one named queue.
type QueueDepth struct {
	Depth   int64
	Pending int64
	DLQ     int64
	// Errors counts the depth probes that failed in the last refresh.
	Errors int
}

// TaskLabel identifies a task outcome counter.
type TaskLabel struct {
	Queue   string
	Outcome string
}

// ResetLabel identifies a circuit breaker reset counter.
type ResetLabel struct {
	Source string
	Reason string
}

// ReconcileResult mirrors the counts of the most recent reconciliation pass.
type ReconcileResult struct {
	Scanned     int
	Stale       int
	Reconnected int
	Failed      int
}

// LivePullResult carries the counts of one live-pull pass.
type LivePullResult struct {
	Pulled   int
	Ingested int
	Invalid  int
	Failed   int
}

// Recorder aggregates in-memory counters and gauges for the task queues, the
// meeting connector and the admin HTTP surface, and renders them in the
// Prometheus text format.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	queues          map[string]QueueDepth
	taskOutcomes    map[TaskLabel]uint64
	connAttempts    map[string]uint64
	connFailures    map[string]uint64
	breakerState    map[string]string
	breakerResets   map[ResetLabel]uint64
	connectorHealth map[string]bool
	sessions        map[string]int64
	reconcileLast   ReconcileResult
	livePull        LivePullResult
}

var defaultRecorder = New()

// New constructs an empty Recorder.
func New() *Recorder {
	r := &Recorder{}
	r.Reset()
	return r
}

// Default returns the process-wide Recorder.
func Default() *Recorder {
	return defaultRecorder
}

// Reset clears all counters and gauges. It is intended for test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.queues = make(map[string]QueueDepth)
	r.taskOutcomes = make(map[TaskLabel]uint64)
	r.connAttempts = make(map[string]uint64)
	r.connFailures = make(map[string]uint64)
	r.breakerState = make(map[string]string)
	r.breakerResets = make(map[ResetLabel]uint64)
	r.connectorHealth = make(map[string]bool)
	r.sessions = make(map[string]int64)
	r.reconcileLast = ReconcileResult{}
	r.livePull = LivePullResult{}
}

// ObserveRequest accumulates admin HTTP request count and duration by
// method, normalized path and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// SetQueueDepth records the latest backlog gauges for a queue.
func (r *Recorder) SetQueueDepth(queue string, depth QueueDepth) {
	r.mu.Lock()
	r.queues[normalizeName(queue)] = depth
	r.mu.Unlock()
}

// ObserveTaskOutcome counts a task leaving a handler as acked, requeued or
// dead_lettered.
func (r *Recorder) ObserveTaskOutcome(queue, outcome string) {
	label := TaskLabel{Queue: normalizeName(queue), Outcome: normalizeName(outcome)}
	r.mu.Lock()
	r.taskOutcomes[label]++
	r.mu.Unlock()
}

// ObserveConnectorAttempt records one call to the meeting connector keyed by
// operation (join, leave, fetch_live).
func (r *Recorder) ObserveConnectorAttempt(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.connAttempts[op]++
	r.mu.Unlock()
}

// ObserveConnectorFailure records a failed connector call. The caller also
// records the attempt separately.
func (r *Recorder) ObserveConnectorFailure(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.connFailures[op]++
	r.mu.Unlock()
}

// SetBreakerState stores the breaker state (closed, half_open, open) for a
// connector provider.
func (r *Recorder) SetBreakerState(provider, state string) {
	r.mu.Lock()
	r.breakerState[normalizeName(provider)] = normalizeName(state)
	r.mu.Unlock()
}

// ObserveBreakerReset counts breaker resets by source (admin, job) and reason.
func (r *Recorder) ObserveBreakerReset(source, reason string) {
	label := ResetLabel{Source: normalizeName(source), Reason: normalizeName(reason)}
	r.mu.Lock()
	r.breakerResets[label]++
	r.mu.Unlock()
}

// SetConnectorHealth stores the result of the last connector health probe.
func (r *Recorder) SetConnectorHealth(provider string, healthy bool) {
	r.mu.Lock()
	r.connectorHealth[normalizeName(provider)] = healthy
	r.mu.Unlock()
}

// SetSessions stores the number of known connector sessions by state.
func (r *Recorder) SetSessions(connected, disconnected int64) {
	r.mu.Lock()
	r.sessions["connected"] = connected
	r.sessions["disconnected"] = disconnected
	r.mu.Unlock()
}

// RecordReconcile overwrites the last-run reconciliation gauges.
func (r *Recorder) RecordReconcile(result ReconcileResult) {
	r.mu.Lock()
	r.reconcileLast = result
	r.mu.Unlock()
}

// ObserveLivePull adds one live-pull pass to the running totals.
func (r *Recorder) ObserveLivePull(result LivePullResult) {
	r.mu.Lock()
	r.livePull.Pulled += result.Pulled
	r.livePull.Ingested += result.Ingested
	r.livePull.Invalid += result.Invalid
	r.livePull.Failed += result.Failed
	r.mu.Unlock()
}

// QueueDepths returns a copy of the queue gauges.
func (r *Recorder) QueueDepths() map[string]QueueDepth {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]QueueDepth, len(r.queues))
	for k, v := range r.queues {
		out[k] = v
	}
	return out
}

// TaskOutcomes returns a copy of the task outcome counters.
func (r *Recorder) TaskOutcomes() map[TaskLabel]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[TaskLabel]uint64, len(r.taskOutcomes))
	for k, v := range r.taskOutcomes {
		out[k] = v
	}
	return out
}

// ConnectorCounts returns copies of connector attempt and failure counters.
func (r *Recorder) ConnectorCounts() (attempts map[string]uint64, failures map[string]uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	attempts = make(map[string]uint64, len(r.connAttempts))
	for k, v := range r.connAttempts {
		attempts[k] = v
	}
	failures = make(map[string]uint64, len(r.connFailures))
	for k, v := range r.connFailures {
		failures[k] = v
	}
	return attempts, failures
}

// BreakerResets returns a copy of the breaker reset counters.
func (r *Recorder) BreakerResets() map[ResetLabel]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[ResetLabel]uint64, len(r.breakerResets))
	for k, v := range r.breakerResets {
		out[k] = v
	}
	return out
}

// LastReconcile returns the last recorded reconciliation result.
func (r *Recorder) LastReconcile() ReconcileResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.reconcileLast
}

// LivePullTotals returns the running live-pull totals.
func (r *Recorder) LivePullTotals() LivePullResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.livePull
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

func breakerValue(state string) int {
	switch state {
	case "open":
		return 2
	case "half_open":
		return 1
	default:
		return 0
	}
}

// Write renders the metrics in Prometheus text format with label sets sorted
// for stable output.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fmt.Fprintln(w, "# HELP iaa_http_requests_total Total number of admin HTTP requests")
	fmt.Fprintln(w, "# TYPE iaa_http_requests_total counter")
	requestLabels := r.sortedRequestLabels()
	for _, label := range requestLabels {
		fmt.Fprintf(w, "iaa_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}
	fmt.Fprintln(w, "# HELP iaa_http_request_duration_seconds_sum Cumulative duration of admin HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE iaa_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "iaa_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	queues := sortedKeys(r.queues)
	fmt.Fprintln(w, "# HELP iaa_queue_depth Entries currently stored in the queue stream")
	fmt.Fprintln(w, "# TYPE iaa_queue_depth gauge")
	for _, q := range queues {
		fmt.Fprintf(w, "iaa_queue_depth{queue=\"%s\"} %d\n", q, r.queues[q].Depth)
	}
	fmt.Fprintln(w, "# HELP iaa_queue_pending Entries delivered to the consumer group but not acknowledged")
	fmt.Fprintln(w, "# TYPE iaa_queue_pending gauge")
	for _, q := range queues {
		fmt.Fprintf(w, "iaa_queue_pending{queue=\"%s\"} %d\n", q, r.queues[q].Pending)
	}
	fmt.Fprintln(w, "# HELP iaa_queue_dlq_depth Entries in the dead-letter stream of the queue")
	fmt.Fprintln(w, "# TYPE iaa_queue_dlq_depth gauge")
	for _, q := range queues {
		fmt.Fprintf(w, "iaa_queue_dlq_depth{queue=\"%s\"} %d\n", q, r.queues[q].DLQ)
	}
	fmt.Fprintln(w, "# HELP iaa_queue_probe_errors Depth probes that failed during the last refresh")
	fmt.Fprintln(w, "# TYPE iaa_queue_probe_errors gauge")
	for _, q := range queues {
		fmt.Fprintf(w, "iaa_queue_probe_errors{queue=\"%s\"} %d\n", q, r.queues[q].Errors)
	}

	fmt.Fprintln(w, "# HELP iaa_queue_tasks_total Task outcomes by queue")
	fmt.Fprintln(w, "# TYPE iaa_queue_tasks_total counter")
	for _, label := range r.sortedTaskLabels() {
		fmt.Fprintf(w, "iaa_queue_tasks_total{queue=\"%s\",outcome=\"%s\"} %d\n", label.Queue, label.Outcome, r.taskOutcomes[label])
	}

	ops := mergedKeys(r.connAttempts, r.connFailures)
	fmt.Fprintln(w, "# HELP iaa_connector_attempts_total Meeting connector calls by operation")
	fmt.Fprintln(w, "# TYPE iaa_connector_attempts_total counter")
	for _, op := range ops {
		fmt.Fprintf(w, "iaa_connector_attempts_total{operation=\"%s\"} %d\n", op, r.connAttempts[op])
	}
	fmt.Fprintln(w, "# HELP iaa_connector_failures_total Failed meeting connector calls by operation")
	fmt.Fprintln(w, "# TYPE iaa_connector_failures_total counter")
	for _, op := range ops {
		fmt.Fprintf(w, "iaa_connector_failures_total{operation=\"%s\"} %d\n", op, r.connFailures[op])
	}

	fmt.Fprintln(w, "# HELP iaa_connector_health Result of the last connector health probe (1=healthy)")
	fmt.Fprintln(w, "# TYPE iaa_connector_health gauge")
	for _, provider := range sortedKeys(r.connectorHealth) {
		value := 0
		if r.connectorHealth[provider] {
			value = 1
		}
		fmt.Fprintf(w, "iaa_connector_health{provider=\"%s\"} %d\n", provider, value)
	}

	fmt.Fprintln(w, "# HELP iaa_circuit_breaker_state Connector circuit breaker state (0=closed,1=half_open,2=open)")
	fmt.Fprintln(w, "# TYPE iaa_circuit_breaker_state gauge")
	for _, provider := range sortedKeys(r.breakerState) {
		state := r.breakerState[provider]
		fmt.Fprintf(w, "iaa_circuit_breaker_state{provider=\"%s\",state=\"%s\"} %d\n", provider, state, breakerValue(state))
	}

	fmt.Fprintln(w, "# HELP iaa_circuit_breaker_resets_total Circuit breaker resets by source and reason")
	fmt.Fprintln(w, "# TYPE iaa_circuit_breaker_resets_total counter")
	for _, label := range r.sortedResetLabels() {
		fmt.Fprintf(w, "iaa_circuit_breaker_resets_total{source=\"%s\",reason=\"%s\"} %d\n", label.Source, label.Reason, r.breakerResets[label])
	}

	fmt.Fprintln(w, "# HELP iaa_connector_sessions Known connector sessions by state")
	fmt.Fprintln(w, "# TYPE iaa_connector_sessions gauge")
	for _, state := range sortedKeys(r.sessions) {
		fmt.Fprintf(w, "iaa_connector_sessions{state=\"%s\"} %d\n", state, r.sessions[state])
	}

	fmt.Fprintln(w, "# HELP iaa_reconcile_last Counts of the most recent reconciliation pass")
	fmt.Fprintln(w, "# TYPE iaa_reconcile_last gauge")
	fmt.Fprintf(w, "iaa_reconcile_last{result=\"scanned\"} %d\n", r.reconcileLast.Scanned)
	fmt.Fprintf(w, "iaa_reconcile_last{result=\"stale\"} %d\n", r.reconcileLast.Stale)
	fmt.Fprintf(w, "iaa_reconcile_last{result=\"reconnected\"} %d\n", r.reconcileLast.Reconnected)
	fmt.Fprintf(w, "iaa_reconcile_last{result=\"failed\"} %d\n", r.reconcileLast.Failed)

	fmt.Fprintln(w, "# HELP iaa_live_pull_chunks_total Live-pulled chunks by result")
	fmt.Fprintln(w, "# TYPE iaa_live_pull_chunks_total counter")
	fmt.Fprintf(w, "iaa_live_pull_chunks_total{result=\"pulled\"} %d\n", r.livePull.Pulled)
	fmt.Fprintf(w, "iaa_live_pull_chunks_total{result=\"ingested\"} %d\n", r.livePull.Ingested)
	fmt.Fprintf(w, "iaa_live_pull_chunks_total{result=\"invalid\"} %d\n", r.livePull.Invalid)
	fmt.Fprintf(w, "iaa_live_pull_chunks_total{result=\"failed\"} %d\n", r.livePull.Failed)
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedTaskLabels() []TaskLabel {
	labels := make([]TaskLabel, 0, len(r.taskOutcomes))
	for label := range r.taskOutcomes {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Queue != labels[j].Queue {
			return labels[i].Queue < labels[j].Queue
		}
		return labels[i].Outcome < labels[j].Outcome
	})
	return labels
}

func (r *Recorder) sortedResetLabels() []ResetLabel {
	labels := make([]ResetLabel, 0, len(r.breakerResets))
	for label := range r.breakerResets {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Source != labels[j].Source {
			return labels[i].Source < labels[j].Source
		}
		return labels[i].Reason < labels[j].Reason
	})
	return labels
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func mergedKeys(a, b map[string]uint64) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		seen[k] = struct{}{}
	}
	for k := range b {
		seen[k] = struct{}{}
	}
	return sortedKeys(seen)
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

// Meeting ids look like mtg_20260101000000_ab12cd34ef; admin route words
// never carry digits.
func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			return true
		}
	}
	return false
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
