package queue

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"interview-analytics/internal/observability/tracing"
)

// SchemaVersion is stamped on every task written by this package.
const SchemaVersion = "v1"

// Reserved payload keys. Producers cannot override them.
const (
	fieldSchemaVersion = "schema_version"
	fieldEventID       = "event_id"
	fieldQueueName     = "queue_name"
	fieldAttempts      = "attempts"
	fieldTraceContext  = "trace_context"
)

// Task is one unit of work on a named queue. On the wire it is a flat JSON
// object: the payload keys plus the reserved envelope fields.
type Task struct {
	SchemaVersion string
	EventID       string
	QueueName     string
	Attempts      int
	Payload       map[string]any

	// EntryID is the stream entry the task was read from. It is not part of
	// the wire form and changes on every requeue.
	EntryID string
}

func (t Task) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(t.Payload)+4)
	for k, v := range t.Payload {
		out[k] = v
	}
	out[fieldSchemaVersion] = t.SchemaVersion
	out[fieldEventID] = t.EventID
	out[fieldQueueName] = t.QueueName
	out[fieldAttempts] = t.Attempts
	return json.Marshal(out)
}

func (t *Task) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	t.SchemaVersion, _ = raw[fieldSchemaVersion].(string)
	t.EventID, _ = raw[fieldEventID].(string)
	t.QueueName, _ = raw[fieldQueueName].(string)
	t.Attempts = 0
	if n, ok := raw[fieldAttempts].(float64); ok && n > 0 {
		t.Attempts = int(n)
	}
	delete(raw, fieldSchemaVersion)
	delete(raw, fieldEventID)
	delete(raw, fieldQueueName)
	delete(raw, fieldAttempts)
	t.Payload = raw
	return nil
}

// String returns a payload value as a string, or "" when absent.
func (t *Task) String(key string) string {
	value, _ := t.Payload[key].(string)
	return value
}

// Int returns a numeric payload value, or 0 when absent.
func (t *Task) Int(key string) int {
	switch v := t.Payload[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return 0
}

// MeetingID returns the meeting the task belongs to, when it has one.
func (t *Task) MeetingID() string {
	return t.String("meeting_id")
}

// Context returns ctx carrying the producer's trace context, if the task has
// one.
func (t *Task) Context(ctx context.Context) context.Context {
	raw, ok := t.Payload[fieldTraceContext].(map[string]any)
	if !ok {
		return ctx
	}
	carrier := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			carrier[k] = s
		}
	}
	return tracing.Extract(ctx, carrier)
}

func injectTraceContext(ctx context.Context, payload map[string]any) {
	carrier := map[string]string{}
	tracing.Inject(ctx, carrier)
	if len(carrier) == 0 {
		return
	}
	values := make(map[string]any, len(carrier))
	for k, v := range carrier {
		values[k] = v
	}
	payload[fieldTraceContext] = values
}

// NewEventID returns an identifier of the form <prefix>_<UTCYYYYMMDDHHMMSS>_<hex>.
func NewEventID(prefix string, now time.Time) string {
	if prefix == "" {
		prefix = "evt"
	}
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s_%s_%012x", prefix, now.UTC().Format("20060102150405"), now.UnixNano()&0xffffffffffff)
	}
	return fmt.Sprintf("%s_%s_%s", prefix, now.UTC().Format("20060102150405"), hex.EncodeToString(buf))
}

const envelopeSchema = `{
	"type": "object",
	"required": ["schema_version", "event_id"],
	"properties": {
		"schema_version": {"enum": ["v1"]},
		"event_id": {"type": "string", "minLength": 1},
		"queue_name": {"type": "string"},
		"attempts": {"type": "integer", "minimum": 0},
		"trace_context": {"type": "object", "additionalProperties": {"type": "string"}}
	}
}`

var envelope = jsonschema.MustCompileString("task-envelope.json", envelopeSchema)

// decodeTask parses a stream payload and checks the envelope contract.
func decodeTask(data []byte) (*Task, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	if err := envelope.Validate(doc); err != nil {
		return nil, fmt.Errorf("task envelope: %w", err)
	}
	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &task, nil
}
