package vtracer

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/rs/xid"
)

const (
	traceIDPrefix = "trace_"
	taskIDPrefix  = "task_"

	datetimeLayout = "2006-01-02 15:04:05.000"
)

// Event is one traced occurrence. Events are immutable: every field is
// fixed at construction and accessors return copies.
//
//nolint:govet // Field order mirrors the canonical record
type Event struct {
	timestamp time.Time
	traceID   string
	taskID    string
	level     Level
	typ       EventType
	message   string
	fields    Fields
}

// NewEvent creates an event stamped with the current wall-clock time.
// Empty trace or task ids are replaced with freshly generated ones.
func NewEvent(level Level, typ EventType, message string, fields Fields, traceID, taskID string) Event {
	return newEvent(time.Now(), newUniqueID, level, typ, message, fields, traceID, taskID)
}

func newEvent(now time.Time, newID func() string, level Level, typ EventType, message string, fields Fields, traceID, taskID string) Event {
	if traceID == "" {
		traceID = traceIDPrefix + newID()
	}
	if taskID == "" {
		taskID = taskIDPrefix + newID()
	}
	return Event{
		timestamp: now,
		traceID:   traceID,
		taskID:    taskID,
		level:     level,
		typ:       typ,
		message:   message,
		fields:    fields.Clone(),
	}
}

// newUniqueID is the default id source. xid ids are unique across
// processes and sort by creation time.
func newUniqueID() string {
	return xid.New().String()
}

func (e Event) Level() Level          { return e.level }
func (e Event) Type() EventType       { return e.typ }
func (e Event) Message() string       { return e.message }
func (e Event) Timestamp() time.Time  { return e.timestamp }
func (e Event) TraceID() string       { return e.traceID }
func (e Event) TaskID() string        { return e.taskID }
func (e Event) Fields() Fields        { return e.fields.Clone() }
func (e Event) Field(key string) (Value, bool) {
	v, ok := e.fields.Get(key)
	return v.clone(), ok
}

// Record is the canonical projection of an Event. Field order is the
// serialization order.
//
//nolint:govet // Field order is the wire order
type Record struct {
	Timestamp float64   `json:"timestamp"`
	Datetime  string    `json:"datetime"`
	TraceID   string    `json:"trace_id"`
	TaskID    string    `json:"task_id"`
	Level     Level     `json:"level"`
	Type      EventType `json:"type"`
	Message   string    `json:"message"`
	Context   Fields    `json:"context"`
}

// Record returns the canonical projection of the event.
func (e Event) Record() Record {
	return Record{
		Timestamp: float64(e.timestamp.UnixMicro()) / 1e6,
		Datetime:  e.timestamp.Format(datetimeLayout),
		TraceID:   e.traceID,
		TaskID:    e.taskID,
		Level:     e.level,
		Type:      e.typ,
		Message:   e.message,
		Context:   e.fields.Clone(),
	}
}

// MarshalJSON encodes the canonical record in compact form.
func (e Event) MarshalJSON() ([]byte, error) {
	return e.encode("")
}

// JSON returns the serialized text form: the canonical record as indented
// JSON with no HTML escaping.
func (e Event) JSON() ([]byte, error) {
	return e.encode("    ")
}

func (e Event) encode(indent string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if indent != "" {
		enc.SetIndent("", indent)
	}
	if err := enc.Encode(e.Record()); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
