package integration

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vosaka/vtracer"
)

// EventRecorder is a synchronous handler that keeps every event it sees.
// Provides lookup and wait helpers for cross-component assertions.
type EventRecorder struct {
	t      *testing.T
	events []vtracer.Event
	mu     sync.Mutex
}

// NewEventRecorder creates a recorder reporting failures to t.
func NewEventRecorder(t *testing.T) *EventRecorder {
	return &EventRecorder{t: t}
}

// Handle implements vtracer.Handler.
func (r *EventRecorder) Handle(e vtracer.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of everything recorded so far.
func (r *EventRecorder) Events() []vtracer.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]vtracer.Event, len(r.events))
	copy(out, r.events)
	return out
}

// Messages returns the recorded messages in order.
func (r *EventRecorder) Messages() []string {
	events := r.Events()
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Message()
	}
	return out
}

// ForTrace returns the events recorded under traceID, in order.
func (r *EventRecorder) ForTrace(traceID string) []vtracer.Event {
	var out []vtracer.Event
	for _, e := range r.Events() {
		if e.TraceID() == traceID {
			out = append(out, e)
		}
	}
	return out
}

// Find returns the first event whose message starts with prefix.
func (r *EventRecorder) Find(prefix string) (vtracer.Event, bool) {
	for _, e := range r.Events() {
		if strings.HasPrefix(e.Message(), prefix) {
			return e, true
		}
	}
	return vtracer.Event{}, false
}

// MustFind is Find that fails the test when nothing matches.
func (r *EventRecorder) MustFind(prefix string) vtracer.Event {
	r.t.Helper()
	e, ok := r.Find(prefix)
	if !ok {
		r.t.Fatalf("No event with message prefix %q among %d events", prefix, len(r.Events()))
	}
	return e
}

// Count returns how many events match typ.
func (r *EventRecorder) Count(typ vtracer.EventType) int {
	n := 0
	for _, e := range r.Events() {
		if e.Type() == typ {
			n++
		}
	}
	return n
}

// WaitFor polls until an event with the message prefix shows up.
func (r *EventRecorder) WaitFor(prefix string, timeout time.Duration) vtracer.Event {
	r.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if e, ok := r.Find(prefix); ok {
			return e
		}
		time.Sleep(5 * time.Millisecond)
	}
	r.t.Fatalf("Timeout waiting for event %q", prefix)
	return vtracer.Event{}
}

// ParentOf returns the parent_trace recorded when traceID started.
func (r *EventRecorder) ParentOf(traceID string) string {
	for _, e := range r.ForTrace(traceID) {
		if e.Type() != vtracer.TaskSpawn {
			continue
		}
		if v, ok := e.Field("parent_trace"); ok {
			return v.Str()
		}
	}
	return ""
}

// Completed reports whether traceID ended, and with which fields.
func (r *EventRecorder) Completed(traceID string) (vtracer.Fields, bool) {
	for _, e := range r.ForTrace(traceID) {
		if e.Type() == vtracer.TaskComplete && strings.HasPrefix(e.Message(), "Completed trace for: ") {
			return e.Fields(), true
		}
	}
	return nil, false
}

// NewTracer returns a tracer recording into a new EventRecorder. The tracer
// is closed when the test ends.
func NewTracer(t *testing.T, opts ...vtracer.Option) (*vtracer.Tracer, *EventRecorder) {
	t.Helper()
	rec := NewEventRecorder(t)
	tracer := vtracer.New(opts...)
	tracer.AddHandler(rec)
	t.Cleanup(tracer.Close)
	return tracer, rec
}
