package vtracer

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/clockz"
)

// Tracer dispatches events to registered handlers and keeps the registry
// of active traces.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field order optimized for functionality over memory
type Tracer struct {
	handlers     []Handler
	active       map[string]ActiveTrace
	clock        clockz.Clock
	logger       *slog.Logger
	newID        func() string
	sweep        *sweeper
	handlersLock sync.RWMutex
	activeLock   sync.Mutex
	closeOnce    sync.Once
	enabled      atomic.Bool
}

// Option configures a Tracer.
type Option func(*Tracer)

// WithClock sets the time source for event timestamps and trace durations.
// Enables clock injection for deterministic testing.
func WithClock(clock clockz.Clock) Option {
	return func(t *Tracer) { t.clock = clock }
}

// WithLogger sets the diagnostic logger that receives handler faults.
// It is never fed with traced events.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracer) { t.logger = logger }
}

// WithIDGenerator replaces the unique part of generated trace and task ids.
// The generator must be safe for concurrent use and must not repeat.
func WithIDGenerator(gen func() string) Option {
	return func(t *Tracer) { t.newID = gen }
}

// WithStaleTraceSweep starts a background sweep that force-ends active
// traces older than maxAge every interval. Off by default.
func WithStaleTraceSweep(maxAge, interval time.Duration) Option {
	return func(t *Tracer) {
		if maxAge > 0 && interval > 0 {
			t.sweep = &sweeper{maxAge: maxAge, interval: interval}
		}
	}
}

// New creates an enabled tracer with no handlers.
// Uses the real clock and slog.Default() unless options say otherwise.
func New(opts ...Option) *Tracer {
	t := &Tracer{
		handlers: make([]Handler, 0),
		active:   make(map[string]ActiveTrace),
		clock:    clockz.RealClock,
		newID:    newUniqueID,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	t.enabled.Store(true)

	if t.sweep != nil {
		t.sweep.start(t)
	}
	return t
}

// AddHandler appends a handler. Handlers are never removed or deduplicated.
// Returns the tracer for chaining.
func (t *Tracer) AddHandler(h Handler) *Tracer {
	if h == nil {
		return t
	}

	t.handlersLock.Lock()
	defer t.handlersLock.Unlock()

	t.handlers = append(t.handlers, h)
	return t
}

// HandlerCount returns the number of registered handlers.
func (t *Tracer) HandlerCount() int {
	t.handlersLock.RLock()
	defer t.handlersLock.RUnlock()
	return len(t.handlers)
}

// Enable turns dispatch on.
func (t *Tracer) Enable() *Tracer {
	t.enabled.Store(true)
	return t
}

// Disable turns dispatch off. Trace calls become no-ops that do not even
// build an event.
func (t *Tracer) Disable() *Tracer {
	t.enabled.Store(false)
	return t
}

// IsEnabled reports whether events are dispatched.
func (t *Tracer) IsEnabled() bool {
	return t.enabled.Load()
}

// Clock returns the tracer's time source.
func (t *Tracer) Clock() clockz.Clock {
	return t.clock
}

// Trace emits an event with freshly generated trace and task ids.
func (t *Tracer) Trace(level Level, typ EventType, message string, fields Fields) {
	t.TraceWith(level, typ, message, fields, "", "")
}

// TraceWith emits an event under the given ids. Empty ids are generated.
// Every handler receives the event in registration order; a panicking
// handler is logged and skipped.
func (t *Tracer) TraceWith(level Level, typ EventType, message string, fields Fields, traceID, taskID string) {
	if !t.enabled.Load() {
		return
	}

	event := newEvent(t.clock.Now(), t.newID, level, typ, message, fields, traceID, taskID)
	t.executeHandlers(event)
}

// executeHandlers calls all handlers registered at the time of the call.
func (t *Tracer) executeHandlers(event Event) {
	t.handlersLock.RLock()
	// The list is append-only, so the elements under this length are never
	// rewritten and the slice header is a stable snapshot.
	handlers := t.handlers[:len(t.handlers):len(t.handlers)]
	t.handlersLock.RUnlock()

	for i, h := range handlers {
		t.safeCall(i, h, event)
	}
}

func (t *Tracer) safeCall(index int, h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("vtracer: handler panicked",
				"handler", index,
				"handler_type", fmt.Sprintf("%T", h),
				"panic", r,
				"event_type", event.Type().String(),
				"trace_id", event.TraceID(),
			)
		}
	}()
	h.Handle(event)
}

// Close stops the background sweep, if any. Handlers are owned by the
// caller and are not closed.
func (t *Tracer) Close() {
	t.closeOnce.Do(func() {
		if t.sweep != nil {
			t.sweep.stop()
		}
	})
}

func (t *Tracer) generateTraceID() string {
	return traceIDPrefix + t.newID()
}
