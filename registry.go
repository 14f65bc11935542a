package vtracer

import (
	"maps"
	"math"
	"sync"
	"time"
)

const (
	parentTraceKey = "parent_trace"
	durationKey    = "duration_ms"
)

// ActiveTrace is a started trace that has not ended yet.
type ActiveTrace struct {
	StartTime time.Time
	Operation string
	Fields    Fields
}

// StartTrace registers a new trace and emits a DEBUG TASK_SPAWN event
// under its id. The returned id correlates later events and EndTrace.
func (t *Tracer) StartTrace(operation string, fields Fields) string {
	traceID := t.generateTraceID()

	t.activeLock.Lock()
	t.active[traceID] = ActiveTrace{
		Operation: operation,
		StartTime: t.clock.Now(),
		Fields:    fields.Clone(),
	}
	t.activeLock.Unlock()

	t.TraceWith(LevelDebug, TaskSpawn, "Starting trace for: "+operation, fields, traceID, "")
	return traceID
}

// StartChildTrace starts a trace whose fields begin with a parent_trace
// reference to parentID. Nesting is a convention; nothing is enforced.
func (t *Tracer) StartChildTrace(parentID, operation string, fields Fields) string {
	return t.StartTrace(operation, Fields{{Key: parentTraceKey, Value: String(parentID)}}.Merge(fields))
}

// EndTrace removes the trace and emits a DEBUG TASK_COMPLETE event carrying
// the start fields, the extra fields and duration_ms, later keys winning.
// Unknown or already ended ids are ignored.
func (t *Tracer) EndTrace(traceID string, fields Fields) {
	t.endTrace(traceID, fields)
}

// endTrace reports whether traceID was active. Lookup and removal happen
// under one lock, so concurrent ends of the same id complete it once.
func (t *Tracer) endTrace(traceID string, fields Fields) bool {
	t.activeLock.Lock()
	entry, ok := t.active[traceID]
	if ok {
		delete(t.active, traceID)
	}
	t.activeLock.Unlock()

	if !ok {
		return false
	}

	duration := Float(roundMillis(t.clock.Since(entry.StartTime)))
	merged := entry.Fields.Merge(fields, Fields{{Key: durationKey, Value: duration}})

	t.TraceWith(LevelDebug, TaskComplete, "Completed trace for: "+entry.Operation, merged, traceID, "")
	return true
}

// ActiveTraces returns a snapshot of the registry keyed by trace id.
// Changing the snapshot does not affect the tracer.
func (t *Tracer) ActiveTraces() map[string]ActiveTrace {
	t.activeLock.Lock()
	defer t.activeLock.Unlock()

	snapshot := make(map[string]ActiveTrace, len(t.active))
	for id, entry := range t.active {
		entry.Fields = entry.Fields.Clone()
		snapshot[id] = entry
	}
	return snapshot
}

// ActiveTraceCount returns the number of active traces.
func (t *Tracer) ActiveTraceCount() int {
	t.activeLock.Lock()
	defer t.activeLock.Unlock()
	return len(t.active)
}

// ClearActiveTraces empties the registry without emitting events.
func (t *Tracer) ClearActiveTraces() {
	t.activeLock.Lock()
	defer t.activeLock.Unlock()
	clear(t.active)
}

// SweepStaleTraces ends every active trace older than maxAge with
// {"stale": true} and returns how many were ended.
func (t *Tracer) SweepStaleTraces(maxAge time.Duration) int {
	now := t.clock.Now()

	t.activeLock.Lock()
	active := maps.Clone(t.active)
	t.activeLock.Unlock()

	swept := 0
	stale := Fields{{Key: "stale", Value: Bool(true)}}
	for id, entry := range active {
		if now.Sub(entry.StartTime) < maxAge {
			continue
		}
		if t.endTrace(id, stale) {
			swept++
		}
	}
	return swept
}

// roundMillis converts d to milliseconds rounded to two decimals.
func roundMillis(d time.Duration) float64 {
	return math.Round(float64(d)/float64(time.Millisecond)*100) / 100
}

// sweeper periodically ends stale traces on the tracer's clock.
type sweeper struct {
	stopCh   chan struct{}
	done     chan struct{}
	maxAge   time.Duration
	interval time.Duration
	once     sync.Once
}

func (s *sweeper) start(t *Tracer) {
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(t)
}

func (s *sweeper) run(t *Tracer) {
	defer close(s.done)
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.clock.After(s.interval):
			if n := t.SweepStaleTraces(s.maxAge); n > 0 {
				t.logger.Debug("vtracer: swept stale traces", "count", n)
			}
		}
	}
}

func (s *sweeper) stop() {
	s.once.Do(func() {
		close(s.stopCh)
		<-s.done
	})
}
