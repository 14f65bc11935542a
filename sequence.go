package vtracer

import (
	"fmt"
	"iter"
	"reflect"
	"runtime"
	"strings"
)

// Sequence is a lazily evaluated, pull-driven producer of values that
// finishes with a result or fails with an error.
//
// Next returns the next value, or false once the sequence is exhausted,
// failed or stopped. After Next returns false, Err reports the failure (nil
// on normal completion) and Result the final value. Stop abandons the
// sequence early and releases its resources.
type Sequence[T, R any] interface {
	Next() (T, bool)
	Err() error
	Result() R
	Stop()
}

// Located is implemented by sequences that know where their producer
// lives. Observe reports that location with failures.
type Located interface {
	Location() (file string, line int)
}

// generator adapts a push-style producer to Sequence with iter.Pull.
//
//nolint:govet // Field order optimized for readability
type generator[T, R any] struct {
	next   func() (T, bool)
	stop   func()
	result R
	err    error
	file   string
	line   int
	done   bool
}

// Generate builds a Sequence from a push-style producer. produce hands each
// value to yield and returns the final result or an error; it must return
// as soon as yield reports false. Nothing runs until the first Next.
func Generate[T, R any](produce func(yield func(T) bool) (R, error)) Sequence[T, R] {
	g := &generator[T, R]{}
	if fn := runtime.FuncForPC(reflect.ValueOf(produce).Pointer()); fn != nil {
		g.file, g.line = fn.FileLine(fn.Entry())
	}
	g.next, g.stop = iter.Pull(func(yield func(T) bool) {
		defer func() {
			if r := recover(); r != nil {
				if file, line := panicSite(); file != "" {
					g.file, g.line = file, line
				}
				panic(r)
			}
		}()
		g.result, g.err = produce(yield)
	})
	return g
}

func (g *generator[T, R]) Next() (T, bool) {
	if g.done {
		var zero T
		return zero, false
	}
	v, ok := g.next()
	if !ok {
		g.done = true
	}
	return v, ok
}

func (g *generator[T, R]) Err() error { return g.err }
func (g *generator[T, R]) Result() R  { return g.result }

func (g *generator[T, R]) Location() (string, int) { return g.file, g.line }

func (g *generator[T, R]) Stop() {
	g.done = true
	g.stop()
}

// FromSlice returns a finite Sequence over values that completes with result.
func FromSlice[T, R any](values []T, result R) Sequence[T, R] {
	return Generate(func(yield func(T) bool) (R, error) {
		for _, v := range values {
			if !yield(v) {
				var zero R
				return zero, nil
			}
		}
		return result, nil
	})
}

type observeState uint8

const (
	observePending observeState = iota
	observeRunning
	observeFinished
	observeFailed
	observeStopped
)

// Observed instruments a Sequence. It yields the same values, result and
// failure as the wrapped sequence and emits trace events along the way.
// Observed is itself a Sequence, so wrappers compose.
//
// Not safe for concurrent use: a sequence has one consumer.
//
//nolint:govet // Field order follows the observation lifecycle
type Observed[T, R any] struct {
	source    Sequence[T, R]
	tracer    *Tracer
	operation string
	fields    Fields
	traceID   string
	file      string
	line      int
	step      int
	state     observeState
}

// Observe wraps source. Nothing happens until the first Next:
//
//   - the first Next starts a trace for operation with fields;
//   - every value pulled from source emits a DEBUG TASK_YIELD event with
//     the 1-based step and a snapshot of the value, then is returned as is;
//   - exhaustion ends the trace with total_steps;
//   - a failure (an error from source or a panic while producing) emits an
//     ERROR TASK_ERROR event with error, file, line and step, ends the trace
//     with error=true, and is surfaced unchanged: Err returns the same error
//     and a panic is re-raised with the same value.
//
// The file and line of a failure depend on how it happened. For a panic
// they are the panic site. Returned errors carry no location, so for an
// error they are where the producer function begins when source comes from
// Generate, or the line that called Observe for any other source.
//
// Stop abandons the sequence without emitting anything; its trace stays in
// the registry.
func Observe[T, R any](t *Tracer, source Sequence[T, R], operation string, fields Fields) *Observed[T, R] {
	o := &Observed[T, R]{
		source:    source,
		tracer:    t,
		operation: operation,
		fields:    fields.Clone(),
	}
	// Errors carry no location; without a Located source the
	// instrumentation site stands in.
	if _, file, line, ok := runtime.Caller(1); ok {
		o.file, o.line = file, line
	}
	return o
}

// ObserveFunc is Observe over Generate(produce).
func ObserveFunc[T, R any](t *Tracer, produce func(yield func(T) bool) (R, error), operation string, fields Fields) *Observed[T, R] {
	return Observe(t, Generate(produce), operation, fields)
}

// Next pulls the next value from the wrapped sequence.
func (o *Observed[T, R]) Next() (T, bool) {
	var zero T
	switch o.state {
	case observeFinished, observeFailed, observeStopped:
		return zero, false
	case observePending:
		o.traceID = o.tracer.StartTrace(o.operation, o.fields)
		o.state = observeRunning
	}

	v, ok := o.pull()
	if !ok {
		if err := o.source.Err(); err != nil {
			file, line := o.location()
			o.fail(err.Error(), file, line)
			return zero, false
		}
		o.state = observeFinished
		o.tracer.EndTrace(o.traceID, F("total_steps", o.step))
		return zero, false
	}

	o.step++
	if o.tracer.IsEnabled() {
		o.tracer.TraceWith(LevelDebug, TaskYield,
			fmt.Sprintf("Generator step %d for: %s", o.step, o.operation),
			F("step", o.step, "current", Any(v)),
			o.traceID, "")
	}
	return v, true
}

func (o *Observed[T, R]) pull() (T, bool) {
	defer func() {
		if r := recover(); r != nil {
			file, line := o.location()
			if _, ok := o.source.(Located); !ok {
				if site, siteLine := panicSite(); site != "" {
					file, line = site, siteLine
				}
			}
			o.fail(panicMessage(r), file, line)
			panic(r)
		}
	}()
	return o.source.Next()
}

// location prefers the source's own location over the instrumentation site.
func (o *Observed[T, R]) location() (string, int) {
	if l, ok := o.source.(Located); ok {
		if file, line := l.Location(); file != "" {
			return file, line
		}
	}
	return o.file, o.line
}

// Location implements Located, so nested wrappers report the innermost
// producer.
func (o *Observed[T, R]) Location() (string, int) { return o.location() }

func (o *Observed[T, R]) fail(message, file string, line int) {
	o.state = observeFailed
	o.tracer.TraceWith(LevelError, TaskError, "Generator error in: "+o.operation,
		F("error", message, "file", file, "line", line, "step", o.step),
		o.traceID, "")
	o.tracer.EndTrace(o.traceID, F("error", true, "total_steps", o.step))
}

// Err returns the wrapped sequence's error.
func (o *Observed[T, R]) Err() error { return o.source.Err() }

// Result returns the wrapped sequence's final value.
func (o *Observed[T, R]) Result() R { return o.source.Result() }

// Stop abandons the sequence. No completion event is emitted and the trace,
// if started, stays active.
func (o *Observed[T, R]) Stop() {
	if o.state == observePending || o.state == observeRunning {
		o.state = observeStopped
	}
	o.source.Stop()
}

// TraceID returns the trace id, or "" before the first Next.
func (o *Observed[T, R]) TraceID() string { return o.traceID }

// Steps returns how many values have been produced so far.
func (o *Observed[T, R]) Steps() int { return o.step }

// All returns an iterator over the remaining values. Breaking out of the
// loop stops the sequence.
func (o *Observed[T, R]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		for {
			v, ok := o.Next()
			if !ok {
				return
			}
			if !yield(v) {
				o.Stop()
				return
			}
		}
	}
}

func panicMessage(r any) string {
	if err, ok := r.(error); ok {
		return err.Error()
	}
	return fmt.Sprint(r)
}

// panicSite finds the frame that raised the panic being recovered.
// It must be called from the deferred function that recovers.
func panicSite() (string, int) {
	pcs := make([]uintptr, 64)
	n := runtime.Callers(2, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	sawPanic := false
	for {
		frame, more := frames.Next()
		if sawPanic && !isRuntimeFrame(frame.Function) {
			return frame.File, frame.Line
		}
		if frame.Function == "runtime.gopanic" {
			sawPanic = true
		}
		if !more {
			return "", 0
		}
	}
}

func isRuntimeFrame(fn string) bool {
	return strings.HasPrefix(fn, "runtime.") || strings.HasPrefix(fn, "iter.")
}
