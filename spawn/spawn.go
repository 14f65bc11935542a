// Package spawn runs traced tasks as a group.
//
// A Group is the task spawn entry point of the runtime: every task is
// announced with a TASK_SPAWN event, runs under its own trace and, when it
// consumes a Sequence, is observed step by step. The first task failure
// cancels the group's context and is returned by Wait.
//
//	g, ctx := spawn.NewGroup(ctx, tracer)
//	h := spawn.Spawn(g, "reader", vtracer.Generate(readLines), nil, handleLine)
//	g.Go("heartbeat", func(ctx context.Context) error { ... })
//	if err := g.Wait(); err != nil { ... }
//	lines, _ := h.Result()
package spawn

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/vosaka/vtracer"
)

// PanicError is returned for a task that panicked.
type PanicError struct {
	Task  string
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("spawn: task %s panicked: %v", e.Task, e.Value)
}

// Unwrap returns the panic value if it is an error.
func (e *PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}

// Option configures a Group.
type Option func(*groupConfig)

type groupConfig struct {
	limit     int
	keepGoing bool
}

// WithLimit bounds the number of tasks running at once.
// A negative limit means no bound.
func WithLimit(n int) Option {
	return func(c *groupConfig) { c.limit = n }
}

// KeepGoing makes task failures independent: a failing task no longer
// cancels the group context. Wait still reports the first failure.
func KeepGoing() Option {
	return func(c *groupConfig) { c.keepGoing = true }
}

// Group runs traced tasks and waits for them.
type Group struct {
	eg     *errgroup.Group
	ctx    context.Context
	tracer *vtracer.Tracer
	ext    *vtracer.Extensions
	parent string
}

// NewGroup creates a group whose tasks trace to tracer. If ctx carries a
// trace id, task traces record it as their parent. Unless KeepGoing is
// given, the returned context is canceled when a task fails or Wait
// returns.
func NewGroup(ctx context.Context, tracer *vtracer.Tracer, opts ...Option) (*Group, context.Context) {
	cfg := groupConfig{limit: -1}
	for _, opt := range opts {
		opt(&cfg)
	}

	var eg *errgroup.Group
	gctx := ctx
	if cfg.keepGoing {
		eg = &errgroup.Group{}
	} else {
		eg, gctx = errgroup.WithContext(ctx)
	}
	eg.SetLimit(cfg.limit)

	return &Group{
		eg:     eg,
		ctx:    gctx,
		tracer: tracer,
		ext:    vtracer.NewExtensions(tracer),
		parent: vtracer.TraceIDFromContext(ctx),
	}, gctx
}

// Go runs fn as a task named name. fn receives a context carrying the
// task's trace id. A returned error or a panic is recorded as TASK_ERROR and
// ends the trace with error=true.
func (g *Group) Go(name string, fn func(ctx context.Context) error) {
	g.ext.Spawn(name, g.parent)
	g.eg.Go(func() (err error) {
		ctx, traceID := g.tracer.StartTraceContext(g.ctx, taskName(name), nil)
		defer func() {
			if r := recover(); r != nil {
				err = &PanicError{Task: taskName(name), Value: r}
			}
			g.finish(name, traceID, err)
		}()
		return fn(ctx)
	})
}

func (g *Group) finish(name, traceID string, err error) {
	if err == nil {
		g.tracer.EndTrace(traceID, nil)
		return
	}
	g.tracer.TraceWith(vtracer.LevelError, vtracer.TaskError, "Task failed: "+taskName(name),
		vtracer.F("error", err), traceID, "")
	g.tracer.EndTrace(traceID, vtracer.F("error", true))
}

// Wait blocks until every task has returned and reports the first failure.
func (g *Group) Wait() error {
	return g.eg.Wait()
}

// Handle gives access to the outcome of a spawned sequence.
type Handle[R any] struct {
	done    chan struct{}
	result  R
	err     error
	traceID string
}

// Done is closed when the task has finished.
func (h *Handle[R]) Done() <-chan struct{} { return h.done }

// Result waits for the task and returns the sequence's result and the
// task's error.
func (h *Handle[R]) Result() (R, error) {
	<-h.done
	return h.result, h.err
}

// TraceID waits for the task and returns the trace id of its observation.
func (h *Handle[R]) TraceID() string {
	<-h.done
	return h.traceID
}

// Spawn runs seq to completion as a task named name, observing it under a
// trace with fields. Each value is passed to consume; a consume error stops
// the sequence and fails the task. Cancellation of the group context
// abandons the sequence. A producer error or panic fails the task after it
// has been recorded by the observation.
func Spawn[T, R any](g *Group, name string, seq vtracer.Sequence[T, R], fields vtracer.Fields, consume func(T) error) *Handle[R] {
	h := &Handle[R]{done: make(chan struct{})}
	if g.parent != "" {
		fields = vtracer.F("parent_trace", g.parent).Merge(fields)
	}

	g.ext.Spawn(name, g.parent)
	g.eg.Go(func() (err error) {
		defer close(h.done)
		defer func() {
			if r := recover(); r != nil {
				err = &PanicError{Task: taskName(name), Value: r}
			}
			h.err = err
		}()

		obs := vtracer.Observe(g.tracer, seq, taskName(name), fields)
		defer func() { h.traceID = obs.TraceID() }()

		for {
			if err := g.ctx.Err(); err != nil {
				obs.Stop()
				return err
			}
			v, ok := obs.Next()
			if !ok {
				break
			}
			if consume == nil {
				continue
			}
			if err := consume(v); err != nil {
				obs.Stop()
				return err
			}
		}
		h.result = obs.Result()
		return obs.Err()
	})
	return h
}

func taskName(name string) string {
	if name == "" {
		return "anonymous"
	}
	return name
}
