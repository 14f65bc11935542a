package spawn

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/vosaka/vtracer"
)

type recorder struct {
	mu     sync.Mutex
	events []vtracer.Event
}

func (r *recorder) Handle(e vtracer.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) ofType(typ vtracer.EventType) []vtracer.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []vtracer.Event
	for _, e := range r.events {
		if e.Type() == typ {
			out = append(out, e)
		}
	}
	return out
}

type mockHandler struct {
	mock.Mock
}

func (m *mockHandler) Handle(e vtracer.Event) {
	m.Called(e)
}

func newTracer(t *testing.T) (*vtracer.Tracer, *recorder) {
	t.Helper()
	tracer := vtracer.New()
	t.Cleanup(tracer.Close)
	rec := &recorder{}
	tracer.AddHandler(rec)
	return tracer, rec
}

func numbers(n int, fail error) vtracer.Sequence[int, int] {
	return vtracer.Generate(func(yield func(int) bool) (int, error) {
		sum := 0
		for i := 1; i <= n; i++ {
			if !yield(i) {
				return sum, nil
			}
			sum += i
		}
		return sum, fail
	})
}

func TestSpawnRunsSequence(t *testing.T) {
	tracer, rec := newTracer(t)
	g, _ := NewGroup(context.Background(), tracer)

	var seen []int
	h := Spawn(g, "sum", numbers(3, nil), vtracer.F("batch", 1), func(v int) error {
		seen = append(seen, v)
		return nil
	})

	require.NoError(t, g.Wait())
	result, err := h.Result()
	require.NoError(t, err)
	assert.Equal(t, 6, result)
	assert.Equal(t, []int{1, 2, 3}, seen)

	spawns := rec.ofType(vtracer.TaskSpawn)
	require.Len(t, spawns, 2)
	assert.Equal(t, "task spawn called", spawns[0].Message())
	assert.Equal(t, vtracer.LevelInfo, spawns[0].Level())
	assert.Equal(t, "Starting trace for: sum", spawns[1].Message())
	assert.Equal(t, h.TraceID(), spawns[1].TraceID())

	assert.Len(t, rec.ofType(vtracer.TaskYield), 3)
	assert.Len(t, rec.ofType(vtracer.TaskComplete), 1)
	assert.Zero(t, tracer.ActiveTraceCount())
}

func TestSpawnPropagatesProducerError(t *testing.T) {
	tracer, rec := newTracer(t)
	g, _ := NewGroup(context.Background(), tracer)
	errBroken := errors.New("broken pipe")

	h := Spawn[int, int](g, "reader", numbers(2, errBroken), nil, nil)

	err := g.Wait()
	assert.Same(t, errBroken, err)
	_, herr := h.Result()
	assert.Same(t, errBroken, herr)

	failures := rec.ofType(vtracer.TaskError)
	require.Len(t, failures, 1)
	assert.Equal(t, "Generator error in: reader", failures[0].Message())
	assert.Zero(t, tracer.ActiveTraceCount())
}

func TestSpawnConvertsPanic(t *testing.T) {
	tracer, rec := newTracer(t)
	g, _ := NewGroup(context.Background(), tracer)
	boom := errors.New("boom")

	h := Spawn(g, "explode", vtracer.Generate(func(yield func(string) bool) (int, error) {
		yield("first")
		panic(boom)
	}), nil, nil)

	err := g.Wait()
	var perr *PanicError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "explode", perr.Task)
	assert.ErrorIs(t, err, boom)

	_, herr := h.Result()
	assert.Equal(t, err, herr)
	assert.Len(t, rec.ofType(vtracer.TaskError), 1)
}

func TestSpawnConsumeErrorAbandonsSequence(t *testing.T) {
	tracer, rec := newTracer(t)
	g, _ := NewGroup(context.Background(), tracer)
	errFull := errors.New("queue full")

	h := Spawn(g, "drain", numbers(10, nil), nil, func(v int) error {
		if v == 2 {
			return errFull
		}
		return nil
	})

	assert.ErrorIs(t, g.Wait(), errFull)
	assert.Len(t, rec.ofType(vtracer.TaskYield), 2)
	assert.Empty(t, rec.ofType(vtracer.TaskComplete))

	active := tracer.ActiveTraces()
	_, ok := active[h.TraceID()]
	assert.True(t, ok, "abandoned observation stays in the registry")
}

func TestGroupCancelsSiblings(t *testing.T) {
	tracer := vtracer.New()
	defer tracer.Close()
	g, ctx := NewGroup(context.Background(), tracer)
	errFatal := errors.New("fatal")

	forever := vtracer.Generate(func(yield func(int) bool) (int, error) {
		for i := 0; ; i++ {
			if !yield(i) {
				return i, nil
			}
		}
	})
	h := Spawn(g, "forever", forever, nil, nil)
	g.Go("failing", func(context.Context) error { return errFatal })

	assert.Same(t, errFatal, g.Wait())
	assert.Error(t, ctx.Err())

	_, err := h.Result()
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGroupGoTracesTask(t *testing.T) {
	tracer, rec := newTracer(t)
	parentCtx, parent := tracer.StartTraceContext(context.Background(), "request", nil)
	g, _ := NewGroup(parentCtx, tracer, WithLimit(2))

	var taskTrace string
	g.Go("lookup", func(ctx context.Context) error {
		taskTrace = vtracer.TraceIDFromContext(ctx)
		return nil
	})
	g.Go("", func(context.Context) error { return errors.New("not found") })

	assert.EqualError(t, g.Wait(), "not found")
	assert.NotEqual(t, parent, taskTrace)

	var lookupStart vtracer.Event
	for _, e := range rec.ofType(vtracer.TaskSpawn) {
		if e.Message() == "Starting trace for: lookup" {
			lookupStart = e
		}
	}
	require.Equal(t, taskTrace, lookupStart.TraceID())
	p, _ := lookupStart.Field("parent_trace")
	assert.Equal(t, parent, p.Str())

	failures := rec.ofType(vtracer.TaskError)
	require.Len(t, failures, 1)
	assert.Equal(t, "Task failed: anonymous", failures[0].Message())
	msg, _ := failures[0].Field("error")
	assert.Equal(t, "not found", msg.Str())
}

func TestGroupGoPanic(t *testing.T) {
	handler := &mockHandler{}
	handler.On("Handle", mock.MatchedBy(func(e vtracer.Event) bool {
		return e.Type() == vtracer.TaskError
	})).Return().Once()
	handler.On("Handle", mock.Anything).Return()

	tracer := vtracer.New()
	defer tracer.Close()
	tracer.AddHandler(handler)

	g, _ := NewGroup(context.Background(), tracer)
	g.Go("crash", func(context.Context) error { panic("nil map") })

	err := g.Wait()
	var perr *PanicError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "nil map", perr.Value)
	assert.Nil(t, perr.Unwrap())
	assert.Zero(t, tracer.ActiveTraceCount())
	handler.AssertExpectations(t)
}

func TestGroupKeepGoing(t *testing.T) {
	tracer, _ := newTracer(t)
	g, ctx := NewGroup(context.Background(), tracer, KeepGoing())
	errFirst := errors.New("first")

	g.Go("first", func(context.Context) error { return errFirst })
	h := Spawn[int, int](g, "survivor", numbers(4, nil), nil, nil)

	assert.Same(t, errFirst, g.Wait())
	assert.NoError(t, ctx.Err())

	sum, err := h.Result()
	require.NoError(t, err)
	assert.Equal(t, 10, sum)
}
