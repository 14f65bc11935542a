package vtracer

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Collector is a buffering Handler. Events are queued on a bounded channel
// and picked up by a background goroutine; when the channel is full the
// event is dropped and counted instead of blocking the caller.
//
// Without a downstream handler the collector keeps events in memory until
// Export. With one (ForwardTo) every event is handed to it from the
// background goroutine, which keeps slow sinks such as FileHandler off the
// caller's path.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field alignment optimized for readability over memory efficiency
type Collector struct {
	events       []Event
	eventsCh     chan Event
	stopCh       chan struct{}
	done         chan struct{}
	downstream   Handler
	logger       *slog.Logger
	droppedCount atomic.Int64
	name         string
	mu           sync.Mutex
	sendMu       sync.RWMutex // held for writing only while marking closed
	closeOnce    sync.Once
	closed       atomic.Bool
	syncMode     bool
}

// CollectorOption configures a Collector.
type CollectorOption func(*Collector)

// ForwardTo sends every collected event to h instead of buffering it.
func ForwardTo(h Handler) CollectorOption {
	return func(c *Collector) { c.downstream = h }
}

// WithCollectorLogger sets the logger for downstream faults.
func WithCollectorLogger(logger *slog.Logger) CollectorOption {
	return func(c *Collector) { c.logger = logger }
}

// NewCollector creates a collector with the given name and queue size.
func NewCollector(name string, bufferSize int, opts ...CollectorOption) *Collector {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	c := &Collector{
		name:     name,
		events:   make([]Event, 0, 8), // Start with small capacity.
		eventsCh: make(chan Event, bufferSize),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	go c.start()
	return c
}

// Name returns the collector's name.
func (c *Collector) Name() string { return c.name }

// start runs the collector's main loop, receiving events from the channel.
func (c *Collector) start() {
	defer close(c.done)

	for {
		select {
		case <-c.stopCh:
			// Drain remaining events before shutdown.
			for {
				select {
				case event := <-c.eventsCh:
					c.accept(event)
				default:
					return
				}
			}
		case event := <-c.eventsCh:
			c.accept(event)
		}
	}
}

// Close stops the background goroutine after draining queued events.
// Events handled after Close are dropped.
func (c *Collector) Close() {
	c.closeOnce.Do(func() {
		// No Handle can be between its closed check and its send once the
		// write lock is held, so the drain below sees every queued event.
		c.sendMu.Lock()
		c.closed.Store(true)
		c.sendMu.Unlock()
		close(c.stopCh)
		<-c.done
	})
}

// Handle queues the event. In sync mode the event is accepted inline.
func (c *Collector) Handle(event Event) {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()

	if c.closed.Load() {
		c.droppedCount.Add(1)
		return
	}

	if c.syncMode {
		c.accept(event)
		return
	}

	select {
	case c.eventsCh <- event:
	default:
		// Channel full - drop event to prevent blocking.
		c.droppedCount.Add(1)
	}
}

func (c *Collector) accept(event Event) {
	if c.downstream != nil {
		c.forward(event)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *Collector) forward(event Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("vtracer: collector downstream panicked",
				"collector", c.name,
				"panic", r,
				"trace_id", event.TraceID(),
			)
		}
	}()
	c.downstream.Handle(event)
}

// Export returns the buffered events and clears the buffer.
func (c *Collector) Export() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.events) == 0 {
		return nil
	}

	result := make([]Event, len(c.events))
	copy(result, c.events)

	// Only shrink if buffer is very oversized to avoid allocation churn.
	if cap(c.events) > 256 && len(c.events) < cap(c.events)/8 {
		newCap := cap(c.events) / 4
		if newCap < 32 {
			newCap = 32
		}
		c.events = make([]Event, 0, newCap)
	} else {
		clear(c.events)
		c.events = c.events[:0]
	}

	return result
}

// Count returns the current number of buffered events.
func (c *Collector) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

// DroppedCount returns the total number of events dropped due to backpressure.
func (c *Collector) DroppedCount() int64 {
	return c.droppedCount.Load()
}

// SetSyncMode enables synchronous collection for testing.
// When enabled, events are accepted directly without using the channel.
func (c *Collector) SetSyncMode(sync bool) {
	c.syncMode = sync
}

// Reset clears all buffered events and resets the drop counter.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	clear(c.events)
	c.events = c.events[:0]
	c.droppedCount.Store(0)
}
